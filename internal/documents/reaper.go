package documents

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const reapBatch = 100

// Reaper hard-deletes documents that have been soft-deleted for longer than
// the retention period.
type Reaper struct {
	svc       *Service
	retention time.Duration
	interval  time.Duration
	log       *logrus.Entry
}

func NewReaper(logger *logrus.Logger, svc *Service, retention, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	return &Reaper{
		svc:       svc,
		retention: retention,
		interval:  interval,
		log:       logger.WithField("component", "document_reaper"),
	}
}

func (r *Reaper) Start(ctx context.Context) {
	if r.retention <= 0 {
		r.log.Info("Retention disabled, reaper not started")
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.WithFields(logrus.Fields{
		"retention": r.retention,
		"interval":  r.interval,
	}).Info("Starting document reaper")

	for {
		select {
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.WithError(err).Error("Reap pass failed")
			}
		case <-ctx.Done():
			r.log.Info("Stopping document reaper")
			return
		}
	}
}

// RunOnce hard-deletes every expired document and returns how many were
// removed. Individual failures are logged and skipped.
func (r *Reaper) RunOnce(ctx context.Context) (int, error) {
	log := r.log.WithField("operation", "reap")
	cutoff := r.svc.now().Add(-r.retention)

	removed := 0
	for {
		docs, err := r.svc.meta.ListSoftDeletedBefore(ctx, cutoff, reapBatch)
		if err != nil {
			return removed, err
		}
		if len(docs) == 0 {
			break
		}

		progressed := false
		for _, doc := range docs {
			if err := r.svc.HardDelete(ctx, doc.ID); err != nil {
				log.WithError(err).WithField("document", doc.ID).Error("Failed to reap document")
				continue
			}
			removed++
			progressed = true
		}
		if !progressed || len(docs) < reapBatch {
			break
		}
	}

	if removed > 0 {
		log.WithField("count", removed).Info("Reaped expired documents")
	}
	return removed, nil
}
