package templates

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// Watcher invalidates compiled templates when their files change on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	resolver *Resolver
	log      *logrus.Entry
}

func NewWatcher(logger *logrus.Logger, dir string, resolver *Resolver) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create template watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch template dir %s: %w", dir, err)
	}
	return &Watcher{
		watcher:  w,
		resolver: resolver,
		log:      logger.WithFields(logrus.Fields{"component": "template_watcher", "dir": dir}),
	}, nil
}

// Run blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	w.log.Info("Starting template watcher")

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Stopping template watcher")
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Template watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}
	name, ok := templateName(event.Name)
	if !ok {
		return
	}
	w.log.WithFields(logrus.Fields{
		"template": name,
		"op":       event.Op.String(),
	}).Debug("Template changed")
	w.resolver.Invalidate(name)
}

func templateName(path string) (string, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, Extension) {
		return "", false
	}
	return strings.TrimSuffix(base, Extension), true
}
