package render

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/sdko-org/docvault/internal/errs"
)

const (
	DefaultPoolSize      = 3
	DefaultRenderTimeout = time.Minute
)

var (
	handlesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docvault_render_handles_in_use",
		Help: "Render engine handles currently leased.",
	})
	handlesLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "docvault_render_handles_live",
		Help: "Render engine handles currently running, idle or leased.",
	})
	handlesRecycledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "docvault_render_handles_recycled_total",
		Help: "Render engine handles destroyed instead of returned to the idle set.",
	}, []string{"reason"})
	renderDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "docvault_render_duration_seconds",
		Help:    "Time spent rendering markup to PDF, excluding pool wait.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})
	renderFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "docvault_render_failures_total",
		Help: "Renders that returned an error.",
	})
)

type PoolConfig struct {
	Size          int
	RenderTimeout time.Duration
	// MaxAge and MaxUses bound a handle's lifetime; zero disables the limit.
	MaxAge  time.Duration
	MaxUses int
	Format  PageFormat
}

// Handle is a leased render engine. It belongs to exactly one in-flight
// render between Acquire and Release.
type Handle struct {
	id      int
	engine  Engine
	created time.Time
	uses    int
	leased  bool
	suspect bool
	// closed is set under the pool lock by whoever takes the engine out of
	// the live set; only that caller closes it.
	closed bool
}

func (h *Handle) ID() int {
	return h.id
}

// MarkSuspect makes the pool destroy h on release instead of reusing it.
func (h *Handle) MarkSuspect() {
	h.suspect = true
}

type PoolStats struct {
	Live   int
	Idle   int
	Leased int
	Peak   int
}

type Pool struct {
	cfg    PoolConfig
	launch Launcher
	sem    *semaphore.Weighted
	log    *logrus.Entry

	mu       sync.Mutex
	idle     []*Handle
	live     map[*Handle]struct{}
	leased   int
	peak     int
	nextID   int
	closed   bool
	shutdown sync.Once
}

func NewPool(logger *logrus.Logger, cfg PoolConfig, launch Launcher) *Pool {
	if cfg.Size <= 0 {
		cfg.Size = DefaultPoolSize
	}
	if cfg.RenderTimeout <= 0 {
		cfg.RenderTimeout = DefaultRenderTimeout
	}
	if cfg.Format == (PageFormat{}) {
		cfg.Format = A4
	}
	return &Pool{
		cfg:    cfg,
		launch: launch,
		sem:    semaphore.NewWeighted(int64(cfg.Size)),
		log:    logger.WithFields(logrus.Fields{"component": "render_pool", "size": cfg.Size}),
		live:   make(map[*Handle]struct{}),
	}
}

// Acquire leases a handle, reusing an idle one or launching a new engine
// while fewer than Size exist. When the pool is saturated it blocks until a
// handle is released or ctx is done.
func (p *Pool) Acquire(ctx context.Context) (*Handle, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for handle: %v", errs.ErrEngineUnavailable, err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, fmt.Errorf("%w: pool is shut down", errs.ErrEngineUnavailable)
	}
	if n := len(p.idle); n > 0 {
		h := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.leaseLocked(h)
		p.mu.Unlock()
		return h, nil
	}
	p.nextID++
	id := p.nextID
	p.mu.Unlock()

	// Holding a semaphore slot with no idle handle means fewer than Size
	// handles exist, so launching stays within the bound.
	engine, err := p.launch(ctx)
	if err != nil {
		p.sem.Release(1)
		p.log.WithError(err).Error("Failed to launch render engine")
		return nil, fmt.Errorf("%w: %v", errs.ErrEngineUnavailable, err)
	}
	h := &Handle{id: id, engine: engine, created: time.Now()}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeEngine(h, "shutdown")
		p.sem.Release(1)
		return nil, fmt.Errorf("%w: pool is shut down", errs.ErrEngineUnavailable)
	}
	p.live[h] = struct{}{}
	handlesLive.Inc()
	p.leaseLocked(h)
	p.mu.Unlock()

	p.log.WithField("handle", id).Info("Launched render engine")
	return h, nil
}

func (p *Pool) leaseLocked(h *Handle) {
	h.leased = true
	p.leased++
	if p.leased > p.peak {
		p.peak = p.leased
	}
	handlesInUse.Inc()
}

// Release returns h to the idle set, or destroys it when it is suspect,
// past its lifetime, or the pool is shutting down.
func (p *Pool) Release(h *Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	if !h.leased {
		p.mu.Unlock()
		p.log.WithField("handle", h.id).Warn("Release of a handle that is not leased")
		return
	}
	h.leased = false
	p.leased--
	handlesInUse.Dec()

	reason := p.recycleReason(h)
	closeNow := false
	switch {
	case reason == "":
		p.idle = append(p.idle, h)
	case !h.closed:
		h.closed = true
		closeNow = true
		delete(p.live, h)
		handlesLive.Dec()
	}
	p.mu.Unlock()

	if closeNow {
		p.closeEngine(h, reason)
	}
	p.sem.Release(1)
}

func (p *Pool) recycleReason(h *Handle) string {
	switch {
	case p.closed:
		return "shutdown"
	case h.suspect:
		return "suspect"
	case p.cfg.MaxAge > 0 && time.Since(h.created) > p.cfg.MaxAge:
		return "max_age"
	case p.cfg.MaxUses > 0 && h.uses >= p.cfg.MaxUses:
		return "max_uses"
	}
	return ""
}

func (p *Pool) closeEngine(h *Handle, reason string) {
	handlesRecycledTotal.WithLabelValues(reason).Inc()
	log := p.log.WithFields(logrus.Fields{"handle": h.id, "reason": reason, "uses": h.uses})
	if err := h.engine.Close(); err != nil {
		log.WithError(err).Warn("Failed to close render engine")
		return
	}
	log.Debug("Closed render engine")
}

// Render leases a handle, renders markup with the pool's page format and
// releases the handle on every path.
func (p *Pool) Render(ctx context.Context, markup []byte) ([]byte, error) {
	h, err := p.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.Release(h)

	rctx, cancel := context.WithTimeout(ctx, p.cfg.RenderTimeout)
	defer cancel()

	start := time.Now()
	h.uses++
	out, err := h.engine.Render(rctx, markup, p.cfg.Format)
	if err == nil && len(out) == 0 {
		err = fmt.Errorf("engine returned an empty document")
	}
	if err != nil {
		h.MarkSuspect()
		renderFailuresTotal.Inc()
		p.log.WithFields(logrus.Fields{
			"handle":   h.id,
			"duration": time.Since(start),
		}).WithError(err).Warn("Render failed")
		return nil, fmt.Errorf("%w: %v", errs.ErrRenderFailed, err)
	}

	renderDuration.Observe(time.Since(start).Seconds())
	return out, nil
}

// Shutdown closes every engine the pool created, leased ones included, so
// no browser process outlives it. Renders still running on a leased handle
// fail; their Release only returns the slot. It is idempotent.
func (p *Pool) Shutdown() {
	p.shutdown.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.idle = nil
		handles := make([]*Handle, 0, len(p.live))
		for h := range p.live {
			h.closed = true
			handles = append(handles, h)
			delete(p.live, h)
			handlesLive.Dec()
		}
		leased := p.leased
		p.mu.Unlock()

		for _, h := range handles {
			p.closeEngine(h, "shutdown")
		}
		p.log.WithFields(logrus.Fields{
			"closed": len(handles),
			"leased": leased,
		}).Info("Render pool shut down")
	})
}

func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Live:   len(p.live),
		Idle:   len(p.idle),
		Leased: p.leased,
		Peak:   p.peak,
	}
}
