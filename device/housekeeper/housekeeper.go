// Package housekeeper implements the third concurrency-model task: a
// periodic timer driving hello beacon emission and routing-table timeout
// sweeps. It composes device/hello.Scheduler (the beacon half) with its
// own sweep loop (the table-maintenance half) so callers launch one task
// for both.
package housekeeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/loramesh/mesh-router/core/clock"
	"github.com/loramesh/mesh-router/core/routing"
	devicehello "github.com/loramesh/mesh-router/device/hello"
)

// DefaultSweepInterval is how often the routing table is checked for
// timed-out entries.
const DefaultSweepInterval = 1 * time.Second

// Config configures a Housekeeper.
type Config struct {
	Table         *routing.Table
	Clock         clock.Source
	SweepInterval time.Duration
	Logger        *slog.Logger
}

// Housekeeper runs the hello-beacon scheduler and the routing-table
// sweep loop for as long as its context is alive.
type Housekeeper struct {
	cfg   Config
	log   *slog.Logger
	hello *devicehello.Scheduler

	cancel context.CancelFunc
}

// New creates a Housekeeper. hello is the already-configured beacon
// scheduler; Housekeeper only calls its Start/Stop.
func New(hello *devicehello.Scheduler, cfg Config) *Housekeeper {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Housekeeper{cfg: cfg, log: log.WithGroup("housekeeper"), hello: hello}
}

// Start runs both sub-tasks until ctx is cancelled or Stop is called.
func (h *Housekeeper) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	go h.hello.Start(ctx)
	go h.sweepLoop(ctx)
}

// Stop cancels both sub-tasks.
func (h *Housekeeper) Stop() {
	if h.cancel != nil {
		h.cancel()
		h.hello.Stop()
		h.cancel = nil
	}
}

func (h *Housekeeper) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			before := h.cfg.Table.Len()
			h.cfg.Table.SweepTimeouts(h.cfg.Clock.NowMs())
			if after := h.cfg.Table.Len(); after < before {
				h.log.Debug("swept timed-out routes", "evicted", before-after)
			}
		}
	}
}
