// Package hello schedules periodic HELLO beacon emission, the housekeeper
// task's control-plane half described in the concurrency model.
//
// Collapsed from a two-timer advert scheduler (separate local and flood
// cadences) down to a single HELLO_INTERVAL timer: this hello engine has
// exactly one beacon cadence, not two classes of announcement.
package hello

import (
	"context"
	"log/slog"
	"sync"
	"time"

	corehello "github.com/loramesh/mesh-router/core/hello"
	"github.com/loramesh/mesh-router/core/routing"
	"github.com/loramesh/mesh-router/core/wire"
)

// DefaultInterval is HELLO_INTERVAL's default value.
const DefaultInterval = 120 * time.Second

// tickResolution is how often the scheduler wakes to check its deadline;
// it only needs to be finer than Interval, not finer than a caller's own
// clock resolution.
const tickResolution = 50 * time.Millisecond

// Sender is the subset of the forwarding pipeline the scheduler needs: a
// way to hand a built HELLO packet to the radio.
type Sender interface {
	SendBeacon(pkt *wire.Packet)
}

// Config configures a Scheduler.
type Config struct {
	// Interval between beacons. Zero uses DefaultInterval.
	Interval time.Duration

	LocalAddress  wire.Address
	LocalRole     uint8
	Table         *routing.Table
	IDs           *wire.PacketIDCounter
	MaxPacketSize int

	Logger *slog.Logger

	// nowFn allows overriding time.Now() for testing.
	nowFn func() time.Time
}

// Scheduler emits one HELLO beacon per Interval.
type Scheduler struct {
	cfg    Config
	log    *slog.Logger
	sender Sender

	mu     sync.Mutex
	next   time.Time
	cancel context.CancelFunc
}

// New creates a Scheduler that sends through sender.
func New(sender Sender, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = wire.DefaultMaxPacketSize
	}
	if cfg.nowFn == nil {
		cfg.nowFn = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{cfg: cfg, log: log.WithGroup("hello"), sender: sender}
}

// Start runs the beacon loop until ctx is cancelled. Call it in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.resetLocked()
	s.mu.Unlock()

	ticker := time.NewTicker(tickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkTimer()
		}
	}
}

// Stop cancels the beacon loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// SendNow builds and sends a beacon immediately, resetting the timer.
func (s *Scheduler) SendNow() {
	pkt, truncated := corehello.BuildBeacon(s.cfg.Table, s.cfg.LocalAddress, s.cfg.LocalRole, s.cfg.IDs, s.cfg.MaxPacketSize)
	if truncated {
		s.log.Warn("hello beacon truncated to fit max_packet_size", "max", s.cfg.MaxPacketSize)
	}
	s.sender.SendBeacon(pkt)

	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
}

func (s *Scheduler) checkTimer() {
	s.mu.Lock()
	now := s.cfg.nowFn()
	if now.Before(s.next) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.SendNow()
}

func (s *Scheduler) resetLocked() {
	s.next = s.cfg.nowFn().Add(s.cfg.Interval)
}
