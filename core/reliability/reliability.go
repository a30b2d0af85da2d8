// Package reliability implements the NEED_ACK retry supplement: tracking
// outbound packets sent with the NEED_ACK type bit set, resending them on
// timeout up to a retry budget, and synthesizing a LOST control packet
// for the application when that budget is exhausted.
//
// The map-of-pending/timeout-ticker/retry-or-give-up shape follows a
// standard ACK tracker; what differs is the key (a uint32 derived from the
// packet's id -- the router passes the 24-bit ACK correlator -- rather than
// a 4-byte ACK hash) and what happens on exhaustion
// (synthesizing and delivering a LOST packet rather than calling an
// arbitrary OnTimeout callback).
package reliability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/loramesh/mesh-router/core/wire"
)

// DefaultACKTimeout is the default time to wait for an ACK before retrying
// or giving up.
const DefaultACKTimeout = 12 * time.Second

// DefaultMaxRetries is the default number of retry attempts after the
// initial send (total attempts = 1 + MaxRetries).
const DefaultMaxRetries = 3

const checkInterval = time.Second

// PendingSend is one outbound NEED_ACK packet awaiting acknowledgement.
type PendingSend struct {
	// Dst and SeqID/Number identify the LOST packet synthesized on
	// exhaustion, matching the original send's addressing.
	Dst    wire.Address
	SeqID  uint8
	Number uint16

	// Resend re-enqueues the original packet on the tx_queue. Required.
	Resend func()

	sentAt  time.Time
	retries int
}

// LostSink receives a synthesized LOST packet when a tracked send's
// retries are exhausted -- ordinarily the application queue.
type LostSink interface {
	Deliver(pkt *wire.Packet)
}

// Config configures a Tracker.
type Config struct {
	ACKTimeout time.Duration
	MaxRetries int
	LocalAddress wire.Address
	IDs        *wire.PacketIDCounter
	Sink       LostSink
	Logger     *slog.Logger

	nowFn func() time.Time
}

// Tracker tracks pending NEED_ACK sends and drives their retry/give-up
// lifecycle.
type Tracker struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	pending map[uint32]*PendingSend
	cancel  context.CancelFunc
}

// New creates a Tracker.
func New(cfg Config) *Tracker {
	if cfg.ACKTimeout <= 0 {
		cfg.ACKTimeout = DefaultACKTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.nowFn == nil {
		cfg.nowFn = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     log.WithGroup("reliability"),
		pending: make(map[uint32]*PendingSend),
	}
}

// Track registers a pending NEED_ACK send under its packet id. An
// existing entry with the same id is replaced without running its
// callbacks.
func (t *Tracker) Track(id uint32, pending PendingSend) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pending.sentAt = t.cfg.nowFn()
	pending.retries = 0
	t.pending[id] = &pending
}

// Resolve marks id's ACK as received, removing it from tracking. Returns
// true if id was pending.
func (t *Tracker) Resolve(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
	}
	return ok
}

// Cancel removes a pending send without synthesizing a LOST packet.
func (t *Tracker) Cancel(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// PendingCount returns the number of sends currently awaiting ACK.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Start runs the timeout-check loop until ctx is cancelled.
func (t *Tracker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.checkTimeouts()
		}
	}
}

// Stop cancels the timeout-check loop.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

func (t *Tracker) checkTimeouts() {
	t.mu.Lock()
	now := t.cfg.nowFn()

	var retryIDs, lostIDs []uint32
	for id, p := range t.pending {
		if now.Sub(p.sentAt) < t.cfg.ACKTimeout {
			continue
		}
		if p.retries < t.cfg.MaxRetries {
			retryIDs = append(retryIDs, id)
		} else {
			lostIDs = append(lostIDs, id)
		}
	}

	toRetry := make(map[uint32]*PendingSend, len(retryIDs))
	for _, id := range retryIDs {
		p := t.pending[id]
		p.retries++
		p.sentAt = now
		toRetry[id] = p
	}

	toLose := make(map[uint32]*PendingSend, len(lostIDs))
	for _, id := range lostIDs {
		toLose[id] = t.pending[id]
		delete(t.pending, id)
	}
	t.mu.Unlock()

	for id, p := range toRetry {
		t.log.Debug("retrying NEED_ACK send", "id", id, "attempt", p.retries)
		if p.Resend != nil {
			p.Resend()
		}
	}

	for id, p := range toLose {
		t.log.Debug("NEED_ACK send lost, retries exhausted", "id", id, "retries", p.retries)
		lost := wire.CreateLostPacket(p.Dst, t.cfg.LocalAddress, p.SeqID, p.Number, t.cfg.IDs)
		if t.cfg.Sink != nil {
			t.cfg.Sink.Deliver(lost)
		}
	}
}
