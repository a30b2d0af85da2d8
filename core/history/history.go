// Package history implements duplicate-packet suppression: a bounded table
// of (sender, id) pairs seen recently, so a packet flooded or retransmitted
// along several paths is only processed once.
//
// Identity is by sender+id, refreshed in place on a repeat sighting, rather
// than a content hash of the payload -- a packet is identified by its
// header fields, not a digest of its body. Like a single-owner
// deduplicator, History carries no internal lock: it is owned exclusively
// by the RX task and never touched concurrently.
package history

import (
	"log/slog"

	"github.com/loramesh/mesh-router/core/clock"
	"github.com/loramesh/mesh-router/core/wire"
)

// DefaultMaxRecords is the default table capacity.
const DefaultMaxRecords = 64

// warnFillRatio is the occupancy fraction at which History logs a
// capacity warning, matching the firmware's 90% log threshold.
const warnFillRatio = 0.9

type record struct {
	sender wire.Address
	id     uint32
	timeMs int64
}

// Config configures a History.
type Config struct {
	// MaxRecords bounds the table. Zero uses DefaultMaxRecords.
	MaxRecords int
	Clock      clock.Source
	Logger     *slog.Logger
}

// History is a bounded, oldest-eviction table of recently seen packets.
type History struct {
	max     int
	clock   clock.Source
	log     *slog.Logger
	records []record
	warned  bool
}

// New builds a History per cfg, defaulting MaxRecords, Clock, and Logger
// when left zero.
func New(cfg Config) *History {
	max := cfg.MaxRecords
	if max <= 0 {
		max = DefaultMaxRecords
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.New()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &History{
		max:     max,
		clock:   cl,
		log:     log.WithGroup("history"),
		records: make([]record, 0, max),
	}
}

// WasSeen reports whether (sender, id) has already been recorded, and if
// not, records it. An id of 0 is the wire format's "no id" sentinel and is
// never considered seen, matching the original firmware's wasSeen check.
//
// A repeat sighting refreshes the record's timestamp rather than leaving
// the original in place, so oldest-eviction at capacity evicts by last-
// seen time, not first-seen time.
func (h *History) WasSeen(sender wire.Address, id uint32) bool {
	if id == 0 {
		return false
	}
	now := h.clock.NowMs()
	for i := range h.records {
		if h.records[i].sender == sender && h.records[i].id == id {
			h.records[i].timeMs = now
			return true
		}
	}
	h.insert(sender, id, now)
	return false
}

func (h *History) insert(sender wire.Address, id uint32, now int64) {
	if len(h.records) < h.max {
		h.records = append(h.records, record{sender: sender, id: id, timeMs: now})
	} else {
		oldest := 0
		for i := 1; i < len(h.records); i++ {
			if h.records[i].timeMs < h.records[oldest].timeMs {
				oldest = i
			}
		}
		h.records[oldest] = record{sender: sender, id: id, timeMs: now}
	}

	if !h.warned && float64(len(h.records)) >= float64(h.max)*warnFillRatio {
		h.warned = true
		h.log.Warn("packet history nearing capacity", "size", len(h.records), "max", h.max)
	}
}

// Len reports the number of records currently held.
func (h *History) Len() int { return len(h.records) }
