package router

import (
	"math/bits"
	"sync/atomic"

	"github.com/loramesh/mesh-router/core/policy"
	"github.com/loramesh/mesh-router/core/wire"
)

const numTypeBits = 8

// Counters tracks the forwarding pipeline's observability counters, all
// safe for concurrent access. Policy points at the same received_not_for_me
// and destiny_unreachable counters the active routing policy holds, so a
// snapshot taken here reflects increments Policy.RouteReceived and
// Policy.AnnotateBeforeSend make directly.
type Counters struct {
	Policy *policy.Counters

	ReceivedIAmVia   atomic.Uint32
	DuplicateDropped atomic.Uint32
	RXOverflow       atomic.Uint32
	TXOverflow       atomic.Uint32
	AppQueueOverflow atomic.Uint32

	ReceivedByType [numTypeBits]atomic.Uint32
	SentByType     [numTypeBits]atomic.Uint32
}

func (c *Counters) recordReceived(t uint8) {
	for i := 0; i < numTypeBits; i++ {
		if t&(1<<uint(i)) != 0 {
			c.ReceivedByType[i].Add(1)
		}
	}
}

func (c *Counters) recordSent(t uint8) {
	for i := 0; i < numTypeBits; i++ {
		if t&(1<<uint(i)) != 0 {
			c.SentByType[i].Add(1)
		}
	}
}

// CountersSnapshot is a plain-value copy of Counters for reading.
type CountersSnapshot struct {
	ReceivedNotForMe   uint32
	DestinyUnreachable uint32
	ReceivedIAmVia     uint32
	DuplicateDropped   uint32
	RXOverflow         uint32
	TXOverflow         uint32
	AppQueueOverflow   uint32
	ReceivedByType     [numTypeBits]uint32
	SentByType         [numTypeBits]uint32
}

// Snapshot returns a consistent point-in-time copy of all counters. Policy
// is always non-nil: New populates it from cfg.PolicyCounters, defaulting
// to a fresh instance when the caller leaves it nil.
func (c *Counters) Snapshot() CountersSnapshot {
	s := CountersSnapshot{
		ReceivedNotForMe:   c.Policy.ReceivedNotForMe.Load(),
		DestinyUnreachable: c.Policy.DestinyUnreachable.Load(),
		ReceivedIAmVia:     c.ReceivedIAmVia.Load(),
		DuplicateDropped:   c.DuplicateDropped.Load(),
		RXOverflow:         c.RXOverflow.Load(),
		TXOverflow:         c.TXOverflow.Load(),
		AppQueueOverflow:   c.AppQueueOverflow.Load(),
	}
	for i := 0; i < numTypeBits; i++ {
		s.ReceivedByType[i] = c.ReceivedByType[i].Load()
		s.SentByType[i] = c.SentByType[i].Load()
	}
	return s
}

// typeBitName maps a single set bit to its wire.Type* name, for logging.
func typeBitName(bit uint8) string {
	switch bit {
	case wire.TypeData:
		return "DATA"
	case wire.TypeHello:
		return "HELLO"
	case wire.TypeAck:
		return "ACK"
	case wire.TypeNeedAck:
		return "NEED_ACK"
	case wire.TypeLost:
		return "LOST"
	case wire.TypeSync:
		return "SYNC"
	case wire.TypeXLData:
		return "XL_DATA"
	case wire.TypeRTRequest:
		return "RT_REQUEST"
	default:
		return "UNKNOWN"
	}
}

func firstSetBit(t uint8) uint8 {
	if t == 0 {
		return 0
	}
	return 1 << uint(bits.TrailingZeros8(t))
}
