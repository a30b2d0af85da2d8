// Package policy implements the two routing policies -- vector and
// flooding -- each deciding what happens to an inbound packet not
// addressed for local delivery, and how an outbound packet is annotated
// before it reaches the radio.
//
// Grounded statement-for-statement on RoutingProtocol.cpp's
// VectorRouting/FloodingRouting subclasses, modeled as a tagged variant
// rather than an inheritance hierarchy -- Go has no inheritance to begin
// with, so this is simply two types satisfying one Policy interface,
// selected once at construction.
package policy

import (
	"sync/atomic"

	"github.com/loramesh/mesh-router/core/routing"
	"github.com/loramesh/mesh-router/core/wire"
)

// Decision is route_received's verdict for an inbound packet not
// addressed for local delivery.
type Decision struct {
	// Forward is true when the packet should be re-enqueued onto the
	// send queue rather than dropped.
	Forward bool
	// Rebroadcast is true when the re-enqueue is a flood re-broadcast
	// (via stays wire.AddrBroadcast) rather than a point-to-point
	// forward to a resolved next hop.
	Rebroadcast bool
}

var dropDecision = Decision{}

// Policy is the routing-policy contract both Vector and Flood satisfy.
type Policy interface {
	// RouteReceived decides what to do with an inbound data packet that
	// is not addressed for local delivery.
	RouteReceived(pkt *wire.Packet) Decision
	// AnnotateBeforeSend fills in via and/or decrements hops on an
	// outbound packet just before it reaches the radio. It returns false
	// to veto transmission.
	AnnotateBeforeSend(pkt *wire.Packet, table *routing.Table) bool
}

// Counters are the policy-attributable counters from the component
// design's observability list, tracked with atomic.Uint32 the way the
// teacher's RouterCounters are.
type Counters struct {
	ReceivedNotForMe   atomic.Uint32
	DestinyUnreachable atomic.Uint32
}

// Vector implements vector (source-routed) policy.
type Vector struct {
	LocalAddress wire.Address
	Counters     *Counters
}

// RouteReceived accepts the packet for forwarding only when this node is
// named as the packet's next hop; otherwise it was delivered to us in
// error and is dropped.
func (v *Vector) RouteReceived(pkt *wire.Packet) Decision {
	if pkt.Via == v.LocalAddress {
		return Decision{Forward: true}
	}
	v.Counters.ReceivedNotForMe.Add(1)
	return dropDecision
}

// AnnotateBeforeSend resolves the next hop toward a non-broadcast
// destination and sets Via, or vetoes transmission when no route exists.
func (v *Vector) AnnotateBeforeSend(pkt *wire.Packet, table *routing.Table) bool {
	if pkt.Dst == wire.AddrBroadcast {
		return true
	}
	nextHop := table.NextHop(pkt.Dst)
	if nextHop == wire.AddrUnknown {
		v.Counters.DestinyUnreachable.Add(1)
		return false
	}
	pkt.Via = nextHop
	return true
}

// Flood implements flooding policy.
type Flood struct {
	LocalAddress wire.Address
	Counters     *Counters
}

// RouteReceived drops an exhausted-hop-limit packet, accepts a still-
// flooding broadcast for re-broadcast, accepts a point-to-point packet
// addressed to us as the next hop for forwarding, and otherwise drops.
func (f *Flood) RouteReceived(pkt *wire.Packet) Decision {
	if pkt.Hops == 0 {
		return dropDecision
	}
	if pkt.Via == wire.AddrBroadcast {
		return Decision{Forward: true, Rebroadcast: true}
	}
	if pkt.Via == f.LocalAddress {
		return Decision{Forward: true}
	}
	f.Counters.ReceivedNotForMe.Add(1)
	return dropDecision
}

// AnnotateBeforeSend tags a broadcast-destined packet, or one whose via is
// already broadcast (a flood being re-broadcast toward a unicast
// destination), as an in-flight flood -- via stays broadcast and hops
// decrements by one on every hop, origin send included, so a receiver's
// RouteReceived recognizes it as still flooding -- or resolves a next hop
// exactly as Vector does otherwise.
func (f *Flood) AnnotateBeforeSend(pkt *wire.Packet, table *routing.Table) bool {
	if pkt.Dst == wire.AddrBroadcast || pkt.Via == wire.AddrBroadcast {
		pkt.Via = wire.AddrBroadcast
		if pkt.Hops > 0 {
			pkt.Hops--
		}
		return true
	}
	nextHop := table.NextHop(pkt.Dst)
	if nextHop == wire.AddrUnknown {
		f.Counters.DestinyUnreachable.Add(1)
		return false
	}
	pkt.Via = nextHop
	return true
}
