// Package hello implements the HELLO beacon: building the outbound beacon
// from the local routing table, and ingesting a peer's beacon per the
// five-step algorithm in processHelloPacket.
package hello

import (
	"github.com/loramesh/mesh-router/core/routing"
	"github.com/loramesh/mesh-router/core/wire"
)

// BuildBeacon constructs the HELLO beacon this node broadcasts: its own
// routing_table_id/size and every one-hop neighbor's observed link
// quality.
func BuildBeacon(table *routing.Table, localAddr wire.Address, localRole uint8, ids *wire.PacketIDCounter, maxPacketSize int) (*wire.Packet, bool) {
	nodes := table.OneHopNeighbors()
	rtID := table.RoutingTableID()
	rtSize := uint8(table.Len())
	return wire.CreateHelloPacket(localAddr, rtID, rtSize, localRole, nodes, ids, maxPacketSize)
}

// Ingest applies a just-received HELLO beacon to table, per the component
// design's five-step algorithm. It returns whether the table changed, and
// an RT_REQUEST packet to send back to the peer when their routing-table
// metadata has diverged from ours (nil otherwise).
func Ingest(table *routing.Table, localAddr wire.Address, pkt *wire.Packet, snr int8, now int64, ids *wire.PacketIDCounter) (changed bool, toSend *wire.Packet) {
	localRTID := table.RoutingTableID()

	// Step 1: stale beacon from a peer behind our table id.
	if pkt.RoutingTableID < localRTID {
		return false, nil
	}

	// Step 2: peer is ahead, or its reported table size disagrees with
	// ours -- ask for its full table instead of merging this beacon.
	if pkt.RoutingTableID > localRTID || pkt.RoutingTableSize != uint8(table.Len()) {
		return false, wire.CreateRouteRequest(pkt.Src, localAddr, ids)
	}

	// Step 3: the peer's report of how it hears us.
	tlq := extractTransmittedLinkQuality(pkt, localAddr)

	// Step 4: insert-or-update, including propagation to dependents on
	// a metric change (handled inside UpsertOneHopNeighbor).
	changed = table.UpsertOneHopNeighbor(pkt.Src, pkt.RoutingTableID, tlq, snr, now)
	return changed, nil
}

func extractTransmittedLinkQuality(pkt *wire.Packet, localAddr wire.Address) uint8 {
	for _, n := range pkt.HelloNodes {
		if n.Address == localAddr {
			return n.ReceivedLinkQuality
		}
	}
	return routing.MaxMetric
}
