package wire

// Constructors for each packet family, one Build*-style function per
// family. Every constructor that carries an opaque payload truncates it
// to fit maxPacketSize and reports whether truncation happened; logging
// the truncation is the caller's job, since only the caller holds a
// logger.

// CreateDataPacket builds a DATA packet (optionally combined with
// NEED_ACK/XL_DATA/SYNC via extraTypeBits) carrying payload, and assigns
// it the next id from ids. hops is the remaining hop limit the sender
// seeds the packet with (relevant to flooding policy).
func CreateDataPacket(dst, src Address, extraTypeBits uint8, payload []byte, hops uint8, ids *PacketIDCounter, maxPacketSize int) (*Packet, bool) {
	p := &Packet{
		Dst:     dst,
		Src:     src,
		Type:    TypeData | extraTypeBits,
		ID:      ids.Next(),
		Via:     AddrUnknown,
		Hops:    hops,
		Payload: payload,
	}
	return truncateData(p, maxPacketSize)
}

// CreateHelloPacket builds a HELLO beacon announcing the sender's
// routing-table id/size and its one-hop neighbor list.
func CreateHelloPacket(src Address, rtID, rtSize, nodeRole uint8, nodes []HelloPacketNode, ids *PacketIDCounter, maxPacketSize int) (*Packet, bool) {
	p := &Packet{
		Dst:              AddrBroadcast,
		Src:              src,
		Type:             TypeHello,
		ID:               ids.Next(),
		RoutingTableID:   rtID,
		RoutingTableSize: rtSize,
		NodeRole:         nodeRole,
		HelloNodes:       nodes,
	}
	return truncateHello(p, maxPacketSize)
}

// CreateRoutePacket builds a ROUTE (legacy) packet carrying a routing-table
// snapshot, used to answer an RT_REQUEST.
func CreateRoutePacket(dst, src Address, nodeRole uint8, fwd Address, nodes []NetworkNode, ids *PacketIDCounter, maxPacketSize int) (*Packet, bool) {
	p := &Packet{
		Dst:          dst,
		Src:          src,
		Type:         TypeRoute,
		ID:           ids.Next(),
		NodeRole:     nodeRole,
		Fwd:          fwd,
		NetworkNodes: nodes,
	}
	return truncateRoute(p, maxPacketSize)
}

// CreateRouteRequest builds an RT_REQUEST: an empty control packet asking
// dst to resend its full routing table (sent when a peer's hello beacon
// carries a routing_table_id or routing_table_size that no longer matches
// ours).
func CreateRouteRequest(dst, src Address, ids *PacketIDCounter) *Packet {
	return &Packet{
		Dst:  dst,
		Src:  src,
		Type: TypeRTRequest,
		ID:   ids.Next(),
	}
}

// CreateAckPacket builds an ACK for the packet identified by seqID/number.
func CreateAckPacket(dst, src Address, seqID uint8, number uint16, ids *PacketIDCounter) *Packet {
	return &Packet{
		Dst:    dst,
		Src:    src,
		Type:   TypeAck,
		ID:     ids.Next(),
		SeqID:  seqID,
		Number: number,
	}
}

// SplitAckCorrelator derives the (seqID, number) pair an ACK reply must
// carry to identify which NEED_ACK send it answers. A DATA packet's own
// SeqID/Number are never serialized -- only the common header's id is --
// so a receiver replying to a NEED_ACK packet cannot echo the sender's
// seqID/number back; instead both ends derive the same pair from the
// original packet's id, which every receiver does see. The split keeps
// id's low 24 bits, matching the combined width seqID (8 bits) and number
// (16 bits) have on the wire.
func SplitAckCorrelator(id uint32) (seqID uint8, number uint16) {
	return uint8(id >> 16), uint16(id)
}

// JoinAckCorrelator recombines a SplitAckCorrelator pair into the
// correlator value used to key a pending NEED_ACK send, letting the
// original sender recognize the ACK reply by the same value it derived
// from its own outbound packet's id.
func JoinAckCorrelator(seqID uint8, number uint16) uint32 {
	return uint32(seqID)<<16 | uint32(number)
}

// CreateSyncPacket builds a SYNC control packet.
func CreateSyncPacket(dst, src Address, payload []byte, ids *PacketIDCounter, maxPacketSize int) (*Packet, bool) {
	p := &Packet{
		Dst:     dst,
		Src:     src,
		Type:    TypeSync,
		ID:      ids.Next(),
		Payload: payload,
	}
	return truncateControl(p, maxPacketSize)
}

// CreateLostPacket builds a LOST notification for a NEED_ACK packet whose
// retries were exhausted, identified by seqID/number.
func CreateLostPacket(dst, src Address, seqID uint8, number uint16, ids *PacketIDCounter) *Packet {
	return &Packet{
		Dst:    dst,
		Src:    src,
		Type:   TypeLost,
		ID:     ids.Next(),
		SeqID:  seqID,
		Number: number,
	}
}

// PayloadLength returns the maximum payload a DATA or control-class packet
// may carry before truncation, given maxPacketSize.
func PayloadLength(t uint8, maxPacketSize int) int {
	n := maxPacketSize - HeaderLength(t)
	if n < 0 {
		return 0
	}
	return n
}

func truncateData(p *Packet, maxPacketSize int) (*Packet, bool) {
	max := PayloadLength(p.Type, maxPacketSize)
	if len(p.Payload) > max {
		p.Payload = p.Payload[:max]
		return p, true
	}
	return p, false
}

func truncateControl(p *Packet, maxPacketSize int) (*Packet, bool) {
	max := PayloadLength(p.Type, maxPacketSize)
	if len(p.Payload) > max {
		p.Payload = p.Payload[:max]
		return p, true
	}
	return p, false
}

func truncateHello(p *Packet, maxPacketSize int) (*Packet, bool) {
	max := (maxPacketSize - HelloHeaderLen) / HelloNodeSize
	if max < 0 {
		max = 0
	}
	if len(p.HelloNodes) > max {
		p.HelloNodes = p.HelloNodes[:max]
		return p, true
	}
	return p, false
}

func truncateRoute(p *Packet, maxPacketSize int) (*Packet, bool) {
	max := (maxPacketSize - RouteHeaderLen) / NetworkNodeSize
	if max < 0 {
		max = 0
	}
	if len(p.NetworkNodes) > max {
		p.NetworkNodes = p.NetworkNodes[:max]
		return p, true
	}
	return p, false
}
