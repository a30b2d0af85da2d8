// Package wire implements the on-air packet codec: the fixed-width,
// little-endian header layouts shared by every packet family, classification
// of a packet by its type bitmask, and the byte-exact encode/decode pair used
// by the radio drivers.
//
// One Go struct is wide enough to hold any family's fields, populated
// according to Type, with Parse/WriteTo doing the little-endian packing
// by hand rather than reflecting over a tagged struct.
package wire

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
)

// Address is a 16-bit node address on the mesh.
type Address uint16

const (
	AddrUnknown   Address = 0x0000
	AddrBroadcast Address = 0xFFFF
)

// Type bits. A packet's Type is a bitmask; NEED_ACK and XL_DATA commonly
// combine with DATA.
const (
	TypeData      uint8 = 0x01
	TypeHello     uint8 = 0x02
	TypeAck       uint8 = 0x04
	TypeNeedAck   uint8 = 0x08
	TypeLost      uint8 = 0x10
	TypeSync      uint8 = 0x20
	TypeXLData    uint8 = 0x40
	TypeRTRequest uint8 = 0x80

	// TypeRoute is ROUTE's type value. ROUTE predates the active bitmask
	// scheme above and was never given one of its own bits; it is carried
	// as the all-zero type, distinguishable from the others because every
	// live family sets at least one bit.
	TypeRoute uint8 = 0x00
)

// Node roles carried in HELLO/ROUTE packets and routing-table entries.
const (
	RoleDefault    uint8 = 0x00
	RoleRepeater   uint8 = 0x01
	RoleRoomServer uint8 = 0x02
)

// DefaultMaxPacketSize is the truncation ceiling applied at construction
// when a caller doesn't supply a hardware-specific one.
const DefaultMaxPacketSize = 255

// Fixed field widths, per the wire layout: common header fields, then the
// per-family fixed extension, then (for HELLO/ROUTE) the per-entry size of
// the trailing array.
const (
	headerFieldsSize = 11 // dst:2 + src:2 + type:1 + id:4 + packet_size:2
	dataExtraSize    = 3  // via:2 + hops:1
	controlExtraSize = 3  // seq_id:1 + number:2
	helloExtraSize   = 3  // routing_table_id:1 + routing_table_size:1 + node_role:1
	routeExtraSize   = 3  // node_role:1 + fwd:2

	HelloNodeSize   = 3 // address:2 + received_link_quality:1
	NetworkNodeSize = 5 // address:2 + metric:1 + role:1 + hop_count:1

	// DataHeaderLen and ControlHeaderLen are both 14: the common header
	// plus 3 bytes of family-specific fixed fields. This is the
	// header_length(type) the payload-length formula subtracts.
	DataHeaderLen    = headerFieldsSize + dataExtraSize
	ControlHeaderLen = headerFieldsSize + controlExtraSize
	HelloHeaderLen   = headerFieldsSize + helloExtraSize
	RouteHeaderLen   = headerFieldsSize + routeExtraSize
)

var (
	ErrPacketTooShort = errors.New("wire: packet too short")
	ErrPayloadTooLong = errors.New("wire: payload exceeds max packet size")
)

// NetworkNode is one entry in a ROUTE packet's network_nodes array.
type NetworkNode struct {
	Address  Address
	Metric   uint8
	Role     uint8
	HopCount uint8
}

// HelloPacketNode is one entry in a HELLO packet's hello_nodes array:
// a one-hop neighbor as observed by the sender.
type HelloPacketNode struct {
	Address             Address
	ReceivedLinkQuality uint8
}

// Packet holds the fields of every family; only the fields relevant to
// Type are populated. A single concrete type (rather than one struct per
// family) lets it flow through history, routing, and the router unchanged.
type Packet struct {
	Dst        Address
	Src        Address
	Type       uint8
	ID         uint32
	PacketSize uint16

	// DATA only.
	Via  Address
	Hops uint8

	// ACK/NEED_ACK/LOST/SYNC/RT_REQUEST/XL_DATA (control-class) only.
	SeqID  uint8
	Number uint16

	// HELLO only.
	RoutingTableID   uint8
	RoutingTableSize uint8
	HelloNodes       []HelloPacketNode

	// ROUTE only.
	Fwd          Address
	NetworkNodes []NetworkNode

	// HELLO and ROUTE both carry a sender role.
	NodeRole uint8

	// DATA and control-class payload bytes.
	Payload []byte
}

// IsData reports whether t carries the DATA bit.
func IsData(t uint8) bool { return t&TypeData != 0 }

// IsHello reports whether t carries the HELLO bit.
func IsHello(t uint8) bool { return t&TypeHello != 0 }

// IsAck reports whether t carries the ACK bit.
func IsAck(t uint8) bool { return t&TypeAck != 0 }

// IsNeedAck reports whether t carries the NEED_ACK bit.
func IsNeedAck(t uint8) bool { return t&TypeNeedAck != 0 }

// IsLost reports whether t carries the LOST bit.
func IsLost(t uint8) bool { return t&TypeLost != 0 }

// IsSync reports whether t carries the SYNC bit.
func IsSync(t uint8) bool { return t&TypeSync != 0 }

// IsXL reports whether t carries the XL_DATA bit.
func IsXL(t uint8) bool { return t&TypeXLData != 0 }

// IsRTRequest reports whether t carries the RT_REQUEST bit.
func IsRTRequest(t uint8) bool { return t&TypeRTRequest != 0 }

// IsRoute reports whether t is the legacy/reserved ROUTE value: no bits
// set at all. Every live family sets at least one bit, so an all-zero
// type is unambiguous.
func IsRoute(t uint8) bool { return t == TypeRoute }

// IsControl reports whether t is one of the control-class families
// (ACK, NEED_ACK, LOST, SYNC, RT_REQUEST, XL_DATA) rather than DATA,
// HELLO, or ROUTE. NEED_ACK and XL_DATA commonly ride along with DATA,
// so a packet that is DATA|NEED_ACK is a data packet, not a control one.
func IsControl(t uint8) bool {
	if IsData(t) || IsHello(t) || IsRoute(t) {
		return false
	}
	return t&(TypeAck|TypeLost|TypeSync|TypeRTRequest|TypeXLData) != 0 || t == TypeNeedAck
}

func (p *Packet) IsData() bool      { return IsData(p.Type) }
func (p *Packet) IsHello() bool     { return IsHello(p.Type) }
func (p *Packet) IsAck() bool       { return IsAck(p.Type) }
func (p *Packet) IsNeedAck() bool   { return IsNeedAck(p.Type) }
func (p *Packet) IsLost() bool      { return IsLost(p.Type) }
func (p *Packet) IsSync() bool      { return IsSync(p.Type) }
func (p *Packet) IsXL() bool        { return IsXL(p.Type) }
func (p *Packet) IsRTRequest() bool { return IsRTRequest(p.Type) }
func (p *Packet) IsRoute() bool     { return IsRoute(p.Type) }
func (p *Packet) IsControl() bool   { return IsControl(p.Type) }

// HeaderLength returns header_length(type): the number of leading bytes
// that are not application/control payload. HELLO and ROUTE have no
// opaque payload of their own (their trailing data is a structured node
// array, accounted for separately), so they report the fixed-field
// length only.
func HeaderLength(t uint8) int {
	switch {
	case IsHello(t):
		return HelloHeaderLen
	case IsRoute(t):
		return RouteHeaderLen
	case IsData(t):
		return DataHeaderLen
	default:
		return ControlHeaderLen
	}
}

// PacketIDCounter hands out strictly monotonic, non-zero packet ids. It is
// explicitly constructed and passed to codec constructors rather than kept
// as package-global state, so tests can run several independent counters
// side by side.
type PacketIDCounter struct {
	next atomic.Uint32
}

// NewPacketIDCounter returns a counter whose first Next() is 1.
func NewPacketIDCounter() *PacketIDCounter {
	return &PacketIDCounter{}
}

// Next returns the next id. Wraparound past the uint32 range is permitted;
// the rare id==0 produced by a wraparound is simply never deduplicated by
// history, which tolerates the occasional (sender,id) collision.
func (c *PacketIDCounter) Next() uint32 {
	return c.next.Add(1)
}

// Parse decodes a wire-format packet from buf, dispatching on the Type
// byte. buf must contain at least the common header.
func Parse(buf []byte) (*Packet, error) {
	if len(buf) < headerFieldsSize {
		return nil, ErrPacketTooShort
	}
	p := &Packet{
		Dst:        Address(binary.LittleEndian.Uint16(buf[0:2])),
		Src:        Address(binary.LittleEndian.Uint16(buf[2:4])),
		Type:       buf[4],
		ID:         binary.LittleEndian.Uint32(buf[5:9]),
		PacketSize: binary.LittleEndian.Uint16(buf[9:11]),
	}
	rest := buf[headerFieldsSize:]

	switch {
	case p.IsHello():
		if len(rest) < helloExtraSize {
			return nil, ErrPacketTooShort
		}
		p.RoutingTableID = rest[0]
		p.RoutingTableSize = rest[1]
		p.NodeRole = rest[2]
		nodes := rest[helloExtraSize:]
		count := len(nodes) / HelloNodeSize
		p.HelloNodes = make([]HelloPacketNode, count)
		for i := 0; i < count; i++ {
			b := nodes[i*HelloNodeSize:]
			p.HelloNodes[i] = HelloPacketNode{
				Address:             Address(binary.LittleEndian.Uint16(b[0:2])),
				ReceivedLinkQuality: b[2],
			}
		}

	case IsData(p.Type):
		if len(rest) < dataExtraSize {
			return nil, ErrPacketTooShort
		}
		p.Via = Address(binary.LittleEndian.Uint16(rest[0:2]))
		p.Hops = rest[2]
		p.Payload = append([]byte(nil), rest[dataExtraSize:]...)

	case p.IsRoute():
		if len(rest) < routeExtraSize {
			return nil, ErrPacketTooShort
		}
		p.NodeRole = rest[0]
		p.Fwd = Address(binary.LittleEndian.Uint16(rest[1:3]))
		nodes := rest[routeExtraSize:]
		count := len(nodes) / NetworkNodeSize
		p.NetworkNodes = make([]NetworkNode, count)
		for i := 0; i < count; i++ {
			b := nodes[i*NetworkNodeSize:]
			p.NetworkNodes[i] = NetworkNode{
				Address:  Address(binary.LittleEndian.Uint16(b[0:2])),
				Metric:   b[2],
				Role:     b[3],
				HopCount: b[4],
			}
		}

	default:
		if len(rest) < controlExtraSize {
			return nil, ErrPacketTooShort
		}
		p.SeqID = rest[0]
		p.Number = binary.LittleEndian.Uint16(rest[1:3])
		p.Payload = append([]byte(nil), rest[controlExtraSize:]...)
	}

	return p, nil
}

// WriteTo encodes p into wire format according to p.Type, truncating the
// payload/array so the result never exceeds maxPacketSize. It returns the
// encoded bytes and whether truncation occurred.
func (p *Packet) WriteTo(maxPacketSize int) ([]byte, bool) {
	truncated := false

	switch {
	case p.IsHello():
		maxNodes := (maxPacketSize - HelloHeaderLen) / HelloNodeSize
		nodes := p.HelloNodes
		if maxNodes < 0 {
			maxNodes = 0
		}
		if len(nodes) > maxNodes {
			nodes = nodes[:maxNodes]
			truncated = true
		}
		size := HelloHeaderLen + len(nodes)*HelloNodeSize
		buf := make([]byte, size)
		writeCommonHeader(buf, p, uint16(size))
		buf[headerFieldsSize] = p.RoutingTableID
		buf[headerFieldsSize+1] = p.RoutingTableSize
		buf[headerFieldsSize+2] = p.NodeRole
		off := headerFieldsSize + helloExtraSize
		for _, n := range nodes {
			binary.LittleEndian.PutUint16(buf[off:], uint16(n.Address))
			buf[off+2] = n.ReceivedLinkQuality
			off += HelloNodeSize
		}
		return buf, truncated

	case p.IsRoute():
		maxNodes := (maxPacketSize - RouteHeaderLen) / NetworkNodeSize
		nodes := p.NetworkNodes
		if maxNodes < 0 {
			maxNodes = 0
		}
		if len(nodes) > maxNodes {
			nodes = nodes[:maxNodes]
			truncated = true
		}
		size := RouteHeaderLen + len(nodes)*NetworkNodeSize
		buf := make([]byte, size)
		writeCommonHeader(buf, p, uint16(size))
		buf[headerFieldsSize] = p.NodeRole
		binary.LittleEndian.PutUint16(buf[headerFieldsSize+1:], uint16(p.Fwd))
		off := headerFieldsSize + routeExtraSize
		for _, n := range nodes {
			binary.LittleEndian.PutUint16(buf[off:], uint16(n.Address))
			buf[off+2] = n.Metric
			buf[off+3] = n.Role
			buf[off+4] = n.HopCount
			off += NetworkNodeSize
		}
		return buf, truncated

	case p.IsData():
		payload := p.Payload
		maxPayload := maxPacketSize - DataHeaderLen
		if maxPayload < 0 {
			maxPayload = 0
		}
		if len(payload) > maxPayload {
			payload = payload[:maxPayload]
			truncated = true
		}
		size := DataHeaderLen + len(payload)
		buf := make([]byte, size)
		writeCommonHeader(buf, p, uint16(size))
		binary.LittleEndian.PutUint16(buf[headerFieldsSize:], uint16(p.Via))
		buf[headerFieldsSize+2] = p.Hops
		copy(buf[headerFieldsSize+dataExtraSize:], payload)
		return buf, truncated

	default:
		payload := p.Payload
		maxPayload := maxPacketSize - ControlHeaderLen
		if maxPayload < 0 {
			maxPayload = 0
		}
		if len(payload) > maxPayload {
			payload = payload[:maxPayload]
			truncated = true
		}
		size := ControlHeaderLen + len(payload)
		buf := make([]byte, size)
		writeCommonHeader(buf, p, uint16(size))
		buf[headerFieldsSize] = p.SeqID
		binary.LittleEndian.PutUint16(buf[headerFieldsSize+1:], p.Number)
		copy(buf[headerFieldsSize+controlExtraSize:], payload)
		return buf, truncated
	}
}

func writeCommonHeader(buf []byte, p *Packet, size uint16) {
	binary.LittleEndian.PutUint16(buf[0:2], uint16(p.Dst))
	binary.LittleEndian.PutUint16(buf[2:4], uint16(p.Src))
	buf[4] = p.Type
	binary.LittleEndian.PutUint32(buf[5:9], p.ID)
	binary.LittleEndian.PutUint16(buf[9:11], size)
}
