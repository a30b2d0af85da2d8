package wire

import (
	"bytes"
	"testing"
)

func TestPacketIDCounter_Monotonic(t *testing.T) {
	c := NewPacketIDCounter()
	prev := uint32(0)
	for i := 0; i < 5; i++ {
		id := c.Next()
		if id == 0 {
			t.Fatalf("Next() returned 0 on iteration %d", i)
		}
		if id <= prev {
			t.Fatalf("Next() = %d, want > %d", id, prev)
		}
		prev = id
	}
}

func TestClassification(t *testing.T) {
	cases := []struct {
		name string
		typ  uint8
		want map[string]bool
	}{
		{"data", TypeData, map[string]bool{"data": true}},
		{"data+needack", TypeData | TypeNeedAck, map[string]bool{"data": true, "needack": true}},
		{"hello", TypeHello, map[string]bool{"hello": true}},
		{"ack", TypeAck, map[string]bool{"ack": true, "control": true}},
		{"rtrequest", TypeRTRequest, map[string]bool{"rtrequest": true, "control": true}},
		{"route", TypeRoute, map[string]bool{"route": true}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := map[string]bool{
				"data":      IsData(c.typ),
				"hello":     IsHello(c.typ),
				"ack":       IsAck(c.typ),
				"needack":   IsNeedAck(c.typ),
				"rtrequest": IsRTRequest(c.typ),
				"route":     IsRoute(c.typ),
				"control":   IsControl(c.typ),
			}
			for k, want := range c.want {
				if got[k] != want {
					t.Errorf("%s(%#x) = %v, want %v", k, c.typ, got[k], want)
				}
			}
		})
	}
}

func TestDataPacket_RoundTrip(t *testing.T) {
	ids := NewPacketIDCounter()
	payload := []byte("hello mesh")
	p, truncated := CreateDataPacket(0x0002, 0x0001, 0, payload, 5, ids, DefaultMaxPacketSize)
	if truncated {
		t.Fatalf("unexpected truncation")
	}
	p.Via = 0x0002

	buf, truncated := p.WriteTo(DefaultMaxPacketSize)
	if truncated {
		t.Fatalf("unexpected truncation on encode")
	}

	got, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got.Dst != 0x0002 || got.Src != 0x0001 || got.Type != TypeData {
		t.Fatalf("header mismatch: %+v", got)
	}
	if got.Hops != 5 {
		t.Errorf("Hops = %d, want 5", got.Hops)
	}
	if got.Via != 0x0002 {
		t.Errorf("Via = %#x, want 0x0002", got.Via)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Errorf("Payload = %q, want %q", got.Payload, payload)
	}
}

func TestDataPacket_TruncatesOversizedPayload(t *testing.T) {
	ids := NewPacketIDCounter()
	payload := make([]byte, 300)
	_, truncated := CreateDataPacket(1, 2, 0, payload, 1, ids, DefaultMaxPacketSize)
	if !truncated {
		t.Fatalf("expected truncation for a 300-byte payload against a %d-byte packet", DefaultMaxPacketSize)
	}
}

func TestHelloPacket_RoundTrip(t *testing.T) {
	ids := NewPacketIDCounter()
	nodes := []HelloPacketNode{
		{Address: 0x0010, ReceivedLinkQuality: 200},
		{Address: 0x0011, ReceivedLinkQuality: 150},
	}
	p, truncated := CreateHelloPacket(0x0001, 3, 2, RoleRepeater, nodes, ids, DefaultMaxPacketSize)
	if truncated {
		t.Fatalf("unexpected truncation")
	}

	buf, _ := p.WriteTo(DefaultMaxPacketSize)
	got, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.IsHello() {
		t.Fatalf("expected IsHello")
	}
	if got.RoutingTableID != 3 || got.RoutingTableSize != 2 || got.NodeRole != RoleRepeater {
		t.Fatalf("fixed fields mismatch: %+v", got)
	}
	if len(got.HelloNodes) != 2 || got.HelloNodes[0] != nodes[0] || got.HelloNodes[1] != nodes[1] {
		t.Fatalf("HelloNodes = %+v, want %+v", got.HelloNodes, nodes)
	}
}

func TestRoutePacket_RoundTrip(t *testing.T) {
	ids := NewPacketIDCounter()
	nodes := []NetworkNode{
		{Address: 0x0020, Metric: 10, Role: RoleDefault, HopCount: 1},
		{Address: 0x0021, Metric: 40, Role: RoleRepeater, HopCount: 2},
	}
	p, truncated := CreateRoutePacket(0x0001, 0x0002, RoleDefault, 0x0030, nodes, ids, DefaultMaxPacketSize)
	if truncated {
		t.Fatalf("unexpected truncation")
	}

	buf, _ := p.WriteTo(DefaultMaxPacketSize)
	got, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.IsRoute() {
		t.Fatalf("expected IsRoute")
	}
	if got.Fwd != 0x0030 {
		t.Errorf("Fwd = %#x, want 0x0030", got.Fwd)
	}
	if len(got.NetworkNodes) != 2 || got.NetworkNodes[0] != nodes[0] || got.NetworkNodes[1] != nodes[1] {
		t.Fatalf("NetworkNodes = %+v, want %+v", got.NetworkNodes, nodes)
	}
}

func TestRouteRequest_IsControlAndEmpty(t *testing.T) {
	ids := NewPacketIDCounter()
	p := CreateRouteRequest(0x0001, 0x0002, ids)
	if !p.IsRTRequest() || !p.IsControl() {
		t.Fatalf("RT_REQUEST should classify as control: type=%#x", p.Type)
	}
	buf, _ := p.WriteTo(DefaultMaxPacketSize)
	if len(buf) != ControlHeaderLen {
		t.Errorf("encoded RT_REQUEST length = %d, want %d", len(buf), ControlHeaderLen)
	}
}

func TestAckPacket_RoundTrip(t *testing.T) {
	ids := NewPacketIDCounter()
	p := CreateAckPacket(0x0001, 0x0002, 7, 42, ids)
	buf, _ := p.WriteTo(DefaultMaxPacketSize)
	got, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !got.IsAck() || !got.IsControl() {
		t.Fatalf("expected ACK to classify as control: %+v", got)
	}
	if got.SeqID != 7 || got.Number != 42 {
		t.Errorf("SeqID/Number = %d/%d, want 7/42", got.SeqID, got.Number)
	}
}

func TestParse_TooShort(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err != ErrPacketTooShort {
		t.Fatalf("Parse on a 3-byte buffer: err = %v, want ErrPacketTooShort", err)
	}
}

func TestHeaderLength(t *testing.T) {
	cases := []struct {
		typ  uint8
		want int
	}{
		{TypeData, DataHeaderLen},
		{TypeData | TypeNeedAck, DataHeaderLen},
		{TypeHello, HelloHeaderLen},
		{TypeRoute, RouteHeaderLen},
		{TypeAck, ControlHeaderLen},
		{TypeRTRequest, ControlHeaderLen},
	}
	for _, c := range cases {
		if got := HeaderLength(c.typ); got != c.want {
			t.Errorf("HeaderLength(%#x) = %d, want %d", c.typ, got, c.want)
		}
	}
}
