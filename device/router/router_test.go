package router

import (
	"testing"

	"github.com/loramesh/mesh-router/core/clock"
	"github.com/loramesh/mesh-router/core/history"
	"github.com/loramesh/mesh-router/core/policy"
	"github.com/loramesh/mesh-router/core/reliability"
	"github.com/loramesh/mesh-router/core/routing"
	"github.com/loramesh/mesh-router/core/wire"
)

type fakeRadio struct {
	sent [][]byte
	err  error
}

func (f *fakeRadio) Send(frame []byte) error {
	if f.err != nil {
		return f.err
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
	return nil
}

func newTestRouter(local wire.Address, pol policy.Policy, counters *policy.Counters) (*Router, *fakeRadio) {
	radio := &fakeRadio{}
	tbl := routing.New(routing.Config{LocalAddress: local, Clock: clock.NewManual(0)})
	r := New(radio, Config{
		LocalAddress:   local,
		Policy:         pol,
		PolicyCounters: counters,
		Table:          tbl,
		History:        history.New(history.Config{Clock: clock.NewManual(0)}),
		IDs:            wire.NewPacketIDCounter(),
		Clock:          clock.NewManual(0),
	})
	return r, radio
}

func frameBytes(t *testing.T, pkt *wire.Packet) []byte {
	t.Helper()
	b, truncated := pkt.WriteTo(wire.DefaultMaxPacketSize)
	if truncated {
		t.Fatalf("unexpected truncation building test frame")
	}
	return b
}

func TestHandleFrame_DuplicateDataDropped(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)

	ids := wire.NewPacketIDCounter()
	pkt, _ := wire.CreateDataPacket(0x0099, 0x0002, 0, []byte("hi"), 3, ids, wire.DefaultMaxPacketSize)
	raw := frameBytes(t, pkt)

	r.handleFrame(rxFrame{data: raw})
	r.handleFrame(rxFrame{data: append([]byte(nil), raw...)})

	if got := r.Counters().DuplicateDropped.Load(); got != 1 {
		t.Errorf("DuplicateDropped = %d, want 1", got)
	}
}

func TestHandleFrame_LocalDeliveryDataPacket(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)

	ids := wire.NewPacketIDCounter()
	pkt, _ := wire.CreateDataPacket(0x0001, 0x0002, 0, []byte("hi"), 3, ids, wire.DefaultMaxPacketSize)
	raw := frameBytes(t, pkt)

	r.handleFrame(rxFrame{data: raw})

	select {
	case delivered := <-r.AppQueue().Receive():
		if delivered.Src != 0x0002 {
			t.Errorf("delivered packet src = %#x, want 0x0002", delivered.Src)
		}
	default:
		t.Fatalf("expected packet on the application queue")
	}
}

func TestHandleFrame_ForwardsWhenNamedAsVia(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)

	ids := wire.NewPacketIDCounter()
	pkt, _ := wire.CreateDataPacket(0x0099, 0x0002, 0, []byte("hi"), 3, ids, wire.DefaultMaxPacketSize)
	pkt.Via = 0x0001
	raw := frameBytes(t, pkt)

	r.handleFrame(rxFrame{data: raw})

	if r.txq.len() != 1 {
		t.Fatalf("tx_queue len = %d, want 1", r.txq.len())
	}
	if got := r.Counters().ReceivedIAmVia.Load(); got != 1 {
		t.Errorf("ReceivedIAmVia = %d, want 1", got)
	}
}

func TestHandleFrame_DropsAndCountsWhenNotForMe(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)

	ids := wire.NewPacketIDCounter()
	pkt, _ := wire.CreateDataPacket(0x0099, 0x0002, 0, []byte("hi"), 3, ids, wire.DefaultMaxPacketSize)
	pkt.Via = 0x0007
	raw := frameBytes(t, pkt)

	r.handleFrame(rxFrame{data: raw})

	if r.txq.len() != 0 {
		t.Fatalf("packet should have been dropped, tx_queue len = %d", r.txq.len())
	}
	if got := counters.ReceivedNotForMe.Load(); got != 1 {
		t.Errorf("ReceivedNotForMe = %d, want 1", got)
	}
}

func TestHandleFrame_HelloIngestionUpdatesTable(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)

	ids := wire.NewPacketIDCounter()
	pkt, _ := wire.CreateHelloPacket(0x0002, 0, 0, wire.RoleDefault, nil, ids, wire.DefaultMaxPacketSize)
	raw := frameBytes(t, pkt)

	r.handleFrame(rxFrame{data: raw})

	if !r.cfg.Table.Has(0x0002) {
		t.Fatalf("hello beacon did not merge into the routing table")
	}
}

func TestSendToRadio_VectorVetoesUnreachableDestination(t *testing.T) {
	counters := &policy.Counters{}
	r, radio := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)

	ids := wire.NewPacketIDCounter()
	pkt, _ := wire.CreateDataPacket(0x0099, 0x0001, 0, []byte("hi"), 3, ids, wire.DefaultMaxPacketSize)

	r.sendToRadio(pkt)

	if len(radio.sent) != 0 {
		t.Fatalf("radio should not have received a frame for an unreachable destination")
	}
	if got := counters.DestinyUnreachable.Load(); got != 1 {
		t.Errorf("DestinyUnreachable = %d, want 1", got)
	}
}

func TestSendToRadio_AnnotatesAndSends(t *testing.T) {
	counters := &policy.Counters{}
	r, radio := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)
	r.cfg.Table.UpsertOneHopNeighbor(0x0002, 0, 200, -40, 0)
	r.cfg.Table.ProcessRoute(0x0002, wire.NetworkNode{Address: 0x0003, Metric: 10, Role: wire.RoleDefault, HopCount: 2}, 0)

	ids := wire.NewPacketIDCounter()
	pkt, _ := wire.CreateDataPacket(0x0003, 0x0001, 0, []byte("hi"), 3, ids, wire.DefaultMaxPacketSize)

	r.sendToRadio(pkt)

	if len(radio.sent) != 1 {
		t.Fatalf("expected the radio to receive one frame, got %d", len(radio.sent))
	}
	if got := counters.DestinyUnreachable.Load(); got != 0 {
		t.Errorf("DestinyUnreachable = %d, want 0", got)
	}
}

func TestReceive_OverflowIncrementsCounter(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)
	r.rxq = newRXQueue(1)

	r.Receive([]byte{1, 2, 3}, 0)
	r.Receive([]byte{4, 5, 6}, 0)

	if got := r.Counters().RXOverflow.Load(); got != 1 {
		t.Errorf("RXOverflow = %d, want 1", got)
	}
}

func TestSend_EnqueuesDataPacket(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)

	if !r.Send(0x0099, []byte("ping"), PriorityData) {
		t.Fatalf("Send reported failure on a non-full queue")
	}
	if r.txq.len() != 1 {
		t.Fatalf("tx_queue len = %d, want 1", r.txq.len())
	}
}

func TestDeliverLocal_BypassesPipelineGates(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)

	ids := wire.NewPacketIDCounter()
	lost := wire.CreateLostPacket(0x0001, 0x0099, 3, 9, ids)

	r.DeliverLocal(lost)

	select {
	case delivered := <-r.AppQueue().Receive():
		if !delivered.IsLost() {
			t.Errorf("delivered packet is not LOST")
		}
	default:
		t.Fatalf("expected the synthesized LOST packet on the application queue")
	}
}

func TestHandleFrame_RTRequestAnswersWithRoutePacket(t *testing.T) {
	counters := &policy.Counters{}
	r, radio := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)
	r.cfg.Table.UpsertOneHopNeighbor(0x0002, 0, 200, -40, 0)

	ids := wire.NewPacketIDCounter()
	req := wire.CreateRouteRequest(0x0001, 0x0002, ids)
	r.handleFrame(rxFrame{data: frameBytes(t, req)})

	if r.txq.len() != 1 {
		t.Fatalf("tx_queue len = %d, want 1 (ROUTE reply)", r.txq.len())
	}
	queued, ok := r.txq.pop()
	if !ok {
		t.Fatalf("expected a queued ROUTE reply")
	}
	r.sendToRadio(queued)
	if len(radio.sent) != 1 {
		t.Fatalf("expected one ROUTE frame sent to the radio, got %d", len(radio.sent))
	}
	sent, err := wire.Parse(radio.sent[0])
	if err != nil {
		t.Fatalf("parsing sent frame: %v", err)
	}
	if !sent.IsRoute() || sent.Dst != 0x0002 {
		t.Errorf("reply = type %#x dst %#x, want ROUTE to 0x0002", sent.Type, sent.Dst)
	}
}

func TestHandleFrame_RoutePacketMergesNetworkNodes(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)
	r.cfg.Table.UpsertOneHopNeighbor(0x0002, 0, 200, -40, 0)

	ids := wire.NewPacketIDCounter()
	nodes := []wire.NetworkNode{{Address: 0x0003, Metric: 10, Role: wire.RoleDefault, HopCount: 2}}
	route, _ := wire.CreateRoutePacket(0x0001, 0x0002, wire.RoleDefault, 0x0002, nodes, ids, wire.DefaultMaxPacketSize)

	r.handleFrame(rxFrame{data: frameBytes(t, route)})

	if !r.cfg.Table.Has(0x0003) {
		t.Fatalf("ROUTE packet did not merge the two-hop node into the routing table")
	}
	if got := r.cfg.Table.NextHop(0x0003); got != 0x0002 {
		t.Errorf("NextHop(0x0003) = %#x, want via 0x0002", got)
	}
}

func TestTickLinkQuality_RisesOnHeardNeighborAndDecaysOtherwise(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)
	r.cfg.LinkQualityWindow = 4
	r.cfg.Table.UpsertOneHopNeighbor(0x0002, 0, 200, -40, 0)

	ids := wire.NewPacketIDCounter()
	beacon, _ := wire.CreateHelloPacket(0x0002, 0, 1, wire.RoleDefault, nil, ids, wire.DefaultMaxPacketSize)
	r.handleFrame(rxFrame{data: frameBytes(t, beacon)})

	r.SendBeacon(nil)
	first, _ := r.cfg.Table.Find(0x0002)
	if first.ReceivedLinkQuality == 0 {
		t.Fatalf("expected a non-zero received_link_quality after a heard tick")
	}

	r.SendBeacon(nil)
	second, _ := r.cfg.Table.Find(0x0002)
	if second.ReceivedLinkQuality >= first.ReceivedLinkQuality {
		t.Errorf("expected received_link_quality to fall after a silent tick: first=%d second=%d", first.ReceivedLinkQuality, second.ReceivedLinkQuality)
	}
}

func TestSendReliable_TracksPendingSend(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)
	r.cfg.Table.UpsertOneHopNeighbor(0x0002, 0, 200, -40, 0)

	rel := reliability.New(reliability.Config{LocalAddress: 0x0001, IDs: wire.NewPacketIDCounter()})
	r.SetReliability(rel)

	if !r.SendReliable(0x0002, []byte("ping"), PriorityData) {
		t.Fatalf("SendReliable reported failure on a non-full queue")
	}
	if got := rel.PendingCount(); got != 1 {
		t.Fatalf("PendingCount() = %d, want 1", got)
	}

	queued, ok := r.txq.pop()
	if !ok {
		t.Fatalf("expected the NEED_ACK packet on the tx_queue")
	}
	if !queued.IsNeedAck() {
		t.Errorf("queued packet type %#x does not carry NEED_ACK", queued.Type)
	}
}

func TestHandleFrame_AckResolvesPendingSend(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)
	r.cfg.Table.UpsertOneHopNeighbor(0x0002, 0, 200, -40, 0)

	rel := reliability.New(reliability.Config{LocalAddress: 0x0001, IDs: wire.NewPacketIDCounter()})
	r.SetReliability(rel)

	r.SendReliable(0x0002, []byte("ping"), PriorityData)
	sent, ok := r.txq.pop()
	if !ok {
		t.Fatalf("expected the NEED_ACK packet on the tx_queue")
	}

	seqID, number := wire.SplitAckCorrelator(sent.ID)
	ack := wire.CreateAckPacket(0x0001, 0x0002, seqID, number, wire.NewPacketIDCounter())
	raw := frameBytes(t, ack)

	r.handleFrame(rxFrame{data: raw})

	if got := rel.PendingCount(); got != 0 {
		t.Errorf("PendingCount() after matching ACK = %d, want 0", got)
	}
}

func TestHandleFrame_NeedAckDataPacketGetsAckReply(t *testing.T) {
	counters := &policy.Counters{}
	r, _ := newTestRouter(0x0001, &policy.Vector{LocalAddress: 0x0001, Counters: counters}, counters)

	ids := wire.NewPacketIDCounter()
	pkt, _ := wire.CreateDataPacket(0x0001, 0x0002, wire.TypeNeedAck, []byte("hi"), 3, ids, wire.DefaultMaxPacketSize)
	raw := frameBytes(t, pkt)

	r.handleFrame(rxFrame{data: raw})

	select {
	case delivered := <-r.AppQueue().Receive():
		if delivered.Src != 0x0002 {
			t.Errorf("delivered packet src = %#x, want 0x0002", delivered.Src)
		}
	default:
		t.Fatalf("expected the NEED_ACK data packet on the application queue")
	}

	queued, ok := r.txq.pop()
	if !ok {
		t.Fatalf("expected an ACK reply on the tx_queue")
	}
	if !queued.IsAck() || queued.Dst != 0x0002 {
		t.Errorf("reply = type %#x dst %#x, want ACK to 0x0002", queued.Type, queued.Dst)
	}
	wantSeqID, wantNumber := wire.SplitAckCorrelator(pkt.ID)
	if queued.SeqID != wantSeqID || queued.Number != wantNumber {
		t.Errorf("ACK correlator = (%d, %d), want (%d, %d)", queued.SeqID, queued.Number, wantSeqID, wantNumber)
	}
}
