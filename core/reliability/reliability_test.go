package reliability

import (
	"testing"
	"time"

	"github.com/loramesh/mesh-router/core/wire"
)

type fakeSink struct {
	delivered []*wire.Packet
}

func (f *fakeSink) Deliver(pkt *wire.Packet) {
	f.delivered = append(f.delivered, pkt)
}

func newTestTracker(now *time.Time, sink *fakeSink) *Tracker {
	return New(Config{
		ACKTimeout:   100 * time.Millisecond,
		MaxRetries:   2,
		LocalAddress: 0x0001,
		IDs:          wire.NewPacketIDCounter(),
		Sink:         sink,
		nowFn:        func() time.Time { return *now },
	})
}

func TestResolve_RemovesPendingAndReportsFound(t *testing.T) {
	now := time.Unix(0, 0)
	tr := newTestTracker(&now, &fakeSink{})
	tr.Track(7, PendingSend{Dst: 0x0099})

	if !tr.Resolve(7) {
		t.Fatalf("Resolve should find the tracked id")
	}
	if tr.PendingCount() != 0 {
		t.Errorf("PendingCount = %d, want 0 after Resolve", tr.PendingCount())
	}
	if tr.Resolve(7) {
		t.Errorf("second Resolve should report not-found")
	}
}

func TestCheckTimeouts_RetriesBeforeExhaustion(t *testing.T) {
	now := time.Unix(0, 0)
	var resent int
	tr := newTestTracker(&now, &fakeSink{})
	tr.Track(7, PendingSend{Dst: 0x0099, Resend: func() { resent++ }})

	now = now.Add(150 * time.Millisecond)
	tr.checkTimeouts()

	if resent != 1 {
		t.Fatalf("resent = %d, want 1", resent)
	}
	if tr.PendingCount() != 1 {
		t.Errorf("pending send should remain tracked after a retry")
	}
}

func TestCheckTimeouts_SynthesizesLostOnExhaustion(t *testing.T) {
	now := time.Unix(0, 0)
	sink := &fakeSink{}
	tr := newTestTracker(&now, sink)
	tr.Track(7, PendingSend{Dst: 0x0099, SeqID: 3, Number: 9, Resend: func() {}})

	for i := 0; i < 3; i++ {
		now = now.Add(150 * time.Millisecond)
		tr.checkTimeouts()
	}

	if tr.PendingCount() != 0 {
		t.Fatalf("exhausted send should stop being tracked")
	}
	if len(sink.delivered) != 1 {
		t.Fatalf("expected exactly one synthesized LOST packet, got %d", len(sink.delivered))
	}
	lost := sink.delivered[0]
	if !lost.IsLost() || lost.Dst != 0x0099 || lost.SeqID != 3 || lost.Number != 9 {
		t.Errorf("synthesized packet = %+v, want LOST to 0x0099 seq=3 num=9", lost)
	}
}

func TestCheckTimeouts_NoOpBeforeTimeout(t *testing.T) {
	now := time.Unix(0, 0)
	var resent int
	tr := newTestTracker(&now, &fakeSink{})
	tr.Track(7, PendingSend{Dst: 0x0099, Resend: func() { resent++ }})

	now = now.Add(10 * time.Millisecond)
	tr.checkTimeouts()

	if resent != 0 {
		t.Errorf("resent = %d, want 0 before the timeout elapses", resent)
	}
}
