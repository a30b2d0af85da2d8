package router

import (
	"sync"

	"github.com/loramesh/mesh-router/core/wire"
)

// Priority classes for the TX queue. Lower values drain first; the
// external send() interface lets the application pick a priority per
// packet, but the forwarding pipeline always uses these two.
const (
	PriorityControl uint8 = 0 // HELLO/ACK/NEED_ACK/LOST/SYNC/RT_REQUEST
	PriorityData    uint8 = 1 // forwarded or originated DATA
)

type rxFrame struct {
	data []byte
	snr  int8
}

// rxQueue is the bounded FIFO radio reception feeds. Push never blocks --
// called from the radio's receive callback, which must not stall the
// driver -- and drops the frame with a counter increment when full.
type rxQueue struct {
	mu     sync.Mutex
	items  []rxFrame
	max    int
	signal chan struct{}
}

func newRXQueue(max int) *rxQueue {
	return &rxQueue{max: max, signal: make(chan struct{}, 1)}
}

// push enqueues a frame, returning false if the queue was full and the
// frame was dropped.
func (q *rxQueue) push(f rxFrame) bool {
	q.mu.Lock()
	if len(q.items) >= q.max {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.wake()
	return true
}

func (q *rxQueue) pop() (rxFrame, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return rxFrame{}, false
	}
	f := q.items[0]
	q.items = q.items[1:]
	return f, true
}

func (q *rxQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *rxQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

type txItem struct {
	pkt      *wire.Packet
	priority uint8
}

// txQueue is the bounded, priority-ordered FIFO the TX task drains.
// Within a priority class items are returned in push order; across
// classes, lower priority values drain first.
type txQueue struct {
	mu     sync.Mutex
	items  []txItem
	max    int
	signal chan struct{}
}

func newTXQueue(max int) *txQueue {
	return &txQueue{max: max, signal: make(chan struct{}, 1)}
}

func (q *txQueue) push(pkt *wire.Packet, priority uint8) bool {
	q.mu.Lock()
	if len(q.items) >= q.max {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, txItem{pkt: pkt, priority: priority})
	q.mu.Unlock()
	q.wake()
	return true
}

func (q *txQueue) pop() (*wire.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	best := 0
	for i := 1; i < len(q.items); i++ {
		if q.items[i].priority < q.items[best].priority {
			best = i
		}
	}
	pkt := q.items[best].pkt
	q.items = append(q.items[:best], q.items[best+1:]...)
	return pkt, true
}

func (q *txQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *txQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *txQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *rxQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
