package router

import "github.com/loramesh/mesh-router/core/wire"

// AppQueue is the application's receive queue: a bounded channel the
// application polls or selects on. A full queue drops the packet; the
// caller observes this through Router.Counters().AppQueueOverflow.
type AppQueue struct {
	ch chan *wire.Packet
}

func newAppQueue(size int) *AppQueue {
	return &AppQueue{ch: make(chan *wire.Packet, size)}
}

// push enqueues a packet for the application, returning false if the
// queue was full.
func (q *AppQueue) push(pkt *wire.Packet) bool {
	select {
	case q.ch <- pkt:
		return true
	default:
		return false
	}
}

// Receive returns the channel the application reads delivered packets
// from.
func (q *AppQueue) Receive() <-chan *wire.Packet {
	return q.ch
}
