package hello

import "github.com/loramesh/mesh-router/core/routing"

// LinkQualityWindow is the default number of housekeeper ticks a
// LinkQualityTracker averages reception over.
const LinkQualityWindow = 8

// LinkQualityTracker derives received_link_quality for one neighbor from
// a sliding window of per-tick reception outcomes: the fraction of window
// slots in which at least one packet arrived from that neighbor, scaled to
// [0, MAX_METRIC]. Monotonic in packet-success-rate and bounded to that
// range.
type LinkQualityTracker struct {
	window []bool
	pos    int
	filled int
}

// NewLinkQualityTracker creates a tracker over the given window size.
// Zero or negative sizes fall back to LinkQualityWindow.
func NewLinkQualityTracker(size int) *LinkQualityTracker {
	if size <= 0 {
		size = LinkQualityWindow
	}
	return &LinkQualityTracker{window: make([]bool, size)}
}

// Observe records whether a packet was heard from the tracked neighbor
// during the most recent tick, and returns the recomputed link quality.
func (lq *LinkQualityTracker) Observe(received bool) uint8 {
	lq.window[lq.pos] = received
	lq.pos = (lq.pos + 1) % len(lq.window)
	if lq.filled < len(lq.window) {
		lq.filled++
	}

	hits := 0
	for i := 0; i < lq.filled; i++ {
		if lq.window[i] {
			hits++
		}
	}
	return uint8(hits * int(routing.MaxMetric) / lq.filled)
}
