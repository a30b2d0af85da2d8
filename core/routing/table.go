// Package routing implements the routing table: neighbor and multi-hop
// route bookkeeping, the composite link-quality metric, and timeout-driven
// eviction.
//
// Grounded on RoutingTableService.cpp, generalized into idiomatic Go: a
// hand-rolled "in-use" counter becomes a sync.RWMutex (multiple concurrent
// readers, one exclusive mutator), and a static singleton list becomes an
// explicitly constructed Table a caller owns and passes around, following
// the same RWMutex/ForEach discipline a concurrent-safe manager type
// elsewhere in this codebase uses.
package routing

import (
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/loramesh/mesh-router/core/clock"
	"github.com/loramesh/mesh-router/core/wire"
)

// MaxMetric is the worst (and highest representable) composite metric.
const MaxMetric uint8 = 255

// Defaults for Config.
const (
	DefaultMaxSize               = 128
	DefaultTimeoutMs       int64 = 300_000 // 300s
	DefaultReducedFactorHC uint8 = 1
)

// RouteNode is one routing-table entry.
type RouteNode struct {
	Address wire.Address
	Via     wire.Address // next-hop address; equals Address for one-hop neighbors

	Metric   uint8
	HopCount uint8
	Role     uint8

	ReceivedLinkQuality    uint8 // 0..255, higher is better
	TransmittedLinkQuality uint8
	ReceivedMetric         uint8 // cached composite used for metric recomputation
	ReceivedSNR            int8

	TimeoutDeadlineMs int64
	HasReceivedHello  bool
}

// NetworkNode projects a RouteNode down to the wire.NetworkNode fields
// carried in ROUTE packets and beacons.
func (n *RouteNode) NetworkNode() wire.NetworkNode {
	return wire.NetworkNode{Address: n.Address, Metric: n.Metric, Role: n.Role, HopCount: n.HopCount}
}

// IsOneHop reports whether n is a direct neighbor. Operationally this is
// via==address, not a literal metric==1 test -- with REDUCED_FACTOR_HOP_COUNT
// taken as a plain integer scalar (e.g. 1), a fresh one-hop neighbor's
// metric is REDUCED_FACTOR_HOP_COUNT*MAX_METRIC, not literally 1, so
// via==address is the test that actually holds.
func (n *RouteNode) IsOneHop() bool {
	return n.Via == n.Address
}

// Config configures a Table.
type Config struct {
	// MaxSize bounds table occupancy (RT_MAX_SIZE). Zero uses DefaultMaxSize.
	MaxSize int
	// DefaultTimeoutMs is the deadline extension granted on every
	// resetTimeoutRoutingNode. Zero uses DefaultTimeoutMs.
	DefaultTimeoutMs int64
	// ReducedFactorHopCount scales the hop-count term of the metric
	// formula. Zero uses DefaultReducedFactorHC.
	ReducedFactorHopCount uint8
	LocalAddress          wire.Address
	Clock                 clock.Source
	Logger                *slog.Logger
}

// Table is the concurrent, address-keyed routing table.
type Table struct {
	mu     sync.RWMutex
	nodes  map[wire.Address]*RouteNode
	cfg    Config
	rtID   uint8
	clock  clock.Source
	log    *slog.Logger
}

// New builds a Table per cfg, defaulting MaxSize, DefaultTimeoutMs,
// ReducedFactorHopCount, Clock, and Logger when left zero.
func New(cfg Config) *Table {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.DefaultTimeoutMs <= 0 {
		cfg.DefaultTimeoutMs = DefaultTimeoutMs
	}
	if cfg.ReducedFactorHopCount == 0 {
		cfg.ReducedFactorHopCount = DefaultReducedFactorHC
	}
	cl := cfg.Clock
	if cl == nil {
		cl = clock.New()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		nodes: make(map[wire.Address]*RouteNode),
		cfg:   cfg,
		clock: cl,
		log:   log.WithGroup("routing"),
	}
}

// Find returns the live entry for address, if any.
func (t *Table) Find(address wire.Address) (RouteNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[address]
	if !ok {
		return RouteNode{}, false
	}
	return *n, true
}

// Has reports whether address has a live entry.
func (t *Table) Has(address wire.Address) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.nodes[address]
	return ok
}

// NextHop returns the next-hop address toward dst, or AddrUnknown (0) if
// there is no route.
func (t *Table) NextHop(dst wire.Address) wire.Address {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[dst]
	if !ok {
		return wire.AddrUnknown
	}
	return n.Via
}

// HopCount returns the stored hop count toward address, or 0 if absent.
func (t *Table) HopCount(address wire.Address) uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[address]
	if !ok {
		return 0
	}
	return n.HopCount
}

// Len reports the current table occupancy.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// RoutingTableID returns the table's current routing_table_id, compared
// against peers' hello beacons to detect divergence.
func (t *Table) RoutingTableID() uint8 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rtID
}

// BestByRole returns the live entry with the lowest metric among those
// whose Role, masked by roleMask, equals roleMask.
func (t *Table) BestByRole(roleMask uint8) (RouteNode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var best *RouteNode
	for _, n := range t.nodes {
		if n.Role&roleMask != roleMask {
			continue
		}
		if best == nil || n.Metric < best.Metric {
			best = n
		}
	}
	if best == nil {
		return RouteNode{}, false
	}
	return *best, true
}

// AllNetworkNodes returns every live entry projected to wire.NetworkNode,
// sorted by address for deterministic beacon/ROUTE-packet encoding.
func (t *Table) AllNetworkNodes() []wire.NetworkNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]wire.NetworkNode, 0, len(t.nodes))
	for _, n := range t.nodes {
		out = append(out, n.NetworkNode())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// OneHopNeighbors returns the table's direct neighbors as the
// HelloPacketNode entries a beacon reports: each neighbor's address and
// our most recent observed link quality for it.
func (t *Table) OneHopNeighbors() []wire.HelloPacketNode {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]wire.HelloPacketNode, 0)
	for _, n := range t.nodes {
		if !n.IsOneHop() {
			continue
		}
		out = append(out, wire.HelloPacketNode{Address: n.Address, ReceivedLinkQuality: n.ReceivedLinkQuality})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// UpdateReceivedLinkQuality overwrites the stored received_link_quality
// for a neighbor, as computed by the caller's packet-reception window.
func (t *Table) UpdateReceivedLinkQuality(address wire.Address, rlq uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if n, ok := t.nodes[address]; ok {
		n.ReceivedLinkQuality = rlq
	}
}

// SweepTimeouts evicts every entry whose TimeoutDeadlineMs has passed as
// of now. It is idempotent: re-running it without an intervening mutation
// produces no change.
func (t *Table) SweepTimeouts(now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr, n := range t.nodes {
		if n.TimeoutDeadlineMs < now {
			t.log.Warn("route timeout", "address", addr, "via", n.Via)
			delete(t.nodes, addr)
		}
	}
}

// UpsertOneHopNeighbor records a one-hop neighbor learned from a just-
// accepted HELLO beacon: inserts it fresh if unknown, or recomputes its
// metric if already known. peerRTID is the sender's routing_table_id,
// used to bump the local table's id on first sighting, matching the
// source's `routingTableId = p->routingTableId + 1`. It returns whether
// the table changed.
func (t *Table) UpsertOneHopNeighbor(address wire.Address, peerRTID uint8, transmittedLinkQuality uint8, snr int8, now int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[address]
	if !ok {
		factorHops := t.metricFromHops(1)
		n = &RouteNode{
			Address:                address,
			Via:                    address,
			Metric:                 factorHops,
			HopCount:               1,
			Role:                   wire.RoleDefault,
			ReceivedLinkQuality:    MaxMetric,
			TransmittedLinkQuality: transmittedLinkQuality,
			ReceivedMetric:         MaxMetric,
			ReceivedSNR:            snr,
			HasReceivedHello:       true,
		}
		t.resetTimeoutLocked(n, now)
		t.nodes[address] = n
		t.rtID = peerRTID + 1
		return true
	}

	n.TransmittedLinkQuality = transmittedLinkQuality
	n.HasReceivedHello = true
	changed := t.updateMetricLocked(n, 1, n.ReceivedLinkQuality, transmittedLinkQuality)
	t.resetTimeoutLocked(n, now)
	n.ReceivedSNR = snr

	if changed {
		t.propagateLocked(n)
	}
	return changed
}

// ProcessRoute merges a single NetworkNode learned from a ROUTE packet
// received via the given next hop. A rejected entry is simply dropped,
// never partially applied.
func (t *Table) ProcessRoute(via wire.Address, node wire.NetworkNode, now int64) {
	if node.Address == t.cfg.LocalAddress {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// node reports via's own hop count to node.Address; reaching it
	// through via costs one more hop than via already paid.
	relayed := node
	if relayed.HopCount < MaxMetric {
		relayed.HopCount++
	}

	rNode, ok := t.nodes[node.Address]
	if !ok {
		t.addNodeLocked(relayed, via, now)
		return
	}

	if relayed.Metric < rNode.Metric {
		rNode.Metric = relayed.Metric
		rNode.HopCount = relayed.HopCount
		rNode.Via = via
		t.resetTimeoutLocked(rNode, now)
	} else if relayed.Metric == rNode.Metric {
		t.resetTimeoutLocked(rNode, now)
	}

	if rNode.Via == via && node.Role != rNode.Role {
		rNode.Role = node.Role
	}
}

func (t *Table) addNodeLocked(node wire.NetworkNode, via wire.Address, now int64) {
	if len(t.nodes) >= t.cfg.MaxSize {
		t.log.Warn("routing table full, dropping learned route", "address", node.Address)
		return
	}
	maxAllowed := t.maxMetricLocked()
	if node.Metric > maxAllowed {
		t.log.Warn("learned route metric exceeds table maximum, dropping", "address", node.Address, "metric", node.Metric, "max", maxAllowed)
		return
	}
	n := &RouteNode{
		Address:                node.Address,
		Via:                    via,
		Metric:                 node.Metric,
		HopCount:               node.HopCount,
		Role:                   node.Role,
		ReceivedLinkQuality:    MaxMetric,
		TransmittedLinkQuality: MaxMetric,
		ReceivedMetric:         MaxMetric,
	}
	t.resetTimeoutLocked(n, now)
	t.nodes[node.Address] = n
}

func (t *Table) maxMetricLocked() uint8 {
	var max uint8
	for _, n := range t.nodes {
		if n.Metric > max {
			max = n.Metric
		}
	}
	if max == MaxMetric {
		return MaxMetric
	}
	return max + 1
}

func (t *Table) resetTimeoutLocked(n *RouteNode, now int64) {
	n.TimeoutDeadlineMs = now + t.cfg.DefaultTimeoutMs
}

// propagateLocked recomputes the metric of every RouteNode whose next hop
// is the neighbor that just changed, per the propagated-change invariant.
// It is one level only, matching updateMetricOfNextHop: propagation does
// not cascade transitively within a single call.
func (t *Table) propagateLocked(changed *RouteNode) {
	for _, n := range t.nodes {
		if n.Via == changed.Address && n.Address != changed.Address {
			t.updateMetricLocked(n, n.HopCount, changed.ReceivedLinkQuality, changed.TransmittedLinkQuality)
		}
	}
}

// updateMetricLocked recomputes n's composite metric given a (possibly
// unchanged) hop count and fresh link-quality readings, per the formula in
// the component design: quality_link = (rlq+tlq)/2, factor_hops =
// REDUCED_FACTOR_HOP_COUNT*hops*MAX_METRIC, factor_quality =
// MAX_METRIC/sqrt((MAX_METRIC/m_prev)^2 + (MAX_METRIC/quality_link)^2),
// new_metric = min(factor_hops, factor_quality). It reports whether
// anything changed.
func (t *Table) updateMetricLocked(n *RouteNode, hops uint8, rlq, tlq uint8) bool {
	updated := false
	if n.HopCount != hops {
		n.HopCount = hops
		updated = true
	}

	factorHops := t.metricFromHops(hops)
	qualityLink := uint8((uint16(rlq) + uint16(tlq)) / 2)
	factorLinkQuality := factorLinkQualityFrom(n.ReceivedMetric, qualityLink)

	newMetric := factorHops
	if factorLinkQuality < newMetric {
		newMetric = factorLinkQuality
	}

	if n.Metric != newMetric {
		n.Metric = newMetric
		updated = true
	}
	return updated
}

// metricFromHops computes factor_hops, clamped to the metric's [0,255]
// domain rather than left to wrap the way the source's uint8_t arithmetic
// implicitly would -- the source's use of a plain uint8_t there was never
// called out alongside the XOR bug as intentional, and a composite score
// documented as bounded to [0,255] should saturate at its worst value
// rather than wrap back around to a falsely excellent one.
func (t *Table) metricFromHops(hops uint8) uint8 {
	v := float64(t.cfg.ReducedFactorHopCount) * float64(hops) * float64(MaxMetric)
	return clampMetric(v)
}

// ratioTerm computes MAX_METRIC/divisor, substituting MAX_METRIC itself
// (the worst-case ratio) when divisor would be zero.
func ratioTerm(divisor uint8) float64 {
	if divisor == 0 {
		return float64(MaxMetric)
	}
	return float64(MaxMetric) / float64(divisor)
}

func factorLinkQualityFrom(mPrev, qualityLink uint8) uint8 {
	t1 := ratioTerm(mPrev)
	t2 := ratioTerm(qualityLink)
	return clampMetric(float64(MaxMetric) / math.Sqrt(t1*t1+t2*t2))
}

func clampMetric(v float64) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= float64(MaxMetric) {
		return MaxMetric
	}
	return uint8(math.Round(v))
}
