// Package router implements the forwarding pipeline: the rx_queue/tx_queue
// pair and the RX/TX tasks that drain them, wired to packet history, the
// routing policy, and the application queue.
//
// The queue/notification shape and the RWMutex-guarded radio handle
// follow a queue-draining router sitting between transports and the
// application; the dedup/multipart/ACK-forwarding/trace machinery specific
// to that protocol does not carry over, replaced by the history/policy/
// hello pipeline this packet format calls for.
package router

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loramesh/mesh-router/core/clock"
	"github.com/loramesh/mesh-router/core/hello"
	"github.com/loramesh/mesh-router/core/history"
	"github.com/loramesh/mesh-router/core/policy"
	"github.com/loramesh/mesh-router/core/reliability"
	"github.com/loramesh/mesh-router/core/routing"
	"github.com/loramesh/mesh-router/core/wire"
)

// DefaultQueueSize bounds both the rx_queue and tx_queue.
const DefaultQueueSize = 64

// DefaultAppQueueSize bounds the application delivery queue.
const DefaultAppQueueSize = 32

// Radio is the forwarding pipeline's only dependency on the physical
// layer: handing a fully-encoded frame to the driver for transmission.
// Reception arrives the other way, through Router.Receive.
type Radio interface {
	Send(frame []byte) error
}

// Config configures a Router.
type Config struct {
	LocalAddress wire.Address
	LocalRole    uint8

	Policy  policy.Policy
	Table   *routing.Table
	History *history.History
	IDs     *wire.PacketIDCounter
	Clock   clock.Source

	// PolicyCounters must be the same *policy.Counters instance handed to
	// Policy, so the router's own Counters.Policy reports the increments
	// Policy.RouteReceived/AnnotateBeforeSend make. Nil allocates a fresh,
	// unshared instance -- valid, but it will read back as permanently
	// zero unless it is the same pointer Policy was built with.
	PolicyCounters *policy.Counters

	// HopLimit is the hop budget assigned to a packet this node
	// originates via Send. Zero uses defaultHopLimit.
	HopLimit uint8

	MaxPacketSize int
	RXQueueSize   int
	TXQueueSize   int
	AppQueueSize  int

	// LinkQualityWindow sizes each neighbor's received_link_quality
	// sliding window, in housekeeper ticks. Zero uses
	// hello.LinkQualityWindow.
	LinkQualityWindow int

	// LocalDeliveryBroadcast is the bitmask of type bits that are
	// delivered to the application queue even when addressed to the
	// broadcast address (in addition to always being delivered when
	// dst == LocalAddress). Defaults to wire.TypeData. HELLO is
	// deliberately excluded: it is consumed by the hello engine at gate
	// 5, which runs regardless of gate 3's local-delivery check.
	LocalDeliveryBroadcast uint8

	Logger *slog.Logger
}

// Router owns the rx_queue/tx_queue pair and the packet classification,
// history, and policy dispatch the RX task runs.
type Router struct {
	cfg Config
	log *slog.Logger

	rxq  *rxQueue
	txq  *txQueue
	appq *AppQueue

	counters Counters

	mu          sync.RWMutex
	radio       Radio
	reliability *reliability.Tracker

	lqMu        sync.Mutex
	lqTrackers  map[wire.Address]*hello.LinkQualityTracker
	heardThisTick map[wire.Address]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Router. Call SetRadio before Start if the radio is not
// yet available at construction time.
func New(radio Radio, cfg Config) *Router {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = wire.DefaultMaxPacketSize
	}
	if cfg.RXQueueSize <= 0 {
		cfg.RXQueueSize = DefaultQueueSize
	}
	if cfg.TXQueueSize <= 0 {
		cfg.TXQueueSize = DefaultQueueSize
	}
	if cfg.AppQueueSize <= 0 {
		cfg.AppQueueSize = DefaultAppQueueSize
	}
	if cfg.LocalDeliveryBroadcast == 0 {
		cfg.LocalDeliveryBroadcast = wire.TypeData
	}
	if cfg.LinkQualityWindow <= 0 {
		cfg.LinkQualityWindow = hello.LinkQualityWindow
	}
	if cfg.HopLimit == 0 {
		cfg.HopLimit = defaultHopLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PolicyCounters == nil {
		cfg.PolicyCounters = &policy.Counters{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		cfg:           cfg,
		log:           log.WithGroup("router"),
		rxq:           newRXQueue(cfg.RXQueueSize),
		txq:           newTXQueue(cfg.TXQueueSize),
		appq:          newAppQueue(cfg.AppQueueSize),
		counters:      Counters{Policy: cfg.PolicyCounters},
		radio:         radio,
		lqTrackers:    make(map[wire.Address]*hello.LinkQualityTracker),
		heardThisTick: make(map[wire.Address]bool),
	}
}

// SetRadio installs (or replaces) the radio the TX task sends through.
func (r *Router) SetRadio(radio Radio) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.radio = radio
}

// SetReliability installs the NEED_ACK retry tracker SendReliable registers
// pending sends with and an inbound ACK resolves. Constructed after the
// Router since reliability.Config's LostSink needs a Router to deliver a
// synthesized LOST packet to.
func (r *Router) SetReliability(rel *reliability.Tracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reliability = rel
}

// AppQueue returns the application delivery queue.
func (r *Router) AppQueue() *AppQueue {
	return r.appq
}

// Counters returns the pipeline's observability counters.
func (r *Router) Counters() *Counters {
	return &r.counters
}

// Start launches the RX and TX tasks. Call Stop, or cancel ctx, to end
// them; Stop blocks until both have drained and returned.
func (r *Router) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(2)
	go r.rxTask(ctx)
	go r.txTask(ctx)
}

// Stop cancels the RX/TX tasks and waits for them to exit.
func (r *Router) Stop() {
	if r.cancel != nil {
		r.cancel()
		r.wg.Wait()
		r.cancel = nil
	}
}

// Receive is the radio's reception callback. It must not block: it
// enqueues the frame and returns, relying on the RX task to do the real
// work. A full rx_queue drops the frame and increments RXOverflow.
func (r *Router) Receive(frame []byte, snr int8) {
	cp := make([]byte, len(frame))
	copy(cp, frame)
	if !r.rxq.push(rxFrame{data: cp, snr: snr}) {
		r.counters.RXOverflow.Add(1)
		r.log.Warn("rx_queue full, dropping frame")
	}
}

// Send constructs and enqueues a DATA packet for transmission, the
// application-facing half of the external send() interface. It returns
// false if the tx_queue is full.
func (r *Router) Send(dst wire.Address, payload []byte, priority uint8) bool {
	pkt, truncated := wire.CreateDataPacket(dst, r.cfg.LocalAddress, 0, payload, r.cfg.HopLimit, r.cfg.IDs, r.cfg.MaxPacketSize)
	if truncated {
		r.log.Warn("payload truncated to fit max_packet_size", "dst", dst)
	}
	return r.enqueueTX(pkt, priority)
}

// SendReliable behaves like Send, but sets the NEED_ACK bit and registers
// the packet with the reliability tracker (if one was installed via
// SetReliability) so it is resent on timeout and reported LOST if its
// retries are exhausted. It returns false if the tx_queue is full; the
// packet is not tracked in that case, matching Send's all-or-nothing
// enqueue semantics.
func (r *Router) SendReliable(dst wire.Address, payload []byte, priority uint8) bool {
	pkt, truncated := wire.CreateDataPacket(dst, r.cfg.LocalAddress, wire.TypeNeedAck, payload, r.cfg.HopLimit, r.cfg.IDs, r.cfg.MaxPacketSize)
	if truncated {
		r.log.Warn("payload truncated to fit max_packet_size", "dst", dst)
	}
	if !r.enqueueTX(pkt, priority) {
		return false
	}
	r.trackReliable(pkt, priority)
	return true
}

// trackReliable registers pkt's id with the reliability tracker under the
// correlator an ACK reply will carry, with a Resend callback that
// re-enqueues the same packet (same id, same NEED_ACK bit) rather than
// building a new one -- a retry keyed under a freshly assigned id would
// never match the correlator the original ACK reply is expected to carry.
func (r *Router) trackReliable(pkt *wire.Packet, priority uint8) {
	r.mu.RLock()
	rel := r.reliability
	r.mu.RUnlock()
	if rel == nil {
		return
	}

	seqID, number := wire.SplitAckCorrelator(pkt.ID)
	rel.Track(wire.JoinAckCorrelator(seqID, number), reliability.PendingSend{
		Dst:    pkt.Dst,
		SeqID:  seqID,
		Number: number,
		Resend: func() {
			r.enqueueTX(pkt, priority)
		},
	})
}

// defaultHopLimit is DEFAULT_HOP_LIMIT from the configuration surface;
// Send always originates a packet at this hop budget.
const defaultHopLimit = 10

// SendBeacon enqueues an already-built HELLO packet at control priority,
// satisfying device/hello.Sender so a Scheduler can drive this Router.
// Since the scheduler calls SendBeacon exactly once per HELLO_INTERVAL,
// this is also the natural tick boundary for each neighbor's
// received_link_quality sliding window.
func (r *Router) SendBeacon(pkt *wire.Packet) {
	r.tickLinkQuality()
	if pkt == nil {
		return
	}
	r.enqueueTX(pkt, PriorityControl)
}

// tickLinkQuality advances every tracked one-hop neighbor's
// received_link_quality window by one slot, recording whether a HELLO was
// heard from it since the previous tick, then resets the per-tick
// reception set.
func (r *Router) tickLinkQuality() {
	neighbors := r.cfg.Table.OneHopNeighbors()

	r.lqMu.Lock()
	defer r.lqMu.Unlock()
	for _, n := range neighbors {
		tr, ok := r.lqTrackers[n.Address]
		if !ok {
			tr = hello.NewLinkQualityTracker(r.cfg.LinkQualityWindow)
			r.lqTrackers[n.Address] = tr
		}
		rlq := tr.Observe(r.heardThisTick[n.Address])
		r.cfg.Table.UpdateReceivedLinkQuality(n.Address, rlq)
	}
	r.heardThisTick = make(map[wire.Address]bool)
}

func (r *Router) markHeard(addr wire.Address) {
	r.lqMu.Lock()
	r.heardThisTick[addr] = true
	r.lqMu.Unlock()
}

// DeliverLocal hands a locally-synthesized packet (e.g. a LOST control
// packet from core/reliability) directly to the application queue,
// bypassing history/policy dispatch since it never arrived over the
// radio.
func (r *Router) DeliverLocal(pkt *wire.Packet) {
	r.deliverLocal(pkt)
}

func (r *Router) rxTask(ctx context.Context) {
	defer r.wg.Done()
	for {
		frame, ok := r.rxq.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.rxq.wait():
				continue
			}
		}
		r.handleFrame(frame)
	}
}

func (r *Router) txTask(ctx context.Context) {
	defer r.wg.Done()
	for {
		pkt, ok := r.txq.pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-r.txq.wait():
				continue
			}
		}
		r.sendToRadio(pkt)
	}
}

// handleFrame runs the inbound pipeline's classification, history, local
// -delivery, and policy-dispatch gates for one received frame.
func (r *Router) handleFrame(frame rxFrame) {
	pkt, err := wire.Parse(frame.data)
	if err != nil {
		r.log.Debug("dropping malformed frame", "error", err)
		return
	}
	r.counters.recordReceived(pkt.Type)

	// Gate 1: history dedup, DATA family only.
	if pkt.IsData() {
		if r.cfg.History.WasSeen(pkt.Src, pkt.ID) {
			r.counters.DuplicateDropped.Add(1)
			return
		}
	}

	// Gate 1.5: ACK arrival. Resolves the matching NEED_ACK send rather
	// than reaching the application or policy at all.
	if pkt.IsAck() {
		r.resolveAck(pkt)
		return
	}

	// Gate 2: routing-table exchange. RT_REQUEST and ROUTE are always
	// unicast to a specific node and never meant for the application --
	// they are answered or merged here, ahead of local delivery, so they
	// never reach gate 3's dst == local_address check.
	if pkt.IsRTRequest() {
		r.respondToRTRequest(pkt)
		return
	}
	if pkt.IsRoute() {
		r.ingestRoute(pkt, frame.snr)
		return
	}

	// Gate 3: local delivery. A packet addressed to us exactly is ours
	// alone and stops here. A broadcast configured for local delivery is
	// also handed to the application, but -- unlike a unicast delivery --
	// does not stop the pipeline: under flooding policy the same
	// broadcast must still reach gate 4 to be re-enqueued for the next
	// hop, or every node past the first would swallow it silently.
	if pkt.Dst == r.cfg.LocalAddress {
		if pkt.IsNeedAck() {
			r.replyAck(pkt)
		}
		r.deliverLocal(pkt)
		return
	}
	if pkt.Dst == wire.AddrBroadcast && pkt.Type&r.cfg.LocalDeliveryBroadcast != 0 {
		r.deliverLocal(pkt)
	}

	// Gate 4: routing policy. Only the DATA family runs route_received --
	// HELLO and the other control types reach this point on a broadcast
	// that isn't addressed for local delivery, and must not be charged
	// against a not-for-me counter meant for data traffic.
	if pkt.IsData() {
		r.dispatchToPolicy(pkt)
	}

	// Gate 5: hello engine ingestion (independent of gates 3/4 -- a HELLO
	// that isn't addressed to us locally still updates the routing table).
	if pkt.IsHello() {
		r.ingestHello(pkt, frame.snr)
	}
}

// resolveAck marks the NEED_ACK send this ACK answers as delivered, if a
// reliability tracker was installed and the correlator is still pending.
func (r *Router) resolveAck(pkt *wire.Packet) {
	r.mu.RLock()
	rel := r.reliability
	r.mu.RUnlock()
	if rel == nil {
		return
	}
	rel.Resolve(wire.JoinAckCorrelator(pkt.SeqID, pkt.Number))
}

// replyAck answers a locally-delivered NEED_ACK packet. The ACK's
// SeqID/Number carry pkt.id's low 24 bits (SplitAckCorrelator's 8+16
// split) rather than the sender's own
// SeqID/Number, since those fields are never serialized on the DATA
// family -- id is, so both ends derive the same correlator from it.
func (r *Router) replyAck(pkt *wire.Packet) {
	seqID, number := wire.SplitAckCorrelator(pkt.ID)
	ack := wire.CreateAckPacket(pkt.Src, r.cfg.LocalAddress, seqID, number, r.cfg.IDs)
	r.enqueueTX(ack, PriorityControl)
}

// respondToRTRequest answers an RT_REQUEST with a ROUTE packet carrying our
// full routing-table snapshot, per the routing-table-id/size divergence
// recovery the hello engine triggers.
func (r *Router) respondToRTRequest(pkt *wire.Packet) {
	route, _ := wire.CreateRoutePacket(pkt.Src, r.cfg.LocalAddress, r.cfg.LocalRole, r.cfg.LocalAddress, r.cfg.Table.AllNetworkNodes(), r.cfg.IDs, r.cfg.MaxPacketSize)
	r.enqueueTX(route, PriorityControl)
}

// ingestRoute merges every entry of a received ROUTE snapshot into the
// routing table, learning about nodes more than one hop away. A ROUTE is
// never forwarded, so its sender is always heard directly: an unknown
// sender is first recorded as a one-hop neighbor. The snapshot never lists
// the sender itself, and a node whose own beacons trail the sender's
// routing_table_id would otherwise never learn it. A ROUTE carries no
// routing_table_id, so that insertion bumps the local id by one.
func (r *Router) ingestRoute(pkt *wire.Packet, snr int8) {
	now := r.cfg.Clock.NowMs()
	if !r.cfg.Table.Has(pkt.Src) {
		r.cfg.Table.UpsertOneHopNeighbor(pkt.Src, r.cfg.Table.RoutingTableID(), routing.MaxMetric, snr, now)
	}
	for _, node := range pkt.NetworkNodes {
		r.cfg.Table.ProcessRoute(pkt.Src, node, now)
	}
}

// deliverLocal hands the packet to the application queue.
func (r *Router) deliverLocal(pkt *wire.Packet) {
	if !r.appq.push(pkt) {
		r.counters.AppQueueOverflow.Add(1)
		r.log.Warn("application queue full, dropping packet", "src", pkt.Src)
	}
}

func (r *Router) dispatchToPolicy(pkt *wire.Packet) {
	decision := r.cfg.Policy.RouteReceived(pkt)
	if !decision.Forward {
		return
	}
	if pkt.Via == r.cfg.LocalAddress {
		r.counters.ReceivedIAmVia.Add(1)
	}
	priority := PriorityData
	if wire.IsControl(pkt.Type) {
		priority = PriorityControl
	}
	r.enqueueTX(pkt, priority)
}

func (r *Router) ingestHello(pkt *wire.Packet, snr int8) {
	r.markHeard(pkt.Src)
	_, toSend := hello.Ingest(r.cfg.Table, r.cfg.LocalAddress, pkt, snr, r.cfg.Clock.NowMs(), r.cfg.IDs)
	if toSend != nil {
		r.enqueueTX(toSend, PriorityControl)
	}
}

func (r *Router) enqueueTX(pkt *wire.Packet, priority uint8) bool {
	if !r.txq.push(pkt, priority) {
		r.counters.TXOverflow.Add(1)
		r.log.Warn("tx_queue full, dropping packet", "dst", pkt.Dst)
		return false
	}
	return true
}

// sendToRadio runs the outbound pipeline's annotate_before_send gate for
// the DATA family and hands the frame to the radio if the policy didn't
// veto it. HELLO, ROUTE and the control types skip the policy: none of
// them is forwarded hop by hop, and an RT_REQUEST answering a beacon goes
// to a directly heard peer that may not be in the table yet.
func (r *Router) sendToRadio(pkt *wire.Packet) {
	if pkt.IsData() && !r.cfg.Policy.AnnotateBeforeSend(pkt, r.cfg.Table) {
		return
	}
	frame, truncated := pkt.WriteTo(r.cfg.MaxPacketSize)
	if truncated {
		r.log.Warn("outbound packet truncated to fit max_packet_size", "dst", pkt.Dst)
	}

	r.mu.RLock()
	radio := r.radio
	r.mu.RUnlock()
	if radio == nil {
		return
	}
	if err := radio.Send(frame); err != nil {
		r.log.Warn("radio send failed", "error", err, "bit", typeBitName(firstSetBit(pkt.Type)))
		return
	}
	r.counters.recordSent(pkt.Type)
}
