package link

import (
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/wire"
)

// AckBatchSize bounds how many seqs one ACK packet carries.
const AckBatchSize = 8

// AckFlushInterval is how often the background flush worker drains
// every peer's pending ACK list.
const AckFlushInterval = 2 * time.Millisecond

// DeliverFunc is invoked exactly once per (origin, seq) the first time a
// Receiver sees it. Perfect-link mode wires this straight to the event
// log; broadcast mode wires it into the URB ack-set/forward logic
// instead, so the link receiver's own delivery hook and the broadcast
// layer's delivery log never both try to write a line for the same
// message.
type DeliverFunc func(origin, seq uint32)

// Receiver performs duplicate suppression on inbound DATA packets and
// batches ACKs back to whichever transport peer each packet came from.
// One Receiver is shared by every peer a process talks to over a given
// local endpoint.
type Receiver struct {
	out   Sender
	clock clockwork.Clock
	log   *zap.Logger
	onNew DeliverFunc

	mu          sync.Mutex
	dedupByOrig map[uint32]*dedup
	pendingAcks map[string][]uint32
	peerAddr    map[string]*net.UDPAddr

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewReceiver constructs a Receiver. onNew must be non-nil.
func NewReceiver(out Sender, clock clockwork.Clock, log *zap.Logger, onNew DeliverFunc) *Receiver {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Receiver{
		out:         out,
		clock:       clock,
		log:         log,
		onNew:       onNew,
		dedupByOrig: make(map[uint32]*dedup),
		pendingAcks: make(map[string][]uint32),
		peerAddr:    make(map[string]*net.UDPAddr),
		closeCh:     make(chan struct{}),
	}
}

// Start launches the background ACK-flush worker.
func (r *Receiver) Start() {
	r.wg.Add(1)
	go r.flushLoop()
}

// Close stops the flush worker.
func (r *Receiver) Close() {
	close(r.closeCh)
	r.wg.Wait()
}

// Handle processes one inbound DATA packet from src. Every carried seq
// is scheduled for acknowledgement, whether or not it turns out to be a
// duplicate: redundant deliveries still get re-acked, they just don't
// re-fire onNew.
func (r *Receiver) Handle(pkt wire.Packet, src *net.UDPAddr) {
	if pkt.Type != wire.Data {
		return
	}
	key := src.String()

	var fresh []uint32
	r.mu.Lock()
	d, ok := r.dedupByOrig[pkt.Origin]
	if !ok {
		d = newDedup()
		r.dedupByOrig[pkt.Origin] = d
	}
	for _, seq := range pkt.Seqs {
		if d.markSeen(seq) {
			fresh = append(fresh, seq)
		}
	}
	r.peerAddr[key] = src
	r.pendingAcks[key] = append(r.pendingAcks[key], pkt.Seqs...)
	shouldFastFlush := len(r.pendingAcks[key]) >= AckBatchSize
	r.mu.Unlock()

	for _, seq := range fresh {
		r.onNew(pkt.Origin, seq)
	}

	if shouldFastFlush {
		r.flushPeer(key)
	}
}

func (r *Receiver) flushLoop() {
	defer r.wg.Done()
	ticker := r.clock.NewTicker(AckFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.Chan():
			r.flushAll()
		}
	}
}

func (r *Receiver) flushAll() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.pendingAcks))
	for k, seqs := range r.pendingAcks {
		if len(seqs) > 0 {
			keys = append(keys, k)
		}
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.flushPeer(k)
	}
}

// flushPeer drains every pending seq for peer key into one or more ACK
// packets of up to AckBatchSize seqs, sending outside the lock: the
// receiver's lock must never be held across a send.
func (r *Receiver) flushPeer(key string) {
	for {
		r.mu.Lock()
		seqs := r.pendingAcks[key]
		if len(seqs) == 0 {
			r.mu.Unlock()
			return
		}
		n := len(seqs)
		if n > AckBatchSize {
			n = AckBatchSize
		}
		batch := append([]uint32(nil), seqs[:n]...)
		r.pendingAcks[key] = seqs[n:]
		addr := r.peerAddr[key]
		r.mu.Unlock()

		r.sendAck(addr, batch)
	}
}

func (r *Receiver) sendAck(addr *net.UDPAddr, seqs []uint32) {
	pkt := wire.NewAck(seqs)
	b, err := wire.Encode(pkt)
	if err != nil {
		r.log.Error("encode ack packet", zap.Error(err))
		return
	}
	if err := r.out.SendTo(addr, b); err != nil {
		r.log.Warn("send ack packet", zap.String("dest", addr.String()), zap.Error(err))
	}
}
