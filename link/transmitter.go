// Package link implements the perfect-link transmitter and receiver:
// per-destination retransmission with a priority timeout queue, and
// duplicate-suppressing delivery with batched ACKs.
package link

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/wire"
)

// Timeout is the retransmit deadline: an unacked seq older than this is
// resent.
const Timeout = 100 * time.Millisecond

// MaxBatch bounds how many seqs a single DATA packet carries, both for
// fresh sends and for retransmit bursts.
const MaxBatch = wire.MaxSeqsPerPacket

// MaxLoggedRetries bounds how many silent retransmits a seq gets before
// its continued presence in unacked is surfaced as a warning: a peer
// that never acks past this many attempts is worth knowing about, even
// though the protocol itself keeps retrying regardless.
const MaxLoggedRetries = 20

// Sender is the minimal outbound transport a Transmitter needs; netio.Endpoint
// satisfies it, and tests substitute a lossy/reordering fake.
type Sender interface {
	SendTo(addr *net.UDPAddr, b []byte) error
}

type unackedEntry struct {
	origin   uint32
	lastSent time.Time
	retries  int
}

// pendingItem is a (origin, seq) message awaiting its first transmission.
type pendingItem struct {
	origin uint32
	seq    uint32
}

// Transmitter drives reliable delivery of messages to one transport
// destination. A process that both originates and relays shares a
// single Transmitter per peer: outbound batches never mix origins, but
// the unacked table is keyed by seq alone.
type Transmitter struct {
	out   Sender
	addr  *net.UDPAddr
	clock clockwork.Clock
	log   *zap.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []pendingItem
	unacked  map[uint32]*unackedEntry
	timeouts timeoutHeap
	closed   bool

	wakeRetransmit chan struct{}
	closeCh        chan struct{}
	wg             sync.WaitGroup
}

// NewTransmitter constructs a Transmitter that sends to addr over out.
// clock defaults to the real wall clock when nil.
func NewTransmitter(out Sender, addr *net.UDPAddr, clock clockwork.Clock, log *zap.Logger) *Transmitter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transmitter{
		out:            out,
		addr:           addr,
		clock:          clock,
		log:            log,
		unacked:        make(map[uint32]*unackedEntry),
		wakeRetransmit: make(chan struct{}, 1),
		closeCh:        make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start launches the sender and retransmitter goroutines. The third
// worker, ACK ingestion, is the app-level receive loop calling HandleAck.
func (t *Transmitter) Start() {
	t.wg.Add(2)
	go t.senderLoop()
	go t.retransmitLoop()
}

// Send enqueues (origin, seq) for delivery to this destination.
func (t *Transmitter) Send(origin, seq uint32) {
	t.mu.Lock()
	t.pending = append(t.pending, pendingItem{origin: origin, seq: seq})
	t.mu.Unlock()
	t.cond.Signal()
}

// HandleAck removes every acked seq from the unacked table. The
// corresponding heap entries are left in place and discarded lazily
// when popped.
func (t *Transmitter) HandleAck(seqs []uint32) {
	t.mu.Lock()
	for _, seq := range seqs {
		delete(t.unacked, seq)
	}
	t.mu.Unlock()
}

// AllAcked reports whether the transmitter has nothing left to send and
// nothing left outstanding: pending is empty and unacked is empty.
func (t *Transmitter) AllAcked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) == 0 && len(t.unacked) == 0
}

// AwaitAllAcked blocks until AllAcked() or ctx is done.
func (t *Transmitter) AwaitAllAcked(ctx context.Context) error {
	ticker := t.clock.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if t.AllAcked() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// Close stops the background goroutines. It does not close the
// underlying Sender, which may be shared with other Transmitters.
func (t *Transmitter) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.mu.Unlock()
	close(t.closeCh)
	t.cond.Broadcast()
	t.wg.Wait()
}

func (t *Transmitter) senderLoop() {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		for len(t.pending) == 0 && !t.closed {
			t.cond.Wait()
		}
		if t.closed && len(t.pending) == 0 {
			t.mu.Unlock()
			return
		}
		batch, origin := t.drainBatchLocked()
		t.mu.Unlock()

		if len(batch) > 0 {
			t.transmit(origin, batch)
			select {
			case t.wakeRetransmit <- struct{}{}:
			default:
			}
		}
	}
}

// drainBatchLocked pops up to MaxBatch entries from the front of
// pending that share the first entry's origin, since every seq in one
// packet must share the same origin, moving each into unacked with a
// fresh deadline.
func (t *Transmitter) drainBatchLocked() ([]uint32, uint32) {
	if len(t.pending) == 0 {
		return nil, 0
	}
	origin := t.pending[0].origin
	now := t.clock.Now()

	var batch []uint32
	i := 0
	for i < len(t.pending) && len(batch) < MaxBatch && t.pending[i].origin == origin {
		seq := t.pending[i].seq
		batch = append(batch, seq)
		t.unacked[seq] = &unackedEntry{origin: origin, lastSent: now}
		t.timeouts.push(timeoutEntry{deadline: now.Add(Timeout), seq: seq})
		i++
	}
	t.pending = t.pending[i:]
	return batch, origin
}

func (t *Transmitter) transmit(origin uint32, seqs []uint32) {
	pkt := wire.NewData(origin, seqs)
	b, err := wire.Encode(pkt)
	if err != nil {
		t.log.Error("encode data packet", zap.Error(err))
		return
	}
	if err := t.out.SendTo(t.addr, b); err != nil {
		t.log.Warn("send data packet", zap.String("dest", t.addr.String()), zap.Error(err))
	}
}

func (t *Transmitter) retransmitLoop() {
	defer t.wg.Done()
	for {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return
		}
		wait := time.Hour
		if top, ok := t.timeouts.peek(); ok {
			if d := top.deadline.Sub(t.clock.Now()); d > 0 {
				wait = d
			} else {
				wait = 0
			}
		}
		t.mu.Unlock()

		if wait == 0 {
			if !t.processDueRetransmits() {
				// nothing was due after all; avoid busy-looping
				wait = time.Millisecond
			} else {
				continue
			}
		}

		timer := t.clock.NewTimer(wait)
		select {
		case <-t.closeCh:
			timer.Stop()
			return
		case <-t.wakeRetransmit:
			timer.Stop()
		case <-timer.Chan():
			t.processDueRetransmits()
		}
	}
}

// processDueRetransmits pops every heap entry whose deadline has
// elapsed, re-sends the ones still genuinely unacked (bounded to
// MaxBatch per origin per wake), and reports whether anything was due.
func (t *Transmitter) processDueRetransmits() bool {
	t.mu.Lock()
	now := t.clock.Now()
	batches := make(map[uint32][]uint32)
	any := false
	for {
		top, ok := t.timeouts.peek()
		if !ok || top.deadline.After(now) {
			break
		}
		any = true
		entry := t.timeouts.pop()
		info, stillUnacked := t.unacked[entry.seq]
		if !stillUnacked {
			continue // cheap tombstone: seq was acked since this entry was scheduled
		}
		if len(batches[info.origin]) >= MaxBatch {
			// re-schedule for the next wake rather than growing one packet further
			t.timeouts.push(timeoutEntry{deadline: now.Add(Timeout), seq: entry.seq})
			continue
		}
		info.lastSent = now
		info.retries++
		if info.retries == MaxLoggedRetries+1 {
			t.log.Warn("seq stuck retransmitting",
				zap.Uint32("origin", info.origin), zap.Uint32("seq", entry.seq),
				zap.Int("retries", info.retries), zap.String("dest", t.addr.String()))
		}
		batches[info.origin] = append(batches[info.origin], entry.seq)
		t.timeouts.push(timeoutEntry{deadline: now.Add(Timeout), seq: entry.seq})
	}
	t.mu.Unlock()

	for origin, seqs := range batches {
		t.transmit(origin, seqs)
	}
	return any
}
