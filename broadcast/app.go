// Package broadcast implements the uniform-reliable, FIFO-ordered
// broadcast run mode: every process broadcasts sequence numbers 1..M and
// every process delivers every process's messages in the order their
// origin sent them.
package broadcast

import (
	"context"
	"fmt"
	"net"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/eventlog"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/hosts"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/link"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/netio"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/wire"
)

// ackPortOffset mirrors perfectlink.ackPortOffset: every process binds a
// primary port for inbound DATA and a primary+1000 port used to send
// DATA out and receive ACKs back on, so a process's two roles (origin
// and relay) never contend with its role as a destination.
const ackPortOffset = 1000

// msgID identifies one broadcast message across the whole run.
type msgID struct {
	origin uint32
	seq    uint32
}

// App runs the URB/FIFO broadcast protocol for one process. Every
// process plays every role: originator, relay, and acker.
type App struct {
	ID    uint32
	Hosts hosts.Table
	M     uint32
	Log   *eventlog.Log
	ZLog  *zap.Logger

	dataEP *netio.Endpoint
	ackEP  *netio.Endpoint

	// byAckAddr resolves an inbound DATA packet's source to a peer id:
	// peers send DATA from their ackEP (see urbBroadcast/onFirstSeen).
	byAckAddr map[string]uint32
	// byDataAddr resolves an inbound ACK packet's source to a peer id:
	// peers ack from their dataEP (see link.NewReceiver below).
	byDataAddr map[string]uint32

	receiver     *link.Receiver
	transmitters map[uint32]*link.Transmitter // one per peer, never keyed by a.ID

	// mu guards every piece of this process's broadcast state together:
	// a relay decision and a delivery decision must never observe each
	// other half-applied.
	mu           sync.Mutex
	forwarded    map[msgID]struct{}
	ackSet       map[msgID]mapset.Set[uint32]
	urbDelivered map[msgID]struct{}
	next         map[uint32]uint32            // per-origin next FIFO seq to deliver
	pending      map[uint32]map[uint32]struct{} // per-origin urb-delivered seqs awaiting their turn

	wg sync.WaitGroup
}

// Run binds this process's sockets, starts relaying/delivering, sends
// this process's own M messages, and blocks until ctx is cancelled.
// Broadcast mode has no finishing condition of its own: a process must
// keep relaying and acking on behalf of others for as long as the run
// lasts.
func (a *App) Run(ctx context.Context) error {
	if a.ZLog == nil {
		a.ZLog = zap.NewNop()
	}

	self, err := a.Hosts.Lookup(a.ID)
	if err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}

	a.dataEP, err = netio.Bind(self.Port)
	if err != nil {
		return fmt.Errorf("broadcast: bind data socket: %w", err)
	}
	defer a.wg.Wait()
	defer a.dataEP.Close()

	a.ackEP, err = netio.Bind(self.Port + ackPortOffset)
	if err != nil {
		return fmt.Errorf("broadcast: bind ack socket: %w", err)
	}
	defer a.ackEP.Close()

	a.byAckAddr = make(map[string]uint32, len(a.Hosts))
	a.byDataAddr = make(map[string]uint32, len(a.Hosts))
	for id, h := range a.Hosts {
		a.byDataAddr[fmt.Sprintf("%s:%d", h.IP, h.Port)] = id
		a.byAckAddr[fmt.Sprintf("%s:%d", h.IP, h.Port+ackPortOffset)] = id
	}

	a.forwarded = make(map[msgID]struct{})
	a.ackSet = make(map[msgID]mapset.Set[uint32])
	a.urbDelivered = make(map[msgID]struct{})
	a.next = make(map[uint32]uint32, len(a.Hosts))
	a.pending = make(map[uint32]map[uint32]struct{}, len(a.Hosts))
	for id := range a.Hosts {
		a.next[id] = 1
		a.pending[id] = make(map[uint32]struct{})
	}

	a.transmitters = make(map[uint32]*link.Transmitter, len(a.Hosts)-1)
	for id, h := range a.Hosts {
		if id == a.ID {
			continue
		}
		tr := link.NewTransmitter(a.ackEP, udpAddr(h), nil, a.ZLog)
		tr.Start()
		a.transmitters[id] = tr
	}
	defer func() {
		for _, tr := range a.transmitters {
			tr.Close()
		}
	}()

	a.receiver = link.NewReceiver(a.dataEP, nil, a.ZLog, a.onFirstSeen)
	a.receiver.Start()
	defer a.receiver.Close()

	a.wg.Add(2)
	go a.receiveLoop(a.dataEP, "data")
	go a.receiveLoop(a.ackEP, "ack")

	for seq := uint32(1); seq <= a.M; seq++ {
		a.Log.Broadcast(seq)
		a.urbBroadcast(a.ID, seq)
	}

	<-ctx.Done()
	return nil
}

// urbBroadcast originates one message: it counts as this process's own
// witness immediately, is marked forwarded so a later echo of it never
// gets relayed again, and goes out to every other process directly.
func (a *App) urbBroadcast(origin, seq uint32) {
	id := msgID{origin: origin, seq: seq}
	a.mu.Lock()
	a.forwarded[id] = struct{}{}
	a.mu.Unlock()

	a.recordAck(origin, seq, a.ID)

	for _, tr := range a.transmitters {
		tr.Send(origin, seq)
	}
}

// onFirstSeen is the link.DeliverFunc for this process's receiver: it
// fires exactly once per (origin, seq) ever received over the network,
// which is the relay-on-first-receipt trigger. The act of forwarding
// also makes this process a witness of its own, and the relay goes to
// every peer including the origin: the origin is the one process that
// can never witness its own broadcast a second time except by getting
// an echo back, so excluding it here would strand every self-delivery.
func (a *App) onFirstSeen(origin, seq uint32) {
	id := msgID{origin: origin, seq: seq}
	a.mu.Lock()
	if _, already := a.forwarded[id]; already {
		a.mu.Unlock()
		return
	}
	a.forwarded[id] = struct{}{}
	a.mu.Unlock()

	a.recordAck(origin, seq, a.ID)

	for _, tr := range a.transmitters {
		tr.Send(origin, seq)
	}
}

// recordAck adds every witness in froms to (origin, seq)'s ack set and,
// the first time a majority of all processes have witnessed it, admits
// it to the per-origin FIFO sequencer. Safe to call redundantly for the
// same witness (mapset.Add is idempotent), and the duplicate check plus
// the set mutation happen under one lock so a racing reader never
// observes a half-applied majority transition.
func (a *App) recordAck(origin, seq uint32, froms ...uint32) {
	id := msgID{origin: origin, seq: seq}

	a.mu.Lock()
	if _, already := a.urbDelivered[id]; already {
		// Already urb-delivered: the ack set entry was dropped and must
		// stay dropped, not get reconstituted by a late duplicate
		// witness (a retransmit or an extra relay copy).
		a.mu.Unlock()
		return
	}

	set, ok := a.ackSet[id]
	if !ok {
		set = mapset.NewSet[uint32]()
		a.ackSet[id] = set
	}
	for _, from := range froms {
		set.Add(from)
	}

	var toDeliver []uint32
	if set.Cardinality() > len(a.Hosts)/2 {
		a.urbDelivered[id] = struct{}{}
		delete(a.ackSet, id) // drop the ack set entry once urb-delivered
		toDeliver = a.admitLocked(origin, seq)
	}
	a.mu.Unlock()

	for _, s := range toDeliver {
		a.Log.Delivered(origin, s)
	}
}

// admitLocked records seq as urb-delivered from origin and drains every
// now-contiguous run starting at that origin's next expected seq. Caller
// must hold a.mu.
func (a *App) admitLocked(origin, seq uint32) []uint32 {
	a.pending[origin][seq] = struct{}{}
	var delivered []uint32
	for {
		n := a.next[origin]
		if _, ok := a.pending[origin][n]; !ok {
			break
		}
		delete(a.pending[origin], n)
		delivered = append(delivered, n)
		a.next[origin] = n + 1
	}
	return delivered
}

func (a *App) receiveLoop(ep *netio.Endpoint, kind string) {
	defer a.wg.Done()
	for {
		b, src, err := ep.Receive()
		if err != nil {
			return // socket closed: shutdown in progress
		}
		pkt, err := wire.Decode(b)
		if err != nil {
			a.ZLog.Warn("dropping malformed packet", zap.String("socket", kind), zap.Error(err))
			continue
		}

		switch pkt.Type {
		case wire.Data:
			if peerID, ok := a.byAckAddr[src.String()]; ok {
				for _, seq := range pkt.Seqs {
					// The transport peer that carried this packet is a
					// witness, and so is the origin that authored it,
					// implicitly, regardless of who actually relayed it
					// to us. Without this, a process that only ever sees
					// a relay (because the origin crashed before its
					// direct copy got through) can never count the
					// origin among its witnesses.
					a.recordAck(pkt.Origin, seq, peerID, pkt.Origin)
				}
			} else {
				a.ZLog.Warn("data from unrecognized peer address", zap.String("src", src.String()))
			}
			a.receiver.Handle(pkt, src)
		case wire.Ack:
			peerID, ok := a.byDataAddr[src.String()]
			if !ok {
				continue
			}
			if tr, ok := a.transmitters[peerID]; ok {
				tr.HandleAck(pkt.Seqs)
			}
		}
	}
}

func udpAddr(h hosts.Host) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(h.IP), Port: h.Port}
}
