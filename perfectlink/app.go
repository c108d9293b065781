// Package perfectlink implements the perfect-link run mode: one process
// (the receiver) accepts messages, every other process sends sequence
// numbers 1..M to it.
package perfectlink

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/eventlog"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/hosts"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/link"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/netio"
	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/wire"
)

// Topology selects how many UDP sockets a process binds. DualSocket
// matches original_source's port/port+1000 convention and is what
// broadcast reuses; SingleSocket is the simpler baseline.
type Topology int

const (
	SingleSocket Topology = iota
	DualSocket
)

// ackPortOffset is original_source's convention for the second socket in
// dual-socket topology: DATA arrives on a process's primary port, ACKs
// (and outbound DATA sent by a would-be sender) go through primary+1000.
const ackPortOffset = 1000

// App runs one process's side of the perfect-link exercise: sender role
// if its id is not ReceiverID, receiver role otherwise.
type App struct {
	ID         uint32
	Hosts      hosts.Table
	M          uint32
	ReceiverID uint32
	Topology   Topology
	Log        *eventlog.Log
	ZLog       *zap.Logger

	dataEP *netio.Endpoint
	ackEP  *netio.Endpoint // nil in SingleSocket topology

	receiver    *link.Receiver
	transmitter *link.Transmitter // nil in receiver role

	wg sync.WaitGroup
}

// Run binds sockets, starts the transmitter/receiver, and blocks until
// completion (sender role: every seq acked) or ctx is cancelled
// (receiver role has no finishing condition of its own).
func (a *App) Run(ctx context.Context) error {
	if a.ZLog == nil {
		a.ZLog = zap.NewNop()
	}

	self, err := a.Hosts.Lookup(a.ID)
	if err != nil {
		return fmt.Errorf("perfectlink: %w", err)
	}

	a.dataEP, err = netio.Bind(self.Port)
	if err != nil {
		return fmt.Errorf("perfectlink: bind data socket: %w", err)
	}
	defer a.wg.Wait()
	defer a.dataEP.Close()

	a.receiver = link.NewReceiver(a.dataEP, nil, a.ZLog, a.deliver)
	a.receiver.Start()
	defer a.receiver.Close()

	a.wg.Add(1)
	go a.receiveLoop(a.dataEP, "data")

	isSender := a.ID != a.ReceiverID
	if isSender {
		dest, err := a.Hosts.Lookup(a.ReceiverID)
		if err != nil {
			return fmt.Errorf("perfectlink: %w", err)
		}

		var sendOut link.Sender = a.dataEP
		if a.Topology == DualSocket {
			a.ackEP, err = netio.Bind(self.Port + ackPortOffset)
			if err != nil {
				return fmt.Errorf("perfectlink: bind ack socket: %w", err)
			}
			defer a.ackEP.Close()
			sendOut = a.ackEP

			a.wg.Add(1)
			go a.receiveLoop(a.ackEP, "ack")
		}

		a.transmitter = link.NewTransmitter(sendOut, udpAddr(dest), nil, a.ZLog)
		a.transmitter.Start()
		defer a.transmitter.Close()

		for seq := uint32(1); seq <= a.M; seq++ {
			a.Log.Broadcast(seq)
			a.transmitter.Send(a.ID, seq)
		}

		if err := a.transmitter.AwaitAllAcked(ctx); err != nil {
			return err
		}
		return nil
	}

	<-ctx.Done()
	return nil
}

// deliver is the link.DeliverFunc wired to this app: perfect-link mode
// delivers straight to the event log, one line per first-seen (origin, seq).
func (a *App) deliver(origin, seq uint32) {
	a.Log.Delivered(origin, seq)
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
			a.receiver.Handle(pkt, src)
		case wire.Ack:
			if a.transmitter != nil {
				a.transmitter.HandleAck(pkt.Seqs)
			}
		}
	}
}

func udpAddr(h hosts.Host) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(h.IP), Port: h.Port}
}
