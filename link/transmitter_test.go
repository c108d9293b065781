package link

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youliang-zhu/Distributed-Algorithms-EPFL-CS451/wire"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []wire.Packet
	dropNth int // if > 0, drop every dropNth send (1-indexed counter)
	count   int
}

func (f *fakeSender) SendTo(addr *net.UDPAddr, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	if f.dropNth > 0 && f.count%f.dropNth == 0 {
		return nil
	}
	pkt, err := wire.Decode(b)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, pkt)
	return nil
}

func (f *fakeSender) packets() []wire.Packet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Packet(nil), f.sent...)
}

func testAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}
}

func TestTransmitterSendsAndCompletesOnAck(t *testing.T) {
	out := &fakeSender{}
	clock := clockwork.NewFakeClock()
	tr := NewTransmitter(out, testAddr(), clock, nil)
	tr.Start()
	defer tr.Close()

	tr.Send(1, 1)
	tr.Send(1, 2)

	require.Eventually(t, func() bool { return len(out.packets()) >= 1 }, time.Second, time.Millisecond)
	assert.False(t, tr.AllAcked())

	tr.HandleAck([]uint32{1, 2})
	assert.True(t, tr.AllAcked())
}

func TestTransmitterRetransmitsAfterTimeout(t *testing.T) {
	out := &fakeSender{}
	clock := clockwork.NewFakeClock()
	tr := NewTransmitter(out, testAddr(), clock, nil)
	tr.Start()
	defer tr.Close()

	tr.Send(1, 1)
	require.Eventually(t, func() bool { return len(out.packets()) >= 1 }, time.Second, time.Millisecond)

	clock.Advance(Timeout + time.Millisecond)
	require.Eventually(t, func() bool { return len(out.packets()) >= 2 }, time.Second, time.Millisecond)

	tr.HandleAck([]uint32{1})
	assert.True(t, tr.AllAcked())
}

func TestAwaitAllAckedUnblocksOnAck(t *testing.T) {
	out := &fakeSender{}
	clock := clockwork.NewFakeClock()
	tr := NewTransmitter(out, testAddr(), clock, nil)
	tr.Start()
	defer tr.Close()

	tr.Send(1, 1)

	done := make(chan error, 1)
	go func() {
		done <- tr.AwaitAllAcked(context.Background())
	}()

	// advance the await-loop's polling ticker so it notices completion.
	go func() {
		for i := 0; i < 50; i++ {
			clock.Advance(5 * time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}()

	require.Eventually(t, func() bool { return len(out.packets()) >= 1 }, time.Second, time.Millisecond)
	tr.HandleAck([]uint32{1})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitAllAcked did not return after ack")
	}
}

func TestAwaitAllAckedRespectsContextCancel(t *testing.T) {
	out := &fakeSender{}
	clock := clockwork.NewFakeClock()
	tr := NewTransmitter(out, testAddr(), clock, nil)
	tr.Start()
	defer tr.Close()

	tr.Send(1, 1) // never acked

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.AwaitAllAcked(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitAllAcked did not return after cancel")
	}
}

func TestTransmitterBatchesOnlySameOrigin(t *testing.T) {
	out := &fakeSender{}
	clock := clockwork.NewFakeClock()
	tr := NewTransmitter(out, testAddr(), clock, nil)
	tr.Start()
	defer tr.Close()

	tr.Send(1, 1)
	tr.Send(2, 1)

	require.Eventually(t, func() bool { return len(out.packets()) >= 2 }, time.Second, time.Millisecond)
	for _, p := range out.packets() {
		assert.Len(t, p.Seqs, 1)
	}
}

func TestTransmitterRecoversFromLossyLink(t *testing.T) {
	out := &fakeSender{dropNth: 3} // roughly one in three sends never arrives
	clock := clockwork.NewFakeClock()
	tr := NewTransmitter(out, testAddr(), clock, nil)
	tr.Start()
	defer tr.Close()

	const n = 30
	for seq := uint32(1); seq <= n; seq++ {
		tr.Send(1, seq)
	}

	for i := 0; i < 200 && !tr.AllAcked(); i++ {
		var seqs []uint32
		for _, p := range out.packets() {
			seqs = append(seqs, p.Seqs...)
		}
		tr.HandleAck(seqs)
		if tr.AllAcked() {
			break
		}
		clock.Advance(Timeout + time.Millisecond)
		time.Sleep(time.Millisecond)
	}

	assert.True(t, tr.AllAcked(), "every seq should eventually get through despite dropped sends")
}

func TestCloseStopsGoroutinesEvenWithPending(t *testing.T) {
	out := &fakeSender{}
	clock := clockwork.NewFakeClock()
	tr := NewTransmitter(out, testAddr(), clock, nil)
	tr.Start()
	tr.Send(1, 1)

	done := make(chan struct{})
	go func() {
		tr.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return")
	}
}
