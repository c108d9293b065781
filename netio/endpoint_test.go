package netio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendReceiveRoundTrip(t *testing.T) {
	a, err := Bind(0)
	require.NoError(t, err)
	defer a.Close()

	b, err := Bind(0)
	require.NoError(t, err)
	defer b.Close()

	payload := []byte("hello")
	require.NoError(t, a.SendTo(b.LocalAddr(), payload))

	got, from, err := b.Receive()
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.Equal(t, a.LocalAddr().Port, from.Port)
}

func TestCloseUnblocksReceive(t *testing.T) {
	e, err := Bind(0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := e.Receive()
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, e.Close())

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not unblock after Close")
	}
}

func TestSendToInvalidAddressFails(t *testing.T) {
	e, err := Bind(0)
	require.NoError(t, err)
	defer e.Close()

	err = e.Send("not-an-ip", 1, []byte("x"))
	assert.Error(t, err)
}
