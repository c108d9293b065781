// Package netio wraps a UDP socket with the blocking send/receive and
// close-to-interrupt semantics the links layer depends on. It is the
// sole place in the module that talks to the operating system's network
// stack.
package netio

import (
	"fmt"
	"net"
)

// readBufferSize bounds a single inbound datagram. UDP datagrams cannot
// exceed 65507 bytes on IPv4; 64KiB covers that with room to spare.
const readBufferSize = 64 * 1024

// Endpoint is a bound UDP socket. A nil *net.UDPAddr source on Receive
// never occurs; Receive blocks until a datagram arrives or Close is
// called on this Endpoint.
type Endpoint struct {
	conn *net.UDPConn
}

// Bind opens a UDP socket on the given port of every local interface.
// port 0 picks an ephemeral port, useful in tests.
func Bind(port int) (*Endpoint, error) {
	addr := &net.UDPAddr{Port: port}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("netio: bind %d: %w", port, err)
	}
	return &Endpoint{conn: conn}, nil
}

// LocalAddr returns the bound address, useful to discover the ephemeral
// port chosen by Bind(0).
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Send transmits b to ip:port. Failures are returned to the caller, who
// logs and relies on retransmission rather than retrying here.
func (e *Endpoint) Send(ip string, port int, b []byte) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("netio: send to %s:%d: invalid IP address", ip, port)
	}
	addr := &net.UDPAddr{IP: parsed, Port: port}
	_, err := e.conn.WriteToUDP(b, addr)
	if err != nil {
		return fmt.Errorf("netio: send to %s:%d: %w", ip, port, err)
	}
	return nil
}

// SendTo transmits b to a previously resolved address, avoiding a
// reparse of the IP string on the receiver's reply path.
func (e *Endpoint) SendTo(addr *net.UDPAddr, b []byte) error {
	_, err := e.conn.WriteToUDP(b, addr)
	if err != nil {
		return fmt.Errorf("netio: send to %s: %w", addr, err)
	}
	return nil
}

// Receive blocks until a datagram arrives, returning its payload and the
// address it came from. Once Close has been called, any blocked or
// future Receive returns an error wrapping net.ErrClosed; this is the
// only shutdown signal the receive goroutine gets.
func (e *Endpoint) Receive() ([]byte, *net.UDPAddr, error) {
	buf := make([]byte, readBufferSize)
	n, addr, err := e.conn.ReadFromUDP(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("netio: receive: %w", err)
	}
	return buf[:n], addr, nil
}

// Close releases the socket, unblocking any goroutine parked in
// Receive.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}
