// Package transport implements the UDP collaborator the link layer sends
// datagrams through and receives them from, per spec §6's Transport
// interface (send, on_datagram callback, local_endpoint). It is a thin,
// unordered, best-effort wrapper around net.UDPConn, grounded on the
// teacher's legacy UDP listener in src/yggdrasil/udp.go: a single
// ListenUDP socket, a dedicated reader goroutine, and a fixed-size receive
// buffer sized for the largest datagram Sparkle ever sends.
package transport

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
)

// maxDatagram is large enough for the biggest envelope Sparkle produces: an
// Ethernet frame (up to ~1518 bytes) plus envelope header and ECB padding,
// with generous headroom, matching the teacher's udp.go 65536-byte buffer.
const maxDatagram = 65536

// Handler receives datagrams as they arrive. It is invoked from the
// transport's own reader goroutine; implementations (the link layer) are
// responsible for handing off to their own single-threaded actor.
type Handler interface {
	OnDatagram(from netip.AddrPort, data []byte)
}

// UDPTransport implements link.Transport over a bound UDP socket.
type UDPTransport struct {
	conn *net.UDPConn

	mu      sync.Mutex
	handler Handler

	closeOnce sync.Once
	closed    chan struct{}
}

// Listen binds a UDP socket at bind and returns a transport ready to send.
// Call SetHandler before or after Listen; datagrams that arrive before a
// handler is installed are dropped.
func Listen(bind netip.AddrPort) (*UDPTransport, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(bind))
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", bind, err)
	}
	t := &UDPTransport{conn: conn, closed: make(chan struct{})}
	go t.readLoop()
	return t, nil
}

// SetHandler installs the receive callback. Safe to call concurrently with
// the reader goroutine.
func (t *UDPTransport) SetHandler(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Send writes a single datagram to the given underlay endpoint. UDP
// provides no delivery, ordering, or duplication guarantees; callers above
// this layer must not assume any.
func (t *UDPTransport) Send(to netip.AddrPort, data []byte) error {
	_, err := t.conn.WriteToUDPAddrPort(data, to)
	return err
}

// LocalEndpoint returns the address and port this transport is bound to.
func (t *UDPTransport) LocalEndpoint() netip.AddrPort {
	addr := t.conn.LocalAddr().(*net.UDPAddr)
	return addr.AddrPort()
}

// Close stops the reader goroutine and releases the socket.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

func (t *UDPTransport) readLoop() {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := t.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			select {
			case <-t.closed:
				return
			default:
				continue
			}
		}
		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h == nil {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		h.OnDatagram(from, data)
	}
}
