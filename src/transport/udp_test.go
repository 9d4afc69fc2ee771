package transport

import (
	"net/netip"
	"testing"
	"time"
)

type recordingHandler struct {
	ch chan []byte
}

func (h *recordingHandler) OnDatagram(from netip.AddrPort, data []byte) {
	h.ch <- data
}

func TestUDPTransportSendReceive(t *testing.T) {
	loopback := netip.MustParseAddrPort("127.0.0.1:0")

	a, err := Listen(loopback)
	if err != nil {
		t.Fatalf("Listen a: %v", err)
	}
	defer a.Close()
	b, err := Listen(loopback)
	if err != nil {
		t.Fatalf("Listen b: %v", err)
	}
	defer b.Close()

	h := &recordingHandler{ch: make(chan []byte, 1)}
	b.SetHandler(h)

	payload := []byte("hello sparkle")
	if err := a.Send(b.LocalEndpoint(), payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-h.ch:
		if string(got) != string(payload) {
			t.Fatalf("got %q, want %q", got, payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestUDPTransportLocalEndpoint(t *testing.T) {
	loopback := netip.MustParseAddrPort("127.0.0.1:0")
	a, err := Listen(loopback)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer a.Close()

	if !a.LocalEndpoint().Addr().IsLoopback() {
		t.Fatalf("LocalEndpoint() = %v, want loopback", a.LocalEndpoint())
	}
	if a.LocalEndpoint().Port() == 0 {
		t.Fatalf("LocalEndpoint() port is 0")
	}
}
