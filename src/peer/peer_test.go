package peer

import (
	"net/netip"
	"testing"

	"github.com/sparkle-vpn/sparkle/src/crypto"
)

func ep(s string) netip.AddrPort {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return addr
}

func TestNewRecordInitialState(t *testing.T) {
	r := NewRecord(ep("127.0.0.1:1801"))
	if r.State() != New {
		t.Fatalf("initial state = %v, want New", r.State())
	}
	if r.NegotiationComplete() {
		t.Fatalf("fresh record should not be negotiation-complete")
	}
	if !r.QueueEmpty() {
		t.Fatalf("fresh record should have an empty queue")
	}
}

func TestSetPublicKeyDerivesMAC(t *testing.T) {
	r := NewRecord(ep("127.0.0.1:1801"))
	if r.MAC().IsValid() {
		t.Fatalf("MAC should be invalid before the public key is set")
	}
	r.SetPublicKey([]byte("some-serialized-public-key"))
	if !r.HasPublicKey() {
		t.Fatalf("HasPublicKey() = false after SetPublicKey")
	}
	if !r.MAC().IsValid() {
		t.Fatalf("MAC should be valid after the public key is set")
	}
}

func TestNegotiationCompleteInvariant(t *testing.T) {
	r := NewRecord(ep("127.0.0.1:1801"))
	r.SetPublicKey([]byte("key"))
	r.SetState(Established)
	if r.NegotiationComplete() {
		t.Fatalf("should not be complete without installed session keys")
	}
	key := crypto.NewSessionKey()
	if err := r.SendKey().SetKey(key); err != nil {
		t.Fatal(err)
	}
	if err := r.RecvKey().SetKey(key); err != nil {
		t.Fatal(err)
	}
	if !r.NegotiationComplete() {
		t.Fatalf("should be complete once state is Established and both keys installed")
	}
}

func TestQueueFIFO(t *testing.T) {
	r := NewRecord(ep("127.0.0.1:1801"))
	r.AppendToQueue([]byte("first"))
	r.AppendToQueue([]byte("second"))
	if got := string(r.PopQueue()); got != "first" {
		t.Fatalf("PopQueue() = %q, want %q", got, "first")
	}
	if got := string(r.PopQueue()); got != "second" {
		t.Fatalf("PopQueue() = %q, want %q", got, "second")
	}
	if !r.QueueEmpty() {
		t.Fatalf("queue should be empty after draining")
	}
	if r.PopQueue() != nil {
		t.Fatalf("PopQueue() on empty queue should return nil")
	}
}

func TestDrainQueue(t *testing.T) {
	r := NewRecord(ep("127.0.0.1:1801"))
	r.AppendToQueue([]byte("a"))
	r.AppendToQueue([]byte("b"))
	drained := r.DrainQueue()
	if len(drained) != 2 {
		t.Fatalf("len(drained) = %d, want 2", len(drained))
	}
	if !r.QueueEmpty() {
		t.Fatalf("queue should be empty after DrainQueue")
	}
}

func TestResetHandshakePreservesIdentity(t *testing.T) {
	r := NewRecord(ep("127.0.0.1:1801"))
	r.SetPublicKey([]byte("key"))
	mac := r.MAC()
	r.SetState(Established)
	key := crypto.NewSessionKey()
	_ = r.SendKey().SetKey(key)
	_ = r.RecvKey().SetKey(key)

	r.ResetHandshake()

	if r.State() != New {
		t.Fatalf("state after reset = %v, want New", r.State())
	}
	if r.SendKey().Ready() || r.RecvKey().Ready() {
		t.Fatalf("session keys should be zeroed after reset")
	}
	if r.MAC() != mac {
		t.Fatalf("MAC changed across a handshake reset")
	}
	if !r.HasPublicKey() {
		t.Fatalf("public key should survive a handshake reset")
	}
}

func TestRecordDecryptFailureThreshold(t *testing.T) {
	r := NewRecord(ep("127.0.0.1:1801"))
	const threshold = 3
	if r.RecordDecryptFailure(threshold) {
		t.Fatalf("1st failure should not trip the threshold")
	}
	if r.RecordDecryptFailure(threshold) {
		t.Fatalf("2nd failure should not trip the threshold")
	}
	if !r.RecordDecryptFailure(threshold) {
		t.Fatalf("3rd failure should trip the threshold")
	}
	r.ResetFailureCount()
	if r.RecordDecryptFailure(threshold) {
		t.Fatalf("failure count should have reset")
	}
}

func TestRoleAndWhite(t *testing.T) {
	r := NewRecord(ep("127.0.0.1:1801"))
	if r.Role() != Slave {
		t.Fatalf("default role = %v, want Slave", r.Role())
	}
	r.SetRole(Master)
	if r.Role() != Master {
		t.Fatalf("role = %v, want Master", r.Role())
	}
	if r.White() {
		t.Fatalf("default white = true, want false")
	}
	r.SetWhite(true)
	if !r.White() {
		t.Fatalf("White() = false after SetWhite(true)")
	}
}
