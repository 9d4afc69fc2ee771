package router

import (
	"net/netip"
	"testing"

	"github.com/sparkle-vpn/sparkle/src/peer"
)

func ep(s string) netip.AddrPort {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		panic(err)
	}
	return addr
}

type recordingObserver struct {
	added, removed, updated []*peer.Record
}

func (o *recordingObserver) OnNodeAdded(p *peer.Record)   { o.added = append(o.added, p) }
func (o *recordingObserver) OnNodeRemoved(p *peer.Record) { o.removed = append(o.removed, p) }
func (o *recordingObserver) OnNodeUpdated(p *peer.Record) { o.updated = append(o.updated, p) }

func TestSetSelfAndLookup(t *testing.T) {
	rt := New()
	self := peer.NewRecord(ep("127.0.0.1:1801"))
	self.SetPublicKey([]byte("self-key"))
	rt.SetSelf(self)

	if got := rt.Self(); got != self {
		t.Fatalf("Self() returned a different record")
	}
	if got, ok := rt.FindByEndpoint(ep("127.0.0.1:1801")); !ok || got != self {
		t.Fatalf("FindByEndpoint did not return self")
	}
	if got, ok := rt.FindByMAC(self.MAC()); !ok || got != self {
		t.Fatalf("FindByMAC did not return self")
	}
}

func TestUpdateEmitsAddedThenUpdated(t *testing.T) {
	rt := New()
	obs := &recordingObserver{}
	rt.SetObserver(obs)
	rt.SetSelf(peer.NewRecord(ep("127.0.0.1:1801")))

	p := peer.NewRecord(ep("127.0.0.1:1802"))
	rt.Update(p)
	if len(obs.added) != 1 {
		t.Fatalf("expected one node_added, got %d", len(obs.added))
	}
	rt.Update(p)
	if len(obs.updated) != 1 {
		t.Fatalf("expected one node_updated, got %d", len(obs.updated))
	}
}

func TestRemoveIsIdempotentAndNotifies(t *testing.T) {
	rt := New()
	obs := &recordingObserver{}
	rt.SetObserver(obs)
	rt.SetSelf(peer.NewRecord(ep("127.0.0.1:1801")))

	p := peer.NewRecord(ep("127.0.0.1:1802"))
	rt.Update(p)
	rt.Remove(p)
	if len(obs.removed) != 1 {
		t.Fatalf("expected one node_removed, got %d", len(obs.removed))
	}
	// Removing again should be a no-op, not a second notification.
	rt.Remove(p)
	if len(obs.removed) != 1 {
		t.Fatalf("remove should be idempotent, got %d notifications", len(obs.removed))
	}
	if _, ok := rt.FindByEndpoint(p.Endpoint()); ok {
		t.Fatalf("removed peer still findable by endpoint")
	}
}

func TestMastersAndOtherMasters(t *testing.T) {
	rt := New()
	self := peer.NewRecord(ep("127.0.0.1:1801"))
	self.SetRole(peer.Master)
	rt.SetSelf(self)

	m1 := peer.NewRecord(ep("127.0.0.1:1802"))
	m1.SetRole(peer.Master)
	rt.Update(m1)

	s1 := peer.NewRecord(ep("127.0.0.1:1803"))
	s1.SetRole(peer.Slave)
	rt.Update(s1)

	masters := rt.Masters()
	if len(masters) != 2 {
		t.Fatalf("len(Masters()) = %d, want 2", len(masters))
	}
	others := rt.OtherMasters()
	if len(others) != 1 || others[0] != m1 {
		t.Fatalf("OtherMasters() = %v, want [m1]", others)
	}
}

func TestSelectMasterEmpty(t *testing.T) {
	rt := New()
	rt.SetSelf(peer.NewRecord(ep("127.0.0.1:1801"))) // self is a slave by default
	if _, ok := rt.SelectMaster(); ok {
		t.Fatalf("SelectMaster() should report false with no masters")
	}
}

func TestSelectMasterDrawsFromSet(t *testing.T) {
	rt := New()
	self := peer.NewRecord(ep("127.0.0.1:1801"))
	self.SetRole(peer.Master)
	rt.SetSelf(self)
	m1 := peer.NewRecord(ep("127.0.0.1:1802"))
	m1.SetRole(peer.Master)
	rt.Update(m1)

	seen := map[*peer.Record]bool{}
	for i := 0; i < 50; i++ {
		p, ok := rt.SelectMaster()
		if !ok {
			t.Fatalf("SelectMaster() reported false with masters present")
		}
		seen[p] = true
	}
	if len(seen) == 0 {
		t.Fatalf("SelectMaster() never returned a candidate")
	}
}

func TestSelectWhiteSlave(t *testing.T) {
	rt := New()
	rt.SetSelf(peer.NewRecord(ep("127.0.0.1:1801")))

	white := peer.NewRecord(ep("127.0.0.1:1802"))
	white.SetWhite(true)
	rt.Update(white)

	notWhite := peer.NewRecord(ep("127.0.0.1:1803"))
	rt.Update(notWhite)

	for i := 0; i < 20; i++ {
		p, ok := rt.SelectWhiteSlave()
		if !ok {
			t.Fatalf("SelectWhiteSlave() reported false with a white slave present")
		}
		if p != white {
			t.Fatalf("SelectWhiteSlave() returned a non-white slave")
		}
	}
}

func TestClearRemovesNonSelf(t *testing.T) {
	rt := New()
	self := peer.NewRecord(ep("127.0.0.1:1801"))
	rt.SetSelf(self)
	rt.Update(peer.NewRecord(ep("127.0.0.1:1802")))
	rt.Update(peer.NewRecord(ep("127.0.0.1:1803")))

	rt.Clear()

	nodes := rt.Nodes()
	if len(nodes) != 1 || nodes[0] != self {
		t.Fatalf("Clear() should leave only self, got %d nodes", len(nodes))
	}
}

func TestBindMACConflict(t *testing.T) {
	rt := New()
	rt.SetSelf(peer.NewRecord(ep("127.0.0.1:1801")))

	a := peer.NewRecord(ep("127.0.0.1:1802"))
	a.SetPublicKey([]byte("same-key"))
	rt.Update(a)
	if !rt.BindMAC(a) {
		t.Fatalf("binding a fresh MAC should succeed")
	}

	b := peer.NewRecord(ep("127.0.0.1:1803"))
	b.SetPublicKey([]byte("same-key")) // identical key bytes -> identical MAC
	if rt.BindMAC(b) {
		t.Fatalf("binding a MAC already owned by a different record should fail")
	}
}
