// Package router implements Sparkle's in-memory peer directory: the
// component that tracks every known peer record, answers lookups by
// underlay endpoint, overlay MAC, or routing role, and selects masters for
// relay. Mutations run serialized on the router's own actor goroutine (via
// github.com/Arceliar/phony, the same single-threaded-event-loop idiom the
// link layer uses) so that no lock is ever held across a suspension point.
// Observer notifications fire after the triggering mutation's phony.Block
// call has already returned to the caller, never from inside the router's
// own actor — so an observer is free to call back into any exported Router
// method, including the Block-wrapped lookups, without deadlocking against
// its own notification.
package router

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"

	"github.com/Arceliar/phony"

	"github.com/sparkle-vpn/sparkle/src/address"
	"github.com/sparkle-vpn/sparkle/src/peer"
)

// Observer receives change notifications as the router's directory is
// mutated. The link layer registers itself as the sole observer at
// construction and uses these callbacks to drive route_update broadcasts.
// Callbacks run synchronously on whichever goroutine called the mutating
// method (Update/Remove/Clear), after that method's internal phony.Block
// has already completed — never on the router's own actor goroutine — so
// an implementation may safely call back into the router from within a
// callback.
type Observer interface {
	OnNodeAdded(r *peer.Record)
	OnNodeRemoved(r *peer.Record)
	OnNodeUpdated(r *peer.Record)
}

// nopObserver discards notifications; used until a real observer registers.
type nopObserver struct{}

func (nopObserver) OnNodeAdded(*peer.Record)   {}
func (nopObserver) OnNodeRemoved(*peer.Record) {}
func (nopObserver) OnNodeUpdated(*peer.Record) {}

// Router is the single in-memory directory of known peers. Every exported
// method, mutating or not, runs on the router's own actor via phony.Block,
// so all of them may be called safely from any goroutine — including from
// within an Observer callback, since by the time a callback runs the
// mutation that triggered it has already released the actor (see Observer).
type Router struct {
	phony.Inbox

	self     *peer.Record
	byEP     map[netip.AddrPort]*peer.Record
	byMAC    map[address.MAC]*peer.Record
	all      []*peer.Record
	observer Observer
}

// New creates an empty router. SetSelf must be called exactly once, before
// any other operation, per the router's startup contract.
func New() *Router {
	return &Router{
		byEP:     make(map[netip.AddrPort]*peer.Record),
		byMAC:    make(map[address.MAC]*peer.Record),
		observer: nopObserver{},
	}
}

// SetObserver installs the notification sink. It is not itself an actor
// operation: call it once, before the router starts receiving traffic.
func (rt *Router) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	rt.observer = o
}

// SetSelf designates the local node. Called exactly once at startup, before
// any other router operation.
func (rt *Router) SetSelf(p *peer.Record) {
	phony.Block(rt, func() {
		rt.self = p
		rt._insert(p)
	})
}

// Self returns the local node's peer record.
func (rt *Router) Self() *peer.Record {
	var self *peer.Record
	phony.Block(rt, func() { self = rt.self })
	return self
}

// Update inserts a new peer record, or notes the presence of one already
// tracked under the same pointer identity; emits node_updated if it was
// already present, node_added if it is new. The notification fires after
// the router's own actor has finished processing the mutation, so the
// observer may call back into the router without deadlock.
func (rt *Router) Update(p *peer.Record) {
	var added, updated bool
	phony.Block(rt, func() { added, updated = rt._update(p) })
	if added {
		rt.observer.OnNodeAdded(p)
	} else if updated {
		rt.observer.OnNodeUpdated(p)
	}
}

// ApplyRemote inserts or refreshes a peer record learned from another
// master's route_update broadcast, without notifying the observer. Masters
// form a full mesh and every route_update already reaches every other
// master directly from its origin, so relaying a gossip-learned change
// through the normal Update/notify path would have every recipient
// rebroadcast it again, amplifying a single change into an unbounded loop
// across the master set. ApplyRemote applies the state without re-arming
// that broadcast.
func (rt *Router) ApplyRemote(p *peer.Record) {
	phony.Block(rt, func() { rt._insert(p) })
}

func (rt *Router) _update(p *peer.Record) (added, updated bool) {
	_, known := rt.byEP[p.Endpoint()]
	if !known {
		for _, existing := range rt.all {
			if existing == p {
				known = true
				break
			}
		}
	}
	rt._insert(p)
	return !known, known
}

// _insert adds p to every index without emitting a notification; used by
// SetSelf (which has its own startup semantics) and _update.
func (rt *Router) _insert(p *peer.Record) {
	rt.byEP[p.Endpoint()] = p
	if p.HasPublicKey() {
		rt.byMAC[p.MAC()] = p
	}
	for _, existing := range rt.all {
		if existing == p {
			return
		}
	}
	rt.all = append(rt.all, p)
}

// Remove removes a peer record; idempotent, and emits node_removed only if
// the record was actually present. As with Update, the notification fires
// after the router's own actor has released the mutation.
func (rt *Router) Remove(p *peer.Record) {
	var removed bool
	phony.Block(rt, func() { removed = rt._removeLocked(p) })
	if removed {
		rt.observer.OnNodeRemoved(p)
	}
}

// RemoveRemote removes a peer record per a route_update learned from
// another master, without notifying the observer — see ApplyRemote for why
// gossip-learned changes must not re-arm a broadcast of their own.
func (rt *Router) RemoveRemote(p *peer.Record) {
	phony.Block(rt, func() { rt._removeLocked(p) })
}

// _removeLocked removes p from every index and reports whether it was
// present. Must run on the router's own actor; never notifies the
// observer itself, callers decide whether and when to.
func (rt *Router) _removeLocked(p *peer.Record) bool {
	if _, ok := rt.byEP[p.Endpoint()]; !ok {
		present := false
		for _, existing := range rt.all {
			if existing == p {
				present = true
				break
			}
		}
		if !present {
			return false
		}
	}
	delete(rt.byEP, p.Endpoint())
	if p.HasPublicKey() {
		delete(rt.byMAC, p.MAC())
	}
	for i, existing := range rt.all {
		if existing == p {
			rt.all = append(rt.all[:i], rt.all[i+1:]...)
			break
		}
	}
	return true
}

// BindMAC registers (or re-registers) a peer record under its current MAC,
// once its public key becomes known after insertion. Returns false if the
// MAC is already bound to a different record, per the MAC/public-key
// conflict rule in the error handling design; the caller must then reject
// the peer rather than insert it.
func (rt *Router) BindMAC(p *peer.Record) bool {
	ok := true
	phony.Block(rt, func() {
		if existing, present := rt.byMAC[p.MAC()]; present && existing != p {
			ok = false
			return
		}
		rt.byMAC[p.MAC()] = p
	})
	return ok
}

// FindByEndpoint returns the peer record for an exact underlay endpoint
// match, if any.
func (rt *Router) FindByEndpoint(ep netip.AddrPort) (*peer.Record, bool) {
	var p *peer.Record
	var ok bool
	phony.Block(rt, func() { p, ok = rt.byEP[ep] })
	return p, ok
}

// FindByMAC returns the peer record for an exact overlay MAC match, if any.
func (rt *Router) FindByMAC(mac address.MAC) (*peer.Record, bool) {
	var p *peer.Record
	var ok bool
	phony.Block(rt, func() { p, ok = rt.byMAC[mac] })
	return p, ok
}

// Nodes returns every known peer record, including self.
func (rt *Router) Nodes() []*peer.Record {
	var out []*peer.Record
	phony.Block(rt, func() { out = append([]*peer.Record(nil), rt.all...) })
	return out
}

// OtherNodes returns every known peer record excluding self.
func (rt *Router) OtherNodes() []*peer.Record {
	var out []*peer.Record
	phony.Block(rt, func() {
		for _, p := range rt.all {
			if p != rt.self {
				out = append(out, p)
			}
		}
	})
	return out
}

// Masters returns every known master, including self if self is a master.
func (rt *Router) Masters() []*peer.Record {
	var out []*peer.Record
	phony.Block(rt, func() {
		for _, p := range rt.all {
			if p.Role() == peer.Master {
				out = append(out, p)
			}
		}
	})
	return out
}

// OtherMasters returns every known master excluding self.
func (rt *Router) OtherMasters() []*peer.Record {
	var out []*peer.Record
	phony.Block(rt, func() {
		for _, p := range rt.all {
			if p != rt.self && p.Role() == peer.Master {
				out = append(out, p)
			}
		}
	})
	return out
}

// SelectMaster picks a master uniformly at random from Masters(), or
// returns false if none exist. Selection draws from the OS CSPRNG rather
// than math/rand so that an adversary who can observe or influence a
// node's behavior cannot predictably bias which master gets picked.
func (rt *Router) SelectMaster() (*peer.Record, bool) {
	return selectUniform(rt.Masters())
}

// SelectWhiteSlave picks a publicly reachable slave uniformly at random, or
// returns false if none exist.
func (rt *Router) SelectWhiteSlave() (*peer.Record, bool) {
	var candidates []*peer.Record
	phony.Block(rt, func() {
		for _, p := range rt.all {
			if p.Role() == peer.Slave && p.White() {
				candidates = append(candidates, p)
			}
		}
	})
	return selectUniform(candidates)
}

// Clear removes every non-self peer from the router, emitting node_removed
// for each once the actor has released the mutation.
func (rt *Router) Clear() {
	var removed []*peer.Record
	phony.Block(rt, func() {
		for _, p := range append([]*peer.Record(nil), rt.all...) {
			if p != rt.self && rt._removeLocked(p) {
				removed = append(removed, p)
			}
		}
	})
	for _, p := range removed {
		rt.observer.OnNodeRemoved(p)
	}
}

// selectUniform draws a cryptographically uniform random element from
// candidates, or reports false for an empty slice.
func selectUniform(candidates []*peer.Record) (*peer.Record, bool) {
	if len(candidates) == 0 {
		return nil, false
	}
	if len(candidates) == 1 {
		return candidates[0], true
	}
	idx, err := cryptoRandIndex(len(candidates))
	if err != nil {
		// The OS entropy source failing is unrecoverable; fall back to the
		// first candidate rather than panic mid-selection.
		return candidates[0], true
	}
	return candidates[idx], true
}

// cryptoRandIndex returns a uniform random index in [0, n) using the OS
// CSPRNG, avoiding modulo bias via rejection sampling.
func cryptoRandIndex(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	max := uint32(n)
	limit := (^uint32(0) / max) * max
	for {
		var buf [4]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		v := binary.BigEndian.Uint32(buf[:])
		if v < limit {
			return int(v % max), nil
		}
	}
}
