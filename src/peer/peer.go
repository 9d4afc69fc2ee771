// Package peer defines the Record type that the router owns one of per
// known remote Sparkle node: its underlay endpoint, public key, derived
// overlay MAC, the two per-direction session keys, the outbound hold
// queue, and handshake/role state.
package peer

import (
	"net/netip"

	"github.com/sparkle-vpn/sparkle/src/address"
	"github.com/sparkle-vpn/sparkle/src/crypto"
)

// State is the peer's handshake state, as seen from the local node.
type State int

const (
	// New is the initial state on first contact in either direction.
	New State = iota
	// KeySent means we've sent our public key and are waiting for both
	// session keys; our session key offer goes out once the peer's public
	// key is known.
	KeySent
	// KeysExchanged means both sides' public keys and session key offers
	// have been exchanged, but the ack has not yet been seen.
	KeysExchanged
	// Established is the terminal success state: both session keys are
	// installed and the handshake has completed.
	Established
)

// String renders the state for logging.
func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case KeySent:
		return "KEY_SENT"
	case KeysExchanged:
		return "KEYS_EXCHANGED"
	case Established:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

// Role is the peer's role in the routing backbone.
type Role int

const (
	// Slave peers are not on the backbone and rely on a master to relay.
	Slave Role = iota
	// Master peers form the reachable routing backbone.
	Master
)

// String renders the role for logging.
func (r Role) String() string {
	if r == Master {
		return "master"
	}
	return "slave"
}

// Record is everything Sparkle's router knows about one remote peer (or, for
// the self record, the local node). It is owned by the router and mutated
// only inside the link layer's actor; see the link package for the
// concurrency contract.
type Record struct {
	endpoint netip.AddrPort
	pubKey   []byte
	mac      address.MAC

	sendKey *crypto.SessionCipher
	recvKey *crypto.SessionCipher

	queue [][]byte

	state State
	role  Role
	white bool // publicly reachable, i.e. eligible as a "white slave"

	failureCount int // consecutive decrypt failures, for the threshold in spec §7
}

// NewRecord creates a peer record for a freshly contacted underlay endpoint.
// Its public key, MAC, and session keys are unset until the handshake
// supplies them.
func NewRecord(endpoint netip.AddrPort) *Record {
	return &Record{
		endpoint: endpoint,
		state:    New,
		sendKey:  &crypto.SessionCipher{},
		recvKey:  &crypto.SessionCipher{},
	}
}

// Endpoint returns the peer's current underlay endpoint.
func (r *Record) Endpoint() netip.AddrPort { return r.endpoint }

// SetEndpoint updates the underlay endpoint, e.g. on a remote-observed
// address change.
func (r *Record) SetEndpoint(ep netip.AddrPort) { r.endpoint = ep }

// PublicKey returns the serialized remote public key, or nil if not yet set.
func (r *Record) PublicKey() []byte { return r.pubKey }

// MAC returns the overlay MAC derived from the public key. It is the zero
// MAC until SetPublicKey has been called.
func (r *Record) MAC() address.MAC { return r.mac }

// SetPublicKey installs the remote public key exactly once and derives the
// overlay MAC from it. Calling it a second time with a different key is a
// programmer error the router layer is responsible for preventing (peer
// public keys are immutable once set, per the data model invariants).
func (r *Record) SetPublicKey(pub []byte) {
	r.pubKey = append([]byte(nil), pub...)
	r.mac = address.ForPublicKey(r.pubKey)
}

// HasPublicKey reports whether SetPublicKey has been called.
func (r *Record) HasPublicKey() bool { return r.pubKey != nil }

// SendKey is the cipher used to encrypt traffic we send to this peer.
func (r *Record) SendKey() *crypto.SessionCipher { return r.sendKey }

// RecvKey is the cipher used to decrypt traffic received from this peer.
func (r *Record) RecvKey() *crypto.SessionCipher { return r.recvKey }

// State returns the current handshake state.
func (r *Record) State() State { return r.state }

// SetState transitions the handshake state machine. Transitioning away from
// Established does not touch the hold queue, and neither does
// ResetHandshake; only PopQueue and DrainQueue remove queued frames.
func (r *Record) SetState(s State) { r.state = s }

// NegotiationComplete reports whether the handshake has reached Established
// with both session keys installed, matching invariant (iii) of the data
// model: negotiation-complete implies both keys non-empty and the public
// key set.
func (r *Record) NegotiationComplete() bool {
	return r.state == Established && r.sendKey.Ready() && r.recvKey.Ready() && r.HasPublicKey()
}

// Role returns the peer's current routing role.
func (r *Record) Role() Role { return r.role }

// SetRole reassigns the peer's routing role.
func (r *Record) SetRole(role Role) { r.role = role }

// White reports whether the peer is a publicly reachable slave, eligible
// for promotion.
func (r *Record) White() bool { return r.white }

// SetWhite marks whether the peer is publicly reachable.
func (r *Record) SetWhite(w bool) { r.white = w }

// AppendToQueue enqueues an application frame to be sent once the handshake
// with this peer completes.
func (r *Record) AppendToQueue(data []byte) {
	r.queue = append(r.queue, data)
}

// PopQueue removes and returns the oldest queued frame, or nil if the queue
// is empty. Queue order is FIFO, matching the delivery-order guarantee in
// the concurrency model.
func (r *Record) PopQueue() []byte {
	if len(r.queue) == 0 {
		return nil
	}
	head := r.queue[0]
	r.queue = r.queue[1:]
	return head
}

// QueueEmpty reports whether the hold queue has been fully drained.
func (r *Record) QueueEmpty() bool { return len(r.queue) == 0 }

// DrainQueue removes and returns every queued frame in FIFO order, leaving
// the queue empty. Used both on the transition to Established (drain to the
// transport) and on handshake timeout/cancel (drain to report send_failed).
func (r *Record) DrainQueue() [][]byte {
	drained := r.queue
	r.queue = nil
	return drained
}

// RecordDecryptFailure increments the consecutive-decrypt-failure counter
// and reports whether it has now reached the threshold at which the peer
// must be reset to New, per the error handling design.
func (r *Record) RecordDecryptFailure(threshold int) bool {
	r.failureCount++
	return r.failureCount >= threshold
}

// ResetFailureCount clears the consecutive-decrypt-failure counter, e.g. on
// a successful decrypt.
func (r *Record) ResetFailureCount() { r.failureCount = 0 }

// ResetHandshake returns the peer to the New state, as on timeout or
// explicit cancellation. It zeroes both session keys (resource lifecycle:
// keys are zeroed on release) but preserves the public key and MAC, which
// remain valid identifiers for the peer. It does not touch the hold queue;
// callers decide whether to drain it (delivering nothing) or preserve it
// for the next negotiation attempt.
func (r *Record) ResetHandshake() {
	r.state = New
	r.sendKey = &crypto.SessionCipher{}
	r.recvKey = &crypto.SessionCipher{}
	r.failureCount = 0
}
