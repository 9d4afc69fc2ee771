// Package link implements Sparkle's protocol state machine: packet
// framing, the key-negotiation handshake, join/bootstrap with master
// election, queued-packet delivery, encrypted forwarding, and the
// route_update broadcasts that keep masters' routers in sync.
//
// LinkLayer is a github.com/Arceliar/phony actor, the same
// single-threaded-event-loop idiom the router uses: every mutation of
// handshake state, timers, or pending-request bookkeeping runs inside a
// closure passed to phony.Act/phony.Block, so callers on any goroutine
// (the transport's receive loop, the TAP device, a timer firing) never
// need their own locking.
package link

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/Arceliar/phony"

	"github.com/sparkle-vpn/sparkle/src/address"
	"github.com/sparkle-vpn/sparkle/src/crypto"
	"github.com/sparkle-vpn/sparkle/src/peer"
	"github.com/sparkle-vpn/sparkle/src/router"
	"github.com/sparkle-vpn/sparkle/src/wire"
)

// Sentinel errors surfaced to callers per the error handling design: every
// failure that isn't consumed locally via drop+log is one of these.
var (
	ErrHandshakeTimeout  = errors.New("link: handshake timed out")
	ErrMACConflict       = errors.New("link: public key hashes to a MAC already bound elsewhere")
	ErrJoinFailed        = errors.New("link: join failed")
	ErrNoMasterAvailable = errors.New("link: no master available to resolve destination")
	ErrNotMaster         = errors.New("link: only a master can create a network")
)

// DecryptFailureThreshold is the default consecutive-failure count (within
// a 10s window) that resets an Established peer back to New, per §7.
const DecryptFailureThreshold = 3

// decryptFailureWindow is the span over which consecutive failures count
// toward DecryptFailureThreshold; a gap longer than this resets the count.
const decryptFailureWindow = 10 * time.Second

// HandshakeTimeout is the default time a handshake has to reach
// Established before the peer is returned to New.
const HandshakeTimeout = 10 * time.Second

// Retransmit1 and Retransmit2 are the default retransmit offsets before
// HandshakeTimeout, per §9's documented retransmission policy.
const (
	Retransmit1 = 2 * time.Second
	Retransmit2 = 4 * time.Second
)

// Transport is the UDP collaborator the link layer sends datagrams
// through and receives them from (via OnDatagram). No ordering, delivery,
// or duplication guarantees are assumed of it.
type Transport interface {
	Send(to netip.AddrPort, data []byte) error
	LocalEndpoint() netip.AddrPort
}

// FrameHandler is the upper-layer collaborator (typically a TAP device)
// that decrypted application frames are dispatched to, and that is
// notified when a queued frame could not be delivered.
type FrameHandler interface {
	OnFrame(src address.MAC, frame []byte)
	OnSendFailed(dst address.MAC, frame []byte, reason error)
}

// nopFrameHandler discards frames; installed until a real handler registers.
type nopFrameHandler struct{}

func (nopFrameHandler) OnFrame(address.MAC, []byte)          {}
func (nopFrameHandler) OnSendFailed(address.MAC, []byte, error) {}

// Logger is the leveled logging surface the link layer writes through,
// compatible with github.com/gologme/log's *log.Logger.
type Logger interface {
	Debugln(v ...interface{})
	Infoln(v ...interface{})
	Warnln(v ...interface{})
	Errorln(v ...interface{})
}

// peerTimers tracks the retransmit/timeout timers running for one peer's
// in-progress handshake. All three are cancelled together on success,
// failure, or an explicit reset.
type peerTimers struct {
	retransmit1 *time.Timer
	retransmit2 *time.Timer
	timeout     *time.Timer
}

func (t *peerTimers) stop() {
	if t == nil {
		return
	}
	t.retransmit1.Stop()
	t.retransmit2.Stop()
	t.timeout.Stop()
}

// masterReplyResult and registerReplyResult carry a join-flow response (or
// its failure) from the actor back to the blocked JoinNetwork caller.
type masterReplyResult struct {
	msg wire.MasterNodeReplyMsg
	err error
}

type registerReplyResult struct {
	msg wire.RegisterReplyMsg
	err error
}

// LinkLayer is the protocol state machine described in spec §4.4. It owns
// no transport or TAP resources itself; those are injected collaborators.
type LinkLayer struct {
	phony.Inbox

	identity  *crypto.RSAKeyPair
	router    *router.Router
	transport Transport
	frames    FrameHandler
	log       Logger

	decryptFailThreshold int
	handshakeTimeout     time.Duration
	retransmit1          time.Duration
	retransmit2          time.Duration

	offerSent         map[*peer.Record]bool
	timers            map[*peer.Record]*peerTimers
	lastFailureAt     map[*peer.Record]time.Time
	pendingMasterReq  map[*peer.Record]chan masterReplyResult
	pendingRegister   map[*peer.Record]chan registerReplyResult
	establishedWaiter map[*peer.Record][]chan error
}

// Config bundles the collaborators and identity a LinkLayer needs. Frames
// and Log may be left nil; zero-value defaults (a no-op handler, a no-op
// logger) are installed.
type Config struct {
	Identity  *crypto.RSAKeyPair
	Router    *router.Router
	Transport Transport
	Frames    FrameHandler
	Log       Logger
}

// nopLogger discards every call; installed when Config.Log is nil.
type nopLogger struct{}

func (nopLogger) Debugln(v ...interface{}) {}
func (nopLogger) Infoln(v ...interface{})  {}
func (nopLogger) Warnln(v ...interface{})  {}
func (nopLogger) Errorln(v ...interface{}) {}

// New constructs a LinkLayer and registers it as the router's sole
// change-notification observer, per spec §4.4.6.
func New(cfg Config) *LinkLayer {
	frames := cfg.Frames
	if frames == nil {
		frames = nopFrameHandler{}
	}
	log := cfg.Log
	if log == nil {
		log = nopLogger{}
	}
	l := &LinkLayer{
		identity:          cfg.Identity,
		router:            cfg.Router,
		transport:         cfg.Transport,
		frames:            frames,
		log:               log,
		decryptFailThreshold: DecryptFailureThreshold,
		handshakeTimeout:  HandshakeTimeout,
		retransmit1:       Retransmit1,
		retransmit2:       Retransmit2,
		offerSent:         make(map[*peer.Record]bool),
		timers:            make(map[*peer.Record]*peerTimers),
		lastFailureAt:     make(map[*peer.Record]time.Time),
		pendingMasterReq:  make(map[*peer.Record]chan masterReplyResult),
		pendingRegister:   make(map[*peer.Record]chan registerReplyResult),
		establishedWaiter: make(map[*peer.Record][]chan error),
	}
	l.router.SetObserver(l)
	return l
}

// SetFrameHandler installs (or replaces) the upper-layer frame sink, e.g.
// once the TAP device has finished initializing.
func (l *LinkLayer) SetFrameHandler(h FrameHandler) {
	phony.Block(l, func() {
		if h == nil {
			h = nopFrameHandler{}
		}
		l.frames = h
	})
}

// CreateNetwork marks the local node as a master, installs its own record
// in the router at localEndpoint, and returns immediately operational, per
// spec §4.4.4.
func (l *LinkLayer) CreateNetwork(localEndpoint netip.AddrPort) {
	phony.Block(l, func() {
		self := peer.NewRecord(localEndpoint)
		self.SetPublicKey(l.identity.PublicKeyBytes())
		self.SetRole(peer.Master)
		self.SetState(peer.Established)
		l.router.SetSelf(self)
		l.log.Infoln("link: created network as master at", localEndpoint)
	})
}

// JoinNetwork runs the bootstrap flow of spec §4.4.4 against bootstrap,
// blocking until the node is registered with an assigned master or the
// flow fails. localEndpoint is installed as the local node's own record
// with the slave role, pending reassignment by the register_reply.
func (l *LinkLayer) JoinNetwork(ctx context.Context, localEndpoint, bootstrap netip.AddrPort) error {
	var self, boot *peer.Record
	phony.Block(l, func() {
		self = peer.NewRecord(localEndpoint)
		self.SetPublicKey(l.identity.PublicKeyBytes())
		self.SetRole(peer.Slave)
		self.SetState(peer.Established)
		l.router.SetSelf(self)

		boot = peer.NewRecord(bootstrap)
		l.router.Update(boot)
	})

	if err := l.waitEstablished(ctx, boot); err != nil {
		return fmt.Errorf("link: bootstrap handshake: %w", err)
	}

	phony.Block(l, func() {
		boot.SetRole(peer.Master)
		l.router.Update(boot)
	})

	reply, err := l.requestMasterNode(ctx, boot)
	if err != nil {
		return fmt.Errorf("%w: master_node_request: %v", ErrJoinFailed, err)
	}

	var assigned *peer.Record
	phony.Block(l, func() {
		for _, m := range reply.Masters {
			ep := masterEntryEndpoint(m)
			if ep == boot.Endpoint() {
				continue
			}
			p, ok := l.router.FindByEndpoint(ep)
			if !ok {
				p = peer.NewRecord(ep)
				p.SetPublicKey(m.PublicKey)
				p.SetRole(peer.Master)
				l.router.Update(p)
			}
		}
		assignedEP := masterEntryEndpoint(reply.Assigned)
		if assignedEP == boot.Endpoint() {
			assigned = boot
		} else if p, ok := l.router.FindByEndpoint(assignedEP); ok {
			assigned = p
		} else {
			assigned = peer.NewRecord(assignedEP)
			assigned.SetPublicKey(reply.Assigned.PublicKey)
			assigned.SetRole(peer.Master)
			l.router.Update(assigned)
		}
	})

	if assigned != boot {
		if err := l.waitEstablished(ctx, assigned); err != nil {
			return fmt.Errorf("link: assigned-master handshake: %w", err)
		}
	}

	regReply, err := l.requestRegister(ctx, assigned, self)
	if err != nil {
		return fmt.Errorf("%w: register_request: %v", ErrJoinFailed, err)
	}

	phony.Block(l, func() {
		if regReply.AssignedMaster {
			self.SetRole(peer.Master)
		}
		l.router.Update(self)
		for _, m := range regReply.Masters {
			ep := masterEntryEndpoint(m)
			if _, ok := l.router.FindByEndpoint(ep); ok {
				continue
			}
			if _, ok := l.router.FindByMAC(address.ForPublicKey(m.PublicKey)); ok {
				continue
			}
			p := peer.NewRecord(ep)
			p.SetPublicKey(m.PublicKey)
			p.SetRole(peer.Master)
			l.router.Update(p)
		}
	})
	l.log.Infoln("link: joined network via", bootstrap, "role", self.Role())
	return nil
}

func masterEntryEndpoint(e wire.MasterEntry) netip.AddrPort {
	addr := netip.AddrFrom16(e.IP).Unmap()
	return netip.AddrPortFrom(addr, e.Port)
}

func masterEntryFromRecord(p *peer.Record) wire.MasterEntry {
	return wire.MasterEntry{
		IP:        p.Endpoint().Addr().As16(),
		Port:      p.Endpoint().Port(),
		PublicKey: p.PublicKey(),
	}
}

// waitEstablished blocks until p reaches Established, the handshake
// reports failure, or ctx is done, initiating the handshake if it has not
// already started.
func (l *LinkLayer) waitEstablished(ctx context.Context, p *peer.Record) error {
	ch := make(chan error, 1)
	phony.Block(l, func() {
		if p.State() == peer.Established {
			ch <- nil
			return
		}
		l.establishedWaiter[p] = append(l.establishedWaiter[p], ch)
		if p.State() == peer.New {
			l.initiateHandshake(p)
		}
	})
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *LinkLayer) notifyEstablished(p *peer.Record, err error) {
	for _, ch := range l.establishedWaiter[p] {
		ch <- err
	}
	delete(l.establishedWaiter, p)
}

// requestMasterNode sends master_node_request to p and waits for the
// correlated master_node_reply.
func (l *LinkLayer) requestMasterNode(ctx context.Context, p *peer.Record) (wire.MasterNodeReplyMsg, error) {
	ch := make(chan masterReplyResult, 1)
	phony.Block(l, func() {
		l.pendingMasterReq[p] = ch
		l.sendEncrypted(p, wire.TypeMasterNodeRequest, wire.MasterNodeRequestMsg{}.Encode())
	})
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		phony.Block(l, func() { delete(l.pendingMasterReq, p) })
		return wire.MasterNodeReplyMsg{}, ctx.Err()
	}
}

// requestRegister sends register_request to assigned and waits for the
// correlated register_reply.
func (l *LinkLayer) requestRegister(ctx context.Context, assigned, self *peer.Record) (wire.RegisterReplyMsg, error) {
	ch := make(chan registerReplyResult, 1)
	phony.Block(l, func() {
		l.pendingRegister[assigned] = ch
		msg := wire.RegisterRequestMsg{PublicKey: self.PublicKey(), White: self.White()}
		l.sendEncrypted(assigned, wire.TypeRegisterRequest, msg.Encode())
	})
	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		phony.Block(l, func() { delete(l.pendingRegister, assigned) })
		return wire.RegisterReplyMsg{}, ctx.Err()
	}
}

// OnDatagram is the Transport's receive callback: from is the underlay
// source, bs is the raw datagram. Malformed envelopes are dropped and
// logged at debug per §7; everything else is dispatched on the actor.
func (l *LinkLayer) OnDatagram(from netip.AddrPort, bs []byte) {
	l.Act(nil, func() {
		env, err := wire.Decode(bs)
		if err != nil {
			l.log.Debugln("link: malformed envelope from", from, err)
			return
		}
		l.handleEnvelope(from, env)
	})
}

func (l *LinkLayer) handleEnvelope(from netip.AddrPort, env wire.Envelope) {
	p, ok := l.router.FindByEndpoint(from)
	if !ok {
		if env.Type != wire.TypePublicKeyExchange && env.Type != wire.TypeProtocolVersion {
			l.log.Debugln("link: encrypted message from unknown peer", from)
			return
		}
		p = peer.NewRecord(from)
		l.router.Update(p)
	}

	if env.Type.Encrypted() {
		if !p.RecvKey().Ready() {
			l.log.Debugln("link: encrypted message with no installed receive key from", from)
			return
		}
		plain, err := p.RecvKey().Decrypt(env.Payload, int(env.Length))
		if err != nil {
			l.onDecryptFailure(p)
			return
		}
		p.ResetFailureCount()
		l.dispatch(p, env.Type, plain)
		return
	}
	l.dispatch(p, env.Type, env.Payload[:env.Length])
}

func (l *LinkLayer) onDecryptFailure(p *peer.Record) {
	now := time.Now()
	if last, ok := l.lastFailureAt[p]; ok && now.Sub(last) > decryptFailureWindow {
		p.ResetFailureCount()
	}
	l.lastFailureAt[p] = now
	l.log.Debugln("link: decrypt failure from", p.Endpoint())
	if p.RecordDecryptFailure(l.decryptFailThreshold) {
		l.log.Warnln("link: decrypt failure threshold reached, resetting", p.Endpoint())
		l.resetToNew(p, errors.New("link: decrypt failure threshold reached"))
	}
}

func (l *LinkLayer) dispatch(p *peer.Record, typ wire.Type, payload []byte) {
	switch typ {
	case wire.TypeProtocolVersion:
		l.onProtocolVersion(p, payload)
	case wire.TypePublicKeyExchange:
		l.onPublicKeyExchange(p, payload)
	case wire.TypeSessionKeyOffer:
		l.onSessionKeyOffer(p, payload)
	case wire.TypeSessionKeyAck:
		l.onSessionKeyAck(p, payload)
	case wire.TypeMasterNodeRequest:
		l.onMasterNodeRequest(p)
	case wire.TypeMasterNodeReply:
		l.onMasterNodeReply(p, payload)
	case wire.TypeRegisterRequest:
		l.onRegisterRequest(p, payload)
	case wire.TypeRegisterReply:
		l.onRegisterReply(p, payload)
	case wire.TypeRouteUpdate:
		l.onRouteUpdate(p, payload)
	case wire.TypeDataPacket:
		l.onDataPacket(p, payload)
	default:
		l.log.Debugln("link: unknown message type", typ, "from", p.Endpoint())
	}
}

func (l *LinkLayer) onProtocolVersion(p *peer.Record, payload []byte) {
	var msg wire.ProtocolVersionMsg
	if !msg.Decode(payload) {
		l.log.Debugln("link: malformed protocol_version from", p.Endpoint())
		return
	}
	if msg.Version != wire.ProtocolVersion {
		l.log.Warnln("link: incompatible protocol version", msg.Version, "from", p.Endpoint())
	}
}

// initiateHandshake sends our public key and starts the handshake timers.
// Called with the New->KeySent transition, either on our own initiative or
// the first time we learn of a peer by any other message.
func (l *LinkLayer) initiateHandshake(p *peer.Record) {
	if p.State() != peer.New {
		return
	}
	l.sendUnencrypted(p, wire.TypePublicKeyExchange, wire.PublicKeyExchangeMsg{PublicKey: l.identity.PublicKeyBytes()}.Encode())
	p.SetState(peer.KeySent)
	l.startHandshakeTimer(p)
}

func (l *LinkLayer) onPublicKeyExchange(p *peer.Record, payload []byte) {
	var msg wire.PublicKeyExchangeMsg
	if !msg.Decode(payload) {
		l.log.Debugln("link: malformed public_key_exchange from", p.Endpoint())
		return
	}
	if !p.HasPublicKey() {
		p.SetPublicKey(msg.PublicKey)
		if !l.router.BindMAC(p) {
			l.log.Warnln("link: MAC conflict, rejecting peer", p.Endpoint())
			l.router.Remove(p)
			l.notifyEstablished(p, ErrMACConflict)
			return
		}
	}
	if p.State() == peer.New {
		l.initiateHandshake(p)
	}
	if !l.offerSent[p] {
		key := crypto.NewSessionKey()
		if err := p.SendKey().SetKey(key); err != nil {
			l.log.Errorln("link: installing send key:", err)
			return
		}
		remote := &crypto.RSAKeyPair{}
		if err := remote.SetPublicKey(p.PublicKey()); err != nil {
			l.log.Warnln("link: peer public key unusable:", err)
			return
		}
		ciphertext, err := remote.Encrypt(key)
		if err != nil {
			l.log.Errorln("link: encrypting session key offer:", err)
			return
		}
		l.sendUnencrypted(p, wire.TypeSessionKeyOffer, wire.SessionKeyOfferMsg{EncryptedKey: ciphertext}.Encode())
		l.offerSent[p] = true
	}
	l.advanceIfReady(p)
}

func (l *LinkLayer) onSessionKeyOffer(p *peer.Record, payload []byte) {
	var msg wire.SessionKeyOfferMsg
	if !msg.Decode(payload) {
		l.log.Debugln("link: malformed session_key_offer from", p.Endpoint())
		return
	}
	plain, err := l.identity.Decrypt(msg.EncryptedKey)
	if err != nil {
		l.log.Debugln("link: undecryptable session_key_offer from", p.Endpoint())
		return
	}
	if err := p.RecvKey().SetKey(plain); err != nil {
		l.log.Debugln("link: malformed session key from", p.Endpoint())
		return
	}
	l.advanceIfReady(p)
}

// advanceIfReady moves a KeySent peer to KeysExchanged and sends our ack
// once both session keys are installed.
func (l *LinkLayer) advanceIfReady(p *peer.Record) {
	if p.State() != peer.KeySent {
		return
	}
	if !p.SendKey().Ready() || !p.RecvKey().Ready() {
		return
	}
	p.SetState(peer.KeysExchanged)
	l.sendEncrypted(p, wire.TypeSessionKeyAck, wire.SessionKeyAckMsg{Body: []byte{1}}.Encode())
}

func (l *LinkLayer) onSessionKeyAck(p *peer.Record, payload []byte) {
	var msg wire.SessionKeyAckMsg
	if !msg.Decode(payload) {
		l.log.Debugln("link: malformed session_key_ack from", p.Endpoint())
		return
	}
	if p.State() != peer.KeysExchanged {
		return
	}
	p.SetState(peer.Established)
	l.stopHandshakeTimer(p)
	for _, frame := range p.DrainQueue() {
		l.sendDataPacket(p, p.MAC(), l.router.Self().MAC(), frame)
	}
	l.router.Update(p)
	l.notifyEstablished(p, nil)
}

func (l *LinkLayer) onMasterNodeRequest(p *peer.Record) {
	self := l.router.Self()
	reply := wire.MasterNodeReplyMsg{Assigned: masterEntryFromRecord(self)}
	for _, m := range l.router.Masters() {
		reply.Masters = append(reply.Masters, masterEntryFromRecord(m))
	}
	if target, ok := l.router.SelectMaster(); ok {
		reply.Assigned = masterEntryFromRecord(target)
	}
	l.sendEncrypted(p, wire.TypeMasterNodeReply, reply.Encode())
}

func (l *LinkLayer) onMasterNodeReply(p *peer.Record, payload []byte) {
	var msg wire.MasterNodeReplyMsg
	ch, pending := l.pendingMasterReq[p]
	if !msg.Decode(payload) {
		if pending {
			ch <- masterReplyResult{err: errors.New("link: malformed master_node_reply")}
			delete(l.pendingMasterReq, p)
		}
		return
	}
	if pending {
		ch <- masterReplyResult{msg: msg}
		delete(l.pendingMasterReq, p)
	}
}

func (l *LinkLayer) onRegisterRequest(p *peer.Record, payload []byte) {
	var msg wire.RegisterRequestMsg
	if !msg.Decode(payload) {
		l.log.Debugln("link: malformed register_request from", p.Endpoint())
		return
	}
	if !p.HasPublicKey() {
		p.SetPublicKey(msg.PublicKey)
	}
	p.SetWhite(msg.White)
	// Master-assignment policy (left open by the source spec): a joiner
	// with a publicly reachable endpoint is promoted to the backbone on
	// registration; everyone else joins as a slave relying on us to relay.
	if p.White() {
		p.SetRole(peer.Master)
	} else {
		p.SetRole(peer.Slave)
	}
	l.router.Update(p)

	reply := wire.RegisterReplyMsg{AssignedMaster: p.Role() == peer.Master}
	for _, m := range l.router.Masters() {
		reply.Masters = append(reply.Masters, masterEntryFromRecord(m))
	}
	l.sendEncrypted(p, wire.TypeRegisterReply, reply.Encode())
}

func (l *LinkLayer) onRegisterReply(p *peer.Record, payload []byte) {
	var msg wire.RegisterReplyMsg
	ch, pending := l.pendingRegister[p]
	if !msg.Decode(payload) {
		if pending {
			ch <- registerReplyResult{err: errors.New("link: malformed register_reply")}
			delete(l.pendingRegister, p)
		}
		return
	}
	if pending {
		ch <- registerReplyResult{msg: msg}
		delete(l.pendingRegister, p)
	}
}

func (l *LinkLayer) onRouteUpdate(from *peer.Record, payload []byte) {
	var msg wire.RouteUpdateMsg
	if !msg.Decode(payload) {
		l.log.Debugln("link: malformed route_update from", from.Endpoint())
		return
	}
	ep := masterEntryEndpoint(msg.Entry)
	existing, ok := l.router.FindByEndpoint(ep)
	if msg.Removed {
		if ok {
			l.router.RemoveRemote(existing)
		}
		return
	}
	if !ok {
		existing = peer.NewRecord(ep)
		existing.SetPublicKey(msg.Entry.PublicKey)
	}
	if msg.IsMaster {
		existing.SetRole(peer.Master)
	} else {
		existing.SetRole(peer.Slave)
	}
	existing.SetWhite(msg.White)
	// Masters form a full mesh: the origin already broadcast this change
	// directly to every other master. Applying it via Update here would
	// re-notify this node's own observer and rebroadcast it again, turning
	// one change into an unbounded loop across the master set.
	l.router.ApplyRemote(existing)
}

// onDataPacket dispatches a decrypted data_packet: to our own upper layer
// if we're the destination, relayed to the real destination if we're the
// master that received it for onward delivery, or dropped otherwise.
func (l *LinkLayer) onDataPacket(from *peer.Record, payload []byte) {
	var msg wire.DataPacketMsg
	if !msg.Decode(payload) {
		l.log.Debugln("link: malformed data_packet from", from.Endpoint())
		return
	}
	self := l.router.Self()
	if msg.DestMAC == self.MAC() {
		l.frames.OnFrame(msg.SrcMAC, msg.Frame)
		return
	}
	if self.Role() != peer.Master {
		l.log.Debugln("link: data_packet misdirected to non-master, dropping")
		return
	}
	target, ok := l.router.FindByMAC(msg.DestMAC)
	if !ok {
		l.log.Debugln("link: data_packet for unknown MAC, dropping")
		return
	}
	if target.State() != peer.Established {
		target.AppendToQueue(msg.Frame)
		if target.State() == peer.New {
			l.initiateHandshake(target)
		}
		return
	}
	l.sendDataPacket(target, msg.DestMAC, msg.SrcMAC, msg.Frame)
}

// SendFrame is the upper layer's entry point for an outbound application
// frame addressed to destMAC, per spec §4.4.5.
func (l *LinkLayer) SendFrame(destMAC address.MAC, frame []byte) {
	l.Act(nil, func() { l.sendFrame(destMAC, frame) })
}

func (l *LinkLayer) sendFrame(destMAC address.MAC, frame []byte) {
	self := l.router.Self()
	if p, ok := l.router.FindByMAC(destMAC); ok {
		if p.State() == peer.Established {
			l.sendDataPacket(p, destMAC, self.MAC(), frame)
			return
		}
		p.AppendToQueue(frame)
		if p.State() == peer.New {
			l.initiateHandshake(p)
		}
		return
	}

	var master *peer.Record
	if self.Role() == peer.Master {
		master = self
	} else if m, ok := l.router.SelectMaster(); ok {
		master = m
	}
	if master == nil {
		l.log.Warnln("link: no master available, dropping frame to", destMAC)
		l.frames.OnSendFailed(destMAC, frame, ErrNoMasterAvailable)
		return
	}
	if master == self {
		l.log.Debugln("link: unknown destination", destMAC, "at master, dropping")
		l.frames.OnSendFailed(destMAC, frame, errors.New("link: unknown destination MAC"))
		return
	}
	if master.State() == peer.Established {
		l.sendDataPacket(master, destMAC, self.MAC(), frame)
		return
	}
	master.AppendToQueue(frame)
	if master.State() == peer.New {
		l.initiateHandshake(master)
	}
}

func (l *LinkLayer) sendDataPacket(to *peer.Record, destMAC, srcMAC address.MAC, frame []byte) {
	msg := wire.DataPacketMsg{DestMAC: [6]byte(destMAC), SrcMAC: [6]byte(srcMAC), Frame: frame}
	l.sendEncrypted(to, wire.TypeDataPacket, msg.Encode())
}

func (l *LinkLayer) sendUnencrypted(to *peer.Record, typ wire.Type, payload []byte) {
	bs := wire.Encode(typ, uint32(len(payload)), payload)
	if err := l.transport.Send(to.Endpoint(), bs); err != nil {
		l.log.Warnln("link: send to", to.Endpoint(), "failed:", err)
	}
}

func (l *LinkLayer) sendEncrypted(to *peer.Record, typ wire.Type, payload []byte) {
	if !to.SendKey().Ready() {
		l.log.Debugln("link: dropping", typ, "to", to.Endpoint(), "with no send key installed")
		return
	}
	ciphertext, err := to.SendKey().Encrypt(payload)
	if err != nil {
		l.log.Errorln("link: encrypting", typ, "for", to.Endpoint(), ":", err)
		return
	}
	bs := wire.Encode(typ, uint32(len(payload)), ciphertext)
	if err := l.transport.Send(to.Endpoint(), bs); err != nil {
		l.log.Warnln("link: send to", to.Endpoint(), "failed:", err)
	}
}

func (l *LinkLayer) startHandshakeTimer(p *peer.Record) {
	l.stopHandshakeTimer(p)
	t := &peerTimers{
		retransmit1: time.AfterFunc(l.retransmit1, func() { l.Act(nil, func() { l.retransmitHandshake(p) }) }),
		retransmit2: time.AfterFunc(l.retransmit2, func() { l.Act(nil, func() { l.retransmitHandshake(p) }) }),
		timeout:     time.AfterFunc(l.handshakeTimeout, func() { l.Act(nil, func() { l.onHandshakeTimeout(p) }) }),
	}
	l.timers[p] = t
}

func (l *LinkLayer) stopHandshakeTimer(p *peer.Record) {
	if t, ok := l.timers[p]; ok {
		t.stop()
		delete(l.timers, p)
	}
}

func (l *LinkLayer) retransmitHandshake(p *peer.Record) {
	if p.State() == peer.Established || p.State() == peer.New {
		return
	}
	l.log.Debugln("link: retransmitting handshake to", p.Endpoint())
	l.sendUnencrypted(p, wire.TypePublicKeyExchange, wire.PublicKeyExchangeMsg{PublicKey: l.identity.PublicKeyBytes()}.Encode())
}

func (l *LinkLayer) onHandshakeTimeout(p *peer.Record) {
	if p.State() == peer.Established {
		return
	}
	l.log.Warnln("link: handshake with", p.Endpoint(), "timed out")
	l.resetToNew(p, ErrHandshakeTimeout)
}

// resetToNew returns p to the New state, drops its hold queue with one
// send_failed notification per dropped frame, and clears handshake
// bookkeeping.
func (l *LinkLayer) resetToNew(p *peer.Record, reason error) {
	l.stopHandshakeTimer(p)
	delete(l.offerSent, p)
	for _, frame := range p.DrainQueue() {
		l.frames.OnSendFailed(p.MAC(), frame, reason)
	}
	p.ResetHandshake()
	l.notifyEstablished(p, reason)
}

// Cancel returns p to New explicitly, per the §5 cancel(peer) operation.
func (l *LinkLayer) Cancel(p *peer.Record) {
	phony.Block(l, func() { l.resetToNew(p, context.Canceled) })
}

// --- router.Observer ---

// OnNodeAdded broadcasts a route_update for a newly known peer to the
// other masters, if self is a master. Slaves never broadcast, per §4.4.6.
func (l *LinkLayer) OnNodeAdded(p *peer.Record) { l.broadcastRouteUpdate(p, false) }

// OnNodeUpdated broadcasts a route_update reflecting p's latest role/state.
func (l *LinkLayer) OnNodeUpdated(p *peer.Record) { l.broadcastRouteUpdate(p, false) }

// OnNodeRemoved broadcasts a route_update marking p as removed.
func (l *LinkLayer) OnNodeRemoved(p *peer.Record) { l.broadcastRouteUpdate(p, true) }

func (l *LinkLayer) broadcastRouteUpdate(p *peer.Record, removed bool) {
	self := l.router.Self()
	if self == nil || self.Role() != peer.Master || p == self {
		return
	}
	msg := wire.RouteUpdateMsg{
		Entry:    masterEntryFromRecord(p),
		IsMaster: p.Role() == peer.Master,
		White:    p.White(),
		Removed:  removed,
	}
	for _, m := range l.router.OtherMasters() {
		if m.State() == peer.Established {
			l.sendEncrypted(m, wire.TypeRouteUpdate, msg.Encode())
		}
	}
}
