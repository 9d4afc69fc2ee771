// Package wire implements Sparkle's on-wire framing: a fixed envelope
// header followed by a typed payload, and the typed control messages
// exchanged during handshake, join, and routing.
//
// Every datagram on the wire is one envelope:
//
//	[version:2][type:2][len:4][payload, len bytes, possibly ECB-padded]
//
// all integers big-endian. The payload is either unencrypted (messages sent
// before a session exists) or encrypted with the peer's session cipher; an
// encrypted payload is zero-padded to an 8-byte boundary on the wire, but
// the length field always reflects the pre-pad plaintext length so the
// receiver can strip padding after decrypting.
package wire

import (
	"encoding/binary"
	"errors"
)

// HeaderLen is the size in bytes of the fixed envelope header.
const HeaderLen = 2 + 2 + 4

// ProtocolVersion is the fixed protocol version this implementation speaks.
const ProtocolVersion uint16 = 1

// Type identifies the kind of message carried by an envelope's payload.
type Type uint16

const (
	TypeProtocolVersion Type = iota + 1
	TypePublicKeyExchange
	TypeSessionKeyOffer
	TypeSessionKeyAck
	TypeMasterNodeRequest
	TypeMasterNodeReply
	TypeRegisterRequest
	TypeRegisterReply
	TypeRouteUpdate
	TypeDataPacket
)

// String renders the message type for logging.
func (t Type) String() string {
	switch t {
	case TypeProtocolVersion:
		return "protocol_version"
	case TypePublicKeyExchange:
		return "public_key_exchange"
	case TypeSessionKeyOffer:
		return "session_key_offer"
	case TypeSessionKeyAck:
		return "session_key_ack"
	case TypeMasterNodeRequest:
		return "master_node_request"
	case TypeMasterNodeReply:
		return "master_node_reply"
	case TypeRegisterRequest:
		return "register_request"
	case TypeRegisterReply:
		return "register_reply"
	case TypeRouteUpdate:
		return "route_update"
	case TypeDataPacket:
		return "data_packet"
	default:
		return "unknown"
	}
}

// Encrypted reports whether envelopes of this type carry an
// encrypted payload, per the message catalogue in the component design.
func (t Type) Encrypted() bool {
	switch t {
	case TypeProtocolVersion, TypePublicKeyExchange, TypeSessionKeyOffer:
		return false
	default:
		return true
	}
}

// ErrMalformedEnvelope is returned when a datagram is too short, has a bad
// version, or declares a length inconsistent with the bytes available. Per
// the error handling design, malformed envelopes are dropped silently by
// the link layer and logged only at debug level; this error is what
// triggers that drop.
var ErrMalformedEnvelope = errors.New("wire: malformed envelope")

// Envelope is one decoded datagram.
type Envelope struct {
	Version uint16
	Type    Type
	// Length is the pre-pad plaintext length carried on the wire. The link
	// layer encodes unencrypted payloads with Length equal to len(Payload);
	// Decode only requires that Length not exceed len(Payload).
	Length  uint32
	Payload []byte
}

// Encode serializes an envelope. The payload passed in is exactly what goes
// on the wire (already encrypted and padded, if applicable); length must be
// the pre-pad plaintext length.
func Encode(typ Type, length uint32, payload []byte) []byte {
	out := make([]byte, HeaderLen+len(payload))
	binary.BigEndian.PutUint16(out[0:2], ProtocolVersion)
	binary.BigEndian.PutUint16(out[2:4], uint16(typ))
	binary.BigEndian.PutUint32(out[4:8], length)
	copy(out[HeaderLen:], payload)
	return out
}

// Decode parses an envelope from a raw datagram. It does not check the
// wire-level length field against the actual payload length beyond
// requiring the declared length not to exceed the bytes present, since
// encrypted payloads are padded and therefore longer than Length.
func Decode(bs []byte) (Envelope, error) {
	if len(bs) < HeaderLen {
		return Envelope{}, ErrMalformedEnvelope
	}
	version := binary.BigEndian.Uint16(bs[0:2])
	typ := Type(binary.BigEndian.Uint16(bs[2:4]))
	length := binary.BigEndian.Uint32(bs[4:8])
	payload := bs[HeaderLen:]
	if version != ProtocolVersion {
		return Envelope{}, ErrMalformedEnvelope
	}
	if uint64(length) > uint64(len(payload)) {
		return Envelope{}, ErrMalformedEnvelope
	}
	return Envelope{Version: version, Type: typ, Length: length, Payload: payload}, nil
}
