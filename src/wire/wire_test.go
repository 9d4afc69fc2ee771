package wire

import (
	"bytes"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := []byte("hello world")
	bs := Encode(TypeDataPacket, uint32(len(payload)), payload)
	env, err := Decode(bs)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Version != ProtocolVersion {
		t.Fatalf("Version = %d, want %d", env.Version, ProtocolVersion)
	}
	if env.Type != TypeDataPacket {
		t.Fatalf("Type = %v, want TypeDataPacket", env.Type)
	}
	if env.Length != uint32(len(payload)) {
		t.Fatalf("Length = %d, want %d", env.Length, len(payload))
	}
	if !bytes.Equal(env.Payload, payload) {
		t.Fatalf("Payload = %q, want %q", env.Payload, payload)
	}
}

func TestEnvelopeRoundTripWithPadding(t *testing.T) {
	plain := []byte("13 bytes long")
	padded := append(append([]byte(nil), plain...), 0, 0, 0)
	bs := Encode(TypeRouteUpdate, uint32(len(plain)), padded)
	env, err := Decode(bs)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.Length != uint32(len(plain)) {
		t.Fatalf("Length = %d, want %d (pre-pad)", env.Length, len(plain))
	}
	if len(env.Payload) != len(padded) {
		t.Fatalf("Payload len = %d, want %d (padded)", len(env.Payload), len(padded))
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, err := Decode([]byte{0, 1, 0, 2}); err != ErrMalformedEnvelope {
		t.Fatalf("Decode(short) err = %v, want ErrMalformedEnvelope", err)
	}
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	bs := Encode(TypeDataPacket, 0, nil)
	bs[1] = 0xFF // corrupt the low byte of the version field
	if _, err := Decode(bs); err != ErrMalformedEnvelope {
		t.Fatalf("Decode(bad version) err = %v, want ErrMalformedEnvelope", err)
	}
}

func TestDecodeRejectsLengthOverrun(t *testing.T) {
	bs := Encode(TypeDataPacket, 100, []byte("short"))
	if _, err := Decode(bs); err != ErrMalformedEnvelope {
		t.Fatalf("Decode(overrun length) err = %v, want ErrMalformedEnvelope", err)
	}
}

func TestTypeEncryptedClassification(t *testing.T) {
	unencrypted := []Type{TypeProtocolVersion, TypePublicKeyExchange, TypeSessionKeyOffer}
	for _, typ := range unencrypted {
		if typ.Encrypted() {
			t.Fatalf("%v.Encrypted() = true, want false", typ)
		}
	}
	encrypted := []Type{TypeSessionKeyAck, TypeMasterNodeRequest, TypeMasterNodeReply, TypeRegisterRequest, TypeRegisterReply, TypeRouteUpdate, TypeDataPacket}
	for _, typ := range encrypted {
		if !typ.Encrypted() {
			t.Fatalf("%v.Encrypted() = false, want true", typ)
		}
	}
}

func TestProtocolVersionMsgRoundTrip(t *testing.T) {
	m := ProtocolVersionMsg{Version: 1}
	var got ProtocolVersionMsg
	if !got.Decode(m.Encode()) {
		t.Fatalf("Decode failed")
	}
	if got != m {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestPublicKeyExchangeMsgRoundTrip(t *testing.T) {
	m := PublicKeyExchangeMsg{PublicKey: []byte("der-encoded-key")}
	var got PublicKeyExchangeMsg
	if !got.Decode(m.Encode()) {
		t.Fatalf("Decode failed")
	}
	if !bytes.Equal(got.PublicKey, m.PublicKey) {
		t.Fatalf("PublicKey = %q, want %q", got.PublicKey, m.PublicKey)
	}
}

func TestSessionKeyOfferMsgRoundTrip(t *testing.T) {
	m := SessionKeyOfferMsg{EncryptedKey: []byte("rsa-ciphertext")}
	var got SessionKeyOfferMsg
	if !got.Decode(m.Encode()) {
		t.Fatalf("Decode failed")
	}
	if !bytes.Equal(got.EncryptedKey, m.EncryptedKey) {
		t.Fatalf("EncryptedKey mismatch")
	}
}

func TestMasterNodeRequestMsgRoundTrip(t *testing.T) {
	m := MasterNodeRequestMsg{}
	var got MasterNodeRequestMsg
	if !got.Decode(m.Encode()) {
		t.Fatalf("Decode failed")
	}
}

func entryFixture(key string) MasterEntry {
	var ip [16]byte
	ip[15] = 1
	return MasterEntry{IP: ip, Port: 1801, PublicKey: []byte(key)}
}

func TestMasterNodeReplyMsgRoundTrip(t *testing.T) {
	m := MasterNodeReplyMsg{
		Masters:  []MasterEntry{entryFixture("key-a"), entryFixture("key-b")},
		Assigned: entryFixture("key-a"),
	}
	var got MasterNodeReplyMsg
	if !got.Decode(m.Encode()) {
		t.Fatalf("Decode failed")
	}
	if len(got.Masters) != 2 {
		t.Fatalf("len(Masters) = %d, want 2", len(got.Masters))
	}
	if !bytes.Equal(got.Masters[1].PublicKey, []byte("key-b")) {
		t.Fatalf("Masters[1].PublicKey = %q", got.Masters[1].PublicKey)
	}
	if !bytes.Equal(got.Assigned.PublicKey, []byte("key-a")) {
		t.Fatalf("Assigned.PublicKey = %q", got.Assigned.PublicKey)
	}
}

func TestMasterNodeReplyMsgEmptyList(t *testing.T) {
	m := MasterNodeReplyMsg{Assigned: entryFixture("solo")}
	var got MasterNodeReplyMsg
	if !got.Decode(m.Encode()) {
		t.Fatalf("Decode failed")
	}
	if len(got.Masters) != 0 {
		t.Fatalf("len(Masters) = %d, want 0", len(got.Masters))
	}
}

func TestRegisterRequestMsgRoundTrip(t *testing.T) {
	m := RegisterRequestMsg{PublicKey: []byte("joiner-key"), White: true}
	var got RegisterRequestMsg
	if !got.Decode(m.Encode()) {
		t.Fatalf("Decode failed")
	}
	if !bytes.Equal(got.PublicKey, m.PublicKey) || got.White != true {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestRegisterReplyMsgRoundTrip(t *testing.T) {
	m := RegisterReplyMsg{
		AssignedMaster: true,
		Masters:        []MasterEntry{entryFixture("m1")},
	}
	var got RegisterReplyMsg
	if !got.Decode(m.Encode()) {
		t.Fatalf("Decode failed")
	}
	if got.AssignedMaster != true || len(got.Masters) != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestRouteUpdateMsgRoundTrip(t *testing.T) {
	m := RouteUpdateMsg{Entry: entryFixture("r1"), IsMaster: true, White: false, Removed: true}
	var got RouteUpdateMsg
	if !got.Decode(m.Encode()) {
		t.Fatalf("Decode failed")
	}
	if got.IsMaster != true || got.White != false || got.Removed != true {
		t.Fatalf("flags mismatch: %+v", got)
	}
}

func TestDataPacketMsgRoundTrip(t *testing.T) {
	m := DataPacketMsg{
		DestMAC: [6]byte{1, 2, 3, 4, 5, 6},
		SrcMAC:  [6]byte{6, 5, 4, 3, 2, 1},
		Frame:   []byte("ethernet frame contents"),
	}
	var got DataPacketMsg
	if !got.Decode(m.Encode()) {
		t.Fatalf("Decode failed")
	}
	if got.DestMAC != m.DestMAC || got.SrcMAC != m.SrcMAC || !bytes.Equal(got.Frame, m.Frame) {
		t.Fatalf("got %+v, want %+v", got, m)
	}
}

func TestMessageDecodeRejectsTruncated(t *testing.T) {
	var m RegisterRequestMsg
	if m.Decode([]byte{0, 0, 0, 99, 'x'}) {
		t.Fatalf("Decode should reject a length prefix longer than the remaining bytes")
	}
}
