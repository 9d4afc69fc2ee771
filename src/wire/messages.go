package wire

import "encoding/binary"

// chopSlice copies len(dst) bytes from the front of *src into dst and
// advances *src past them, reporting whether there were enough bytes.
// Mirrors the wire_chop_slice helper idiom used for fixed-width sub-fields.
func chopSlice(dst []byte, src *[]byte) bool {
	if len(*src) < len(dst) {
		return false
	}
	copy(dst, *src)
	*src = (*src)[len(dst):]
	return true
}

// chopUint32 reads a big-endian uint32 length prefix and advances *src.
func chopUint32(src *[]byte) (uint32, bool) {
	if len(*src) < 4 {
		return 0, false
	}
	v := binary.BigEndian.Uint32((*src)[:4])
	*src = (*src)[4:]
	return v, true
}

func putUint32(bs []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(bs, b[:]...)
}

// ProtocolVersionMsg is the unencrypted, bidirectional version probe.
type ProtocolVersionMsg struct {
	Version uint16
}

func (m ProtocolVersionMsg) Encode() []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], m.Version)
	return b[:]
}

func (m *ProtocolVersionMsg) Decode(bs []byte) bool {
	if len(bs) != 2 {
		return false
	}
	m.Version = binary.BigEndian.Uint16(bs)
	return true
}

// PublicKeyExchangeMsg carries the sender's serialized public key.
type PublicKeyExchangeMsg struct {
	PublicKey []byte
}

func (m PublicKeyExchangeMsg) Encode() []byte {
	return append([]byte(nil), m.PublicKey...)
}

func (m *PublicKeyExchangeMsg) Decode(bs []byte) bool {
	if len(bs) == 0 {
		return false
	}
	m.PublicKey = append([]byte(nil), bs...)
	return true
}

// SessionKeyOfferMsg carries 32 random bytes, RSA-encrypted under the
// recipient's public key, that become the recipient's receive-key for
// traffic from the sender.
type SessionKeyOfferMsg struct {
	EncryptedKey []byte
}

func (m SessionKeyOfferMsg) Encode() []byte {
	return append([]byte(nil), m.EncryptedKey...)
}

func (m *SessionKeyOfferMsg) Decode(bs []byte) bool {
	if len(bs) == 0 {
		return false
	}
	m.EncryptedKey = append([]byte(nil), bs...)
	return true
}

// SessionKeyAckMsg is an opaque non-empty body sent encrypted with the
// just-established key, proving the recipient decrypted successfully.
type SessionKeyAckMsg struct {
	Body []byte
}

func (m SessionKeyAckMsg) Encode() []byte {
	return append([]byte(nil), m.Body...)
}

func (m *SessionKeyAckMsg) Decode(bs []byte) bool {
	if len(bs) == 0 {
		return false
	}
	m.Body = append([]byte(nil), bs...)
	return true
}

// MasterNodeRequestMsg asks a bootstrap master for the current master list
// and an assignment.
type MasterNodeRequestMsg struct{}

func (MasterNodeRequestMsg) Encode() []byte { return nil }

func (m *MasterNodeRequestMsg) Decode(bs []byte) bool { return len(bs) == 0 }

// MasterEntry is one master's address and public key, as carried in a
// master_node_reply or a register_reply's peer list.
type MasterEntry struct {
	IP        [16]byte // IPv4-mapped or native IPv6
	Port      uint16
	PublicKey []byte
}

func encodeEntry(e MasterEntry) []byte {
	bs := append([]byte(nil), e.IP[:]...)
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], e.Port)
	bs = append(bs, port[:]...)
	bs = putUint32(bs, uint32(len(e.PublicKey)))
	bs = append(bs, e.PublicKey...)
	return bs
}

func decodeEntry(src *[]byte) (MasterEntry, bool) {
	var e MasterEntry
	if !chopSlice(e.IP[:], src) {
		return e, false
	}
	var port [2]byte
	if !chopSlice(port[:], src) {
		return e, false
	}
	e.Port = binary.BigEndian.Uint16(port[:])
	keyLen, ok := chopUint32(src)
	if !ok {
		return e, false
	}
	if uint64(keyLen) > uint64(len(*src)) {
		return e, false
	}
	e.PublicKey = append([]byte(nil), (*src)[:keyLen]...)
	*src = (*src)[keyLen:]
	return e, true
}

// MasterNodeReplyMsg carries the master list and the joiner's assigned
// master endpoint (which may be the bootstrap itself).
type MasterNodeReplyMsg struct {
	Masters  []MasterEntry
	Assigned MasterEntry
}

func (m MasterNodeReplyMsg) Encode() []byte {
	bs := putUint32(nil, uint32(len(m.Masters)))
	for _, e := range m.Masters {
		bs = append(bs, encodeEntry(e)...)
	}
	bs = append(bs, encodeEntry(m.Assigned)...)
	return bs
}

func (m *MasterNodeReplyMsg) Decode(bs []byte) bool {
	n, ok := chopUint32(&bs)
	if !ok {
		return false
	}
	m.Masters = make([]MasterEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		e, ok := decodeEntry(&bs)
		if !ok {
			return false
		}
		m.Masters = append(m.Masters, e)
	}
	assigned, ok := decodeEntry(&bs)
	if !ok {
		return false
	}
	m.Assigned = assigned
	return true
}

// RegisterRequestMsg registers the joiner with its assigned master.
type RegisterRequestMsg struct {
	PublicKey []byte
	White     bool
}

func (m RegisterRequestMsg) Encode() []byte {
	bs := putUint32(nil, uint32(len(m.PublicKey)))
	bs = append(bs, m.PublicKey...)
	if m.White {
		bs = append(bs, 1)
	} else {
		bs = append(bs, 0)
	}
	return bs
}

func (m *RegisterRequestMsg) Decode(bs []byte) bool {
	n, ok := chopUint32(&bs)
	if !ok {
		return false
	}
	if uint64(n) > uint64(len(bs)) {
		return false
	}
	m.PublicKey = append([]byte(nil), bs[:n]...)
	bs = bs[n:]
	if len(bs) != 1 {
		return false
	}
	m.White = bs[0] != 0
	return true
}

// RegisterReplyMsg carries the joiner's assigned role (true = master) and
// the current master list, so the joiner can populate its router.
type RegisterReplyMsg struct {
	AssignedMaster bool
	Masters        []MasterEntry
}

func (m RegisterReplyMsg) Encode() []byte {
	var flag byte
	if m.AssignedMaster {
		flag = 1
	}
	bs := []byte{flag}
	bs = putUint32(bs, uint32(len(m.Masters)))
	for _, e := range m.Masters {
		bs = append(bs, encodeEntry(e)...)
	}
	return bs
}

func (m *RegisterReplyMsg) Decode(bs []byte) bool {
	if len(bs) < 1 {
		return false
	}
	m.AssignedMaster = bs[0] != 0
	bs = bs[1:]
	n, ok := chopUint32(&bs)
	if !ok {
		return false
	}
	m.Masters = make([]MasterEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		e, ok := decodeEntry(&bs)
		if !ok {
			return false
		}
		m.Masters = append(m.Masters, e)
	}
	return true
}

// RouteUpdateMsg announces a new or changed peer record to the master set.
type RouteUpdateMsg struct {
	Entry    MasterEntry
	IsMaster bool
	White    bool
	Removed  bool
}

func (m RouteUpdateMsg) Encode() []byte {
	bs := encodeEntry(m.Entry)
	var flags byte
	if m.IsMaster {
		flags |= 0x01
	}
	if m.White {
		flags |= 0x02
	}
	if m.Removed {
		flags |= 0x04
	}
	return append(bs, flags)
}

func (m *RouteUpdateMsg) Decode(bs []byte) bool {
	entry, ok := decodeEntry(&bs)
	if !ok {
		return false
	}
	if len(bs) != 1 {
		return false
	}
	m.Entry = entry
	m.IsMaster = bs[0]&0x01 != 0
	m.White = bs[0]&0x02 != 0
	m.Removed = bs[0]&0x04 != 0
	return true
}

// DataPacketMsg is an opaque application payload with an inner destination
// MAC, dispatched to the upper application layer on a match.
type DataPacketMsg struct {
	DestMAC [6]byte
	SrcMAC  [6]byte
	Frame   []byte
}

func (m DataPacketMsg) Encode() []byte {
	bs := append([]byte(nil), m.DestMAC[:]...)
	bs = append(bs, m.SrcMAC[:]...)
	bs = append(bs, m.Frame...)
	return bs
}

func (m *DataPacketMsg) Decode(bs []byte) bool {
	if !chopSlice(m.DestMAC[:], &bs) {
		return false
	}
	if !chopSlice(m.SrcMAC[:], &bs) {
		return false
	}
	m.Frame = append([]byte(nil), bs...)
	return true
}
