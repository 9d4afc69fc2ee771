// Package address contains the types used by Sparkle to represent overlay
// MAC addresses, as well as the function used to derive a MAC deterministically
// from a peer's public key.
package address

import (
	"crypto/sha512"
	"fmt"
)

// MACLen is the length in bytes of an overlay MAC address.
const MACLen = 6

// MAC represents a 6-byte overlay Ethernet address derived from a peer's
// public key.
type MAC [MACLen]byte

// ForPublicKey derives the overlay MAC for the given serialized public key.
// The MAC is the first 6 bytes of SHA-512(pub), with the multicast bit (bit 0
// of the first octet) cleared and the locally-administered bit (bit 1) set.
// Two peers presenting byte-identical serialized keys always derive the same
// MAC; this is a pure function of the key bytes, not of any other peer state.
func ForPublicKey(pub []byte) MAC {
	h := sha512.Sum512(pub)
	var mac MAC
	copy(mac[:], h[:MACLen])
	mac[0] &^= 0x01 // clear multicast bit
	mac[0] |= 0x02  // set locally-administered bit
	return mac
}

// IsValid reports whether the MAC is anything other than the all-zero
// address, which is used as the sentinel for "not yet derived".
func (m MAC) IsValid() bool {
	var zero MAC
	return m != zero
}

// String renders the MAC in the customary colon-hex notation.
func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}
