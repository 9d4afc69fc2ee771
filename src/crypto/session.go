package crypto

import (
	"errors"

	"golang.org/x/crypto/blowfish"
)

// SessionKeyLen is the length in bytes of a session key (256 bits), as
// generated once per direction per peer and transported under the peer's
// RSA public key.
const SessionKeyLen = 32

// blockSize is Blowfish's fixed 8-byte block size.
const blockSize = blowfish.BlockSize

// SessionCipher encrypts and decrypts per-peer overlay traffic with
// Blowfish-256 in ECB mode. ECB leaks plaintext block repetition; this is a
// known weakness inherited for wire compatibility with the rest of the
// protocol, not a recommendation. A future revision should move to an AEAD
// (ChaCha20-Poly1305 or AES-GCM) with per-peer nonces instead.
type SessionCipher struct {
	cipher *blowfish.Cipher
}

// SetKey installs a 32-byte session key.
func (s *SessionCipher) SetKey(key []byte) error {
	if len(key) != SessionKeyLen {
		return errors.New("crypto: session key must be 32 bytes")
	}
	c, err := blowfish.NewCipher(key)
	if err != nil {
		return err
	}
	s.cipher = c
	return nil
}

// Ready reports whether a key has been installed.
func (s *SessionCipher) Ready() bool {
	return s.cipher != nil
}

// Encrypt pads plaintext up to a whole number of 8-byte blocks with zero
// bytes and encrypts it in ECB mode. It returns the ciphertext; callers
// that need to strip padding on the far end must track the pre-pad length
// out of band (the envelope's length field does this, per the wire format).
func (s *SessionCipher) Encrypt(plaintext []byte) ([]byte, error) {
	if s.cipher == nil {
		return nil, errors.New("crypto: session cipher has no key installed")
	}
	padded := padToBlock(plaintext)
	out := make([]byte, len(padded))
	for off := 0; off < len(padded); off += blockSize {
		s.cipher.Encrypt(out[off:off+blockSize], padded[off:off+blockSize])
	}
	return out, nil
}

// Decrypt decrypts an ECB-encrypted, block-aligned ciphertext and truncates
// the result to plainLen, discarding the trailing zero padding.
func (s *SessionCipher) Decrypt(ciphertext []byte, plainLen int) ([]byte, error) {
	if s.cipher == nil {
		return nil, errors.New("crypto: session cipher has no key installed")
	}
	if len(ciphertext)%blockSize != 0 || len(ciphertext) == 0 {
		return nil, errors.New("crypto: ciphertext is not block-aligned")
	}
	if plainLen < 0 || plainLen > len(ciphertext) {
		return nil, errors.New("crypto: plaintext length out of range")
	}
	out := make([]byte, len(ciphertext))
	for off := 0; off < len(ciphertext); off += blockSize {
		s.cipher.Decrypt(out[off:off+blockSize], ciphertext[off:off+blockSize])
	}
	return out[:plainLen], nil
}

// padToBlock zero-pads bs up to the next whole multiple of the Blowfish
// block size. An empty input is padded to one full block so Encrypt never
// has to special-case a zero-length ciphertext.
func padToBlock(bs []byte) []byte {
	n := len(bs)
	if rem := n % blockSize; rem != 0 || n == 0 {
		pad := blockSize - rem
		bs = append(append([]byte(nil), bs...), make([]byte, pad)...)
	}
	return bs
}
