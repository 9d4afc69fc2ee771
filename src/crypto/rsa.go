// Package crypto wraps the asymmetric and symmetric primitives Sparkle's
// link layer depends on: an RSA keypair for mutual authentication and
// session-key transport, a Blowfish-ECB session cipher for per-peer
// traffic, and the OS CSPRNG for key material generation.
package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
)

// ErrMalformedPublicKey is returned by SetPublicKey when the supplied bytes
// do not parse as a PKIX-encoded RSA public key.
var ErrMalformedPublicKey = errors.New("crypto: malformed public key")

// RSAKeyPair holds a local RSA keypair plus, once learned, a remote peer's
// public key. It provides the encrypt/decrypt/sign/verify operations the
// link layer's handshake needs.
//
// The serialized form of the public key (via PublicKeyBytes, and as
// accepted by SetPublicKey) is the DER-encoded PKIX SubjectPublicKeyInfo.
// Two calls to PublicKeyBytes on keys loaded from byte-identical input
// always produce byte-identical output, which is required for the overlay
// MAC derivation in package address to be stable.
type RSAKeyPair struct {
	priv      *rsa.PrivateKey
	remotePub *rsa.PublicKey
	remoteDER []byte
}

// Generate creates a new RSA keypair of the given modulus size in bits.
func (k *RSAKeyPair) Generate(bits int) error {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return err
	}
	k.priv = priv
	return nil
}

// PublicKeyBytes returns the DER-encoded PKIX form of our own public key.
func (k *RSAKeyPair) PublicKeyBytes() []byte {
	if k.priv == nil {
		return nil
	}
	der, err := x509.MarshalPKIXPublicKey(&k.priv.PublicKey)
	if err != nil {
		// MarshalPKIXPublicKey only fails for key types it doesn't support;
		// an *rsa.PublicKey is always supported.
		panic(err)
	}
	return der
}

// SetPublicKey installs the remote peer's public key from its DER-encoded
// PKIX form, as carried in a public_key_exchange message. It is set exactly
// once per peer; callers are responsible for enforcing that invariant.
func (k *RSAKeyPair) SetPublicKey(der []byte) error {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return ErrMalformedPublicKey
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return ErrMalformedPublicKey
	}
	k.remotePub = rsaPub
	k.remoteDER = append([]byte(nil), der...)
	return nil
}

// HasRemotePublicKey reports whether SetPublicKey has been called successfully.
func (k *RSAKeyPair) HasRemotePublicKey() bool {
	return k.remotePub != nil
}

// RemotePublicKeyBytes returns the DER form previously installed by SetPublicKey.
func (k *RSAKeyPair) RemotePublicKeyBytes() []byte {
	return k.remoteDER
}

// Encrypt encrypts bytes under the remote peer's public key, for delivery to
// that peer (e.g. a session_key_offer body).
func (k *RSAKeyPair) Encrypt(plaintext []byte) ([]byte, error) {
	if k.remotePub == nil {
		return nil, errors.New("crypto: no remote public key installed")
	}
	return rsa.EncryptOAEP(sha256.New(), rand.Reader, k.remotePub, plaintext, nil)
}

// Decrypt decrypts bytes that were encrypted under our own public key.
func (k *RSAKeyPair) Decrypt(ciphertext []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, errors.New("crypto: no private key loaded")
	}
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, k.priv, ciphertext, nil)
}

// Sign produces a PKCS#1v15/SHA-256 signature over msg using our private key.
func (k *RSAKeyPair) Sign(msg []byte) ([]byte, error) {
	if k.priv == nil {
		return nil, errors.New("crypto: no private key loaded")
	}
	h := sha256.Sum256(msg)
	return rsa.SignPKCS1v15(rand.Reader, k.priv, crypto.SHA256, h[:])
}

// Verify checks a PKCS#1v15/SHA-256 signature produced by the remote peer
// against its installed public key.
func (k *RSAKeyPair) Verify(msg, sig []byte) bool {
	if k.remotePub == nil {
		return false
	}
	h := sha256.Sum256(msg)
	return rsa.VerifyPKCS1v15(k.remotePub, crypto.SHA256, h[:], sig) == nil
}

// Save persists the private key to path in PEM form, matching the format
// the profile directory expects. It is the only persisted state Sparkle
// keeps across restarts.
func (k *RSAKeyPair) Save(path string) error {
	if k.priv == nil {
		return errors.New("crypto: no private key to save")
	}
	der := x509.MarshalPKCS1PrivateKey(k.priv)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, block)
}

// Load reads a private key previously written by Save.
func (k *RSAKeyPair) Load(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return errors.New("crypto: no PEM block found in key file")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return err
	}
	k.priv = priv
	return nil
}
