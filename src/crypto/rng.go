package crypto

import "crypto/rand"

// RandomBytes returns n cryptographically strong random bytes, drawn from
// the OS CSPRNG. Sparkle never seeds its own RNG (the original program's
// HAVEGE-plus-srand(time) seeding is a known weakness this target
// deliberately does not carry over); crypto/rand reads directly from the
// kernel's entropy source on every call.
func RandomBytes(n int) []byte {
	bs := make([]byte, n)
	if _, err := rand.Read(bs); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is broken,
		// which is unrecoverable for a program that depends on it for
		// session keys.
		panic(err)
	}
	return bs
}

// NewSessionKey returns a fresh 256-bit session key.
func NewSessionKey() []byte {
	return RandomBytes(SessionKeyLen)
}
