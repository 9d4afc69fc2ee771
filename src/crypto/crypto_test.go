package crypto

import "bytes"

import "testing"

func TestRSAPublicKeyRoundTrip(t *testing.T) {
	var a, b RSAKeyPair
	if err := a.Generate(1024); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	der := a.PublicKeyBytes()
	if err := b.SetPublicKey(der); err != nil {
		t.Fatalf("SetPublicKey: %v", err)
	}
	if !bytes.Equal(der, b.RemotePublicKeyBytes()) {
		t.Fatalf("public key bytes did not round-trip")
	}
}

func TestRSASetPublicKeyMalformed(t *testing.T) {
	var k RSAKeyPair
	if err := k.SetPublicKey([]byte("not a key")); err != ErrMalformedPublicKey {
		t.Fatalf("SetPublicKey err = %v, want ErrMalformedPublicKey", err)
	}
}

func TestRSAEncryptDecrypt(t *testing.T) {
	var alice, bob RSAKeyPair
	if err := alice.Generate(1024); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := bob.Generate(1024); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	// alice learns bob's public key so she can encrypt to him
	if err := alice.SetPublicKey(bob.PublicKeyBytes()); err != nil {
		t.Fatalf("SetPublicKey: %v", err)
	}
	msg := NewSessionKey()
	ct, err := alice.Encrypt(msg)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	pt, err := bob.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, msg) {
		t.Fatalf("decrypted plaintext mismatch")
	}
}

func TestRSASignVerify(t *testing.T) {
	var alice, bob RSAKeyPair
	if err := alice.Generate(1024); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := bob.SetPublicKey(alice.PublicKeyBytes()); err != nil {
		t.Fatalf("SetPublicKey: %v", err)
	}
	msg := []byte("handshake transcript")
	sig, err := alice.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !bob.Verify(msg, sig) {
		t.Fatalf("Verify rejected a valid signature")
	}
	if bob.Verify([]byte("tampered"), sig) {
		t.Fatalf("Verify accepted a signature over the wrong message")
	}
}

func TestSessionCipherRoundTrip(t *testing.T) {
	key := NewSessionKey()
	var send, recv SessionCipher
	if err := send.SetKey(key); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	if err := recv.SetKey(key); err != nil {
		t.Fatalf("SetKey: %v", err)
	}
	for _, plain := range [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("exactly8"),
		[]byte("this is a longer ethernet-ish frame payload"),
	} {
		ct, err := send.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		if len(ct)%blockSize != 0 {
			t.Fatalf("ciphertext length %d is not block-aligned", len(ct))
		}
		pt, err := recv.Decrypt(ct, len(plain))
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if !bytes.Equal(pt, plain) {
			t.Fatalf("round trip mismatch: got %q want %q", pt, plain)
		}
	}
}

func TestSessionCipherRequiresKey(t *testing.T) {
	var s SessionCipher
	if _, err := s.Encrypt([]byte("x")); err == nil {
		t.Fatalf("Encrypt without a key should fail")
	}
	if _, err := s.Decrypt([]byte("12345678"), 1); err == nil {
		t.Fatalf("Decrypt without a key should fail")
	}
}

func TestRandomBytesLength(t *testing.T) {
	bs := RandomBytes(16)
	if len(bs) != 16 {
		t.Fatalf("len = %d, want 16", len(bs))
	}
}

func TestNewSessionKeyLength(t *testing.T) {
	if got := len(NewSessionKey()); got != SessionKeyLen {
		t.Fatalf("len = %d, want %d", got, SessionKeyLen)
	}
}
