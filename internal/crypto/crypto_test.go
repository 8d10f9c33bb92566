package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"testing"
)

func randomBytes(tb testing.TB, n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		tb.Fatalf("rand.Read: %v", err)
	}
	return b
}

func TestAESGCMRoundTrip(t *testing.T) {
	p := NewProvider(nil)
	key, err := p.GenerateRandomKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	plaintext := []byte("seed-derived record payload")

	ct, err := p.AESGCMEncrypt(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(ct, plaintext) {
		t.Fatal("ciphertext leaks plaintext")
	}

	pt, err := p.AESGCMDecrypt(key, ct)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", pt, plaintext)
	}
}

func TestAESGCMDecryptRejectsTamperedCiphertext(t *testing.T) {
	p := NewProvider(nil)
	key, _ := p.GenerateRandomKey()
	ct, err := p.AESGCMEncrypt(key, []byte("hello"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	ct[len(ct)-1] ^= 0xFF

	if _, err := p.AESGCMDecrypt(key, ct); err != ErrAuthFailed {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestAESGCMDecryptRejectsShortCiphertext(t *testing.T) {
	p := NewProvider(nil)
	key, _ := p.GenerateRandomKey()
	if _, err := p.AESGCMDecrypt(key, []byte{1, 2, 3}); err != ErrShortCiphertext {
		t.Fatalf("expected ErrShortCiphertext, got %v", err)
	}
}

func TestHMACSignDeterministic(t *testing.T) {
	p := NewProvider(nil)
	key := randomBytes(t, 32)

	a := p.HMACSign(key, "todos")
	b := p.HMACSign(key, "todos")
	if !bytes.Equal(a, b) {
		t.Fatal("HMACSign is not deterministic for identical inputs")
	}

	c := p.HMACSign(key, "notes")
	if bytes.Equal(a, c) {
		t.Fatal("HMACSign produced identical tags for different inputs")
	}
}

func TestDHSharedKeyAgreement(t *testing.T) {
	p := NewProvider(nil)

	alice, err := p.NewEphemeralDH()
	if err != nil {
		t.Fatalf("alice keygen: %v", err)
	}
	bob, err := p.NewEphemeralDH()
	if err != nil {
		t.Fatalf("bob keygen: %v", err)
	}

	aliceShared, err := p.DHSharedKey(alice, p.DHPublicKey(bob))
	if err != nil {
		t.Fatalf("alice shared: %v", err)
	}
	bobShared, err := p.DHSharedKey(bob, p.DHPublicKey(alice))
	if err != nil {
		t.Fatalf("bob shared: %v", err)
	}

	if !bytes.Equal(aliceShared, bobShared) {
		t.Fatal("DH shared keys disagree")
	}
}

func TestDHSharedKeyWithServer(t *testing.T) {
	serverPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("server keygen: %v", err)
	}
	p := NewProvider(serverPriv.PublicKey())

	client, err := p.NewEphemeralDH()
	if err != nil {
		t.Fatalf("client keygen: %v", err)
	}

	clientShared, err := p.DHSharedKeyWithServer(client)
	if err != nil {
		t.Fatalf("client shared: %v", err)
	}

	serverSide := NewProvider(nil)
	serverDH := &DHPrivateKey{priv: serverPriv}
	serverShared, err := serverSide.DHSharedKey(serverDH, p.DHPublicKey(client))
	if err != nil {
		t.Fatalf("server shared: %v", err)
	}

	if !bytes.Equal(clientShared, serverShared) {
		t.Fatal("client/server DH shared keys disagree")
	}
}

func TestEd25519SignVerify(t *testing.T) {
	p := NewProvider(nil)
	pub, priv, err := p.NewDeviceSigningKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	msg := []byte("device fingerprint challenge")
	sig := p.Sign(priv, msg)
	if !p.Verify(pub, msg, sig) {
		t.Fatal("valid signature rejected")
	}
	if p.Verify(pub, []byte("different message"), sig) {
		t.Fatal("signature verified against the wrong message")
	}
}
