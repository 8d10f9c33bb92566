// Package crypto implements the primitive set the core's key hierarchy and
// seed-sharing protocol are built from: HKDF-derived subkeys, AES-GCM,
// HMAC-SHA256, X25519 Diffie-Hellman and Ed25519 device signing.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

var (
	// ErrAuthFailed is returned when an AEAD open or a DH shared-key
	// confirmation fails integrity checking.
	ErrAuthFailed = errors.New("crypto: authentication failed")
	// ErrShortCiphertext is returned when a ciphertext is too short to
	// contain the IV this package always prepends.
	ErrShortCiphertext = errors.New("crypto: ciphertext too short")
)

const (
	keySize   = 32
	nonceSize = 12 // 96-bit GCM IV, per spec
)

// Provider implements the CryptoProvider primitive set. It holds no state
// beyond the compiled-in server public key and is safe for concurrent use.
type Provider struct {
	serverPublicKey *ecdh.PublicKey
}

// NewProvider builds a Provider bound to the given server DH public key. The
// key is a compile-time constant in a real deployment; it is passed in here
// so tests can supply an ephemeral one.
func NewProvider(serverPublicKey *ecdh.PublicKey) *Provider {
	return &Provider{serverPublicKey: serverPublicKey}
}

// SHA256 hashes b.
func (p *Provider) SHA256(b []byte) []byte {
	sum := sha256.Sum256(b)
	return sum[:]
}

// HMACSign computes HMAC-SHA256(key, s).
func (p *Provider) HMACSign(key []byte, s string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(s))
	return mac.Sum(nil)
}

// GenerateRandomKey returns 32 fresh random bytes suitable for use as an
// AES-GCM key.
func (p *Provider) GenerateRandomKey() ([]byte, error) {
	k := make([]byte, keySize)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}

// AESGCMEncrypt encrypts plaintext under key, prepending a fresh random
// 96-bit IV to the returned ciphertext. No additional authenticated data is
// used, matching the wire format this core shares with the server.
func (p *Provider) AESGCMEncrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// AESGCMDecrypt reverses AESGCMEncrypt.
func (p *Provider) AESGCMDecrypt(key, ciphertext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceSize {
		return nil, ErrShortCiphertext
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// DHPrivateKey is an X25519 scalar derived from the user's seed.
type DHPrivateKey struct {
	priv *ecdh.PrivateKey
}

// NewEphemeralDH generates a fresh X25519 keypair, used for SeedRequest.
func (p *Provider) NewEphemeralDH() (*DHPrivateKey, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &DHPrivateKey{priv: priv}, nil
}

// DHPrivateKeyFromBytes imports a 32-byte X25519 scalar, e.g. one produced by
// DeriveSubkey or loaded back out of LocalStore.
func DHPrivateKeyFromBytes(b []byte) (*DHPrivateKey, error) {
	priv, err := ecdh.X25519().NewPrivateKey(b)
	if err != nil {
		return nil, err
	}
	return &DHPrivateKey{priv: priv}, nil
}

// Bytes returns the raw scalar, for persistence in LocalStore.
func (k *DHPrivateKey) Bytes() []byte { return k.priv.Bytes() }

// DHPublicKey returns the wire-form public key for priv.
func (p *Provider) DHPublicKey(priv *DHPrivateKey) []byte {
	return priv.priv.PublicKey().Bytes()
}

// DHSharedKey computes X25519(priv, peerPublic) and runs the result through
// HKDF-SHA256 to produce a 32-byte AES-GCM key.
func (p *Provider) DHSharedKey(priv *DHPrivateKey, peerPublic []byte) ([]byte, error) {
	peer, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, err
	}
	secret, err := priv.priv.ECDH(peer)
	if err != nil {
		return nil, ErrAuthFailed
	}
	defer Zero(secret)
	return hkdfToAESKey(secret, []byte("userbase/dh/v1"))
}

// DHSharedKeyWithServer computes the shared key between priv and the
// compiled-in server public key. It is DHSharedKey with the peer fixed to
// that key, so the server derives the same key with DHSharedKey.
func (p *Provider) DHSharedKeyWithServer(priv *DHPrivateKey) ([]byte, error) {
	if p.serverPublicKey == nil {
		return nil, errors.New("crypto: no server public key configured")
	}
	secret, err := priv.priv.ECDH(p.serverPublicKey)
	if err != nil {
		return nil, ErrAuthFailed
	}
	defer Zero(secret)
	return hkdfToAESKey(secret, []byte("userbase/dh/v1"))
}

func hkdfToAESKey(secret, info []byte) ([]byte, error) {
	out := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, info), out); err != nil {
		return nil, err
	}
	return out, nil
}

// NewDeviceSigningKey generates the Ed25519 keypair a device persists
// alongside its seed-request keypair (see SPEC_FULL.md §3, device identity).
func (p *Provider) NewDeviceSigningKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Sign produces a detached Ed25519 signature over msg.
func (p *Provider) Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify checks a detached Ed25519 signature produced by Sign.
func (p *Provider) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return ed25519.Verify(pub, msg, sig)
}
