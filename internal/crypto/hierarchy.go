package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Purpose names the three subkeys derived from a user's seed (SPEC_FULL.md
// §3, Derived key set). They double as the HKDF "info" parameter so that
// the encryption, DH and HMAC subkeys can never collide even if two salts
// were ever reused.
type Purpose string

const (
	PurposeEncryptionKey Purpose = "userbase/encryption-key/v1"
	PurposeDHKey         Purpose = "userbase/dh-key/v1"
	PurposeHMACKey       Purpose = "userbase/hmac-key/v1"
)

// MasterKey is the HKDF-extracted pseudorandom key imported from a raw seed.
// It is held only for the lifetime of key derivation and must be zeroed
// once every subkey has been derived (see Connection.Close, SPEC_FULL.md §9
// Open Questions).
type MasterKey struct {
	prk []byte
}

// HKDFImportMaster extracts a MasterKey from a raw seed. The seed itself is
// never retained by this call; callers remain responsible for zeroing their
// own copy once derivation is complete.
func (p *Provider) HKDFImportMaster(seed []byte) *MasterKey {
	return &MasterKey{prk: hkdf.Extract(sha256.New, seed, nil)}
}

// Zero wipes the master key's backing bytes.
func (m *MasterKey) Zero() { Zero(m.prk) }

// DeriveSubkey expands master with salt and purpose into a 32-byte subkey.
// The result is suitable either as an AES-GCM/HMAC key directly, or — for
// PurposeDHKey — as the raw bytes backing a DHPrivateKey via
// DHPrivateKeyFromBytes.
func (p *Provider) DeriveSubkey(master *MasterKey, salt []byte, purpose Purpose) ([]byte, error) {
	r := hkdf.New(sha256.New, master.prk, salt, []byte(purpose))
	out := make([]byte, keySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DerivedKeys is the full key set described in SPEC_FULL.md §3, held by a
// Connection for the lifetime of one session.
type DerivedKeys struct {
	EncryptionKey []byte
	DHPrivateKey  *DHPrivateKey
	HMACKey       []byte
}

// DeriveKeys runs the full seed+salts -> {encryptionKey, dhPrivateKey,
// hmacKey} derivation in one call and zeroes the intermediate master key
// before returning.
func (p *Provider) DeriveKeys(seed []byte, encryptionKeySalt, dhKeySalt, hmacKeySalt []byte) (*DerivedKeys, error) {
	master := p.HKDFImportMaster(seed)
	defer master.Zero()

	encKey, err := p.DeriveSubkey(master, encryptionKeySalt, PurposeEncryptionKey)
	if err != nil {
		return nil, err
	}
	dhBytes, err := p.DeriveSubkey(master, dhKeySalt, PurposeDHKey)
	if err != nil {
		Zero(encKey)
		return nil, err
	}
	defer Zero(dhBytes)
	dhKey, err := DHPrivateKeyFromBytes(dhBytes)
	if err != nil {
		Zero(encKey)
		return nil, err
	}
	hmacKey, err := p.DeriveSubkey(master, hmacKeySalt, PurposeHMACKey)
	if err != nil {
		Zero(encKey)
		return nil, err
	}

	// Best-effort: keep the long-lived session keys out of swap. Failure to
	// lock is not fatal — most hosts without CAP_IPC_LOCK will fail this,
	// and the zeroization in Zero() below is the real defense.
	_ = lockMemory(encKey)
	_ = lockMemory(hmacKey)

	return &DerivedKeys{
		EncryptionKey: encKey,
		DHPrivateKey:  dhKey,
		HMACKey:       hmacKey,
	}, nil
}

// Zero wipes every subkey in the set. The DHPrivateKey's scalar is backed by
// a copy owned by crypto/ecdh that this package cannot reach into, so only
// its exported byte copies (if any were taken via Bytes) are the caller's
// responsibility; DerivedKeys.Zero drops the reference so it becomes
// unreachable and eligible for GC.
func (k *DerivedKeys) Zero() {
	_ = unlockMemory(k.EncryptionKey)
	_ = unlockMemory(k.HMACKey)
	Zero(k.EncryptionKey)
	Zero(k.HMACKey)
	k.DHPrivateKey = nil
}
