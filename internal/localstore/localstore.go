// Package localstore defines the device-scoped persistent key/value store
// the Connection reads and writes (SPEC_FULL.md §4.2). It is named by
// interface only — the durability guarantees of a production device store
// are a host-application concern — but this package also ships an
// in-memory reference implementation for tests and a file-backed one for
// demos and simple embeddings, following this corpus's convention of
// pairing every storage interface with at least one concrete file-backed
// implementation (e.g. the teacher's storage.FileBlobStore beside
// storage.BlobStore).
package localstore

import "context"

// SeedRequestKeyPair is the ephemeral keypair a device without a local seed
// generates to solicit one from a paired device (SPEC_FULL.md §3,
// SeedRequest / device identity).
type SeedRequestKeyPair struct {
	DHPrivateKey      []byte
	DHPublicKey       []byte
	SignPublicKey     []byte
	SignPrivateKey    []byte
}

// Store is the LocalStore interface. Every method is keyed by username;
// callers are responsible for not concurrently mutating the same username
// from two goroutines (a single Connection only ever touches one username's
// keys, so this is naturally satisfied in normal use).
type Store interface {
	GetSeed(ctx context.Context, username string) ([]byte, bool, error)
	SaveSeed(ctx context.Context, username string, seed []byte) error

	GetSeedRequest(ctx context.Context, username string) (*SeedRequestKeyPair, bool, error)
	SetSeedRequest(ctx context.Context, username string, kp *SeedRequestKeyPair) error
	RemoveSeedRequest(ctx context.Context, username string) error

	GetSessionID(ctx context.Context, username string) (string, bool, error)
	SaveSessionID(ctx context.Context, username string, sessionID string) error

	// SignOutSession clears every per-session artifact for username (the
	// session id, and nothing else — the seed and seed-request keys are
	// device pairing state, not session state, and survive sign-out).
	SignOutSession(ctx context.Context, username string) error
}
