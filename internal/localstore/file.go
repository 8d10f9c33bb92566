package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"github.com/venkatvb/userbase/internal/platform"
)

// FileStore persists one JSON file per username under dir, following this
// corpus's file-per-entity convention (the teacher's storage.FileBlobStore
// keys one file per blob id; this does the same keyed by username).
//
// If a Keychain is supplied, the seed is the one piece of durable secret
// material this package holds, so it is routed through the Keychain
// instead of the plaintext JSON file; every other field still goes to
// disk as usual.
type FileStore struct {
	dir      string
	keychain platform.Keychain
	mu       sync.Mutex
}

type fileRecord struct {
	Seed        []byte              `json:"seed,omitempty"`
	SeedRequest *SeedRequestKeyPair `json:"seedRequest,omitempty"`
	SessionID   string              `json:"sessionId,omitempty"`
}

// NewFileStore returns a FileStore rooted at dir, creating it if needed.
// The seed is kept in the plaintext JSON record.
func NewFileStore(dir string) (*FileStore, error) {
	return newFileStore(dir, nil)
}

// NewFileStoreWithKeychain is like NewFileStore but wraps the seed through
// kc instead of writing it to the JSON record, so a host with a real
// platform.Keychain (OS keystore, secure enclave, ...) never has the seed
// touch disk in the clear.
func NewFileStoreWithKeychain(dir string, kc platform.Keychain) (*FileStore, error) {
	return newFileStore(dir, kc)
}

func newFileStore(dir string, kc platform.Keychain) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, keychain: kc}, nil
}

func (f *FileStore) path(username string) string {
	return filepath.Join(f.dir, username+".json")
}

func (f *FileStore) read(username string) (fileRecord, error) {
	var rec fileRecord
	b, err := os.ReadFile(f.path(username))
	if errors.Is(err, os.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (f *FileStore) write(username string, rec fileRecord) error {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path(username), b, 0o600)
}

func (f *FileStore) GetSeed(_ context.Context, username string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keychain != nil {
		seed, err := f.keychain.Load(username)
		if err != nil {
			return nil, false, err
		}
		return seed, len(seed) > 0, nil
	}
	rec, err := f.read(username)
	if err != nil {
		return nil, false, err
	}
	if rec.Seed == nil {
		return nil, false, nil
	}
	return rec.Seed, true, nil
}

func (f *FileStore) SaveSeed(_ context.Context, username string, seed []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.keychain != nil {
		return f.keychain.Store(username, seed)
	}
	rec, err := f.read(username)
	if err != nil {
		return err
	}
	rec.Seed = seed
	return f.write(username, rec)
}

func (f *FileStore) GetSeedRequest(_ context.Context, username string) (*SeedRequestKeyPair, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read(username)
	if err != nil {
		return nil, false, err
	}
	if rec.SeedRequest == nil {
		return nil, false, nil
	}
	return rec.SeedRequest, true, nil
}

func (f *FileStore) SetSeedRequest(_ context.Context, username string, kp *SeedRequestKeyPair) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read(username)
	if err != nil {
		return err
	}
	rec.SeedRequest = kp
	return f.write(username, rec)
}

func (f *FileStore) RemoveSeedRequest(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read(username)
	if err != nil {
		return err
	}
	rec.SeedRequest = nil
	return f.write(username, rec)
}

func (f *FileStore) GetSessionID(_ context.Context, username string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read(username)
	if err != nil {
		return "", false, err
	}
	if rec.SessionID == "" {
		return "", false, nil
	}
	return rec.SessionID, true, nil
}

func (f *FileStore) SaveSessionID(_ context.Context, username string, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read(username)
	if err != nil {
		return err
	}
	rec.SessionID = sessionID
	return f.write(username, rec)
}

func (f *FileStore) SignOutSession(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, err := f.read(username)
	if err != nil {
		return err
	}
	rec.SessionID = ""
	return f.write(username, rec)
}
