package platform

// Keychain wraps/unwraps device secret material (the account seed) with an
// OS keystore, keyed by an opaque id (a username, in this corpus). It is
// what localstore.FileStore's Keychain-backed mode is written against; a
// real per-OS implementation behind a build tag can replace NewKeychain's
// default without touching localstore.
type Keychain interface {
	Store(keyID string, secret []byte) error
	Load(keyID string) ([]byte, error)
}

// noopKeychain satisfies Keychain without ever touching a real OS keystore.
// It exists so the default build links and runs; it is not secure storage.
type noopKeychain struct{}

func (noopKeychain) Store(keyID string, secret []byte) error { return nil }
func (noopKeychain) Load(keyID string) ([]byte, error)       { return nil, nil }

func NewKeychain() Keychain { return noopKeychain{} }
