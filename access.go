package userbase

import (
	"context"
	"encoding/base64"
	"sync"

	"github.com/venkatvb/userbase/internal/wire"
)

// AccessControl implements grant/enumerate/accept for cross-user database
// access, and the granter side of device-pairing seed sends
// (SPEC_FULL.md §4.4). It is safe for concurrent use: unlike Connection's
// loop-owned state, its own bookkeeping (in-flight sends) is guarded by a
// private mutex because it is driven from handler goroutines, not the
// event loop itself.
type AccessControl struct {
	conn *Connection

	mu        sync.Mutex
	inFlight  map[string]bool // keyed by hash(requesterPublicKey)
	sentTo    map[string]bool
}

func newAccessControl(c *Connection) *AccessControl {
	return &AccessControl{
		conn:     c,
		inFlight: make(map[string]bool),
		sentTo:   make(map[string]bool),
	}
}

type grantedKeyPayload struct {
	DBKey string `json:"dbKey"`
}

type dbNamePayload struct {
	DBName string `json:"dbName"`
}

// GrantDatabaseAccess shares db's key with username's device identified by
// granteePublicKeyB64. granteeSigningPublicKeyB64 is the grantee's
// device-identity signing key when the caller has one on hand (e.g. from a
// prior pairing or a contacts directory); it may be empty. A UI
// confirmation on the grantee's fingerprint is required before anything is
// transmitted (SPEC_FULL.md §4.4).
func (a *AccessControl) GrantDatabaseAccess(ctx context.Context, db *Database, username, granteePublicKeyB64, granteeSigningPublicKeyB64 string, readOnly bool) error {
	fp := a.conn.fingerprint(granteePublicKeyB64, granteeSigningPublicKeyB64)
	if !a.conn.prompter.ConfirmFingerprint(ctx, "grant", fp) {
		return newErr(KindCanceled, nil)
	}

	shared, err := a.conn.deriveSharedWithPeer(granteePublicKeyB64)
	if err != nil {
		return newErr(KindCryptoAuthenticationFailure, err)
	}

	payload, err := marshalJSON(grantedKeyPayload{DBKey: base64.StdEncoding.EncodeToString(db.dbKey)})
	if err != nil {
		return err
	}
	encryptedAccessKey, err := a.conn.crypto.AESGCMEncrypt(shared, payload)
	if err != nil {
		return newErr(KindCryptoAuthenticationFailure, err)
	}

	_, err = a.conn.request(ctx, wire.ActionGrantDatabaseAccess, struct {
		DBID                string `json:"dbId"`
		Username            string `json:"username"`
		GranteePublicKey    string `json:"granteePublicKey"`
		EncryptedAccessKey  string `json:"encryptedAccessKey"`
		ReadOnly            bool   `json:"readOnly"`
	}{
		DBID:               db.dbID,
		Username:           username,
		GranteePublicKey:   granteePublicKeyB64,
		EncryptedAccessKey: base64.StdEncoding.EncodeToString(encryptedAccessKey),
		ReadOnly:           readOnly,
	})
	if err == nil {
		a.conn.audit.Append("grant:" + db.dbName + ":" + username)
	}
	return err
}

type pendingGrant struct {
	DBID                   string `json:"dbId"`
	SenderPublicKey        string `json:"senderPublicKey"`
	SenderSigningPublicKey string `json:"senderSigningPublicKey,omitempty"`
	EncryptedAccessKey     string `json:"encryptedAccessKey"`
	EncryptedDBName        string `json:"encryptedDbName"`
	DBNameHash             string `json:"dbNameHash"`
}

// GetDatabaseAccessGrants fetches pending grants and, for each one the user
// confirms via the fingerprint prompt, accepts it. Per-grant crypto or
// request failures are isolated: logged, and the remaining grants are
// still processed (SPEC_FULL.md §4.4).
func (a *AccessControl) GetDatabaseAccessGrants(ctx context.Context) {
	data, err := a.conn.request(ctx, wire.ActionGetDatabaseAccessGrants, nil)
	if err != nil {
		a.conn.log.Printf("access: fetching grants failed: %v", err)
		return
	}
	if len(data) == 0 {
		return
	}
	var grants []pendingGrant
	if err := unmarshalJSON(data, &grants); err != nil {
		a.conn.log.Printf("access: decoding grants failed: %v", err)
		return
	}

	for _, g := range grants {
		if err := a.acceptOne(ctx, g); err != nil {
			a.conn.log.Printf("access: grant %s from %s rejected: %v", g.DBID, g.SenderPublicKey, err)
		}
	}
}

func (a *AccessControl) acceptOne(ctx context.Context, g pendingGrant) error {
	shared, err := a.conn.deriveSharedWithPeer(g.SenderPublicKey)
	if err != nil {
		return err
	}

	accessKeyCT, err := base64.StdEncoding.DecodeString(g.EncryptedAccessKey)
	if err != nil {
		return err
	}
	keyPT, err := a.conn.crypto.AESGCMDecrypt(shared, accessKeyCT)
	if err != nil {
		return err
	}
	var granted grantedKeyPayload
	if err := unmarshalJSON(keyPT, &granted); err != nil {
		return err
	}
	dbKey, err := base64.StdEncoding.DecodeString(granted.DBKey)
	if err != nil {
		return err
	}

	nameCT, err := base64.StdEncoding.DecodeString(g.EncryptedDBName)
	if err != nil {
		return err
	}
	namePT, err := a.conn.crypto.AESGCMDecrypt(dbKey, nameCT)
	if err != nil {
		return err
	}
	var name dbNamePayload
	if err := unmarshalJSON(namePT, &name); err != nil {
		return err
	}

	fp := a.conn.fingerprint(g.SenderPublicKey, g.SenderSigningPublicKey)
	if !a.conn.prompter.ConfirmFingerprint(ctx, "accept-grant:"+name.DBName, fp) {
		return newErr(KindCanceled, nil)
	}

	var encryptionKey []byte
	a.conn.do(func() {
		if a.conn.keys != nil {
			encryptionKey = a.conn.keys.EncryptionKey
		}
	})
	if encryptionKey == nil {
		return newErr(KindInvalidState, nil)
	}
	rewrapped, err := a.conn.crypto.AESGCMEncrypt(encryptionKey, []byte(base64.StdEncoding.EncodeToString(dbKey)))
	if err != nil {
		return err
	}

	_, err = a.conn.request(ctx, wire.ActionAcceptDatabaseAccess, struct {
		DBID           string `json:"dbId"`
		EncryptedDBKey string `json:"encryptedDbKey"`
		DBNameHash     string `json:"dbNameHash"`
		EncryptedDBName string `json:"encryptedDbName"`
	}{
		DBID:            g.DBID,
		EncryptedDBKey:  base64.StdEncoding.EncodeToString(rewrapped),
		DBNameHash:      g.DBNameHash,
		EncryptedDBName: g.EncryptedDBName,
	})
	if err == nil {
		a.conn.audit.Append("accept-grant:" + name.DBName)
	}
	return err
}

// SendSeed is the granter side of device pairing: confirm the requester's
// fingerprint, encrypt the local seed under the pairwise DH shared key, and
// submit SendSeed. Deduplicated per requester public key so a repeated
// ReceiveRequestForSeed push cannot trigger two in-flight sends
// (SPEC_FULL.md §4.3, Seed handshake). requesterSigningPublicKeyB64 is
// folded into the displayed fingerprint when the requester provided one.
func (a *AccessControl) SendSeed(ctx context.Context, requesterPublicKeyB64, requesterSigningPublicKeyB64 string) error {
	key := a.conn.fingerprint(requesterPublicKeyB64, requesterSigningPublicKeyB64)

	a.mu.Lock()
	if a.inFlight[key] || a.sentTo[key] {
		a.mu.Unlock()
		return nil
	}
	a.inFlight[key] = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.inFlight, key)
		a.mu.Unlock()
	}()

	if !a.conn.prompter.ConfirmFingerprint(ctx, "send-seed", key) {
		return newErr(KindCanceled, nil)
	}

	seed, ok, err := a.conn.store.GetSeed(ctx, a.conn.username)
	if err != nil {
		return err
	}
	if !ok {
		return newErr(KindMissingSeed, nil)
	}

	shared, err := a.conn.deriveSharedWithPeer(requesterPublicKeyB64)
	if err != nil {
		return newErr(KindCryptoAuthenticationFailure, err)
	}
	plaintext := []byte(base64.StdEncoding.EncodeToString(seed))
	encryptedSeed, err := a.conn.crypto.AESGCMEncrypt(shared, plaintext)
	if err != nil {
		return err
	}

	_, err = a.conn.request(ctx, wire.ActionSendSeed, struct {
		RequesterPublicKey string `json:"requesterPublicKey"`
		EncryptedSeed       string `json:"encryptedSeed"`
	}{
		RequesterPublicKey: requesterPublicKeyB64,
		EncryptedSeed:      base64.StdEncoding.EncodeToString(encryptedSeed),
	})
	if err == nil {
		a.mu.Lock()
		a.sentTo[key] = true
		a.mu.Unlock()
	}
	return err
}
