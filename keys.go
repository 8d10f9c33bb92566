package userbase

import (
	"context"
	"encoding/base64"

	"github.com/venkatvb/userbase/internal/crypto"
	"github.com/venkatvb/userbase/internal/wire"
)

// onConnectionEvent runs on the event-loop goroutine. It stores the
// server's salts and validation challenge, then hands off to a helper
// goroutine for the rest of the handshake, since that work may need
// further request/response round trips the loop itself cannot block on
// (SPEC_FULL.md §9, "Promise chains -> explicit state machine").
func (c *Connection) onConnectionEvent(ev *wire.ConnectionEvent) {
	c.salts = &ev.Salts
	c.validationCT = ev.EncryptedValidationMessage
	if ev.SessionID != "" {
		c.sessionID = ev.SessionID
	}
	go c.continueConnect()
}

func (c *Connection) continueConnect() {
	ctx := context.Background()

	seed, ok, err := c.store.GetSeed(ctx, c.username)
	if err != nil {
		c.failConnect(newErr(KindTransportError, err))
		return
	}
	if ok {
		c.setState(StateHaveSeed)
		c.finishKeyInit(ctx, seed)
		return
	}

	c.setState(StateNeedSeed)
	c.runSeedHandshake(ctx)
}

// finishKeyInit derives the key hierarchy from seed and this connection's
// salts, then runs the ValidateKey proof (SPEC_FULL.md §4.3, Key-validation
// protocol). It is always called from a non-loop goroutine.
func (c *Connection) finishKeyInit(ctx context.Context, seed []byte) {
	var salts *wire.Salts
	c.do(func() { salts = c.salts })
	if salts == nil {
		c.failConnect(newErr(KindMissingSalts, nil))
		return
	}

	encSalt, err1 := base64.StdEncoding.DecodeString(salts.EncryptionKeySalt)
	dhSalt, err2 := base64.StdEncoding.DecodeString(salts.DHKeySalt)
	hmacSalt, err3 := base64.StdEncoding.DecodeString(salts.HMACKeySalt)
	if err1 != nil || err2 != nil || err3 != nil {
		c.failConnect(newErr(KindMissingSalts, nil))
		return
	}

	keys, err := c.crypto.DeriveKeys(seed, encSalt, dhSalt, hmacSalt)
	if err != nil {
		c.failConnect(newErr(KindCryptoAuthenticationFailure, err))
		return
	}
	crypto.Zero(seed)

	c.setState(StateKeyInit)
	c.do(func() { c.keys = keys })

	if err := c.validateKey(ctx); err != nil {
		c.failConnect(err)
		return
	}

	c.setState(StateReady)
	c.audit.Append("connect:" + c.username)
	c.deliverConnectResultAsync(nil)
}

// validateKey proves possession of dhPrivateKey to the server by
// round-tripping its validation nonce (SPEC_FULL.md §4.3, Key-validation
// protocol). Failure here is fatal to the connection.
func (c *Connection) validateKey(ctx context.Context) error {
	var validationCT string
	var keys *crypto.DerivedKeys
	c.do(func() {
		validationCT = c.validationCT
		keys = c.keys
	})

	ct, err := base64.StdEncoding.DecodeString(validationCT)
	if err != nil {
		return newErr(KindKeyValidationFailed, err)
	}
	shared, err := c.crypto.DHSharedKeyWithServer(keys.DHPrivateKey)
	if err != nil {
		return newErr(KindCryptoAuthenticationFailure, err)
	}
	nonce, err := c.crypto.AESGCMDecrypt(shared, ct)
	if err != nil {
		return newErr(KindCryptoAuthenticationFailure, err)
	}

	_, err = c.request(ctx, wire.ActionValidateKey, struct {
		Nonce string `json:"nonce"`
	}{Nonce: base64.StdEncoding.EncodeToString(nonce)})
	if err != nil {
		return newErr(KindKeyValidationFailed, err)
	}
	return nil
}

func (c *Connection) failConnect(err error) {
	c.setState(StateDisconnected)
	c.deliverConnectResultAsync(err)
	_ = c.transport.Close()
}

func (c *Connection) deliverConnectResultAsync(err error) {
	c.do(func() { c.deliverConnectResult(err) })
}

// deriveSharedWithPeer is the shared helper behind every pairwise DH used
// outside the server-validation path: seed pairing and database-access
// grants both derive an AES-GCM key from this connection's dhPrivateKey and
// a peer's public key (SPEC_FULL.md §4.1, dhSharedKey).
func (c *Connection) deriveSharedWithPeer(peerPublicKeyB64 string) ([]byte, error) {
	peerPub, err := base64.StdEncoding.DecodeString(peerPublicKeyB64)
	if err != nil {
		return nil, err
	}
	var dh *crypto.DHPrivateKey
	c.do(func() {
		if c.keys != nil {
			dh = c.keys.DHPrivateKey
		}
	})
	if dh == nil {
		return nil, newErr(KindInvalidState, nil)
	}
	return c.crypto.DHSharedKey(dh, peerPub)
}

// fingerprint renders a peer's SHA-256 digest as base64, for display to the
// user before they confirm a peer (SPEC_FULL.md §3, Device identity;
// §4.3/§4.4). It is computed over both the DH public key and, when
// available, the peer's Ed25519 device-signing public key, so a confirming
// human authenticates the pairing channel rather than a DH value alone that
// an active attacker could substitute. signPublicKeyB64 may be empty.
func (c *Connection) fingerprint(dhPublicKeyB64, signPublicKeyB64 string) string {
	dh, err := base64.StdEncoding.DecodeString(dhPublicKeyB64)
	if err != nil {
		return dhPublicKeyB64
	}
	material := dh
	if signPublicKeyB64 != "" {
		if sign, err := base64.StdEncoding.DecodeString(signPublicKeyB64); err == nil {
			material = append(append([]byte{}, dh...), sign...)
		}
	}
	return base64.StdEncoding.EncodeToString(c.crypto.SHA256(material))
}
