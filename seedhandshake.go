package userbase

import (
	"context"
	"encoding/base64"

	"github.com/venkatvb/userbase/internal/crypto"
	"github.com/venkatvb/userbase/internal/localstore"
	"github.com/venkatvb/userbase/internal/wire"
)

type seedResponse struct {
	EncryptedSeed    string `json:"encryptedSeed,omitempty"`
	SenderPublicKey  string `json:"senderPublicKey,omitempty"`
}

// runSeedHandshake drives the requester side of device pairing
// (SPEC_FULL.md §4.3, Seed handshake). Always called from a non-loop
// goroutine, since it blocks on a request round trip and possibly on a UI
// prompt.
func (c *Connection) runSeedHandshake(ctx context.Context) {
	kp, err := c.loadOrCreateSeedRequestKeyPair(ctx)
	if err != nil {
		c.failConnect(newErr(KindTransportError, err))
		return
	}
	c.do(func() { c.seedReq = kp })

	data, err := c.request(ctx, wire.ActionRequestSeed, struct {
		RequesterPublicKey        string `json:"requesterPublicKey"`
		RequesterSigningPublicKey string `json:"requesterSigningPublicKey,omitempty"`
	}{
		RequesterPublicKey:        base64.StdEncoding.EncodeToString(kp.DHPublicKey),
		RequesterSigningPublicKey: base64.StdEncoding.EncodeToString(kp.SignPublicKey),
	})
	if err != nil {
		c.failConnect(err)
		return
	}

	var resp seedResponse
	if len(data) > 0 {
		_ = unmarshalJSON(data, &resp)
	}
	if resp.EncryptedSeed != "" {
		if err := c.applyReceivedSeed(ctx, resp.EncryptedSeed, resp.SenderPublicKey); err != nil {
			c.failConnect(err)
		}
		return
	}

	fp := c.fingerprint(
		base64.StdEncoding.EncodeToString(kp.DHPublicKey),
		base64.StdEncoding.EncodeToString(kp.SignPublicKey),
	)
	seed, ok := c.prompter.PromptForSeed(ctx, fp)
	if !ok {
		c.failConnect(newErr(KindCanceled, nil))
		return
	}
	rawSeed, err := base64.StdEncoding.DecodeString(seed)
	if err != nil {
		rawSeed = []byte(seed)
	}
	if err := c.store.SaveSeed(ctx, c.username, rawSeed); err != nil {
		c.failConnect(newErr(KindTransportError, err))
		return
	}
	c.setState(StateHaveSeed)
	c.finishKeyInit(ctx, rawSeed)
}

func (c *Connection) loadOrCreateSeedRequestKeyPair(ctx context.Context) (*localstore.SeedRequestKeyPair, error) {
	if kp, ok, err := c.store.GetSeedRequest(ctx, c.username); err != nil {
		return nil, err
	} else if ok {
		return kp, nil
	}

	dh, err := c.crypto.NewEphemeralDH()
	if err != nil {
		return nil, err
	}
	signPub, signPriv, err := c.crypto.NewDeviceSigningKey()
	if err != nil {
		return nil, err
	}
	kp := &localstore.SeedRequestKeyPair{
		DHPrivateKey:   dh.Bytes(),
		DHPublicKey:    c.crypto.DHPublicKey(dh),
		SignPublicKey:  []byte(signPub),
		SignPrivateKey: []byte(signPriv),
	}
	if err := c.store.SetSeedRequest(ctx, c.username, kp); err != nil {
		return nil, err
	}
	return kp, nil
}

// applyReceivedSeed decrypts a peer's answer to our seed request (whether
// it arrived inline in the RequestSeed response or later via a ReceiveSeed
// push), persists the seed, and finishes key derivation.
func (c *Connection) applyReceivedSeed(ctx context.Context, encryptedSeedB64, senderPublicKeyB64 string) error {
	var kp *localstore.SeedRequestKeyPair
	c.do(func() { kp = c.seedReq })
	if kp == nil {
		var ok bool
		var err error
		kp, ok, err = c.store.GetSeedRequest(ctx, c.username)
		if err != nil {
			return newErr(KindTransportError, err)
		}
		if !ok {
			return newErr(KindMissingSeed, nil)
		}
	}

	dh, err := crypto.DHPrivateKeyFromBytes(kp.DHPrivateKey)
	if err != nil {
		return newErr(KindCryptoAuthenticationFailure, err)
	}
	senderPub, err := base64.StdEncoding.DecodeString(senderPublicKeyB64)
	if err != nil {
		return newErr(KindCryptoAuthenticationFailure, err)
	}
	shared, err := c.crypto.DHSharedKey(dh, senderPub)
	if err != nil {
		return newErr(KindCryptoAuthenticationFailure, err)
	}

	ct, err := base64.StdEncoding.DecodeString(encryptedSeedB64)
	if err != nil {
		return newErr(KindCryptoAuthenticationFailure, err)
	}
	pt, err := c.crypto.AESGCMDecrypt(shared, ct)
	if err != nil {
		return newErr(KindCryptoAuthenticationFailure, err)
	}
	seed, err := base64.StdEncoding.DecodeString(string(pt))
	if err != nil {
		seed = pt
	}

	if err := c.store.SaveSeed(ctx, c.username, seed); err != nil {
		return newErr(KindTransportError, err)
	}
	_ = c.store.RemoveSeedRequest(ctx, c.username)

	c.setState(StateHaveSeed)
	c.finishKeyInit(ctx, seed)
	return nil
}

// onReceiveRequestForSeed runs on the loop goroutine: cheap precondition
// checks only, then hands off to AccessControl.SendSeed in its own
// goroutine (which may block on a UI confirmation and a request round
// trip). Rejected outright, without even reaching the prompt, if this
// device's own keys are not initialized yet or the peer is over its rate
// limit (SPEC_FULL.md §4.3, §9).
func (c *Connection) onReceiveRequestForSeed(ev *wire.ReceiveRequestForSeedEvent) {
	if c.keys == nil {
		c.log.Printf("seed request from %s ignored: keys not initialized", ev.RequesterPublicKey)
		return
	}
	if !c.limiter.Allow(ev.RequesterPublicKey) {
		c.log.Printf("seed request from %s dropped: rate limited", ev.RequesterPublicKey)
		return
	}
	go func() {
		if err := c.access.SendSeed(context.Background(), ev.RequesterPublicKey, ev.RequesterSigningPublicKey); err != nil {
			c.log.Printf("seed send to %s failed: %v", ev.RequesterPublicKey, err)
		}
	}()
}

// onReceiveSeed runs on the loop goroutine. It only matters while this
// device is still waiting on its own RequestSeed; once keys are
// initialized it is a stale push and is ignored.
func (c *Connection) onReceiveSeed(ev *wire.ReceiveSeedEvent) {
	if c.keys != nil {
		return
	}
	go func() {
		if err := c.applyReceivedSeed(context.Background(), ev.EncryptedSeed, ev.SenderPublicKey); err != nil {
			c.log.Printf("applying received seed failed: %v", err)
		}
	}()
}
