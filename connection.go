// Package userbase is the client-side core of an end-to-end encrypted,
// multi-device, multi-user document database (SPEC_FULL.md §1). It drives
// one Connection per transport session, replicates per-database
// transaction logs into an in-memory item set, and mediates cross-user
// database access grants and cross-device seed pairing — all over a
// host-supplied Transport and LocalStore, with every cryptographic
// primitive it needs in internal/crypto.
package userbase

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venkatvb/userbase/internal/audit"
	"github.com/venkatvb/userbase/internal/crypto"
	"github.com/venkatvb/userbase/internal/localstore"
	"github.com/venkatvb/userbase/internal/ratelimit"
	"github.com/venkatvb/userbase/internal/transport"
	"github.com/venkatvb/userbase/internal/wire"
)

// OnChange is called whenever a Database's items change (SPEC_FULL.md
// §4.5). It runs on the Connection's event loop goroutine; it must not
// block or call back into the Connection synchronously.
type OnChange func(items []Entry)

type pendingRequest struct {
	action wire.Action
	result chan requestResult
}

type requestResult struct {
	data json.RawMessage
	err  error
}

// Connection owns exactly one transport session and the single event-loop
// goroutine driving it (SPEC_FULL.md §4.3, §5). Construct with
// NewConnection, then Connect.
type Connection struct {
	cfg      Config
	crypto   *crypto.Provider
	store    localstore.Store
	prompter Prompter
	log      Logger

	transport transport.Transport
	username  string

	stateMu sync.RWMutex
	state   State

	cmdCh     chan func()
	closeOnce sync.Once
	loopDone  chan struct{}

	// Owned exclusively by the event-loop goroutine from start() onward.
	requests     map[string]*pendingRequest
	databases    map[string]*Database // keyed by dbNameHash
	dbIdToHash   map[string]string
	limiter      *ratelimit.PerKey
	salts        *wire.Salts
	validationCT string
	keys         *crypto.DerivedKeys
	seedReq      *localstore.SeedRequestKeyPair
	sessionID    string
	access       *AccessControl

	connectResult chan error

	audit *audit.Log
}

// NewConnection builds a Connection over t, ready for Connect. provider
// supplies the compiled-in server DH public key; store is the device's
// LocalStore; prompter may be nil (see NoPrompter).
func NewConnection(t transport.Transport, provider *crypto.Provider, store localstore.Store, prompter Prompter, cfg Config) *Connection {
	cfg.setDefaults()
	if prompter == nil {
		prompter = NoPrompter{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger()
	}
	c := &Connection{
		cfg:        cfg,
		crypto:     provider,
		store:      store,
		prompter:   prompter,
		log:        logger,
		transport:  t,
		state:      StateDisconnected,
		cmdCh:      make(chan func()),
		loopDone:   make(chan struct{}),
		requests:   make(map[string]*pendingRequest),
		databases:  make(map[string]*Database),
		dbIdToHash: make(map[string]string),
		limiter:    ratelimit.New(cfg.RateLimitPerPeer, cfg.RateLimitBurst, 10*time.Minute),
		audit:      audit.New(),
	}
	c.access = newAccessControl(c)
	return c
}

// Access returns the AccessControl for this Connection.
func (c *Connection) Access() *AccessControl { return c.access }

// AuditLog returns every locally-initiated operation this Connection has
// recorded so far, in order (SPEC_FULL.md §10, ambient stack). It is safe
// to call from any goroutine.
func (c *Connection) AuditLog() []audit.Entry { return c.audit.Entries() }

// VerifyAuditLog recomputes the hash chain over AuditLog's entries and
// reports the first broken link, if the log was tampered with in memory.
func (c *Connection) VerifyAuditLog() error { return c.audit.Verify() }

// State returns the current lifecycle state. Safe to call from any
// goroutine.
func (c *Connection) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// Connect performs the transport handshake and the seed/key-validation
// sequence for username, blocking until the Connection reaches Ready or
// fails. Only one Connect may be in flight on a Connection at a time.
func (c *Connection) Connect(ctx context.Context, username string) error {
	if c.State() != StateDisconnected {
		return newErr(KindAlreadyConnected, nil)
	}
	c.username = username
	c.setState(StateOpening)
	c.connectResult = make(chan error, 1)

	go c.loop()

	connectCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()
	select {
	case err := <-c.connectResult:
		if err != nil {
			c.setState(StateDisconnected)
			return err
		}
		return nil
	case <-connectCtx.Done():
		c.setState(StateDisconnected)
		_ = c.transport.Close()
		return newErr(KindTimeout, connectCtx.Err())
	}
}

// Close tears down the Connection: closes the transport, fails every
// pending request with Disconnected, zeroes derived keys, and drops all
// database state (SPEC_FULL.md §5, Resource discipline).
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.transport.Close()
		<-c.loopDone
	})
	return err
}

// SignOut clears LocalStore session state unconditionally, then attempts
// a SignOut request and closes the transport (SPEC_FULL.md §4.3,
// "Sign-out" — local sign-out happens first so a network failure cannot
// leave the device looking signed in).
func (c *Connection) SignOut(ctx context.Context) error {
	if err := c.store.SignOutSession(ctx, c.username); err != nil {
		c.log.Printf("signout: local store clear failed: %v", err)
	}
	_, reqErr := c.request(ctx, wire.ActionSignOut, struct {
		SessionID string `json:"sessionId"`
	}{SessionID: c.sessionID})
	closeErr := c.Close()
	if reqErr != nil {
		return reqErr
	}
	return closeErr
}

// loop is the single event-loop goroutine: every read of and write to
// c.requests, c.databases, c.dbIdToHash, c.salts, c.keys and c.seedReq
// happens here, so none of them need synchronization (SPEC_FULL.md §5,
// Shared state).
func (c *Connection) loop() {
	defer close(c.loopDone)
	defer c.teardown()

	ctx := context.Background()
	inbound := make(chan []byte)
	inboundErr := make(chan error, 1)
	go func() {
		for {
			msg, err := c.transport.Receive(ctx)
			if err != nil {
				inboundErr <- err
				return
			}
			inbound <- msg
		}
	}()

	for {
		select {
		case fn := <-c.cmdCh:
			fn()
		case raw := <-inbound:
			c.handleInbound(raw)
		case err := <-inboundErr:
			c.failAllPending(newErr(KindDisconnected, err))
			c.deliverConnectResult(newErr(KindTransportError, err))
			return
		}
	}
}

func (c *Connection) teardown() {
	c.setState(StateDisconnected)
	if c.keys != nil {
		c.keys.Zero()
		c.keys = nil
	}
	for _, db := range c.databases {
		close(db.applyCh)
		db.mu.Lock()
		crypto.Zero(db.dbKey)
		db.dbKey = nil
		db.mu.Unlock()
	}
	c.databases = make(map[string]*Database)
	c.dbIdToHash = make(map[string]string)
}

func (c *Connection) deliverConnectResult(err error) {
	if c.connectResult == nil {
		return
	}
	select {
	case c.connectResult <- err:
	default:
	}
}

func (c *Connection) failAllPending(err error) {
	for id, p := range c.requests {
		p.result <- requestResult{err: err}
		delete(c.requests, id)
	}
}

// do runs fn on the event-loop goroutine and blocks until it has run,
// giving callers from any goroutine a linearization point against the
// loop's owned state.
func (c *Connection) do(fn func()) {
	done := make(chan struct{})
	c.cmdCh <- func() {
		fn()
		close(done)
	}
	<-done
}

// request sends an action and blocks for its response, honoring the
// configured RequestTimeout (SPEC_FULL.md §4.3, Request/response
// multiplexing).
func (c *Connection) request(ctx context.Context, action wire.Action, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	result := make(chan requestResult, 1)

	c.do(func() {
		c.requests[id] = &pendingRequest{action: action, result: result}
	})

	raw, err := wire.Encode(id, action, params)
	if err != nil {
		c.do(func() { delete(c.requests, id) })
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if err := c.transport.Send(reqCtx, raw); err != nil {
		c.do(func() { delete(c.requests, id) })
		return nil, newErr(KindTransportError, err)
	}

	select {
	case res := <-result:
		return res.data, res.err
	case <-reqCtx.Done():
		c.do(func() { delete(c.requests, id) })
		return nil, newErr(KindTimeout, reqCtx.Err())
	}
}
