package userbase

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"testing"
	"time"

	"golang.org/x/crypto/hkdf"

	ubcrypto "github.com/venkatvb/userbase/internal/crypto"
	"github.com/venkatvb/userbase/internal/localstore"
	"github.com/venkatvb/userbase/internal/transport"
	"github.com/venkatvb/userbase/internal/wire"
)

// fakeServer drives the server side of one Connection entirely in-memory,
// acting as the oracle for every key derivation this test asserts against.
type fakeServer struct {
	t        *testing.T
	pipe     *transport.MemoryPipe
	provider *ubcrypto.Provider

	seed              []byte
	encryptionKeySalt []byte
	dhKeySalt         []byte
	hmacKeySalt       []byte

	clientKeys *ubcrypto.DerivedKeys

	sharedWithServer []byte
	nonce            []byte
}

func newFakeServer(t *testing.T) (*fakeServer, *ubcrypto.Provider, *transport.MemoryPipe) {
	t.Helper()

	serverPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate server key: %v", err)
	}
	provider := ubcrypto.NewProvider(serverPriv.PublicKey())

	clientEnd, serverEnd := transport.NewMemoryPipe()

	seed := randomBytes(t, 32)
	fs := &fakeServer{
		t:                 t,
		pipe:              serverEnd,
		provider:          provider,
		seed:              seed,
		encryptionKeySalt: randomBytes(t, 16),
		dhKeySalt:         randomBytes(t, 16),
		hmacKeySalt:       randomBytes(t, 16),
		nonce:             randomBytes(t, 24),
	}

	keys, err := provider.DeriveKeys(seed, fs.encryptionKeySalt, fs.dhKeySalt, fs.hmacKeySalt)
	if err != nil {
		t.Fatalf("derive client keys as oracle: %v", err)
	}
	fs.clientKeys = keys

	clientPub := provider.DHPublicKey(keys.DHPrivateKey)
	secret, err := serverPriv.ECDH(mustPublicKey(t, clientPub))
	if err != nil {
		t.Fatalf("server ecdh: %v", err)
	}
	shared := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, secret, []byte("userbase/dh/v1")), shared); err != nil {
		t.Fatalf("hkdf expand: %v", err)
	}
	fs.sharedWithServer = shared

	return fs, provider, clientEnd
}

func mustPublicKey(t *testing.T, raw []byte) *ecdh.PublicKey {
	t.Helper()
	pub, err := ecdh.X25519().NewPublicKey(raw)
	if err != nil {
		t.Fatalf("parse public key: %v", err)
	}
	return pub
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatalf("random bytes: %v", err)
	}
	return b
}

// run starts the fake server's message loop. It sends the initial
// Connection event immediately, answers ValidateKey, OpenDatabase, Insert
// and Update requests, and pushes the matching ApplyTransactions events.
func (fs *fakeServer) run(t *testing.T) {
	t.Helper()

	encryptedValidation, err := fs.provider.AESGCMEncrypt(fs.sharedWithServer, fs.nonce)
	if err != nil {
		t.Fatalf("encrypt validation message: %v", err)
	}

	connEvent := wire.Event{
		Route: wire.RouteConnection,
		Connection: &wire.ConnectionEvent{
			Salts: wire.Salts{
				EncryptionKeySalt: base64.StdEncoding.EncodeToString(fs.encryptionKeySalt),
				DHKeySalt:         base64.StdEncoding.EncodeToString(fs.dhKeySalt),
				HMACKeySalt:       base64.StdEncoding.EncodeToString(fs.hmacKeySalt),
			},
			EncryptedValidationMessage: base64.StdEncoding.EncodeToString(encryptedValidation),
			SessionID:                  "session-1",
		},
	}
	fs.send(t, connEvent.Route, connEvent.Connection)

	ctx := context.Background()
	dbID := "db-1"
	var dbKeyRaw []byte
	var seqNo int64

	for {
		raw, err := fs.pipe.Receive(ctx)
		if err != nil {
			return
		}
		var req wire.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			continue
		}

		switch req.Action {
		case wire.ActionValidateKey:
			var params struct{ Nonce string }
			json.Unmarshal(req.Params, &params)
			got, _ := base64.StdEncoding.DecodeString(params.Nonce)
			if string(got) != string(fs.nonce) {
				fs.respondFail(t, req.RequestID, "bad nonce")
				continue
			}
			fs.respondOK(t, req.RequestID, nil)

		case wire.ActionOpenDatabase:
			dbKeyRaw = randomBytes(t, 32)
			wrapped, err := fs.provider.AESGCMEncrypt(fs.clientKeys.EncryptionKey, []byte(base64.StdEncoding.EncodeToString(dbKeyRaw)))
			if err != nil {
				t.Fatalf("wrap db key: %v", err)
			}
			fs.respondOK(t, req.RequestID, map[string]string{"dbId": dbID})

			seqNo = 0
			fs.send(t, wire.RouteApplyTransactions, &wire.ApplyTransactionsEvent{
				DBID:           dbID,
				DBNameHash:     mustOpenDBNameHash(t, req),
				DBKey:          base64.StdEncoding.EncodeToString(wrapped),
				TransactionLog: []wire.TransactionEntry{},
			})

		case wire.ActionInsert, wire.ActionUpdate:
			var params struct {
				ItemID string `json:"itemId"`
				Record string `json:"record"`
			}
			json.Unmarshal(req.Params, &params)
			fs.respondOK(t, req.RequestID, nil)

			ct, _ := base64.StdEncoding.DecodeString(params.Record)
			plain, err := fs.provider.AESGCMDecrypt(dbKeyRaw, ct)
			if err != nil {
				t.Fatalf("server decrypt record: %v", err)
			}
			seqNo++
			cmd := wire.CommandInsert
			if req.Action == wire.ActionUpdate {
				cmd = wire.CommandUpdate
			}
			fs.send(t, wire.RouteApplyTransactions, &wire.ApplyTransactionsEvent{
				DBID: dbID,
				TransactionLog: []wire.TransactionEntry{
					{SeqNo: seqNo, Command: cmd, ItemID: params.ItemID, Record: json.RawMessage(plain)},
				},
			})

		case wire.ActionBundle:
			fs.respondOK(t, req.RequestID, nil)

		default:
			fs.respondOK(t, req.RequestID, nil)
		}
	}
}

func mustOpenDBNameHash(t *testing.T, req wire.Request) string {
	t.Helper()
	var params struct{ DBNameHash string `json:"dbNameHash"` }
	json.Unmarshal(req.Params, &params)
	return params.DBNameHash
}

func (fs *fakeServer) send(t *testing.T, route wire.Route, payload any) {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatalf("re-unmarshal event: %v", err)
	}
	m["route"] = json.RawMessage(`"` + string(route) + `"`)
	out, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal event envelope: %v", err)
	}
	if err := fs.pipe.Send(context.Background(), out); err != nil {
		t.Fatalf("send event: %v", err)
	}
}

func (fs *fakeServer) respondOK(t *testing.T, requestID string, data any) {
	t.Helper()
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	resp := wire.Response{RequestID: requestID, Response: wire.ResponseBody{Status: wire.StatusSuccess, Data: raw}}
	b, _ := json.Marshal(resp)
	if err := fs.pipe.Send(context.Background(), b); err != nil {
		t.Fatalf("send response: %v", err)
	}
}

func (fs *fakeServer) respondFail(t *testing.T, requestID, message string) {
	t.Helper()
	resp := wire.Response{RequestID: requestID, Response: wire.ResponseBody{Status: 400, Message: message}}
	b, _ := json.Marshal(resp)
	if err := fs.pipe.Send(context.Background(), b); err != nil {
		t.Fatalf("send failure response: %v", err)
	}
}

func TestConnectInsertAndUpdateFlow(t *testing.T) {
	fs, provider, clientTransport := newFakeServer(t)
	go fs.run(t)

	store := localstore.NewMemoryStore()
	if err := store.SaveSeed(context.Background(), "alice", fs.seed); err != nil {
		t.Fatalf("pre-seed local store: %v", err)
	}
	conn := NewConnection(clientTransport, provider, store, nil, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.Connect(ctx, "alice"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.State() != StateReady {
		t.Fatalf("expected Ready, got %s", conn.State())
	}

	var gotItems []Entry
	changed := make(chan struct{}, 8)
	db, err := conn.OpenDatabase(ctx, "notes", func(items []Entry) {
		gotItems = items
		changed <- struct{}{}
	})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	<-changed // initial empty bundle+log apply

	if err := db.Insert(ctx, "1", map[string]string{"item": "Item 1"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	<-changed

	if err := db.Update(ctx, "1", map[string]string{"item": "Item Updated"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	<-changed

	if len(gotItems) != 1 {
		t.Fatalf("expected 1 item, got %d", len(gotItems))
	}
	var payload struct{ Item string }
	if err := json.Unmarshal(gotItems[0].Record, &payload); err != nil {
		t.Fatalf("unmarshal record: %v", err)
	}
	if payload.Item != "Item Updated" {
		t.Fatalf("expected updated item, got %q", payload.Item)
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestConnectFailsOnTimeoutWithoutConnectionEvent(t *testing.T) {
	_, provider, clientTransport := newFakeServer(t)
	// Deliberately never call fs.run: no Connection event ever arrives.

	store := localstore.NewMemoryStore()
	conn := NewConnection(clientTransport, provider, store, nil, Config{ConnectTimeout: 50 * time.Millisecond})

	ctx := context.Background()
	err := conn.Connect(ctx, "bob")
	if err == nil {
		t.Fatal("expected connect to fail")
	}
	uberr, ok := err.(*Error)
	if !ok || uberr.Kind != KindTimeout {
		t.Fatalf("expected KindTimeout, got %v", err)
	}
}
