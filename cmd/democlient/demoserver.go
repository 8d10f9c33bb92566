package main

import (
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"

	ubcrypto "github.com/venkatvb/userbase/internal/crypto"
	"github.com/venkatvb/userbase/internal/localstore"
	"github.com/venkatvb/userbase/internal/transport"
	"github.com/venkatvb/userbase/internal/wire"

	userbase "github.com/venkatvb/userbase"
)

// cmdDemo runs one Connection against a minimal in-process reference
// server over a MemoryPipe, so the library can be exercised end to end
// without a real deployment. It is not a substitute for a real server:
// it keeps no durable state and answers only the handful of actions this
// demo drives.
func cmdDemo(dbName string) error {
	clientEnd, serverEnd, provider, seed := newLoopbackPair()
	go runLoopbackServer(serverEnd, provider, seed)

	store := localstore.NewMemoryStore()
	if err := store.SaveSeed(context.Background(), "demo-user", seed); err != nil {
		return err
	}
	conn := userbase.NewConnection(clientEnd, provider, store, nil, userbase.Config{AppID: "demo-app"})

	ctx := context.Background()
	if err := conn.Connect(ctx, "demo-user"); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()
	fmt.Println("connected, state:", conn.State())

	changed := make(chan struct{}, 8)
	db, err := conn.OpenDatabase(ctx, dbName, func(items []userbase.Entry) {
		fmt.Printf("%s now has %d item(s):\n", dbName, len(items))
		printItems(items)
		changed <- struct{}{}
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	<-changed

	if err := db.Insert(ctx, "welcome", map[string]string{"text": "hello from democlient"}); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	<-changed

	if err := db.Update(ctx, "welcome", map[string]string{"text": "hello again from democlient"}); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	<-changed

	return nil
}

// newLoopbackPair builds a client/server MemoryPipe pair and a Provider
// whose compiled-in server key matches the reference server this demo
// spins up alongside it.
func newLoopbackPair() (client, server *transport.MemoryPipe, provider *ubcrypto.Provider, seed []byte) {
	serverPriv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		panic(err)
	}
	provider = ubcrypto.NewProvider(serverPriv.PublicKey())
	client, server = transport.NewMemoryPipe()
	seed = make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		panic(err)
	}
	return client, server, provider, seed
}

// runLoopbackServer is a deliberately small stand-in for a real userbase
// server: it derives the same client keys from the shared seed, answers
// ValidateKey/OpenDatabase/Insert/Update/Bundle, and pushes matching
// ApplyTransactions events. It holds one database, in memory, for the
// lifetime of the demo process.
func runLoopbackServer(pipe *transport.MemoryPipe, provider *ubcrypto.Provider, seed []byte) {
	encSalt, dhSalt, hmacSalt := randomSalt(), randomSalt(), randomSalt()
	keys, err := provider.DeriveKeys(seed, encSalt, dhSalt, hmacSalt)
	if err != nil {
		return
	}

	nonce := randomSalt()
	sharedWithServer, err := serverSharedKey(provider, keys)
	if err != nil {
		return
	}
	encryptedValidation, err := provider.AESGCMEncrypt(sharedWithServer, nonce)
	if err != nil {
		return
	}

	sendEvent(pipe, wire.RouteConnection, &wire.ConnectionEvent{
		Salts: wire.Salts{
			EncryptionKeySalt: base64.StdEncoding.EncodeToString(encSalt),
			DHKeySalt:         base64.StdEncoding.EncodeToString(dhSalt),
			HMACKeySalt:       base64.StdEncoding.EncodeToString(hmacSalt),
		},
		EncryptedValidationMessage: base64.StdEncoding.EncodeToString(encryptedValidation),
		SessionID:                  "demo-session",
	})

	ctx := context.Background()
	const dbID = "demo-db"
	var dbKey []byte
	var seqNo int64

	for {
		raw, err := pipe.Receive(ctx)
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
			_ = json.Unmarshal(req.Params, &params)
			got, _ := base64.StdEncoding.DecodeString(params.Nonce)
			if string(got) != string(nonce) {
				sendResponse(pipe, req.RequestID, 400, "bad nonce", nil)
				continue
			}
			sendResponse(pipe, req.RequestID, wire.StatusSuccess, "", nil)

		case wire.ActionOpenDatabase:
			var params struct{ DBNameHash string `json:"dbNameHash"` }
			_ = json.Unmarshal(req.Params, &params)

			dbKey, err = provider.GenerateRandomKey()
			if err != nil {
				return
			}
			wrapped, err := provider.AESGCMEncrypt(keys.EncryptionKey, []byte(base64.StdEncoding.EncodeToString(dbKey)))
			if err != nil {
				return
			}
			sendResponse(pipe, req.RequestID, wire.StatusSuccess, "", map[string]string{"dbId": dbID})
			sendEvent(pipe, wire.RouteApplyTransactions, &wire.ApplyTransactionsEvent{
				DBID:           dbID,
				DBNameHash:     params.DBNameHash,
				DBKey:          base64.StdEncoding.EncodeToString(wrapped),
				TransactionLog: []wire.TransactionEntry{},
			})

		case wire.ActionInsert, wire.ActionUpdate:
			var params struct {
				ItemID string `json:"itemId"`
				Record string `json:"record"`
			}
			_ = json.Unmarshal(req.Params, &params)
			sendResponse(pipe, req.RequestID, wire.StatusSuccess, "", nil)

			ct, _ := base64.StdEncoding.DecodeString(params.Record)
			plain, err := provider.AESGCMDecrypt(dbKey, ct)
			if err != nil {
				continue
			}
			seqNo++
			cmd := wire.CommandInsert
			if req.Action == wire.ActionUpdate {
				cmd = wire.CommandUpdate
			}
			sendEvent(pipe, wire.RouteApplyTransactions, &wire.ApplyTransactionsEvent{
				DBID: dbID,
				TransactionLog: []wire.TransactionEntry{
					{SeqNo: seqNo, Command: cmd, ItemID: params.ItemID, Record: json.RawMessage(plain)},
				},
			})

		case wire.ActionDelete:
			var params struct {
				ItemID string `json:"itemId"`
			}
			_ = json.Unmarshal(req.Params, &params)
			sendResponse(pipe, req.RequestID, wire.StatusSuccess, "", nil)

			seqNo++
			sendEvent(pipe, wire.RouteApplyTransactions, &wire.ApplyTransactionsEvent{
				DBID: dbID,
				TransactionLog: []wire.TransactionEntry{
					{SeqNo: seqNo, Command: wire.CommandDelete, ItemID: params.ItemID},
				},
			})

		default:
			sendResponse(pipe, req.RequestID, wire.StatusSuccess, "", nil)
		}
	}
}

func serverSharedKey(provider *ubcrypto.Provider, keys *ubcrypto.DerivedKeys) ([]byte, error) {
	return provider.DHSharedKeyWithServer(keys.DHPrivateKey)
}

func randomSalt() []byte {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return b
}

func sendEvent(pipe *transport.MemoryPipe, route wire.Route, payload any) {
	b, err := json.Marshal(payload)
	if err != nil {
		return
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return
	}
	m["route"] = json.RawMessage(`"` + string(route) + `"`)
	out, err := json.Marshal(m)
	if err != nil {
		return
	}
	_ = pipe.Send(context.Background(), out)
}

func sendResponse(pipe *transport.MemoryPipe, requestID string, status int, message string, data any) {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	resp := wire.Response{RequestID: requestID, Response: wire.ResponseBody{Status: status, Message: message, Data: raw}}
	b, err := json.Marshal(resp)
	if err != nil {
		return
	}
	_ = pipe.Send(context.Background(), b)
}
