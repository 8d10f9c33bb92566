package userbase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/venkatvb/userbase/internal/codec"
	"github.com/venkatvb/userbase/internal/dbengine"
	"github.com/venkatvb/userbase/internal/wire"
)

// Entry is one item as returned by Database.GetItems, in itemsIndex order.
type Entry = dbengine.Entry

// Database is the public handle to one open database (SPEC_FULL.md §3,
// §4.5). Obtain one via Connection.OpenDatabase.
type Database struct {
	conn *Connection

	dbName     string
	dbNameHash string
	dbID       string

	mu       sync.Mutex
	dbKey    []byte
	onChange OnChange
	engine   *dbengine.Database
	ready    chan struct{}
	readyErr error
	opened   bool

	// applyCh serializes ApplyTransactions pushes for this database through
	// a single consumer goroutine (applyLoop), so their effects land in
	// arrival order regardless of how the loop goroutine schedules the
	// sends (SPEC_FULL.md §5, "Ordering guarantees").
	applyCh chan *applyJob
}

// applyJob snapshots everything apply needs from loop-owned Connection
// state at enqueue time, so applyLoop never has to call back into the
// loop via Connection.do — doing that from inside a serialized consumer
// would risk deadlocking against a full applyCh.
type applyJob struct {
	ev            *wire.ApplyTransactionsEvent
	encryptionKey []byte
}

func newDatabase(conn *Connection, dbName, dbNameHash string, onChange OnChange) *Database {
	db := &Database{
		conn:       conn,
		dbName:     dbName,
		dbNameHash: dbNameHash,
		onChange:   onChange,
		engine:     dbengine.New(),
		ready:      make(chan struct{}),
		applyCh:    make(chan *applyJob, 32),
	}
	go db.applyLoop()
	return db
}

func (db *Database) applyLoop() {
	for job := range db.applyCh {
		db.apply(job)
	}
}

// dbNameHashFor computes HMAC(hmacKey, dbName) for the connection's derived
// hmacKey (SPEC_FULL.md §3, Database.dbNameHash).
func (c *Connection) dbNameHashFor(name string) (string, error) {
	var hmacKey []byte
	c.do(func() {
		if c.keys != nil {
			hmacKey = c.keys.HMACKey
		}
	})
	if hmacKey == nil {
		return "", newErr(KindInvalidState, nil)
	}
	return base64.StdEncoding.EncodeToString(c.crypto.HMACSign(hmacKey, name)), nil
}

// OpenDatabase opens (creating server-side if needed) the database named
// dbName, and blocks until its first bundle+log have been applied or ctx
// is done (SPEC_FULL.md §4.5, Opening).
func (c *Connection) OpenDatabase(ctx context.Context, dbName string, onChange OnChange) (*Database, error) {
	if c.State() != StateReady {
		return nil, newErr(KindInvalidState, nil)
	}

	hash, err := c.dbNameHashFor(dbName)
	if err != nil {
		return nil, err
	}

	var existing *Database
	c.do(func() { existing = c.databases[hash] })
	if existing != nil {
		<-existing.ready
		if existing.readyErr != nil {
			return nil, existing.readyErr
		}
		return existing, nil
	}

	db := newDatabase(c, dbName, hash, onChange)
	c.do(func() { c.databases[hash] = db })

	data, err := c.request(ctx, wire.ActionOpenDatabase, struct {
		DBNameHash string `json:"dbNameHash"`
	}{DBNameHash: hash})
	if err != nil {
		c.do(func() { delete(c.databases, hash) })
		return nil, err
	}

	var resp struct {
		DBID string `json:"dbId"`
	}
	if len(data) > 0 {
		_ = unmarshalJSON(data, &resp)
	}
	if resp.DBID != "" {
		c.do(func() {
			db.dbID = resp.DBID
			c.dbIdToHash[resp.DBID] = hash
		})
	}

	select {
	case <-db.ready:
		if db.readyErr != nil {
			return nil, db.readyErr
		}
		c.audit.Append("open:" + dbName)
		return db, nil
	case <-ctx.Done():
		return nil, newErr(KindTimeout, ctx.Err())
	}
}

// CreateDatabase and FindDatabases are thin, intentionally untyped
// pass-throughs: the spec describes OpenDatabase's semantics in full but
// leaves these two as server-defined conveniences layered on the same
// dbNameHash index (SPEC_FULL.md §6, action list).
func (c *Connection) CreateDatabase(ctx context.Context, dbName string) (json.RawMessage, error) {
	hash, err := c.dbNameHashFor(dbName)
	if err != nil {
		return nil, err
	}
	return c.request(ctx, wire.ActionCreateDatabase, struct {
		DBNameHash string `json:"dbNameHash"`
	}{DBNameHash: hash})
}

func (c *Connection) FindDatabases(ctx context.Context) (json.RawMessage, error) {
	return c.request(ctx, wire.ActionFindDatabases, nil)
}

// onApplyTransactions runs on the loop goroutine (SPEC_FULL.md §4.5). An
// ApplyTransactions push for an unknown dbId without an inline dbNameHash
// is silently ignored, preserving the source's behavior (SPEC_FULL.md §9,
// Open Questions).
func (c *Connection) onApplyTransactions(ev *wire.ApplyTransactionsEvent) {
	hash := ev.DBNameHash
	if hash == "" {
		hash = c.dbIdToHash[ev.DBID]
	}
	if hash == "" {
		c.log.Printf("ApplyTransactions for unknown dbId %s ignored (no dbNameHash)", ev.DBID)
		return
	}
	c.dbIdToHash[ev.DBID] = hash

	db, ok := c.databases[hash]
	if !ok {
		db = newDatabase(c, "", hash, nil)
		c.databases[hash] = db
	}
	db.dbID = ev.DBID

	var encryptionKey []byte
	if c.keys != nil {
		encryptionKey = c.keys.EncryptionKey
	}
	db.applyCh <- &applyJob{ev: ev, encryptionKey: encryptionKey}
}

// apply decrypts and applies one ApplyTransactions push. It only ever
// runs on db.applyLoop's goroutine, one job at a time.
func (db *Database) apply(job *applyJob) {
	c := db.conn
	ev := job.ev

	db.mu.Lock()
	defer db.mu.Unlock()

	if ev.DBKey != "" {
		if job.encryptionKey == nil {
			db.fail(newErr(KindInvalidState, nil))
			return
		}
		ct, err := base64.StdEncoding.DecodeString(ev.DBKey)
		if err != nil {
			db.fail(newErr(KindCryptoAuthenticationFailure, err))
			return
		}
		pt, err := c.crypto.AESGCMDecrypt(job.encryptionKey, ct)
		if err != nil {
			db.fail(newErr(KindCryptoAuthenticationFailure, err))
			return
		}
		key, err := base64.StdEncoding.DecodeString(string(pt))
		if err != nil {
			key = pt
		}
		db.dbKey = key
	}

	if ev.Bundle != "" {
		if db.dbKey == nil {
			db.fail(newErr(KindInvalidState, nil))
			return
		}
		snap, err := decodeBundle(db.dbKey, ev.Bundle, c)
		if err != nil {
			db.fail(newErr(KindCryptoAuthenticationFailure, err))
			return
		}
		db.engine.ApplyBundle(snap, ev.BundleSeqNo)
	}

	if len(ev.TransactionLog) > 0 {
		db.engine.ApplyLog(ev.TransactionLog)
	}

	if !db.opened {
		db.opened = true
		close(db.ready)
	}
	if db.onChange != nil {
		db.onChange(db.engine.GetItems())
	}
}

func (db *Database) fail(err error) {
	if !db.opened {
		db.opened = true
		db.readyErr = err
		close(db.ready)
	}
}

func decodeBundle(dbKey []byte, bundleB64 string, c *Connection) (dbengine.Snapshot, error) {
	ct, err := base64.StdEncoding.DecodeString(bundleB64)
	if err != nil {
		return dbengine.Snapshot{}, err
	}
	compressed, err := c.crypto.AESGCMDecrypt(dbKey, ct)
	if err != nil {
		return dbengine.Snapshot{}, err
	}
	plain, err := codec.Decompress(compressed)
	if err != nil {
		return dbengine.Snapshot{}, err
	}
	var snap dbengine.Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return dbengine.Snapshot{}, err
	}
	return snap, nil
}

// onBuildBundle runs on the loop goroutine; the actual compression and
// encryption happen in a spawned goroutine since they are suspension
// points and the bundle upload is itself a request round trip.
func (c *Connection) onBuildBundle(ev *wire.BuildBundleEvent) {
	hash, ok := c.dbIdToHash[ev.DBID]
	if !ok {
		c.log.Printf("BuildBundle for unknown dbId %s ignored", ev.DBID)
		return
	}
	db, ok := c.databases[hash]
	if !ok {
		return
	}
	go func() {
		if err := db.buildAndSubmitBundle(context.Background(), c); err != nil {
			c.log.Printf("building bundle for %s failed: %v", ev.DBID, err)
		}
	}()
}

func (db *Database) buildAndSubmitBundle(ctx context.Context, c *Connection) error {
	db.mu.Lock()
	snap, seqNo := db.engine.BuildBundle()
	dbKey := db.dbKey
	hmacKey := ([]byte)(nil)
	db.mu.Unlock()

	c.do(func() {
		if c.keys != nil {
			hmacKey = c.keys.HMACKey
		}
	})

	plain, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	compressed, err := codec.Compress(plain)
	if err != nil {
		return err
	}
	ct, err := c.crypto.AESGCMEncrypt(dbKey, compressed)
	if err != nil {
		return err
	}

	itemKeys := make([]string, 0, len(snap.ItemsIndex))
	for _, id := range snap.ItemsIndex {
		itemKeys = append(itemKeys, base64.StdEncoding.EncodeToString(c.crypto.HMACSign(hmacKey, id)))
	}

	_, err = c.request(ctx, wire.ActionBundle, struct {
		DBID   string   `json:"dbId"`
		SeqNo  int64    `json:"seqNo"`
		Bundle string   `json:"bundle"`
		Keys   []string `json:"keys"`
	}{
		DBID:   db.dbID,
		SeqNo:  seqNo,
		Bundle: base64.StdEncoding.EncodeToString(ct),
		Keys:   itemKeys,
	})
	return err
}

// GetItems returns every item currently in this database, in itemsIndex
// order (SPEC_FULL.md §4.5, "Querying").
func (db *Database) GetItems() []Entry { return db.engine.GetItems() }

// GetItem returns a single item by id.
func (db *Database) GetItem(itemID string) (Entry, bool) { return db.engine.GetItem(itemID) }

func (db *Database) itemKey(itemID string) (string, error) {
	var hmacKey []byte
	db.conn.do(func() {
		if db.conn.keys != nil {
			hmacKey = db.conn.keys.HMACKey
		}
	})
	if hmacKey == nil {
		return "", newErr(KindInvalidState, nil)
	}
	return base64.StdEncoding.EncodeToString(db.conn.crypto.HMACSign(hmacKey, itemID)), nil
}

func (db *Database) encryptRecord(record any) (string, error) {
	if db.dbKey == nil {
		return "", newErr(KindDatabaseNotOpen, nil)
	}
	plain, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	ct, err := db.conn.crypto.AESGCMEncrypt(db.dbKey, plain)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

// Insert submits an Insert transaction. Per SPEC_FULL.md §4.5,
// "Client-initiated mutations", the client does not optimistically mutate
// local state; GetItems reflects the change only once the server's
// ApplyTransactions push for it arrives.
func (db *Database) Insert(ctx context.Context, itemID string, record any) error {
	return db.mutate(ctx, wire.ActionInsert, itemID, record)
}

// Update submits an Update transaction.
func (db *Database) Update(ctx context.Context, itemID string, record any) error {
	return db.mutate(ctx, wire.ActionUpdate, itemID, record)
}

func (db *Database) mutate(ctx context.Context, action wire.Action, itemID string, record any) error {
	if db.conn.State() != StateReady {
		return newErr(KindDatabaseNotOpen, nil)
	}
	encrypted, err := db.encryptRecord(record)
	if err != nil {
		return err
	}
	itemKey, err := db.itemKey(itemID)
	if err != nil {
		return err
	}
	_, err = db.conn.request(ctx, action, struct {
		DBID    string `json:"dbId"`
		ItemID  string `json:"itemId"`
		ItemKey string `json:"itemKey"`
		Record  string `json:"record"`
	}{DBID: db.dbID, ItemID: itemID, ItemKey: itemKey, Record: encrypted})
	if err == nil {
		db.conn.audit.Append(fmt.Sprintf("%s:%s:%s", action, db.dbName, itemID))
	}
	return err
}

// Delete submits a Delete transaction.
func (db *Database) Delete(ctx context.Context, itemID string) error {
	if db.conn.State() != StateReady {
		return newErr(KindDatabaseNotOpen, nil)
	}
	itemKey, err := db.itemKey(itemID)
	if err != nil {
		return err
	}
	_, err = db.conn.request(ctx, wire.ActionDelete, struct {
		DBID    string `json:"dbId"`
		ItemID  string `json:"itemId"`
		ItemKey string `json:"itemKey"`
	}{DBID: db.dbID, ItemID: itemID, ItemKey: itemKey})
	if err == nil {
		db.conn.audit.Append(fmt.Sprintf("Delete:%s:%s", db.dbName, itemID))
	}
	return err
}

// Operation is one member of a BatchTransaction call.
type Operation struct {
	Command wire.Command
	ItemID  string
	Record  any
}

// BatchTransaction submits an ordered list of operations as a single
// server-side transaction (SPEC_FULL.md §4.5, "BatchTransaction").
func (db *Database) BatchTransaction(ctx context.Context, ops []Operation) error {
	if db.conn.State() != StateReady {
		return newErr(KindDatabaseNotOpen, nil)
	}
	type wireOp struct {
		Command wire.Command `json:"command"`
		ItemID  string       `json:"itemId"`
		ItemKey string       `json:"itemKey,omitempty"`
		Record  string       `json:"record,omitempty"`
	}
	wireOps := make([]wireOp, 0, len(ops))
	for _, op := range ops {
		itemKey, err := db.itemKey(op.ItemID)
		if err != nil {
			return err
		}
		wo := wireOp{Command: op.Command, ItemID: op.ItemID, ItemKey: itemKey}
		if op.Command != wire.CommandDelete {
			encrypted, err := db.encryptRecord(op.Record)
			if err != nil {
				return err
			}
			wo.Record = encrypted
		}
		wireOps = append(wireOps, wo)
	}

	_, err := db.conn.request(ctx, wire.ActionBatchTransaction, struct {
		DBID       string   `json:"dbId"`
		Operations []wireOp `json:"operations"`
	}{DBID: db.dbID, Operations: wireOps})
	return err
}
