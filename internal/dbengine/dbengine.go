// Package dbengine is the pure, crypto-free core of one open database: an
// ordered item set plus the ApplyTransactions/BuildBundle state machine
// described in SPEC_FULL.md §4.5. It has no knowledge of the wire, the
// transport, or key material — callers decrypt/encrypt at the boundary and
// pass this package plaintext records, mirroring the teacher's split
// between vault.Vault (policy + crypto) and its map-backed metadata index.
package dbengine

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/venkatvb/userbase/internal/wire"
)

// Item is one record as held in memory: plaintext JSON plus the seqNo of
// the transaction that last touched it.
type Item struct {
	ItemID string
	Record json.RawMessage
	SeqNo  int64
}

// Entry is the public, read-only view returned by GetItems, in insertion
// order.
type Entry struct {
	ItemID string
	Record json.RawMessage
}

// Snapshot is the decoded form of a bundle payload (SPEC_FULL.md §4.5,
// "Building a bundle").
type Snapshot struct {
	Items      map[string]Item `json:"items"`
	ItemsIndex []string        `json:"itemsIndex"`
}

// Database holds one open database's in-memory state. All exported
// methods are safe for concurrent use: the root package applies pushes
// from each database's own apply goroutine and builds bundles from yet
// another, and GetItems/GetItem are documented as synchronous reads
// available to any goroutine (SPEC_FULL.md §4.5, "Querying"), so this type
// guards its state with a RWMutex.
type Database struct {
	mu sync.RWMutex

	items      map[string]Item
	itemsIndex []string
	lastSeqNo  int64
}

// New returns an empty, unopened Database.
func New() *Database {
	return &Database{items: make(map[string]Item)}
}

// LastSeqNo returns the highest transaction seqNo applied so far.
func (d *Database) LastSeqNo() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeqNo
}

// GetItems returns every item in itemsIndex order.
func (d *Database) GetItems() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.itemsIndex))
	for _, id := range d.itemsIndex {
		it := d.items[id]
		out = append(out, Entry{ItemID: it.ItemID, Record: it.Record})
	}
	return out
}

// GetItem returns a single item by id.
func (d *Database) GetItem(itemID string) (Entry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	it, ok := d.items[itemID]
	if !ok {
		return Entry{}, false
	}
	return Entry{ItemID: it.ItemID, Record: it.Record}, true
}

// ApplyBundle replaces in-memory state with snap and sets lastSeqNo to
// bundleSeqNo (SPEC_FULL.md §4.5, "Applying a bundle", step 2). Callers
// must call this before ApplyLog for the same ApplyTransactions message.
func (d *Database) ApplyBundle(snap Snapshot, bundleSeqNo int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	items := make(map[string]Item, len(snap.Items))
	for id, it := range snap.Items {
		it.ItemID = id
		items[id] = it
	}
	d.items = items
	d.itemsIndex = append([]string(nil), snap.ItemsIndex...)
	d.lastSeqNo = bundleSeqNo
}

// ApplyLog applies entries in ascending seqNo order, ignoring any whose
// seqNo is at or below lastSeqNo, and returns whether any entry actually
// changed state (so the caller can decide whether to fire onChange).
// entries is sorted into a copy; the caller's slice is left untouched.
func (d *Database) ApplyLog(entries []wire.TransactionEntry) (changed bool) {
	sorted := append([]wire.TransactionEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SeqNo < sorted[j].SeqNo })

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range sorted {
		if d.applyOne(e) {
			changed = true
		}
	}
	return changed
}

// applyOne applies a single log entry under the write lock already held by
// the caller. BatchTransaction recurses over its Batch field; each nested
// entry is still subject to the seqNo idempotence check.
func (d *Database) applyOne(e wire.TransactionEntry) bool {
	if e.Command != wire.CommandBatch && e.SeqNo <= d.lastSeqNo {
		return false
	}

	switch e.Command {
	case wire.CommandInsert:
		if _, exists := d.items[e.ItemID]; exists {
			d.advanceSeqNo(e.SeqNo)
			return false
		}
		d.items[e.ItemID] = Item{ItemID: e.ItemID, Record: e.Record, SeqNo: e.SeqNo}
		d.itemsIndex = append(d.itemsIndex, e.ItemID)
		d.advanceSeqNo(e.SeqNo)
		return true

	case wire.CommandUpdate:
		it, exists := d.items[e.ItemID]
		if !exists {
			d.advanceSeqNo(e.SeqNo)
			return false
		}
		it.Record = e.Record
		it.SeqNo = e.SeqNo
		d.items[e.ItemID] = it
		d.advanceSeqNo(e.SeqNo)
		return true

	case wire.CommandDelete:
		if _, exists := d.items[e.ItemID]; !exists {
			d.advanceSeqNo(e.SeqNo)
			return false
		}
		delete(d.items, e.ItemID)
		d.itemsIndex = removeString(d.itemsIndex, e.ItemID)
		d.advanceSeqNo(e.SeqNo)
		return true

	case wire.CommandBatch:
		var any bool
		for _, sub := range e.Batch {
			if sub.SeqNo <= d.lastSeqNo {
				continue
			}
			if d.applyOne(sub) {
				any = true
			}
		}
		return any

	default:
		return false
	}
}

func (d *Database) advanceSeqNo(seqNo int64) {
	if seqNo > d.lastSeqNo {
		d.lastSeqNo = seqNo
	}
}

func removeString(s []string, v string) []string {
	out := s[:0:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// BuildBundle snapshots the current state for upload (SPEC_FULL.md §4.5,
// "Building a bundle"). The caller is responsible for compressing,
// encrypting, and computing itemKey per itemsIndex entry.
func (d *Database) BuildBundle() (Snapshot, int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	items := make(map[string]Item, len(d.items))
	for id, it := range d.items {
		items[id] = it
	}
	return Snapshot{Items: items, ItemsIndex: append([]string(nil), d.itemsIndex...)}, d.lastSeqNo
}
