package dbengine

import (
	"encoding/json"
	"testing"

	"github.com/venkatvb/userbase/internal/wire"
)

func record(item string) json.RawMessage {
	b, _ := json.Marshal(map[string]string{"item": item})
	return b
}

func TestApplyLogInserts(t *testing.T) {
	d := New()
	d.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "1", Record: record("Item 1")},
		{SeqNo: 2, Command: wire.CommandInsert, ItemID: "2", Record: record("Item 2")},
		{SeqNo: 3, Command: wire.CommandInsert, ItemID: "3", Record: record("Item 3")},
	})

	got := d.GetItems()
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	for i, id := range []string{"1", "2", "3"} {
		if got[i].ItemID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, got[i].ItemID)
		}
	}
}

func TestApplyLogUpdatePreservesOrder(t *testing.T) {
	d := New()
	d.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "1", Record: record("Item 1")},
		{SeqNo: 2, Command: wire.CommandInsert, ItemID: "2", Record: record("Item 2")},
		{SeqNo: 3, Command: wire.CommandInsert, ItemID: "3", Record: record("Item 3")},
	})
	d.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 4, Command: wire.CommandUpdate, ItemID: "2", Record: record("Item Updated")},
	})

	got := d.GetItems()
	if len(got) != 3 {
		t.Fatalf("expected 3 items, got %d", len(got))
	}
	if got[0].ItemID != "1" || got[2].ItemID != "3" {
		t.Fatalf("positions of 1 and 3 must be unchanged, got order %v", []string{got[0].ItemID, got[1].ItemID, got[2].ItemID})
	}
	var payload struct{ Item string }
	if err := json.Unmarshal(got[1].Record, &payload); err != nil {
		t.Fatalf("unmarshal updated record: %v", err)
	}
	if payload.Item != "Item Updated" {
		t.Fatalf("expected updated record, got %q", payload.Item)
	}
}

func TestApplyLogDeletes(t *testing.T) {
	d := New()
	d.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "1", Record: record("Item 1")},
		{SeqNo: 2, Command: wire.CommandInsert, ItemID: "2", Record: record("Item 2")},
		{SeqNo: 3, Command: wire.CommandInsert, ItemID: "3", Record: record("Item 3")},
	})
	d.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 4, Command: wire.CommandUpdate, ItemID: "2", Record: record("Item Updated")},
	})
	d.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 5, Command: wire.CommandDelete, ItemID: "1"},
		{SeqNo: 6, Command: wire.CommandDelete, ItemID: "2"},
		{SeqNo: 7, Command: wire.CommandDelete, ItemID: "3"},
	})

	got := d.GetItems()
	if len(got) != 0 {
		t.Fatalf("expected empty database, got %d items", len(got))
	}
}

func TestBundleRoundTrip(t *testing.T) {
	d1 := New()
	d1.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "1", Record: record("Item 1")},
		{SeqNo: 2, Command: wire.CommandInsert, ItemID: "2", Record: record("Item 2")},
		{SeqNo: 3, Command: wire.CommandInsert, ItemID: "3", Record: record("Item 3")},
	})
	d1.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 4, Command: wire.CommandUpdate, ItemID: "2", Record: record("Item Updated")},
	})

	snap, seqNo := d1.BuildBundle()

	d2 := New()
	d2.ApplyBundle(snap, seqNo)

	want := d1.GetItems()
	got := d2.GetItems()
	if len(want) != len(got) {
		t.Fatalf("length mismatch: want %d got %d", len(want), len(got))
	}
	for i := range want {
		if want[i].ItemID != got[i].ItemID || string(want[i].Record) != string(got[i].Record) {
			t.Fatalf("entry %d mismatch: want %+v got %+v", i, want[i], got[i])
		}
	}
}

func TestApplyLogIgnoresStaleSeqNo(t *testing.T) {
	d := New()
	d.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "1", Record: record("Item 1")},
	})
	changed := d.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "1", Record: record("Replayed")},
	})
	if changed {
		t.Fatal("replaying a seqNo at or below lastSeqNo must be a no-op")
	}
	got, ok := d.GetItem("1")
	if !ok {
		t.Fatal("item 1 must still exist")
	}
	var payload struct{ Item string }
	json.Unmarshal(got.Record, &payload)
	if payload.Item != "Item 1" {
		t.Fatalf("stale replay must not overwrite the record, got %q", payload.Item)
	}
}

func TestApplyLogDeleteOfAbsentItemIsNoop(t *testing.T) {
	d := New()
	changed := d.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 1, Command: wire.CommandDelete, ItemID: "missing"},
	})
	if changed {
		t.Fatal("deleting an absent item must report no change")
	}
	if d.LastSeqNo() != 1 {
		t.Fatalf("lastSeqNo must still advance to 1, got %d", d.LastSeqNo())
	}
}

func TestApplyLogBatchTransactionAppliesAllMembers(t *testing.T) {
	d := New()
	changed := d.ApplyLog([]wire.TransactionEntry{
		{
			SeqNo:   5,
			Command: wire.CommandBatch,
			Batch: []wire.TransactionEntry{
				{SeqNo: 3, Command: wire.CommandInsert, ItemID: "a", Record: record("A")},
				{SeqNo: 4, Command: wire.CommandInsert, ItemID: "b", Record: record("B")},
			},
		},
	})
	if !changed {
		t.Fatal("batch insert must report a change")
	}
	got := d.GetItems()
	if len(got) != 2 {
		t.Fatalf("expected 2 items from batch, got %d", len(got))
	}
}

func TestApplyLogOutOfOrderDelivery(t *testing.T) {
	d := New()
	d.ApplyLog([]wire.TransactionEntry{
		{SeqNo: 2, Command: wire.CommandInsert, ItemID: "2", Record: record("Item 2")},
		{SeqNo: 1, Command: wire.CommandInsert, ItemID: "1", Record: record("Item 1")},
	})
	got := d.GetItems()
	if len(got) != 2 || got[0].ItemID != "1" || got[1].ItemID != "2" {
		t.Fatalf("expected seqNo-ordered application regardless of slice order, got %v", got)
	}
}
