package ratelimit

import (
	"testing"
	"time"
)

func TestAllowRespectsBurstThenDenies(t *testing.T) {
	p := New(1, 2, time.Minute)
	if !p.Allow("peer-a") || !p.Allow("peer-a") {
		t.Fatal("expected burst of 2 to be allowed immediately")
	}
	if p.Allow("peer-a") {
		t.Fatal("expected third immediate call to be denied")
	}
}

func TestAllowIsIndependentPerKey(t *testing.T) {
	p := New(1, 1, time.Minute)
	if !p.Allow("peer-a") {
		t.Fatal("expected first call for peer-a to be allowed")
	}
	if !p.Allow("peer-b") {
		t.Fatal("peer-b must have its own independent bucket")
	}
}

func TestAllowEvictsIdleBuckets(t *testing.T) {
	p := New(1, 1, time.Millisecond)
	p.Allow("peer-a")
	time.Sleep(5 * time.Millisecond)
	p.Allow("peer-b")

	p.mu.Lock()
	_, stillPresent := p.entries["peer-a"]
	p.mu.Unlock()
	if stillPresent {
		t.Fatal("expected idle peer-a bucket to be evicted")
	}
}
