package core

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTrustManager(t *testing.T) *TrustManager {
	t.Helper()
	storage, err := NewFileStorage(filepath.Join(t.TempDir(), "nodes_trust"))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	m, err := NewTrustManager(storage)
	if err != nil {
		t.Fatalf("new trust manager: %v", err)
	}
	return m
}

func TestTrustDefaultsToBasicTrust(t *testing.T) {
	m := newTrustManager(t)
	score, err := m.Get(uuid.New())
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if score != BasicTrust {
		t.Fatalf("expected BasicTrust for an unseen node, got %d", score)
	}
}

func TestTrustAddDeltaAccumulates(t *testing.T) {
	m := newTrustManager(t)
	node := uuid.New()
	if err := m.AddDelta(node, 5); err != nil {
		t.Fatalf("delta 1: %v", err)
	}
	if err := m.AddDelta(node, -2); err != nil {
		t.Fatalf("delta 2: %v", err)
	}
	score, err := m.Get(node)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if score != BasicTrust+3 {
		t.Fatalf("expected %d, got %d", BasicTrust+3, score)
	}
}

func TestTrustAddNewNodeTrustIsNoOpOnceSet(t *testing.T) {
	m := newTrustManager(t)
	node := uuid.New()
	custom := 100
	if err := m.AddNewNodeTrust(node, &custom); err != nil {
		t.Fatalf("first set: %v", err)
	}
	other := 999
	if err := m.AddNewNodeTrust(node, &other); err != nil {
		t.Fatalf("second set: %v", err)
	}
	score, err := m.Get(node)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if score != custom {
		t.Fatalf("expected initial value %d to stick, got %d", custom, score)
	}
}

func newTrustHistoryManager(t *testing.T) *TrustHistoryManager {
	t.Helper()
	storage, err := NewFileStorage(filepath.Join(t.TempDir(), "node_trust_history"))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	m, err := NewTrustHistoryManager(storage)
	if err != nil {
		t.Fatalf("new trust history manager: %v", err)
	}
	return m
}

// TestTrustHistoryIdempotence checks the de-duplication predicate: an event
// identical in every field is recognized as already seen, so a caller can
// avoid double-applying the same propagated change.
func TestTrustHistoryIdempotence(t *testing.T) {
	m := newTrustHistoryManager(t)
	event := NodeTrustChange{
		Target: uuid.New(), Timestamp: 1700000000, Type: TrustTransactionValidated, Delta: 1, Context: "",
	}

	has, err := m.Has(event)
	if err != nil {
		t.Fatalf("has before add: %v", err)
	}
	if has {
		t.Fatalf("event should not be known yet")
	}
	if err := m.Add(event); err != nil {
		t.Fatalf("add: %v", err)
	}

	has, err = m.Has(event)
	if err != nil {
		t.Fatalf("has after add: %v", err)
	}
	if !has {
		t.Fatalf("identical event must be recognized as already recorded")
	}

	differentTimestamp := event
	differentTimestamp.Timestamp++
	has, err = m.Has(differentTimestamp)
	if err != nil {
		t.Fatalf("has different: %v", err)
	}
	if has {
		t.Fatalf("an event differing only in timestamp must not match")
	}
}

func TestTrustHistoryPurgeOld(t *testing.T) {
	m := newTrustHistoryManager(t)
	now := time.Now()
	old := NodeTrustChange{
		Target: uuid.New(), Timestamp: float64(now.Add(-2 * TrustHistoryWindow).Unix()),
		Type: TrustBlockCreated, Delta: 2,
	}
	fresh := NodeTrustChange{
		Target: uuid.New(), Timestamp: float64(now.Unix()), Type: TrustBlockCreated, Delta: 2,
	}
	if err := m.Add(old); err != nil {
		t.Fatalf("add old: %v", err)
	}
	if err := m.Add(fresh); err != nil {
		t.Fatalf("add fresh: %v", err)
	}
	if err := m.PurgeOld(now); err != nil {
		t.Fatalf("purge: %v", err)
	}

	hasOld, err := m.Has(old)
	if err != nil {
		t.Fatalf("has old: %v", err)
	}
	if hasOld {
		t.Fatalf("stale event should have been purged")
	}
	hasFresh, err := m.Has(fresh)
	if err != nil {
		t.Fatalf("has fresh: %v", err)
	}
	if !hasFresh {
		t.Fatalf("fresh event should survive the purge")
	}
}
