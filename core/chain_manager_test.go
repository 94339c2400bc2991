package core

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func newChainManager(t *testing.T) *ChainManager {
	t.Helper()
	storage, err := NewFileStorage(filepath.Join(t.TempDir(), "blockchain"))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	m, err := NewChainManager(storage)
	if err != nil {
		t.Fatalf("new chain manager: %v", err)
	}
	return m
}

func TestChainManagerLinkage(t *testing.T) {
	m := newChainManager(t)

	genesis := Block{Version: 1, Timestamp: 1, PrevHash: GenesisPrevHash(), Validator: uuid.New()}
	if err := m.Add(genesis); err != nil {
		t.Fatalf("add genesis: %v", err)
	}
	next := Block{Version: 1, Timestamp: 2, PrevHash: HashBlock(genesis), Validator: uuid.New()}
	if err := m.Add(next); err != nil {
		t.Fatalf("add next: %v", err)
	}

	chain, err := m.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2 blocks, got %d", len(chain))
	}
	if chain[1].PrevHash != HashBlock(*chain[0]) {
		t.Fatalf("second block does not link to the first's hash")
	}

	last, err := m.GetLastBlock()
	if err != nil {
		t.Fatalf("get last: %v", err)
	}
	if last.Timestamp != next.Timestamp {
		t.Fatalf("tip mismatch: got %+v", last)
	}
}

// TestChainManagerSurvivesExternalAppend checks the mtime+size freshness
// cache: a second manager instance over the same file observes a write
// made by the first.
func TestChainManagerSurvivesExternalAppend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blockchain")

	s1, err := NewFileStorage(path)
	if err != nil {
		t.Fatalf("storage 1: %v", err)
	}
	m1, err := NewChainManager(s1)
	if err != nil {
		t.Fatalf("manager 1: %v", err)
	}

	s2, err := NewFileStorage(path)
	if err != nil {
		t.Fatalf("storage 2: %v", err)
	}
	m2, err := NewChainManager(s2)
	if err != nil {
		t.Fatalf("manager 2: %v", err)
	}

	blk := Block{Version: 1, Timestamp: 1, PrevHash: GenesisPrevHash(), Validator: uuid.New()}
	if err := m1.Add(blk); err != nil {
		t.Fatalf("add: %v", err)
	}

	length, err := m2.Len()
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if length != 1 {
		t.Fatalf("second manager did not observe the first's write: len=%d", length)
	}
}
