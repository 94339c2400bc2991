package core

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func newNodeManager(t *testing.T, selfID uuid.UUID) *NodeManager {
	t.Helper()
	storage, err := NewFileStorage(filepath.Join(t.TempDir(), "nodes"))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	m, err := NewNodeManager(storage, selfID)
	if err != nil {
		t.Fatalf("new node manager: %v", err)
	}
	return m
}

func TestNodeManagerExcludeSelf(t *testing.T) {
	self := uuid.New()
	m := newNodeManager(t, self)
	peer := Node{ID: uuid.New(), Host: "peer", Port: 5001}
	if err := m.Add(Node{ID: self, Host: "self", Port: 5000}); err != nil {
		t.Fatalf("add self: %v", err)
	}
	if err := m.Add(peer); err != nil {
		t.Fatalf("add peer: %v", err)
	}

	others, err := m.ExcludeSelf()
	if err != nil {
		t.Fatalf("exclude self: %v", err)
	}
	if len(others) != 1 || others[0].ID != peer.ID {
		t.Fatalf("expected only the peer, got %v", others)
	}
}

func TestNodeManagerMergeFromPeerOnlyAddsUnknown(t *testing.T) {
	self := uuid.New()
	m := newNodeManager(t, self)
	existing := Node{ID: uuid.New(), Host: "existing", Port: 5001}
	if err := m.Add(existing); err != nil {
		t.Fatalf("add existing: %v", err)
	}

	staleCopy := existing
	staleCopy.Host = "stale-should-not-overwrite"
	fresh := Node{ID: uuid.New(), Host: "fresh", Port: 5002}
	if err := m.MergeFromPeer([]Node{staleCopy, fresh}); err != nil {
		t.Fatalf("merge: %v", err)
	}

	all, err := m.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 nodes after merge, got %d", len(all))
	}
	got, ok, err := m.FindByID(existing.ID)
	if err != nil || !ok {
		t.Fatalf("find existing: ok=%v err=%v", ok, err)
	}
	if got.Host != "existing" {
		t.Fatalf("merge must not overwrite an already-known node, got host %q", got.Host)
	}
	if _, ok, err := m.FindByID(fresh.ID); err != nil || !ok {
		t.Fatalf("expected the new node to be merged in: ok=%v err=%v", ok, err)
	}
}

func TestNodeManagerCachePublicKeyIsInMemoryOnly(t *testing.T) {
	self := uuid.New()
	m := newNodeManager(t, self)
	n := Node{ID: uuid.New(), Host: "peer", Port: 5001}
	if err := m.Add(n); err != nil {
		t.Fatalf("add: %v", err)
	}

	m.CachePublicKey(n.ID, []byte("-----BEGIN PUBLIC KEY-----fake-----END PUBLIC KEY-----"))
	cached, ok, err := m.FindByID(n.ID)
	if err != nil || !ok {
		t.Fatalf("find: ok=%v err=%v", ok, err)
	}
	if len(cached.PublicKeyPEM) == 0 {
		t.Fatalf("expected the cached key to be visible via FindByID")
	}
}

func TestNodeManagerFindByHost(t *testing.T) {
	self := uuid.New()
	m := newNodeManager(t, self)
	n := Node{ID: uuid.New(), Host: "sensor-1", Port: 5001}
	if err := m.Add(n); err != nil {
		t.Fatalf("add: %v", err)
	}

	found, ok, err := m.FindByHost("sensor-1")
	if err != nil || !ok || found.ID != n.ID {
		t.Fatalf("expected to find node by host: found=%v ok=%v err=%v", found, ok, err)
	}
	if _, ok, err := m.FindByHost("unknown-host"); err != nil || ok {
		t.Fatalf("expected no match for an unknown host: ok=%v err=%v", ok, err)
	}
}
