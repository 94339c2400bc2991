package core

// node_manager.go — in-memory roster of known peers, backed by a CSV file
// of the form "id,host,port" (one line per node; type is not persisted —
// validator membership is authoritative via ValidatorManager, not the
// roster). Grounded on the teacher's core/peer_management.go NodeRegistry
// shape.

import (
	"encoding/csv"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type NodeManager struct {
	storage *FileStorage
	selfID  uuid.UUID

	mu    sync.RWMutex
	nodes map[uuid.UUID]Node
}

func NewNodeManager(storage *FileStorage, selfID uuid.UUID) (*NodeManager, error) {
	m := &NodeManager{storage: storage, selfID: selfID, nodes: map[uuid.UUID]Node{}}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *NodeManager) refresh() error {
	fresh, err := m.storage.IsUpToDate()
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	return m.reload()
}

func (m *NodeManager) reload() error {
	raw, err := m.storage.Load()
	if err != nil {
		return err
	}
	nodes, err := decodeNodesCSV(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.nodes = nodes
	m.mu.Unlock()
	return nil
}

func decodeNodesCSV(raw []byte) (map[uuid.UUID]Node, error) {
	nodes := map[uuid.UUID]Node{}
	if len(raw) == 0 {
		return nodes, nil
	}
	r := csv.NewReader(strings.NewReader(string(raw)))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, NewStorageError("decode nodes csv: " + err.Error())
	}
	for _, rec := range records {
		if len(rec) < 3 {
			continue
		}
		id, err := uuid.Parse(rec[0])
		if err != nil {
			continue
		}
		port, _ := strconv.ParseUint(rec[2], 10, 16)
		nodes[id] = Node{ID: id, Host: rec[1], Port: uint16(port)}
	}
	return nodes, nil
}

func encodeNodesCSV(nodes map[uuid.UUID]Node) []byte {
	buf := &strings.Builder{}
	w := csv.NewWriter(buf)
	for _, n := range nodes {
		_ = w.Write([]string{n.ID.String(), n.Host, strconv.Itoa(int(n.Port))})
	}
	w.Flush()
	return []byte(buf.String())
}

func (m *NodeManager) persist() error {
	m.mu.RLock()
	data := encodeNodesCSV(m.nodes)
	m.mu.RUnlock()
	return m.storage.Dump(data)
}

// Add inserts or replaces a node and persists the roster.
func (m *NodeManager) Add(n Node) error {
	if err := m.refresh(); err != nil {
		return err
	}
	m.mu.Lock()
	m.nodes[n.ID] = n
	m.mu.Unlock()
	return m.persist()
}

// FindByID returns the node with the given id, or false if unknown.
func (m *NodeManager) FindByID(id uuid.UUID) (Node, bool, error) {
	if err := m.refresh(); err != nil {
		return Node{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[id]
	return n, ok, nil
}

// FindByHost returns the first node whose Host matches, or false.
func (m *NodeManager) FindByHost(host string) (Node, bool, error) {
	if err := m.refresh(); err != nil {
		return Node{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, n := range m.nodes {
		if n.Host == host {
			return n, true, nil
		}
	}
	return Node{}, false, nil
}

// CachePublicKey stores a fetched public key against id in memory, without
// touching the on-disk roster or its freshness marker.
func (m *NodeManager) CachePublicKey(id uuid.UUID, pem []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return
	}
	n.PublicKeyPEM = pem
	m.nodes[id] = n
}

// All returns a snapshot of every known node, including self.
func (m *NodeManager) All() ([]Node, error) {
	if err := m.refresh(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out, nil
}

// ExcludeSelf returns every known node except the local one.
func (m *NodeManager) ExcludeSelf() ([]Node, error) {
	all, err := m.All()
	if err != nil {
		return nil, err
	}
	out := make([]Node, 0, len(all))
	for _, n := range all {
		if n.ID != m.selfID {
			out = append(out, n)
		}
	}
	return out, nil
}

// MergeFromPeer bulk-merges a snapshot of nodes received from a peer (the
// response body of GET /node/update), inserting any node not already
// known. Existing entries are left untouched — the roster only grows.
func (m *NodeManager) MergeFromPeer(peerNodes []Node) error {
	if err := m.refresh(); err != nil {
		return err
	}
	m.mu.Lock()
	changed := false
	for _, n := range peerNodes {
		if _, ok := m.nodes[n.ID]; !ok {
			m.nodes[n.ID] = n
			changed = true
		}
	}
	m.mu.Unlock()
	if !changed {
		return nil
	}
	return m.persist()
}
