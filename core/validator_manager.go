package core

// validator_manager.go — the authoritative validator set: an ordered list
// of UUIDs persisted as a semicolon-joined list of hex-encoded wire UUIDs.
// A node is a validator iff its id is in this list; NodeType on Node is
// advisory only. Grounded on the teacher's core/peer_management.go
// ValidatorSet shape.

import (
	"encoding/hex"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type ValidatorManager struct {
	storage *FileStorage

	mu   sync.RWMutex
	list []uuid.UUID
}

func NewValidatorManager(storage *FileStorage) (*ValidatorManager, error) {
	m := &ValidatorManager{storage: storage}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ValidatorManager) refresh() error {
	fresh, err := m.storage.IsUpToDate()
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	return m.reload()
}

func (m *ValidatorManager) reload() error {
	raw, err := m.storage.Load()
	if err != nil {
		return err
	}
	list, err := decodeValidatorList(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.list = list
	m.mu.Unlock()
	return nil
}

func decodeValidatorList(raw []byte) ([]uuid.UUID, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ";")
	out := make([]uuid.UUID, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := hex.DecodeString(p)
		if err != nil || len(b) != 16 {
			return nil, NewStorageError("decode validator list: bad entry " + p)
		}
		var w [16]byte
		copy(w[:], b)
		out = append(out, wireToUUID(w))
	}
	return out, nil
}

func encodeValidatorList(list []uuid.UUID) []byte {
	parts := make([]string, len(list))
	for i, id := range list {
		w := uuidToWire(id)
		parts[i] = hex.EncodeToString(w[:])
	}
	return []byte(strings.Join(parts, ";"))
}

// Set rewrites the validator list.
func (m *ValidatorManager) Set(list []uuid.UUID) error {
	cp := make([]uuid.UUID, len(list))
	copy(cp, list)
	m.mu.Lock()
	m.list = cp
	m.mu.Unlock()
	return m.storage.Dump(encodeValidatorList(cp))
}

// Contains reports whether id is a current validator.
func (m *ValidatorManager) Contains(id uuid.UUID) (bool, error) {
	if err := m.refresh(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.list {
		if v == id {
			return true, nil
		}
	}
	return false, nil
}

// List returns a snapshot of the current validator set.
func (m *ValidatorManager) List() ([]uuid.UUID, error) {
	if err := m.refresh(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, len(m.list))
	copy(out, m.list)
	return out, nil
}

// Size returns the current validator-set size.
func (m *ValidatorManager) Size() (int, error) {
	if err := m.refresh(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.list), nil
}
