package core

// chain_manager.go — in-memory mirror of the append-only block file.
// Grounded on the teacher's core/ledger.go (Blockchain holding a mutex-
// guarded slice of blocks, refreshed from disk on every read path).

import (
	"bytes"
	"sync"
)

// ChainManager owns the local chain. It is never rewound: Add only appends,
// and a conflicting block is rejected by the engine before it ever reaches
// this type.
type ChainManager struct {
	storage *FileStorage

	mu    sync.RWMutex
	chain Chain
}

func NewChainManager(storage *FileStorage) (*ChainManager, error) {
	m := &ChainManager{storage: storage}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ChainManager) refresh() error {
	fresh, err := m.storage.IsUpToDate()
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	return m.reload()
}

func (m *ChainManager) reload() error {
	raw, err := m.storage.Load()
	if err != nil {
		return err
	}
	chain, err := DecodeChain(bytes.NewReader(raw))
	if err != nil {
		return NewStorageError("decode chain: " + err.Error())
	}
	m.mu.Lock()
	m.chain = chain
	m.mu.Unlock()
	return nil
}

// Add appends block locally and persists it via an append-only storage
// update. It never replaces or removes existing blocks.
func (m *ChainManager) Add(block Block) error {
	if err := m.refresh(); err != nil {
		return err
	}
	if err := m.storage.Update(EncodeBlock(block)); err != nil {
		return err
	}
	m.mu.Lock()
	b := block
	m.chain = append(m.chain, &b)
	m.mu.Unlock()
	return nil
}

// GetLastBlock returns the chain tip, or nil if the chain is empty.
func (m *ChainManager) GetLastBlock() (*Block, error) {
	if err := m.refresh(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.chain) == 0 {
		return nil, nil
	}
	return m.chain[len(m.chain)-1], nil
}

// All returns a snapshot copy of the full chain, oldest first.
func (m *ChainManager) All() (Chain, error) {
	if err := m.refresh(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(Chain, len(m.chain))
	copy(out, m.chain)
	return out, nil
}

// Len returns the current block count.
func (m *ChainManager) Len() (int, error) {
	if err := m.refresh(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chain), nil
}
