package core

// trust.go — per-node trust scores and the trust-change event history used
// to de-duplicate propagated events. Grounded on the teacher's
// core/validator_node.go reputation bookkeeping, generalized to the full
// NodeTrustChange event model.

import (
	"encoding/csv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TrustManager holds each node's signed-integer trust score, backed by a
// CSV file of "id,score" rows.
type TrustManager struct {
	storage *FileStorage

	mu     sync.RWMutex
	scores map[uuid.UUID]int
}

func NewTrustManager(storage *FileStorage) (*TrustManager, error) {
	m := &TrustManager{storage: storage, scores: map[uuid.UUID]int{}}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *TrustManager) refresh() error {
	fresh, err := m.storage.IsUpToDate()
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	return m.reload()
}

func (m *TrustManager) reload() error {
	raw, err := m.storage.Load()
	if err != nil {
		return err
	}
	scores := map[uuid.UUID]int{}
	if len(raw) > 0 {
		r := csv.NewReader(strings.NewReader(string(raw)))
		r.FieldsPerRecord = -1
		records, err := r.ReadAll()
		if err != nil {
			return NewStorageError("decode trust csv: " + err.Error())
		}
		for _, rec := range records {
			if len(rec) < 2 {
				continue
			}
			id, err := uuid.Parse(rec[0])
			if err != nil {
				continue
			}
			score, err := strconv.Atoi(rec[1])
			if err != nil {
				continue
			}
			scores[id] = score
		}
	}
	m.mu.Lock()
	m.scores = scores
	m.mu.Unlock()
	return nil
}

func (m *TrustManager) persist() error {
	m.mu.RLock()
	buf := &strings.Builder{}
	w := csv.NewWriter(buf)
	for id, score := range m.scores {
		_ = w.Write([]string{id.String(), strconv.Itoa(score)})
	}
	w.Flush()
	m.mu.RUnlock()
	return m.storage.Dump([]byte(buf.String()))
}

// AddNewNodeTrust initializes node's score to trust, or BasicTrust if the
// node has no score yet and trust is nil. It is a no-op if a score already
// exists.
func (m *TrustManager) AddNewNodeTrust(node uuid.UUID, trust *int) error {
	if err := m.refresh(); err != nil {
		return err
	}
	m.mu.Lock()
	if _, ok := m.scores[node]; ok {
		m.mu.Unlock()
		return nil
	}
	v := BasicTrust
	if trust != nil {
		v = *trust
	}
	m.scores[node] = v
	m.mu.Unlock()
	return m.persist()
}

// AddDelta accumulates delta into node's score, initializing it to
// BasicTrust first if unseen.
func (m *TrustManager) AddDelta(node uuid.UUID, delta int) error {
	if err := m.refresh(); err != nil {
		return err
	}
	m.mu.Lock()
	v, ok := m.scores[node]
	if !ok {
		v = BasicTrust
	}
	m.scores[node] = v + delta
	m.mu.Unlock()
	return m.persist()
}

// Get returns node's score (BasicTrust if unseen).
func (m *TrustManager) Get(node uuid.UUID) (int, error) {
	if err := m.refresh(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.scores[node]; ok {
		return v, nil
	}
	return BasicTrust, nil
}

// All returns a snapshot of every known (node, score) pair.
func (m *TrustManager) All() (map[uuid.UUID]int, error) {
	if err := m.refresh(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]int, len(m.scores))
	for k, v := range m.scores {
		out[k] = v
	}
	return out, nil
}

// --- trust-change history (de-duplication window) ---

// TrustHistoryManager is the ordered list of trust-change events used to
// de-duplicate a given event arriving via multiple propagation paths
// within TrustHistoryWindow. Backed by a CSV of "id,ts,type,delta,ctx".
type TrustHistoryManager struct {
	storage *FileStorage

	mu     sync.Mutex
	events []NodeTrustChange
}

func NewTrustHistoryManager(storage *FileStorage) (*TrustHistoryManager, error) {
	m := &TrustHistoryManager{storage: storage}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *TrustHistoryManager) refresh() error {
	fresh, err := m.storage.IsUpToDate()
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	return m.reload()
}

func (m *TrustHistoryManager) reload() error {
	raw, err := m.storage.Load()
	if err != nil {
		return err
	}
	var events []NodeTrustChange
	if len(raw) > 0 {
		r := csv.NewReader(strings.NewReader(string(raw)))
		r.FieldsPerRecord = -1
		records, err := r.ReadAll()
		if err != nil {
			return NewStorageError("decode trust history csv: " + err.Error())
		}
		for _, rec := range records {
			if len(rec) < 5 {
				continue
			}
			id, err := uuid.Parse(rec[0])
			if err != nil {
				continue
			}
			ts, err := strconv.ParseFloat(rec[1], 64)
			if err != nil {
				continue
			}
			typ, ok := ParseTrustChangeType(rec[2])
			if !ok {
				continue
			}
			delta, err := strconv.Atoi(rec[3])
			if err != nil {
				continue
			}
			events = append(events, NodeTrustChange{
				Target: id, Timestamp: ts, Type: typ, Delta: delta, Context: rec[4],
			})
		}
	}
	m.mu.Lock()
	m.events = events
	m.mu.Unlock()
	return nil
}

func (m *TrustHistoryManager) persist() error {
	m.mu.Lock()
	buf := &strings.Builder{}
	w := csv.NewWriter(buf)
	for _, e := range m.events {
		_ = w.Write([]string{
			e.Target.String(),
			strconv.FormatFloat(e.Timestamp, 'f', -1, 64),
			e.Type.String(),
			strconv.Itoa(e.Delta),
			e.Context,
		})
	}
	w.Flush()
	m.mu.Unlock()
	return m.storage.Dump([]byte(buf.String()))
}

// PurgeOld drops every event older than TrustHistoryWindow relative to now.
func (m *TrustHistoryManager) PurgeOld(now time.Time) error {
	if err := m.refresh(); err != nil {
		return err
	}
	cutoff := float64(now.Add(-TrustHistoryWindow).Unix())
	m.mu.Lock()
	kept := m.events[:0:0]
	for _, e := range m.events {
		if e.Timestamp >= cutoff {
			kept = append(kept, e)
		}
	}
	changed := len(kept) != len(m.events)
	m.events = kept
	m.mu.Unlock()
	if !changed {
		return nil
	}
	return m.persist()
}

// Has reports whether an event identical in every field is already
// recorded.
func (m *TrustHistoryManager) Has(event NodeTrustChange) (bool, error) {
	if err := m.refresh(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.Equal(event) {
			return true, nil
		}
	}
	return false, nil
}

// Add appends event and persists the history.
func (m *TrustHistoryManager) Add(event NodeTrustChange) error {
	if err := m.refresh(); err != nil {
		return err
	}
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return m.persist()
}
