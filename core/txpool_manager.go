package core

// txpool_manager.go — the pending and verified transaction pools.
// Grounded on the teacher's core/ledger.go TransactionPool bookkeeping,
// adapted to the two-stage pending→verified lifecycle and CSV persistence
// named in the storage layout table.

import (
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// pendingRecord is the on-disk shape of one CSV row's second column for the
// pending-tx file.
type pendingRecord struct {
	TxHex         string          `json:"tx"`
	SubmitterNode Node            `json:"submitter_node"`
	Voting        map[string]bool `json:"voting"`
	ArrivalUnix   int64           `json:"arrival_time"`
	TallySnapshot []string        `json:"tally_snapshot,omitempty"`
}

// PendingTxManager holds transactions admitted locally, awaiting
// cross-validator votes. Invariant: Voting carries at most one entry per
// validator id — enforced by AddVerificationResult's duplicate check.
type PendingTxManager struct {
	storage *FileStorage

	mu      sync.RWMutex
	pending map[uuid.UUID]*TxToVerify
}

func NewPendingTxManager(storage *FileStorage) (*PendingTxManager, error) {
	m := &PendingTxManager{storage: storage, pending: map[uuid.UUID]*TxToVerify{}}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *PendingTxManager) refresh() error {
	fresh, err := m.storage.IsUpToDate()
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	return m.reload()
}

func (m *PendingTxManager) reload() error {
	raw, err := m.storage.Load()
	if err != nil {
		return err
	}
	pending := map[uuid.UUID]*TxToVerify{}
	if len(raw) > 0 {
		r := csv.NewReader(strings.NewReader(string(raw)))
		r.FieldsPerRecord = -1
		records, err := r.ReadAll()
		if err != nil {
			return NewStorageError("decode pending csv: " + err.Error())
		}
		for _, rec := range records {
			if len(rec) < 2 {
				continue
			}
			id, err := uuid.Parse(rec[0])
			if err != nil {
				continue
			}
			entry, err := decodePendingRecord(rec[1])
			if err != nil {
				continue
			}
			pending[id] = entry
		}
	}
	m.mu.Lock()
	m.pending = pending
	m.mu.Unlock()
	return nil
}

func decodePendingRecord(raw string) (*TxToVerify, error) {
	var rec pendingRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, err
	}
	txBytes, err := hex.DecodeString(rec.TxHex)
	if err != nil {
		return nil, err
	}
	tx, err := DecodeTx(txBytes)
	if err != nil {
		return nil, err
	}
	voting := map[uuid.UUID]bool{}
	for k, v := range rec.Voting {
		if id, err := uuid.Parse(k); err == nil {
			voting[id] = v
		}
	}
	var snapshot map[uuid.UUID]struct{}
	if len(rec.TallySnapshot) > 0 {
		snapshot = make(map[uuid.UUID]struct{}, len(rec.TallySnapshot))
		for _, s := range rec.TallySnapshot {
			if id, err := uuid.Parse(s); err == nil {
				snapshot[id] = struct{}{}
			}
		}
	}
	return &TxToVerify{
		Tx:            tx,
		SubmitterNode: rec.SubmitterNode,
		Voting:        voting,
		ArrivalTime:   time.Unix(rec.ArrivalUnix, 0).UTC(),
		tallySnapshot: snapshot,
	}, nil
}

func encodePendingRecord(e *TxToVerify) string {
	voting := map[string]bool{}
	for k, v := range e.Voting {
		voting[k.String()] = v
	}
	snapshot := make([]string, 0, len(e.tallySnapshot))
	for id := range e.tallySnapshot {
		snapshot = append(snapshot, id.String())
	}
	rec := pendingRecord{
		TxHex:         hex.EncodeToString(EncodeTx(e.Tx)),
		SubmitterNode: e.SubmitterNode,
		Voting:        voting,
		ArrivalUnix:   e.ArrivalTime.Unix(),
		TallySnapshot: snapshot,
	}
	raw, _ := json.Marshal(rec)
	return string(raw)
}

func (m *PendingTxManager) persist() error {
	m.mu.RLock()
	buf := &strings.Builder{}
	w := csv.NewWriter(buf)
	for id, e := range m.pending {
		_ = w.Write([]string{id.String(), encodePendingRecord(e)})
	}
	w.Flush()
	m.mu.RUnlock()
	return m.storage.Dump([]byte(buf.String()))
}

// Add inserts a new pending entry under id and persists the pool.
func (m *PendingTxManager) Add(id uuid.UUID, entry *TxToVerify) error {
	if err := m.refresh(); err != nil {
		return err
	}
	m.mu.Lock()
	m.pending[id] = entry
	m.mu.Unlock()
	return m.persist()
}

// Find returns the pending entry for id, or false if absent.
func (m *PendingTxManager) Find(id uuid.UUID) (*TxToVerify, bool, error) {
	if err := m.refresh(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.pending[id]
	return e, ok, nil
}

// Pop removes and returns the pending entry for id.
func (m *PendingTxManager) Pop(id uuid.UUID) (*TxToVerify, bool, error) {
	if err := m.refresh(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	e, ok := m.pending[id]
	if ok {
		delete(m.pending, id)
	}
	m.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return e, true, m.persist()
}

// PendingIDsWithoutVote returns ids in the pool for which voter has not yet
// recorded a vote.
func (m *PendingTxManager) PendingIDsWithoutVote(voter uuid.UUID) ([]uuid.UUID, error) {
	if err := m.refresh(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.pending))
	for id, e := range m.pending {
		if _, voted := e.Voting[voter]; !voted {
			out = append(out, id)
		}
	}
	return out, nil
}

// AddVerificationResult records voter's vote for id, snapshotting
// validatorSnapshot as the tally membership the first time any vote is
// recorded for this id. Returns the updated entry and whether a duplicate
// vote from the same voter was rejected (warn-and-ignore per spec.md §4.3).
// A vote from a voter outside the snapshot is still recorded (so a repeat
// vote from the same id is still caught as a duplicate) but TallyTarget and
// the manager's snapshot-restricted vote views never count it.
func (m *PendingTxManager) AddVerificationResult(id, voter uuid.UUID, result bool, validatorSnapshot []uuid.UUID) (*TxToVerify, bool, error) {
	if err := m.refresh(); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	e, ok := m.pending[id]
	if !ok {
		m.mu.Unlock()
		return nil, false, nil
	}
	if _, already := e.Voting[voter]; already {
		m.mu.Unlock()
		return e, true, nil
	}
	if len(e.Voting) == 0 {
		snapshot := make(map[uuid.UUID]struct{}, len(validatorSnapshot))
		for _, v := range validatorSnapshot {
			snapshot[v] = struct{}{}
		}
		e.tallySnapshot = snapshot
	}
	e.Voting[voter] = result
	m.mu.Unlock()
	return e, false, m.persist()
}

// All returns a snapshot of every pending entry keyed by id.
func (m *PendingTxManager) All() (map[uuid.UUID]*TxToVerify, error) {
	if err := m.refresh(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uuid.UUID]*TxToVerify, len(m.pending))
	for id, e := range m.pending {
		cp := *e
		out[id] = &cp
	}
	return out, nil
}

// TallyTarget returns the size of the validator set snapshotted when id's
// first vote arrived, or 0 if no vote has been recorded yet.
func (m *PendingTxManager) TallyTarget(id uuid.UUID) (int, error) {
	if err := m.refresh(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.pending[id]
	if !ok {
		return 0, nil
	}
	return len(e.tallySnapshot), nil
}

// TalliedVoteCount returns how many recorded votes for id were cast by a
// voter present in the snapshot taken at id's first vote — the count the
// tally-size equality check compares against TallyTarget, as opposed to
// len(Voting), which also includes votes from ids outside that snapshot.
func (m *PendingTxManager) TalliedVoteCount(id uuid.UUID) (int, error) {
	if err := m.refresh(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.pending[id]
	if !ok {
		return 0, nil
	}
	return len(e.talliedVotes()), nil
}

// --- verified pool ---

type verifiedRecord struct {
	TxHex        string `json:"tx"`
	VerifiedUnix int64  `json:"verified_time"`
}

// VerifiedTxManager holds transactions promoted by majority vote, awaiting
// block inclusion.
type VerifiedTxManager struct {
	storage *FileStorage

	mu       sync.RWMutex
	verified map[uuid.UUID]*TxVerified
}

func NewVerifiedTxManager(storage *FileStorage) (*VerifiedTxManager, error) {
	m := &VerifiedTxManager{storage: storage, verified: map[uuid.UUID]*TxVerified{}}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *VerifiedTxManager) refresh() error {
	fresh, err := m.storage.IsUpToDate()
	if err != nil {
		return err
	}
	if fresh {
		return nil
	}
	return m.reload()
}

func (m *VerifiedTxManager) reload() error {
	raw, err := m.storage.Load()
	if err != nil {
		return err
	}
	verified := map[uuid.UUID]*TxVerified{}
	if len(raw) > 0 {
		r := csv.NewReader(strings.NewReader(string(raw)))
		r.FieldsPerRecord = -1
		records, err := r.ReadAll()
		if err != nil {
			return NewStorageError("decode verified csv: " + err.Error())
		}
		for _, rec := range records {
			if len(rec) < 2 {
				continue
			}
			id, err := uuid.Parse(rec[0])
			if err != nil {
				continue
			}
			var vr verifiedRecord
			if err := json.Unmarshal([]byte(rec[1]), &vr); err != nil {
				continue
			}
			txBytes, err := hex.DecodeString(vr.TxHex)
			if err != nil {
				continue
			}
			tx, err := DecodeTx(txBytes)
			if err != nil {
				continue
			}
			verified[id] = &TxVerified{Tx: tx, VerifiedTime: time.Unix(vr.VerifiedUnix, 0).UTC()}
		}
	}
	m.mu.Lock()
	m.verified = verified
	m.mu.Unlock()
	return nil
}

func (m *VerifiedTxManager) persist() error {
	m.mu.RLock()
	buf := &strings.Builder{}
	w := csv.NewWriter(buf)
	for id, v := range m.verified {
		rec := verifiedRecord{TxHex: hex.EncodeToString(EncodeTx(v.Tx)), VerifiedUnix: v.VerifiedTime.Unix()}
		raw, _ := json.Marshal(rec)
		_ = w.Write([]string{id.String(), string(raw)})
	}
	w.Flush()
	m.mu.RUnlock()
	return m.storage.Dump([]byte(buf.String()))
}

// Add inserts id into the verified pool and persists it.
func (m *VerifiedTxManager) Add(id uuid.UUID, v *TxVerified) error {
	if err := m.refresh(); err != nil {
		return err
	}
	m.mu.Lock()
	m.verified[id] = v
	m.mu.Unlock()
	return m.persist()
}

// Contains reports whether id is currently in the verified pool.
func (m *VerifiedTxManager) Contains(id uuid.UUID) (bool, error) {
	if err := m.refresh(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.verified[id]
	return ok, nil
}

// Get returns the verified entry for id, or false if absent.
func (m *VerifiedTxManager) Get(id uuid.UUID) (*TxVerified, bool, error) {
	if err := m.refresh(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.verified[id]
	return v, ok, nil
}

// All returns every verified entry sorted by VerifiedTime descending
// (newest first), paired with its id.
func (m *VerifiedTxManager) All() ([]uuid.UUID, []*TxVerified, error) {
	if err := m.refresh(); err != nil {
		return nil, nil, err
	}
	m.mu.RLock()
	ids := make([]uuid.UUID, 0, len(m.verified))
	entries := make([]*TxVerified, 0, len(m.verified))
	for id, v := range m.verified {
		ids = append(ids, id)
		entries = append(entries, v)
	}
	m.mu.RUnlock()

	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		return entries[order[a]].VerifiedTime.After(entries[order[b]].VerifiedTime)
	})
	sortedIDs := make([]uuid.UUID, len(order))
	sortedEntries := make([]*TxVerified, len(order))
	for i, idx := range order {
		sortedIDs[i] = ids[idx]
		sortedEntries[i] = entries[idx]
	}
	return sortedIDs, sortedEntries, nil
}

// Delete removes the given ids from the verified pool and persists it.
func (m *VerifiedTxManager) Delete(ids []uuid.UUID) error {
	if err := m.refresh(); err != nil {
		return err
	}
	m.mu.Lock()
	for _, id := range ids {
		delete(m.verified, id)
	}
	m.mu.Unlock()
	return m.persist()
}

// RecentBySenderAndType returns up to limit most-recently-verified
// transactions from sender carrying the given type tag, newest first.
func (m *VerifiedTxManager) RecentBySenderAndType(sender uuid.UUID, typeTag string, limit int) ([]Tx, error) {
	_, entries, err := m.All()
	if err != nil {
		return nil, err
	}
	out := make([]Tx, 0, limit)
	for _, v := range entries {
		if len(out) >= limit {
			break
		}
		if v.Tx.Sender == sender && v.Tx.Data.T == typeTag {
			out = append(out, v.Tx)
		}
	}
	return out, nil
}
