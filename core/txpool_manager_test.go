package core

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newPendingManager(t *testing.T) *PendingTxManager {
	t.Helper()
	storage, err := NewFileStorage(filepath.Join(t.TempDir(), "transaction"))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	m, err := NewPendingTxManager(storage)
	if err != nil {
		t.Fatalf("new pending manager: %v", err)
	}
	return m
}

func uuidSlice(n int, include ...uuid.UUID) []uuid.UUID {
	out := append([]uuid.UUID{}, include...)
	for len(out) < n {
		out = append(out, uuid.New())
	}
	return out
}

func TestPendingVoteIdempotence(t *testing.T) {
	m := newPendingManager(t)
	id := uuid.New()
	voter := uuid.New()
	entry := &TxToVerify{Tx: sampleTx(""), Voting: map[uuid.UUID]bool{}, ArrivalTime: time.Now()}
	if err := m.Add(id, entry); err != nil {
		t.Fatalf("add: %v", err)
	}
	snapshot := uuidSlice(5, voter)

	if _, duplicate, err := m.AddVerificationResult(id, voter, true, snapshot); err != nil || duplicate {
		t.Fatalf("first vote should not be a duplicate: dup=%v err=%v", duplicate, err)
	}
	updated, duplicate, err := m.AddVerificationResult(id, voter, false, snapshot)
	if err != nil {
		t.Fatalf("second vote: %v", err)
	}
	if !duplicate {
		t.Fatalf("repeat vote from the same voter must be rejected as a duplicate")
	}
	if updated.Voting[voter] != true {
		t.Fatalf("duplicate vote must not overwrite the original result: got %v", updated.Voting[voter])
	}
}

func TestPendingTallyTargetSnapshotsOnFirstVote(t *testing.T) {
	m := newPendingManager(t)
	id := uuid.New()
	entry := &TxToVerify{Tx: sampleTx(""), Voting: map[uuid.UUID]bool{}, ArrivalTime: time.Now()}
	if err := m.Add(id, entry); err != nil {
		t.Fatalf("add: %v", err)
	}

	firstVoter := uuid.New()
	if _, _, err := m.AddVerificationResult(id, firstVoter, true, uuidSlice(7, firstVoter)); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	target, err := m.TallyTarget(id)
	if err != nil {
		t.Fatalf("tally target: %v", err)
	}
	if target != 7 {
		t.Fatalf("expected snapshotted set size 7, got %d", target)
	}

	// A second vote under a different live validator-set snapshot must not
	// move the already-snapshotted target (mid-vote rotation can't stall
	// the tally).
	if _, _, err := m.AddVerificationResult(id, uuid.New(), true, uuidSlice(9)); err != nil {
		t.Fatalf("second vote: %v", err)
	}
	target, err = m.TallyTarget(id)
	if err != nil {
		t.Fatalf("tally target 2: %v", err)
	}
	if target != 7 {
		t.Fatalf("tally target must stay snapshotted at 7, got %d", target)
	}
}

// TestPendingTalliedVoteCountExcludesNonSnapshotVoters locks the fix for a
// mid-vote validator-set change: a vote cast by an id outside the snapshot
// taken at the first vote is recorded (for idempotence) but must not count
// toward TalliedVoteCount.
func TestPendingTalliedVoteCountExcludesNonSnapshotVoters(t *testing.T) {
	m := newPendingManager(t)
	id := uuid.New()
	entry := &TxToVerify{Tx: sampleTx(""), Voting: map[uuid.UUID]bool{}, ArrivalTime: time.Now()}
	if err := m.Add(id, entry); err != nil {
		t.Fatalf("add: %v", err)
	}

	inSnapshot := uuid.New()
	snapshot := uuidSlice(3, inSnapshot)
	if _, _, err := m.AddVerificationResult(id, inSnapshot, true, snapshot); err != nil {
		t.Fatalf("snapshot vote: %v", err)
	}
	outsider := uuid.New()
	if _, _, err := m.AddVerificationResult(id, outsider, true, uuidSlice(3)); err != nil {
		t.Fatalf("outsider vote: %v", err)
	}

	count, err := m.TalliedVoteCount(id)
	if err != nil {
		t.Fatalf("tallied vote count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected only the snapshot-member vote to count, got %d", count)
	}

	entryNow, _, err := m.Find(id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(entryNow.Voting) != 2 {
		t.Fatalf("the outsider's vote should still be recorded in Voting for idempotence, got %d entries", len(entryNow.Voting))
	}
}

func TestPendingIDsWithoutVote(t *testing.T) {
	m := newPendingManager(t)
	voter := uuid.New()
	voted := uuid.New()
	unvoted := uuid.New()

	if err := m.Add(voted, &TxToVerify{Tx: sampleTx(""), Voting: map[uuid.UUID]bool{voter: true}}); err != nil {
		t.Fatalf("add voted: %v", err)
	}
	if err := m.Add(unvoted, &TxToVerify{Tx: sampleTx(""), Voting: map[uuid.UUID]bool{}}); err != nil {
		t.Fatalf("add unvoted: %v", err)
	}

	ids, err := m.PendingIDsWithoutVote(voter)
	if err != nil {
		t.Fatalf("pending ids: %v", err)
	}
	if len(ids) != 1 || ids[0] != unvoted {
		t.Fatalf("expected only %s, got %v", unvoted, ids)
	}
}

func newVerifiedManager(t *testing.T) *VerifiedTxManager {
	t.Helper()
	storage, err := NewFileStorage(filepath.Join(t.TempDir(), "transaction_verified"))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	m, err := NewVerifiedTxManager(storage)
	if err != nil {
		t.Fatalf("new verified manager: %v", err)
	}
	return m
}

func TestVerifiedAllSortedDescending(t *testing.T) {
	m := newVerifiedManager(t)
	older := uuid.New()
	newer := uuid.New()
	now := time.Now().UTC()

	if err := m.Add(older, &TxVerified{Tx: sampleTx(""), VerifiedTime: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("add older: %v", err)
	}
	if err := m.Add(newer, &TxVerified{Tx: sampleTx(""), VerifiedTime: now}); err != nil {
		t.Fatalf("add newer: %v", err)
	}

	ids, _, err := m.All()
	if err != nil {
		t.Fatalf("all: %v", err)
	}
	if len(ids) != 2 || ids[0] != newer || ids[1] != older {
		t.Fatalf("expected [newer, older], got %v", ids)
	}
}

func TestVerifiedRecentBySenderAndType(t *testing.T) {
	m := newVerifiedManager(t)
	sender := uuid.New()

	mk := func(typeTag string, when time.Time) Tx {
		tx := sampleTx("")
		tx.Sender = sender
		tx.Data.T = typeTag
		return tx
	}

	now := time.Now().UTC()
	if err := m.Add(uuid.New(), &TxVerified{Tx: mk("temperature", now), VerifiedTime: now}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := m.Add(uuid.New(), &TxVerified{Tx: mk("humidity", now), VerifiedTime: now.Add(time.Second)}); err != nil {
		t.Fatalf("add: %v", err)
	}

	recent, err := m.RecentBySenderAndType(sender, "temperature", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recent) != 1 || recent[0].Data.T != "temperature" {
		t.Fatalf("expected one temperature tx, got %v", recent)
	}
}
