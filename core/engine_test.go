package core

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// newTestEngine builds a fully wired single-node Engine (self is both the
// lone validator and the only known node) backed by temp-dir storage.
func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dir := t.TempDir()
	ks, err := LoadOrCreateKeystore(dir)
	if err != nil {
		t.Fatalf("keystore: %v", err)
	}
	self := Node{ID: ks.ID, Host: "self-host", Port: 5000, Type: NodeValidator}

	open := func(name string) *FileStorage {
		s, err := NewFileStorage(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("storage %s: %v", name, err)
		}
		return s
	}

	chain, err := NewChainManager(open("blockchain"))
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	nodes, err := NewNodeManager(open("nodes"), self.ID)
	if err != nil {
		t.Fatalf("nodes: %v", err)
	}
	if err := nodes.Add(self); err != nil {
		t.Fatalf("add self: %v", err)
	}
	validators, err := NewValidatorManager(open("validators"))
	if err != nil {
		t.Fatalf("validators: %v", err)
	}
	if err := validators.Set([]uuid.UUID{self.ID}); err != nil {
		t.Fatalf("set validators: %v", err)
	}
	pending, err := NewPendingTxManager(open("transaction"))
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	verified, err := NewVerifiedTxManager(open("transaction_verified"))
	if err != nil {
		t.Fatalf("verified: %v", err)
	}
	trust, err := NewTrustManager(open("nodes_trust"))
	if err != nil {
		t.Fatalf("trust: %v", err)
	}
	history, err := NewTrustHistoryManager(open("node_trust_history"))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	agreement, err := NewAgreementManager(open("validators_agreement"), open("validators_agreement_info"), open("validator_agreement_result"))
	if err != nil {
		t.Fatalf("agreement: %v", err)
	}

	log := logrus.NewEntry(logrus.New())
	client := NewClient(log)
	return NewEngine(self, ks, chain, nodes, validators, pending, verified, trust, history, agreement, client, log, 0)
}

func signedTx(e *Engine, typeTag string, value float64) []byte {
	tx := Tx{
		Version:   1,
		Timestamp: uint32(time.Now().Unix()),
		Sender:    e.Self.ID,
		Data:      TxData{T: typeTag, D: json.RawMessage(mustMarshal(value))},
	}
	tx = e.Keystore.SignTx(tx)
	return EncodeTx(tx)
}

func mustMarshal(v float64) []byte {
	b, _ := json.Marshal(v)
	return b
}

// TestTransactionLifecycleSingleValidator walks a transaction end to end in
// a one-validator network: submit, self-vote, majority tally, promotion to
// the verified pool (spec.md §4.5-§4.6, scenario S1's single-node case).
func TestTransactionLifecycleSingleValidator(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.TransactionNew(ctx, signedTx(e, "temperature", 21.5), e.Self.Host)
	if err != nil {
		t.Fatalf("transaction new: %v", err)
	}

	if err := e.AddTransactionVerificationResult(ctx, id, e.Self.ID, true); err != nil {
		t.Fatalf("add verification result: %v", err)
	}

	verifiedOK, err := e.Verified.Contains(id)
	if err != nil {
		t.Fatalf("verified contains: %v", err)
	}
	if !verifiedOK {
		t.Fatalf("transaction should be promoted to verified after a unanimous single-validator vote")
	}
	if _, pendingOK, err := e.Pending.Find(id); err != nil || pendingOK {
		t.Fatalf("transaction should be popped from pending once tallied: found=%v err=%v", pendingOK, err)
	}
}

func TestTransactionRejectsUnknownSender(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tx := Tx{Version: 1, Timestamp: uint32(time.Now().Unix()), Sender: uuid.New(),
		Data: TxData{T: "x", D: json.RawMessage("1")}}
	tx = e.Keystore.SignTx(tx)

	_, err := e.TransactionNew(ctx, EncodeTx(tx), "some-host")
	if err == nil {
		t.Fatalf("expected an error for an unknown sender")
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Kind != "UnknownEntity" {
		t.Fatalf("expected UnknownEntity, got %#v", err)
	}
}

func TestTransactionRejectsBadSignature(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	tx := Tx{Version: 1, Timestamp: uint32(time.Now().Unix()), Sender: e.Self.ID,
		Data: TxData{T: "x", D: json.RawMessage("1")}}
	// deliberately unsigned: Signature stays all-zero

	_, err := e.TransactionNew(ctx, EncodeTx(tx), e.Self.Host)
	if err == nil {
		t.Fatalf("expected a signature verification failure")
	}
}

// TestAlreadyVerifiedTransactionRejectsFurtherVotes locks the 418 path: once
// a transaction is already verified, another vote must be refused rather
// than silently accepted.
func TestAlreadyVerifiedTransactionRejectsFurtherVotes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	id, err := e.TransactionNew(ctx, signedTx(e, "temperature", 1), e.Self.Host)
	if err != nil {
		t.Fatalf("transaction new: %v", err)
	}
	if err := e.AddTransactionVerificationResult(ctx, id, e.Self.ID, true); err != nil {
		t.Fatalf("vote: %v", err)
	}

	err = e.AddTransactionVerificationResult(ctx, id, uuid.New(), true)
	if err == nil {
		t.Fatalf("expected an already-decided error")
	}
	apiErr, ok := err.(*APIError)
	if !ok || apiErr.Kind != "AlreadyDecided" {
		t.Fatalf("expected AlreadyDecided, got %#v", err)
	}
}

// TestBlockConsistencyAcceptsContiguousPrefix and its companion below lock
// Testable Property 8: a block's transactions must form a contiguous
// newest-first prefix of the verified pool.
func TestBlockConsistencyAcceptsContiguousPrefix(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()
	txOld := sampleTx("old")
	txNew := sampleTx("new")
	idOld, idNew := uuid.New(), uuid.New()
	if err := e.Verified.Add(idOld, &TxVerified{Tx: txOld, VerifiedTime: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("add old: %v", err)
	}
	if err := e.Verified.Add(idNew, &TxVerified{Tx: txNew, VerifiedTime: now}); err != nil {
		t.Fatalf("add new: %v", err)
	}

	blk := Block{Transactions: []Tx{txNew}}
	if err := e.checkBlockConsistency(blk); err != nil {
		t.Fatalf("expected the newest-first prefix to be accepted: %v", err)
	}
}

func TestBlockConsistencyRejectsGapInPrefix(t *testing.T) {
	e := newTestEngine(t)
	now := time.Now().UTC()
	txOld := sampleTx("old")
	txNew := sampleTx("new")
	idOld, idNew := uuid.New(), uuid.New()
	if err := e.Verified.Add(idOld, &TxVerified{Tx: txOld, VerifiedTime: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("add old: %v", err)
	}
	if err := e.Verified.Add(idNew, &TxVerified{Tx: txNew, VerifiedTime: now}); err != nil {
		t.Fatalf("add new: %v", err)
	}

	// Sealing the older transaction while skipping the newer one is the
	// "omits a newer verified transaction" violation.
	blk := Block{Transactions: []Tx{txOld}}
	if err := e.checkBlockConsistency(blk); err == nil {
		t.Fatalf("expected a protocol violation for a gap in the verified prefix")
	}
}

func TestBlockConsistencyRejectsUnknownTransaction(t *testing.T) {
	e := newTestEngine(t)
	blk := Block{Transactions: []Tx{sampleTx("never verified")}}
	if err := e.checkBlockConsistency(blk); err == nil {
		t.Fatalf("expected a protocol violation for a transaction outside the verified pool")
	}
}

// TestTrustChangeDeduplication locks the idempotent-propagation invariant:
// receiving the same trust event twice only applies its delta once.
func TestTrustChangeDeduplication(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	target := uuid.New()
	before, err := e.Trust.Get(target)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	event := NodeTrustChange{Target: target, Timestamp: float64(time.Now().Unix()), Type: TrustTransactionValidated, Delta: 1}
	if err := e.ReceiveTrustChange(ctx, event); err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if err := e.ReceiveTrustChange(ctx, event); err != nil {
		t.Fatalf("second receive: %v", err)
	}

	after, err := e.Trust.Get(target)
	if err != nil {
		t.Fatalf("get after: %v", err)
	}
	if after != before+1 {
		t.Fatalf("expected delta applied exactly once: before=%d after=%d", before, after)
	}
}
