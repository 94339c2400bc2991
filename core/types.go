// Package core implements the Proof-of-Trust ledger: transaction intake and
// voting, block sealing and chain linkage, trust-score propagation, and the
// validator-committee agreement protocol.
package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NodeType distinguishes a sensor (submit-only) from a validator (votes,
// seals blocks, participates in agreement). It is a hint only — the
// authoritative validator membership is the ValidatorManager's roster.
type NodeType uint8

const (
	NodeSensor NodeType = iota
	NodeValidator
)

func (t NodeType) String() string {
	if t == NodeValidator {
		return "VALIDATOR"
	}
	return "SENSOR"
}

// ParseNodeType accepts "SENSOR" or "VALIDATOR" (case sensitive, matching
// the wire/env representation); anything else defaults to SENSOR.
func ParseNodeType(s string) NodeType {
	if s == "VALIDATOR" {
		return NodeValidator
	}
	return NodeSensor
}

// Node is a peer's identity and network address. Type is advisory; whether
// a node may vote and seal blocks is decided solely by ValidatorManager
// membership.
type Node struct {
	ID   uuid.UUID `json:"identifier"`
	Host string    `json:"host"`
	Port uint16    `json:"port"`
	Type NodeType  `json:"type"`

	// PublicKeyPEM is fetched lazily from the node's own GET /public-key and
	// cached in memory only — it is never persisted to the node roster file,
	// so it is refetched once per process lifetime the first time a
	// signature from that sender needs checking.
	PublicKeyPEM []byte `json:"-"`
}

// TxData is the application payload carried by a transaction. It must carry
// a non-empty type tag (T) and a payload (D, number or string); a note (N)
// is optional. Raw preserves the exact bytes as received so re-serializing
// never happens before a signature check — signatures cover bytes, not
// parsed structure.
type TxData struct {
	T   string          `json:"t"`
	D   json.RawMessage `json:"d"`
	N   *string         `json:"n,omitempty"`
	Raw []byte          `json:"-"`
}

// DataValueFloat extracts D as a float64, for the plausibility check. Only
// numeric D values participate in statistical verification; non-numeric D
// (string payloads) always pass the check, without any baseline lookup,
// since there's nothing to average.
func (d TxData) DataValueFloat() (float64, bool) {
	var f float64
	if err := json.Unmarshal(d.D, &f); err != nil {
		return 0, false
	}
	return f, true
}

// Tx is a signed sensor transaction. Signature covers the canonical
// encoding with the signature bytes elided at offsets [24:88).
type Tx struct {
	Version   uint32
	Timestamp uint32
	Sender    uuid.UUID
	Signature [64]byte
	Data      TxData
}

// TxToVerify is a transaction admitted by a validator, awaiting
// cross-validator votes. Voting holds at most one entry per validator id —
// including, transiently, ids that later fall outside tallySnapshot.
type TxToVerify struct {
	Tx            Tx
	SubmitterNode Node
	Voting        map[uuid.UUID]bool
	ArrivalTime   time.Time
	// tallySnapshot is the validator set snapshotted at the moment the
	// first vote for this id was recorded. The tally-size equality check
	// and the positive/negative split both count only voters present in
	// this set, so a mid-vote validator rotation can neither stall the
	// tally nor let a rotated-out (or newly rotated-in) id skew the
	// majority — it can still cast a vote (recorded in Voting for
	// bookkeeping/idempotence) but that vote is ignored by the tally (see
	// SPEC_FULL.md §4.5-4.9 resolved open questions).
	tallySnapshot map[uuid.UUID]struct{}
}

// inSnapshot reports whether voter was a member of the validator set
// snapshotted at the first vote.
func (e *TxToVerify) inSnapshot(voter uuid.UUID) bool {
	_, ok := e.tallySnapshot[voter]
	return ok
}

// talliedVotes returns the subset of Voting cast by voters present in
// tallySnapshot.
func (e *TxToVerify) talliedVotes() map[uuid.UUID]bool {
	out := make(map[uuid.UUID]bool, len(e.tallySnapshot))
	for voter, result := range e.Voting {
		if e.inSnapshot(voter) {
			out[voter] = result
		}
	}
	return out
}

// TxVerified is a transaction promoted by majority vote, awaiting block
// inclusion.
type TxVerified struct {
	Tx           Tx
	VerifiedTime time.Time
}

// Block is a sealed batch of verified transactions. Signature covers the
// canonical encoding with the signature bytes elided at offsets [56:120).
type Block struct {
	Version      uint32
	Timestamp    uint32
	PrevHash     [32]byte
	Validator    uuid.UUID
	Signature    [64]byte
	Transactions []Tx
}

// Chain is an ordered, append-only sequence of blocks.
type Chain []*Block

// TrustChangeType enumerates the observable events that mutate a node's
// trust score, each with its positive default delta. A negative outcome of
// the same kind applies -10x that default (see ChangeNodeTrust callers).
type TrustChangeType uint8

const (
	TrustBlockCreated TrustChangeType = iota
	TrustTransactionCreated
	TrustTransactionValidated
	TrustAgreementStarted
	TrustAgreementValidation
)

// DefaultDelta returns this event type's positive default trust delta.
func (t TrustChangeType) DefaultDelta() int {
	switch t {
	case TrustBlockCreated:
		return 2
	case TrustTransactionCreated:
		return 2
	case TrustTransactionValidated:
		return 1
	case TrustAgreementStarted:
		return 5
	case TrustAgreementValidation:
		return 1
	default:
		return 0
	}
}

func (t TrustChangeType) String() string {
	switch t {
	case TrustBlockCreated:
		return "BLOCK_CREATED"
	case TrustTransactionCreated:
		return "TRANSACTION_CREATED"
	case TrustTransactionValidated:
		return "TRANSACTION_VALIDATED"
	case TrustAgreementStarted:
		return "AGREEMENT_STARTED"
	case TrustAgreementValidation:
		return "AGREEMENT_VALIDATION"
	default:
		return "UNKNOWN"
	}
}

// ParseTrustChangeType is the inverse of String, used when decoding a
// PATCH node/{id}/trust payload from a peer.
func ParseTrustChangeType(s string) (TrustChangeType, bool) {
	switch s {
	case "BLOCK_CREATED":
		return TrustBlockCreated, true
	case "TRANSACTION_CREATED":
		return TrustTransactionCreated, true
	case "TRANSACTION_VALIDATED":
		return TrustTransactionValidated, true
	case "AGREEMENT_STARTED":
		return TrustAgreementStarted, true
	case "AGREEMENT_VALIDATION":
		return TrustAgreementValidation, true
	default:
		return 0, false
	}
}

// BasicTrust is the initial score assigned to every newly observed node.
const BasicTrust = 5000

// TrustHistoryWindow is how long a trust-change event is remembered for
// de-duplication purposes; events older than this are purged.
const TrustHistoryWindow = 60 * time.Second

// NodeTrustChange is a single trust mutation event. Two events are
// considered identical (and the later one a no-op) iff all fields match.
type NodeTrustChange struct {
	Target    uuid.UUID
	Timestamp float64
	Type      TrustChangeType
	Delta     int
	Context   string
}

// Equal reports whether two events are identical in every field — the
// de-duplication predicate from spec.md §3/§4.8.
func (e NodeTrustChange) Equal(o NodeTrustChange) bool {
	return e.Target == o.Target && e.Timestamp == o.Timestamp &&
		e.Type == o.Type && e.Delta == o.Delta && e.Context == o.Context
}

// AgreementState is the validator-committee rotation state machine. When
// IsStarted is false, every field but LastSuccessTime is zero/empty.
type AgreementState struct {
	IsStarted       bool
	LastSuccessTime uint32
	Leaders         []uuid.UUID
	ProposedList    []uuid.UUID
	Votes           map[uuid.UUID]bool
}
