package core

// agreement.go — persistence and mutation helpers for the committee
// rotation state machine (AgreementState). Three on-disk files back one
// logical state: the proposed list (semicolon-joined hex, same format as
// the validator set), a small JSON envelope for is_started/leaders/
// last_success_time, and a CSV of recorded votes. Grounded on the
// teacher's core/peer_management.go election bookkeeping.

import (
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type agreementInfoFile struct {
	IsStarted       bool        `json:"isStarted"`
	LastSuccessTime uint32      `json:"lastSuccessTime"`
	Leaders         []uuid.UUID `json:"leaders"`
}

// AgreementManager owns the durable state of the validator-committee
// rotation protocol.
type AgreementManager struct {
	listStorage   *FileStorage
	infoStorage   *FileStorage
	resultStorage *FileStorage

	mu    sync.Mutex
	state AgreementState
}

func NewAgreementManager(listStorage, infoStorage, resultStorage *FileStorage) (*AgreementManager, error) {
	m := &AgreementManager{listStorage: listStorage, infoStorage: infoStorage, resultStorage: resultStorage}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *AgreementManager) reload() error {
	listRaw, err := m.listStorage.Load()
	if err != nil {
		return err
	}
	proposed, err := decodeValidatorList(listRaw)
	if err != nil {
		return err
	}

	infoRaw, err := m.infoStorage.Load()
	if err != nil {
		return err
	}
	var info agreementInfoFile
	if len(strings.TrimSpace(string(infoRaw))) > 0 {
		if err := json.Unmarshal(infoRaw, &info); err != nil {
			return NewStorageError("decode agreement info: " + err.Error())
		}
	}

	resultRaw, err := m.resultStorage.Load()
	if err != nil {
		return err
	}
	votes := map[uuid.UUID]bool{}
	if len(resultRaw) > 0 {
		r := csv.NewReader(strings.NewReader(string(resultRaw)))
		r.FieldsPerRecord = -1
		records, err := r.ReadAll()
		if err != nil {
			return NewStorageError("decode agreement votes: " + err.Error())
		}
		for _, rec := range records {
			if len(rec) < 2 {
				continue
			}
			id, err := uuid.Parse(rec[0])
			if err != nil {
				continue
			}
			b, err := strconv.ParseBool(rec[1])
			if err != nil {
				continue
			}
			votes[id] = b
		}
	}

	m.mu.Lock()
	m.state = AgreementState{
		IsStarted:       info.IsStarted,
		LastSuccessTime: info.LastSuccessTime,
		Leaders:         info.Leaders,
		ProposedList:    proposed,
		Votes:           votes,
	}
	m.mu.Unlock()
	return nil
}

func (m *AgreementManager) persistVotes() error {
	m.mu.Lock()
	buf := &strings.Builder{}
	w := csv.NewWriter(buf)
	for id, v := range m.state.Votes {
		_ = w.Write([]string{id.String(), strconv.FormatBool(v)})
	}
	w.Flush()
	m.mu.Unlock()
	return m.resultStorage.Dump([]byte(buf.String()))
}

func (m *AgreementManager) persistInfo() error {
	m.mu.Lock()
	info := agreementInfoFile{IsStarted: m.state.IsStarted, LastSuccessTime: m.state.LastSuccessTime, Leaders: m.state.Leaders}
	m.mu.Unlock()
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return m.infoStorage.Dump(raw)
}

func (m *AgreementManager) persistList() error {
	m.mu.Lock()
	list := append([]uuid.UUID(nil), m.state.ProposedList...)
	m.mu.Unlock()
	return m.listStorage.Dump(encodeValidatorList(list))
}

// State returns a snapshot of the current agreement state.
func (m *AgreementManager) State() AgreementState {
	m.mu.Lock()
	defer m.mu.Unlock()
	votes := make(map[uuid.UUID]bool, len(m.state.Votes))
	for k, v := range m.state.Votes {
		votes[k] = v
	}
	return AgreementState{
		IsStarted:       m.state.IsStarted,
		LastSuccessTime: m.state.LastSuccessTime,
		Leaders:         append([]uuid.UUID(nil), m.state.Leaders...),
		ProposedList:    append([]uuid.UUID(nil), m.state.ProposedList...),
		Votes:           votes,
	}
}

// Start installs a new round: leader is the proposer (self when
// leader-initiated, the remote proposer when installed on reception), list
// is the proposed committee, and the leader's own vote (true) is recorded
// immediately.
func (m *AgreementManager) Start(leader uuid.UUID, list []uuid.UUID) error {
	m.mu.Lock()
	m.state.IsStarted = true
	m.state.Leaders = []uuid.UUID{leader}
	m.state.ProposedList = append([]uuid.UUID(nil), list...)
	m.state.Votes = map[uuid.UUID]bool{leader: true}
	m.mu.Unlock()
	if err := m.persistList(); err != nil {
		return err
	}
	if err := m.persistInfo(); err != nil {
		return err
	}
	return m.persistVotes()
}

// RecordVote records voter's vote idempotently (a repeated vote from the
// same voter is a no-op).
func (m *AgreementManager) RecordVote(voter uuid.UUID, result bool) error {
	m.mu.Lock()
	if _, ok := m.state.Votes[voter]; ok {
		m.mu.Unlock()
		return nil
	}
	m.state.Votes[voter] = result
	m.mu.Unlock()
	return m.persistVotes()
}

// PushLeader appends next to the leader chain, used on a failed round so
// the next-highest-trust validator retries.
func (m *AgreementManager) PushLeader(next uuid.UUID) error {
	m.mu.Lock()
	m.state.Leaders = append(m.state.Leaders, next)
	m.mu.Unlock()
	return m.persistInfo()
}

// Succeed stamps last_success_time with now and resets the round, clearing
// the leaders, the proposed list and the votes.
func (m *AgreementManager) Succeed(now uint32) error {
	m.mu.Lock()
	m.state.IsStarted = false
	m.state.LastSuccessTime = now
	m.state.Leaders = nil
	m.state.ProposedList = nil
	m.state.Votes = map[uuid.UUID]bool{}
	m.mu.Unlock()
	if err := m.persistList(); err != nil {
		return err
	}
	if err := m.persistInfo(); err != nil {
		return err
	}
	return m.persistVotes()
}

// Reset clears the round and stamps last_success_time with now, exactly as
// Succeed does — used when a peer installs a validator list pushed directly
// by /node/validator/new.
func (m *AgreementManager) Reset(now uint32) error {
	return m.Succeed(now)
}

// RestartWithNewLeader keeps the current proposed list and leader chain
// (leader was already appended by PushLeader) but clears recorded votes
// down to the new leader's own implicit true vote — used when a round
// fails and the next-highest-trust validator retries the same committee.
func (m *AgreementManager) RestartWithNewLeader(leader uuid.UUID) error {
	m.mu.Lock()
	m.state.Votes = map[uuid.UUID]bool{leader: true}
	m.mu.Unlock()
	return m.persistVotes()
}
