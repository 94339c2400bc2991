package core

// agreement_loop.go — the periodic validator-committee re-election
// trigger and the full agreement round state machine: propose, receive,
// vote, and conclude (spec.md §4.9). Grounded on the teacher's
// core/peer_management.go committee-sampling helpers, generalized to the
// propose/vote/conclude protocol.

import (
	"context"
	"crypto/rand"
	"math"
	"math/big"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	agreementTriggerInterval = 30 * time.Second
	agreementMinGap          = 139 * time.Second
	defaultValidatorsPart    = 0.1
)

// RunAgreementLoop drives the periodic committee-rotation trigger until
// ctx is cancelled.
func (e *Engine) RunAgreementLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(agreementTriggerInterval):
		}
		if err := e.agreementTick(ctx); err != nil {
			e.Log.WithError(err).Warn("agreement trigger tick failed")
		}
	}
}

func (e *Engine) agreementTick(ctx context.Context) error {
	isVal, err := e.isSelfValidator()
	if err != nil {
		return err
	}
	if !isVal {
		return nil
	}

	state := e.Agreement.State()
	if state.IsStarted {
		return nil
	}
	now := uint32(time.Now().Unix())
	if now < state.LastSuccessTime || time.Duration(now-state.LastSuccessTime)*time.Second < agreementMinGap {
		return nil
	}
	return e.startAgreementRound(ctx)
}

type trustedNode struct {
	node  Node
	trust int
}

// sortedByTrust returns every known node sorted ascending by trust, with
// ties broken by UUID lexical order — the deterministic ordering both the
// mandatory-half selection and its vote-time re-derivation depend on.
func (e *Engine) sortedByTrust() ([]trustedNode, error) {
	nodes, err := e.Nodes.All()
	if err != nil {
		return nil, err
	}
	trust, err := e.Trust.All()
	if err != nil {
		return nil, err
	}
	out := make([]trustedNode, len(nodes))
	for i, n := range nodes {
		t, ok := trust[n.ID]
		if !ok {
			t = BasicTrust
		}
		out[i] = trustedNode{node: n, trust: t}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].trust != out[j].trust {
			return out[i].trust < out[j].trust
		}
		return out[i].node.ID.String() < out[j].node.ID.String()
	})
	return out, nil
}

func (e *Engine) committeeSize(total int) int {
	f := defaultValidatorsPart
	if e.ValidatorsPart > 0 {
		f = e.ValidatorsPart
	}
	n := int(math.Ceil(f * float64(total)))
	if n < 2 {
		n = 2
	}
	return n
}

// proposeCommittee computes the deterministic mandatory half and samples
// the remaining slots uniformly at random from the candidate pool
// (everything not in the mandatory half) — the resolved reading of
// spec.md §9's open question on second-half sampling.
func (e *Engine) proposeCommittee() (mandatory, sampled []uuid.UUID, err error) {
	sorted, err := e.sortedByTrust()
	if err != nil {
		return nil, nil, err
	}
	n := e.committeeSize(len(sorted))
	half := n / 2
	if half > len(sorted) {
		half = len(sorted)
	}
	mandatory = make([]uuid.UUID, half)
	for i := 0; i < half; i++ {
		mandatory[i] = sorted[i].node.ID
	}

	pool := sorted[half:]
	remaining := n - half
	if remaining > len(pool) {
		remaining = len(pool)
	}
	sampled, err = sampleWithoutReplacement(pool, remaining)
	if err != nil {
		return nil, nil, err
	}
	return mandatory, sampled, nil
}

func sampleWithoutReplacement(pool []trustedNode, k int) ([]uuid.UUID, error) {
	idx := make([]int, len(pool))
	for i := range idx {
		idx[i] = i
	}
	out := make([]uuid.UUID, 0, k)
	for len(out) < k && len(idx) > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(idx))))
		if err != nil {
			return nil, err
		}
		pick := int(n.Int64())
		out = append(out, pool[idx[pick]].node.ID)
		idx = append(idx[:pick], idx[pick+1:]...)
	}
	return out, nil
}

func (e *Engine) startAgreementRound(ctx context.Context) error {
	mandatory, sampled, err := e.proposeCommittee()
	if err != nil {
		return err
	}
	proposed := append(append([]uuid.UUID{}, mandatory...), sampled...)

	if err := e.Agreement.Start(e.Self.ID, proposed); err != nil {
		return err
	}

	peers, err := e.validatorPeers()
	if err != nil {
		return err
	}
	hexList := HexUUIDList(proposed)
	e.Client.Broadcast(peers, "node_validator_agreement_start", func(p Node) error {
		_, err := e.Client.PostJSON(ctx, p, "/node/validator/agreement", map[string]any{"list": hexList})
		return err
	})

	return e.ChangeNodeTrust(ctx, e.Self.ID, TrustAgreementStarted, nil, "")
}

// AgreementReceiveProposal installs a proposal from a peer leader, computes
// this node's own vote against the deterministic rule, records it, and
// gossips it onward. It returns the computed vote for the synchronous
// "agreement snapshot" response spec.md §6 calls for.
func (e *Engine) AgreementReceiveProposal(ctx context.Context, proposer Node, list []uuid.UUID) (bool, error) {
	state := e.Agreement.State()
	if state.IsStarted {
		return false, NewProtocolViolation("agreement already started")
	}
	isVal, err := e.Validators.Contains(proposer.ID)
	if err != nil {
		return false, err
	}
	if !isVal {
		return false, NewNotAuthorized("proposer is not a validator")
	}
	for _, id := range list {
		if _, ok, err := e.Nodes.FindByID(id); err != nil {
			return false, err
		} else if !ok {
			return false, NewMalformedRequest("proposed list contains an unknown node")
		}
	}

	if err := e.Agreement.Start(proposer.ID, list); err != nil {
		return false, err
	}

	vote, err := e.computeAgreementVote(list)
	if err != nil {
		return false, err
	}
	if err := e.Agreement.RecordVote(e.Self.ID, vote); err != nil {
		return false, err
	}

	peers, err := e.validatorPeers()
	if err != nil {
		return false, err
	}
	e.Client.Broadcast(peers, "node_validator_agreement_vote", func(p Node) error {
		_, err := e.Client.PatchJSON(ctx, p, "/node/validator/agreement/vote", map[string]any{"result": vote})
		return err
	})

	return vote, nil
}

// computeAgreementVote re-derives the expected committee from the current
// trust snapshot and checks list against it: the mandatory half must match
// exactly (order included — both sides sort identically), and every
// second-half member must belong to the legitimate candidate pool.
func (e *Engine) computeAgreementVote(list []uuid.UUID) (bool, error) {
	sorted, err := e.sortedByTrust()
	if err != nil {
		return false, err
	}
	n := e.committeeSize(len(sorted))
	half := n / 2
	if half > len(sorted) {
		half = len(sorted)
	}
	if len(list) != n {
		return false, nil
	}
	for i := 0; i < half; i++ {
		if list[i] != sorted[i].node.ID {
			return false, nil
		}
	}
	candidatePool := map[uuid.UUID]bool{}
	for _, tn := range sorted[half:] {
		candidatePool[tn.node.ID] = true
	}
	for _, id := range list[half:] {
		if !candidatePool[id] {
			return false, nil
		}
	}
	return true, nil
}

// AgreementReceiveVote records a gossiped vote and, if self is the current
// leader and every member of the current validator set has now voted, concludes the
// round (spec.md §4.9 end condition).
func (e *Engine) AgreementReceiveVote(ctx context.Context, voter uuid.UUID, result bool) error {
	if err := e.Agreement.RecordVote(voter, result); err != nil {
		return err
	}

	state := e.Agreement.State()
	if !state.IsStarted || len(state.Leaders) == 0 {
		return nil
	}
	currentLeader := state.Leaders[len(state.Leaders)-1]
	if currentLeader != e.Self.ID {
		return nil
	}

	setSize, err := e.Validators.Size()
	if err != nil {
		return err
	}
	if len(state.Votes) < setSize {
		return nil
	}

	positive := 0
	for _, v := range state.Votes {
		if v {
			positive++
		}
	}
	if positive > setSize/2 {
		return e.concludeAgreementSuccess(ctx, state)
	}
	return e.concludeAgreementFailure(ctx, state)
}

func (e *Engine) concludeAgreementSuccess(ctx context.Context, state AgreementState) error {
	now := uint32(time.Now().Unix())
	leaderCtx := "leader:" + e.Self.ID.String()
	validatedDelta := TrustAgreementValidation.DefaultDelta()
	for voter, v := range state.Votes {
		d := validatedDelta
		if !v {
			d = -10 * validatedDelta
		}
		_ = e.ChangeNodeTrust(ctx, voter, TrustAgreementValidation, &d, leaderCtx)
	}

	if err := e.Validators.Set(state.ProposedList); err != nil {
		return err
	}
	if err := e.Agreement.Succeed(now); err != nil {
		return err
	}

	peers, err := e.Nodes.ExcludeSelf()
	if err != nil {
		return err
	}
	payload := map[string]any{
		"validators": HexUUIDList(state.ProposedList),
		"leader":     e.Self.ID.String(),
	}
	e.Client.Broadcast(peers, "node_validator_agreement_done", func(p Node) error {
		_, err := e.Client.PostJSON(ctx, p, "/node/validator/agreement/done", payload)
		return err
	})
	return nil
}

func (e *Engine) concludeAgreementFailure(ctx context.Context, state AgreementState) error {
	next, err := e.nextLeaderCandidate(state)
	if err != nil {
		return err
	}
	if err := e.Agreement.PushLeader(next); err != nil {
		return err
	}
	if next != e.Self.ID {
		return nil
	}

	if err := e.Agreement.RestartWithNewLeader(next); err != nil {
		return err
	}
	peers, err := e.validatorPeers()
	if err != nil {
		return err
	}
	hexList := HexUUIDList(state.ProposedList)
	e.Client.Broadcast(peers, "node_validator_agreement_start", func(p Node) error {
		_, err := e.Client.PostJSON(ctx, p, "/node/validator/agreement", map[string]any{"list": hexList})
		return err
	})
	return nil
}

// nextLeaderCandidate returns the lowest-trust current validator not
// already in state.Leaders.
func (e *Engine) nextLeaderCandidate(state AgreementState) (uuid.UUID, error) {
	validators, err := e.Validators.List()
	if err != nil {
		return uuid.Nil, err
	}
	trust, err := e.Trust.All()
	if err != nil {
		return uuid.Nil, err
	}
	tried := map[uuid.UUID]bool{}
	for _, id := range state.Leaders {
		tried[id] = true
	}

	candidates := make([]trustedNode, 0, len(validators))
	for _, id := range validators {
		if tried[id] {
			continue
		}
		t, ok := trust[id]
		if !ok {
			t = BasicTrust
		}
		candidates = append(candidates, trustedNode{node: Node{ID: id}, trust: t})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].trust != candidates[j].trust {
			return candidates[i].trust < candidates[j].trust
		}
		return candidates[i].node.ID.String() < candidates[j].node.ID.String()
	})
	if len(candidates) == 0 {
		return state.Leaders[len(state.Leaders)-1], nil
	}
	return candidates[0].node.ID, nil
}

// InstallNewValidators applies a validator list pushed by the agreement
// leader (POST /node/validator/new or /node/validator/agreement/done),
// resetting local agreement state and stamping last_success_time
// (spec.md §4.9, `node_new_validators`).
func (e *Engine) InstallNewValidators(list []uuid.UUID) error {
	now := uint32(time.Now().Unix())
	if err := e.Validators.Set(list); err != nil {
		return err
	}
	return e.Agreement.Reset(now)
}
