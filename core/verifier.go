package core

// verifier.go — the verifier loop: continuously picks an unvoted pending
// transaction, checks it for statistical plausibility against recent
// history from the same sender and type tag, records its own vote, and
// broadcasts it to the other validators (spec.md §4.6). Grounded on the
// teacher's core/network.go background-goroutine loop shape.

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

const (
	verifierIdleSleep    = 1 * time.Second
	plausibilitySamples  = 100
	plausibilityMinCount = 10
	plausibilitySigma    = 2.0
)

// RunVerifierLoop drives the continuous voting loop until ctx is
// cancelled. It is a no-op on non-validators, polling every
// verifierIdleSleep in case self becomes a validator later.
func (e *Engine) RunVerifierLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := e.verifierTick(ctx); err != nil {
			e.Log.WithError(err).Warn("verifier tick failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(verifierIdleSleep):
		}
	}
}

func (e *Engine) verifierTick(ctx context.Context) error {
	isVal, err := e.isSelfValidator()
	if err != nil {
		return err
	}
	if !isVal {
		return nil
	}

	candidates, err := e.Pending.PendingIDsWithoutVote(e.Self.ID)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	id := candidates[rand.Intn(len(candidates))]

	entry, ok, err := e.Pending.Find(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	result, err := e.verifyTransaction(entry.Tx)
	if err != nil {
		return err
	}

	if err := e.AddTransactionVerificationResult(ctx, id, e.Self.ID, result); err != nil {
		if _, ok := err.(*APIError); ok {
			return nil
		}
		return err
	}

	peers, err := e.validatorPeers()
	if err != nil {
		return err
	}
	e.Client.Broadcast(peers, "transaction_populate_verify_result", func(p Node) error {
		_, err := e.Client.PostJSON(ctx, p, "/transaction/"+id.String()+"/verifyResult", map[string]any{
			"result": result,
		})
		return err
	})
	return nil
}

// verifyTransaction runs the statistical plausibility check (spec.md
// §4.6). Type tag "0" always passes — the reserved heartbeat/no-op type.
func (e *Engine) verifyTransaction(tx Tx) (bool, error) {
	if tx.Data.T == "0" {
		return true, nil
	}

	value, numeric := tx.Data.DataValueFloat()
	if !numeric {
		return true, nil
	}

	samples, err := e.recentSamples(tx.Sender, tx.Data.T, plausibilitySamples)
	if err != nil {
		return false, err
	}
	if len(samples) < plausibilityMinCount {
		return true, nil
	}

	mean, stdev := meanStdev(samples)
	lower := mean - plausibilitySigma*stdev
	upper := mean + plausibilitySigma*stdev
	return value >= lower && value <= upper, nil
}

// recentSamples gathers up to limit numeric d values from sender/type,
// scanning the verified pool (reverse chronological) first, then blocks
// newest-first.
func (e *Engine) recentSamples(sender uuid.UUID, typeTag string, limit int) ([]float64, error) {
	out := make([]float64, 0, limit)

	verifiedTxs, err := e.Verified.RecentBySenderAndType(sender, typeTag, limit)
	if err != nil {
		return nil, err
	}
	for _, tx := range verifiedTxs {
		if v, ok := tx.Data.DataValueFloat(); ok {
			out = append(out, v)
		}
	}
	if len(out) >= limit {
		return out[:limit], nil
	}

	chain, err := e.Chain.All()
	if err != nil {
		return nil, err
	}
	for i := len(chain) - 1; i >= 0 && len(out) < limit; i-- {
		for _, tx := range chain[i].Transactions {
			if len(out) >= limit {
				break
			}
			if tx.Sender == sender && tx.Data.T == typeTag {
				if v, ok := tx.Data.DataValueFloat(); ok {
					out = append(out, v)
				}
			}
		}
	}
	return out, nil
}

func meanStdev(values []float64) (mean, stdev float64) {
	n := float64(len(values))
	for _, v := range values {
		mean += v
	}
	mean /= n
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	stdev = math.Sqrt(sumSq / n)
	return mean, stdev
}
