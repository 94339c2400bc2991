package core

// blockmaker.go — the periodic block-sealing loop: every 10s a validator
// checks whether at least 150s have passed since the last block and the
// verified pool is non-empty, and if so seals, appends, and broadcasts a
// new block (spec.md §4.7). Grounded on the teacher's core/ledger.go
// block-assembly routine, adapted to the verified-pool snapshot model.

import (
	"context"
	"time"
)

const (
	blockMakerInterval = 10 * time.Second
	blockMinInterval   = 150 * time.Second
	blockWireVersion   = 1
)

// RunBlockMakerLoop drives the periodic sealing loop until ctx is
// cancelled.
func (e *Engine) RunBlockMakerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(blockMakerInterval):
		}
		if err := e.sealIfDue(ctx); err != nil {
			e.Log.WithError(err).Warn("block sealing tick failed")
		}
	}
}

func (e *Engine) sealIfDue(ctx context.Context) error {
	isVal, err := e.isSelfValidator()
	if err != nil {
		return err
	}
	if !isVal {
		return nil
	}

	last, err := e.Chain.GetLastBlock()
	if err != nil {
		return err
	}
	var prevHash [32]byte
	var lastTimestamp uint32
	if last == nil {
		prevHash = GenesisPrevHash()
	} else {
		prevHash = HashBlock(*last)
		lastTimestamp = last.Timestamp
	}

	now := uint32(time.Now().Unix())
	if now < lastTimestamp || time.Duration(now-lastTimestamp)*time.Second < blockMinInterval {
		return nil
	}

	ids, entries, err := e.Verified.All()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	txs := make([]Tx, len(entries))
	for i, v := range entries {
		txs[i] = v.Tx
	}

	blk := Block{
		Version:      blockWireVersion,
		Timestamp:    now,
		PrevHash:     prevHash,
		Validator:    e.Self.ID,
		Transactions: txs,
	}
	blk = e.Keystore.SignBlock(blk)

	if err := e.Chain.Add(blk); err != nil {
		return err
	}
	if err := e.Verified.Delete(ids); err != nil {
		return err
	}

	peers, err := e.Nodes.ExcludeSelf()
	if err != nil {
		return err
	}
	encoded := EncodeBlock(blk)
	e.Client.Broadcast(peers, "add_new_block", func(p Node) error {
		_, err := e.Client.PostBytes(ctx, p, "/block", encoded)
		return err
	})

	return e.ChangeNodeTrust(ctx, e.Self.ID, TrustBlockCreated, nil, "")
}
