package state

import (
	"math/big"

	"nhbchain/core/types"
	"nhbchain/eventbus"
	"nhbchain/observability"
)

// ApplyBlock runs the strict six-step block-apply sequence against m and
// bus. prevSlot is the slot of the previously committed block (or the
// genesis slot, 0, for the first block); it lets step 4 credit a missed
// block only to the validator(s) whose own slot was actually skipped in
// the gap between prevSlot and block.Header.Slot, rather than to every
// other active validator on every block. ApplyBlock does not verify
// block.Header.StateRoot against the recomputed root — the caller
// (consensus) does that comparison and rejects the block on mismatch, per
// §4.6; ApplyBlock always mutates state assuming the block is otherwise
// valid.
func ApplyBlock(m *Manager, block *types.Block, prevSlot uint64, bus *eventbus.Bus) error {
	height := block.Header.Height

	// 1. Unbonding maturation.
	for _, addr := range m.AccountAddresses() {
		acc := m.GetAccount(addr)
		if len(acc.Unbonding) == 0 {
			continue
		}
		kept := acc.Unbonding[:0]
		matured := false
		for _, entry := range acc.Unbonding {
			if entry.CompletionHeight <= height {
				acc.Balance = new(big.Int).Add(acc.Balance, entry.Amount)
				matured = true
				continue
			}
			kept = append(kept, entry)
		}
		if matured {
			acc.Unbonding = kept
			m.PutAccount(addr, acc)
		}
	}

	// 2. Block reward credit.
	DistributeBlockReward(m, height/max1(m.cfg.EpochLengthBlocks))

	// 3. Apply transactions sequentially; per-tx failures are skipped, not
	// block-fatal.
	blockHash, _ := block.Hash()
	appliedIDs := make([][]byte, 0, len(block.Transactions))
	for _, tx := range block.Transactions {
		txID, _ := tx.ID()
		if err := ApplyTransaction(m, tx, height); err != nil {
			if bus != nil {
				bus.Publish(eventbus.Event{Kind: eventbus.KindTxFailed, TxID: txID, Reason: err.Error()})
			}
			observability.Chain().RecordTransaction("applied", "skipped")
			continue
		}
		appliedIDs = append(appliedIDs, txID)
		if bus != nil {
			bus.Publish(eventbus.Event{Kind: eventbus.KindTxConfirmed, TxID: txID, BlockHeight: height, BlockHash: blockHash})
		}
	}

	// 4. Performance update: the proposer is credited for its own slot;
	// each slot actually skipped in the gap between the previous block's
	// slot and this one is charged only to that slot's designated
	// proposer, per §4.3 step 4.
	for _, v := range m.ActiveValidators() {
		if bytesEqual(v.ConsensusAddress, block.Header.Proposer) {
			v.BlocksProposed++
			v.MissedBlocks = 0
			v.LastSeenHeight = height
			v.BlocksExpected++
			m.PutValidator(v)
			break
		}
	}
	for skipped := prevSlot + 1; skipped < block.Header.Slot; skipped++ {
		absentee := ProposerForSlot(m, skipped)
		if absentee == nil || bytesEqual(absentee, block.Header.Proposer) {
			continue
		}
		v := m.GetValidator(absentee)
		if v == nil || !v.IsActive {
			continue
		}
		v.BlocksExpected++
		v.MissedBlocks++
		if v.MissedBlocks >= m.cfg.MaxMissedBlocksSequential {
			Jail(m, v, height, "missed_blocks_sequential")
		}
		m.PutValidator(v)
	}

	// 5. Epoch boundary.
	if m.cfg.EpochLengthBlocks > 0 && height%m.cfg.EpochLengthBlocks == 0 {
		TransitionEpoch(m, height)
	}

	if bus != nil {
		bus.Publish(eventbus.Event{Kind: eventbus.KindBlockCreated, BlockHeight: height, BlockHash: blockHash})
	}
	observability.Chain().RecordBlock(height, false)
	for range appliedIDs {
		observability.Chain().RecordTransaction("applied", "ok")
	}

	return nil
}

func max1(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return v
}
