package state

import (
	"math/big"
	"sort"

	"nhbchain/core/types"
)

// weightEntry pairs an address with an integer weight for proportional
// splitting, mirroring the normalize-then-split shape used elsewhere in the
// codebase for epoch reward calculations.
type weightEntry struct {
	key    string
	weight *big.Int
}

// splitProportional allocates pool across entries proportional to weight,
// using floor division; the undistributed residual (from rounding) is
// returned separately rather than carried to a future distribution, per
// the determinism discipline's floor-semantics-with-burned-residual rule.
// Entries are processed in descending weight order so floor-division
// residual concentrates predictably; shares are returned keyed by entry
// key, and each share depends only on its own weight, so map iteration
// order never affects the outcome.
func splitProportional(pool *big.Int, entries []weightEntry) (shares map[string]*big.Int, residual *big.Int) {
	shares = make(map[string]*big.Int, len(entries))
	total := big.NewInt(0)
	for _, e := range entries {
		total.Add(total, e.weight)
	}
	if total.Sign() == 0 || pool.Sign() == 0 {
		return shares, new(big.Int).Set(pool)
	}

	ordered := append([]weightEntry(nil), entries...)
	sort.Slice(ordered, func(i, j int) bool {
		cmp := ordered[i].weight.Cmp(ordered[j].weight)
		if cmp != 0 {
			return cmp > 0
		}
		return ordered[i].key < ordered[j].key
	})

	assigned := big.NewInt(0)
	for _, e := range ordered {
		share := new(big.Int).Mul(pool, e.weight)
		share.Div(share, total)
		shares[e.key] = share
		assigned.Add(assigned, share)
	}
	residual = new(big.Int).Sub(pool, assigned)
	return shares, residual
}

// DistributeBlockReward mints block_reward and splits it between the
// validator-and-delegator pool and the miner pool per
// miner_reward_fraction_bps. Each active validator's share of the
// validator/delegator pool is proportional to power; within that share the
// validator retains commission_rate and the remainder splits pro-rata by
// amount across the validator's own self-stake and its delegations_in
// (all of it goes to the operator when there are no delegations). All
// floor-division residuals are burned
// immediately (no carry-forward bucket), and every credited reward is
// appended to the recipient's reward_history.
//
// The miner pool itself is out of scope (the proof-of-compute
// worker/miner subsystem is an external collaborator); it is minted and
// tracked but not distributed here.
func DistributeBlockReward(m *Manager, epoch uint64) {
	active := m.ActiveValidators()
	m.AddMinted(m.cfg.BlockReward)

	minerShare := new(big.Int).Mul(m.cfg.BlockReward, big.NewInt(int64(m.cfg.MinerRewardFractionBps)))
	minerShare.Div(minerShare, big.NewInt(bpsDenominator))
	validatorPool := new(big.Int).Sub(m.cfg.BlockReward, minerShare)

	if len(active) == 0 || validatorPool.Sign() == 0 {
		m.AddBurned(validatorPool)
		return
	}

	entries := make([]weightEntry, 0, len(active))
	for _, v := range active {
		entries = append(entries, weightEntry{key: string(v.ConsensusAddress), weight: v.Power})
	}
	valShares, valResidual := splitProportional(validatorPool, entries)
	m.AddBurned(valResidual)

	for _, v := range active {
		share := valShares[string(v.ConsensusAddress)]
		if share == nil || share.Sign() <= 0 {
			continue
		}
		commission := new(big.Int).Mul(share, big.NewInt(int64(v.CommissionRate)))
		commission.Div(commission, big.NewInt(bpsDenominator))
		remainder := new(big.Int).Sub(share, commission)

		operator := m.GetAccount(v.Operator)
		operator.Balance = new(big.Int).Add(operator.Balance, commission)
		if commission.Sign() > 0 {
			operator.RewardHistory = append(operator.RewardHistory, types.RewardEntry{Epoch: epoch, Amount: new(big.Int).Set(commission)})
		}

		if remainder.Sign() > 0 && len(v.DelegationsIn) > 0 {
			// Split the post-commission remainder pro-rata across the
			// validator's own self-stake and its delegations, by amount.
			selfWeight := new(big.Int).Sub(v.Power, v.TotalDelegated)
			selfShare := new(big.Int).Mul(remainder, selfWeight)
			selfShare.Div(selfShare, v.Power)
			operator.Balance = new(big.Int).Add(operator.Balance, selfShare)
			if selfShare.Sign() > 0 {
				operator.RewardHistory = append(operator.RewardHistory, types.RewardEntry{Epoch: epoch, Amount: new(big.Int).Set(selfShare)})
			}

			delegatorsPool := new(big.Int).Sub(remainder, selfShare)
			delEntries := make([]weightEntry, 0, len(v.DelegationsIn))
			for _, d := range v.DelegationsIn {
				delEntries = append(delEntries, weightEntry{key: string(d.Delegator), weight: d.Amount})
			}
			delShares, delResidual := splitProportional(delegatorsPool, delEntries)
			m.AddBurned(delResidual)

			for delegator, delShare := range delShares {
				if delShare.Sign() <= 0 {
					continue
				}
				delegatorAcc := m.GetAccount([]byte(delegator))
				delegatorAcc.Balance = new(big.Int).Add(delegatorAcc.Balance, delShare)
				delegatorAcc.RewardHistory = append(delegatorAcc.RewardHistory, types.RewardEntry{Epoch: epoch, Amount: new(big.Int).Set(delShare)})
				m.PutAccount([]byte(delegator), delegatorAcc)
			}
		} else if remainder.Sign() > 0 {
			operator.Balance = new(big.Int).Add(operator.Balance, remainder)
			operator.RewardHistory = append(operator.RewardHistory, types.RewardEntry{Epoch: epoch, Amount: new(big.Int).Set(remainder)})
		}

		m.PutAccount(v.Operator, operator)
	}
}
