package state

import (
	"math/big"
	"sort"

	"nhbchain/core/types"
	"nhbchain/observability"
)

// Jail applies the graduated slashing penalty to v and advances its jail
// bookkeeping. It mutates v in place; the caller is responsible for
// persisting it via m.PutValidator.
//
// Penalty deduction order: self_stake absorbs the penalty first. Any
// shortfall normally falls pro-rata on delegations_in (largest entry
// absorbing the floor-division residual), but not on the offense that
// ejects the validator: per the Open Question decision in DESIGN.md,
// ejection forfeits only the operator's self_stake, and every delegator's
// principal is instead moved into that delegator's own Account.Unbonding
// queue, exactly as a voluntary UNDELEGATE would.
func Jail(m *Manager, v *types.Validator, height uint64, reason string) {
	willEject := v.JailCount+1 >= m.cfg.EjectionThresholdJails

	rate := slashRate(m.cfg.SlashingBaseRateBps, v.JailCount)
	penalty := new(big.Int).Mul(v.Power, big.NewInt(int64(rate)))
	penalty.Div(penalty, big.NewInt(bpsDenominator))
	if penalty.Cmp(v.Power) > 0 {
		penalty = new(big.Int).Set(v.Power)
	}

	burned := new(big.Int)
	fromSelfStake := penalty
	if fromSelfStake.Cmp(v.SelfStake) > 0 {
		fromSelfStake = new(big.Int).Set(v.SelfStake)
	}
	v.SelfStake = new(big.Int).Sub(v.SelfStake, fromSelfStake)
	burned.Add(burned, fromSelfStake)

	remaining := new(big.Int).Sub(penalty, fromSelfStake)
	if remaining.Sign() > 0 && len(v.DelegationsIn) > 0 {
		if willEject {
			refundDelegationsToUnbonding(m, v, height)
		} else {
			deducted := proRataDeduct(v.DelegationsIn, remaining)
			burned.Add(burned, deducted)
			v.TotalDelegated = new(big.Int).Sub(v.TotalDelegated, deducted)
			kept := v.DelegationsIn[:0]
			for _, d := range v.DelegationsIn {
				if d.Amount.Sign() > 0 {
					kept = append(kept, d)
				}
			}
			v.DelegationsIn = kept
		}
	}

	v.TotalPenalties = new(big.Int).Add(v.TotalPenalties, burned)
	m.AddBurned(burned)
	observability.Events().RecordSlash(reason)

	v.JailCount++
	v.MissedBlocks = 0
	v.RecomputePower()

	if willEject {
		v.Power = big.NewInt(0)
		v.SelfStake = big.NewInt(0)
		v.TotalDelegated = big.NewInt(0)
		v.DelegationsIn = nil
		v.Ejected = true
		v.IsActive = false
		v.JailedUntilHeight = 0
	} else {
		v.JailedUntilHeight = height + m.cfg.JailDurationBlocks
		v.IsActive = false
	}
}

// refundDelegationsToUnbonding moves every delegator's currently-delegated
// stake on v into that delegator's own Account.Unbonding queue, to the same
// CompletionHeight a voluntary UNDELEGATE would use. Called only on the
// jail offense that ejects v, so a delegator's principal survives an
// ejection it played no part in.
func refundDelegationsToUnbonding(m *Manager, v *types.Validator, height uint64) {
	completion := height + m.cfg.UnbondingBlocks
	for _, d := range v.DelegationsIn {
		if d.Amount.Sign() <= 0 {
			continue
		}
		acc := m.GetAccount(d.Delegator)
		acc.Unbonding = append(acc.Unbonding, types.UnbondingEntry{
			Validator:        append([]byte(nil), v.ConsensusAddress...),
			Amount:           new(big.Int).Set(d.Amount),
			CompletionHeight: completion,
		})
		acc.RemoveDelegationRef(v.ConsensusAddress)
		m.PutAccount(d.Delegator, acc)
	}
	v.DelegationsIn = nil
	v.TotalDelegated = big.NewInt(0)
}

// slashRate returns the basis-point penalty rate for the jailCount-th
// offense: base on the first, double on the second, 100% (ejection) from
// the third onward.
func slashRate(baseBps uint32, jailCount uint32) uint32 {
	switch jailCount {
	case 0:
		return baseBps
	case 1:
		return 2 * baseBps
	default:
		return bpsDenominator
	}
}

// proRataDeduct deducts amount across delegations proportionally to their
// size, processed in descending order so the largest entry absorbs the
// floor-division residual. Mutates the Amount field of each entry in place
// and returns the total actually deducted.
func proRataDeduct(delegations []types.Delegation, amount *big.Int) *big.Int {
	order := make([]int, len(delegations))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(i, j int) bool {
		return delegations[order[i]].Amount.Cmp(delegations[order[j]].Amount) > 0
	})

	total := big.NewInt(0)
	for _, d := range delegations {
		total.Add(total, d.Amount)
	}
	if total.Sign() == 0 {
		return big.NewInt(0)
	}

	deducted := big.NewInt(0)
	for _, idx := range order {
		d := &delegations[idx]
		share := new(big.Int).Mul(amount, d.Amount)
		share.Div(share, total)
		if share.Cmp(d.Amount) > 0 {
			share = new(big.Int).Set(d.Amount)
		}
		d.Amount = new(big.Int).Sub(d.Amount, share)
		deducted.Add(deducted, share)
	}
	largest := &delegations[order[0]]
	residual := new(big.Int).Sub(amount, deducted)
	if residual.Cmp(largest.Amount) > 0 {
		residual = new(big.Int).Set(largest.Amount)
	}
	if residual.Sign() > 0 {
		largest.Amount = new(big.Int).Sub(largest.Amount, residual)
		deducted.Add(deducted, residual)
	}
	return deducted
}
