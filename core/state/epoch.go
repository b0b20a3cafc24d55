package state

import (
	"math/big"
	"sort"

	"nhbchain/core/types"
)

// maxPenaltyRatioBps caps penalty_ratio at 0.5 (5000 bps) per §4.4.
const maxPenaltyRatioBps = 5_000

// UpdateScores recomputes uptime_score and performance_score for every
// validator from its current performance counters, without touching
// active-set membership. All arithmetic is integer (basis points), per the
// determinism discipline: consensus-affecting scoring never uses floating
// point.
func UpdateScores(m *Manager) {
	totalStaked := m.TotalStakedPower()
	if totalStaked.Sign() == 0 {
		totalStaked = big.NewInt(1)
	}

	for _, v := range m.Validators() {
		expected := v.BlocksExpected
		if expected == 0 {
			expected = 1
		}
		uptimeBps := bpsFraction(big.NewInt(int64(v.BlocksProposed)), big.NewInt(int64(expected)))
		if uptimeBps > bpsDenominator {
			uptimeBps = bpsDenominator
		}
		v.UptimeScoreBps = uptimeBps

		stakeRatioBps := bpsFraction(v.Power, totalStaked)

		denom := v.Power
		if denom.Sign() == 0 {
			denom = big.NewInt(1)
		}
		penaltyRatioBps := bpsFraction(v.TotalPenalties, denom)
		if penaltyRatioBps > maxPenaltyRatioBps {
			penaltyRatioBps = maxPenaltyRatioBps
		}

		// performance_score = 0.6*uptime + 0.2*stake_ratio + 0.2*(1-penalty_ratio)
		score := 6_000*int64(uptimeBps) + 2_000*int64(stakeRatioBps) + 2_000*(int64(bpsDenominator)-int64(penaltyRatioBps))
		score /= int64(bpsDenominator)
		v.PerformanceScoreBps = uint32(score)
		m.PutValidator(v)
	}
}

// bpsFraction returns floor(numerator * 10000 / denominator) as basis
// points, with denominator treated as 1 if zero or negative.
func bpsFraction(numerator, denominator *big.Int) uint32 {
	if denominator == nil || denominator.Sign() <= 0 {
		denominator = big.NewInt(1)
	}
	if numerator == nil || numerator.Sign() <= 0 {
		return 0
	}
	scaled := new(big.Int).Mul(numerator, big.NewInt(int64(bpsDenominator)))
	scaled.Div(scaled, denominator)
	if !scaled.IsInt64() || scaled.Int64() > bpsDenominator {
		return bpsDenominator
	}
	return uint32(scaled.Int64())
}

// SelectActiveSet recomputes active-set membership per the four-step
// filter/sort/cap procedure run at every epoch boundary.
func SelectActiveSet(m *Manager, currentHeight uint64) {
	candidates := m.Validators()

	eligible := make([]*types.Validator, 0, len(candidates))
	for _, v := range candidates {
		if v.Ejected {
			continue
		}
		if v.Power.Cmp(m.cfg.MinValidatorStake) < 0 {
			continue
		}
		if v.JailedUntilHeight > currentHeight {
			continue
		}
		if v.JailCount >= m.cfg.EjectionThresholdJails {
			continue
		}
		if v.BlocksExpected > 0 && v.UptimeScoreBps < m.cfg.MinUptimeScoreBps {
			continue
		}
		eligible = append(eligible, v)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].PerformanceScoreBps != eligible[j].PerformanceScoreBps {
			return eligible[i].PerformanceScoreBps > eligible[j].PerformanceScoreBps
		}
		cmp := eligible[i].Power.Cmp(eligible[j].Power)
		if cmp != 0 {
			return cmp > 0
		}
		return string(eligible[i].ConsensusAddress) < string(eligible[j].ConsensusAddress)
	})

	active := make(map[string]struct{}, m.cfg.MaxValidators)
	limit := int(m.cfg.MaxValidators)
	for i, v := range eligible {
		if i >= limit {
			break
		}
		active[string(v.ConsensusAddress)] = struct{}{}
	}

	for _, v := range candidates {
		_, isActive := active[string(v.ConsensusAddress)]
		if v.IsActive != isActive {
			v.IsActive = isActive
			m.PutValidator(v)
		}
	}
}

// TransitionEpoch runs the full epoch-boundary procedure: score update
// followed by active-set reselection.
func TransitionEpoch(m *Manager, currentHeight uint64) {
	UpdateScores(m)
	SelectActiveSet(m, currentHeight)
}
