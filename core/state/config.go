// Package state implements the deterministic state machine: the accounts and
// validators maps, transaction application, block application, validator
// lifecycle (staking, delegation, unbonding), graduated slashing, epoch
// transitions, and proportional reward distribution.
package state

import (
	"fmt"
	"math/big"

	"nhbchain/core/genesis"
)

// Config holds the parsed, big.Int-typed form of a genesis document's
// params, consulted on every transaction and block application.
type Config struct {
	BlockTimeSeconds          uint64
	EpochLengthBlocks         uint64
	MaxValidators             uint64
	MinValidatorStake         *big.Int
	MinDelegation             *big.Int
	MaxCommissionRateBps      uint32
	UnjailFee                 *big.Int
	JailDurationBlocks        uint64
	SlashingBaseRateBps       uint32
	EjectionThresholdJails    uint32
	MaxMissedBlocksSequential uint64
	MinUptimeScoreBps         uint32
	UnbondingBlocks           uint64
	BlockReward               *big.Int
	MinerRewardFractionBps    uint32
	MaxTxPerBlock             uint64
	BlockGasLimit             uint64
	MempoolTxTTLSeconds       uint64
	SnapshotIntervalBlocks    uint64
	SnapshotKeep              uint64
	MaxValidatorsPerDelegator uint32
	MaxValidatorPowerShareBps uint32
	FeeBurnShareBps           uint32
	JailUnstakePenaltyBps     uint32
	MaxSlotTimeoutSeconds     uint64
	MaxTimestampSkewSeconds   int64
	MaxMempoolSize             uint64
	MempoolGasPriceBumpBps     uint32
	MempoolMaxPendingPerSender uint64
}

// NewConfig parses a genesis.Params block into its runtime Config form.
func NewConfig(p genesis.Params) (*Config, error) {
	minStake, ok := new(big.Int).SetString(p.MinValidatorStake, 10)
	if !ok {
		return nil, fmt.Errorf("state: invalid minValidatorStake %q", p.MinValidatorStake)
	}
	minDelegation, ok := new(big.Int).SetString(p.MinDelegation, 10)
	if !ok {
		return nil, fmt.Errorf("state: invalid minDelegation %q", p.MinDelegation)
	}
	unjailFee, ok := new(big.Int).SetString(p.UnjailFee, 10)
	if !ok {
		return nil, fmt.Errorf("state: invalid unjailFee %q", p.UnjailFee)
	}
	blockReward, ok := new(big.Int).SetString(p.BlockReward, 10)
	if !ok {
		return nil, fmt.Errorf("state: invalid blockReward %q", p.BlockReward)
	}
	return &Config{
		BlockTimeSeconds:          p.BlockTimeSeconds,
		EpochLengthBlocks:         p.EpochLengthBlocks,
		MaxValidators:             p.MaxValidators,
		MinValidatorStake:         minStake,
		MinDelegation:             minDelegation,
		MaxCommissionRateBps:      p.MaxCommissionRateBps,
		UnjailFee:                 unjailFee,
		JailDurationBlocks:        p.JailDurationBlocks,
		SlashingBaseRateBps:       p.SlashingBaseRateBps,
		EjectionThresholdJails:    p.EjectionThresholdJails,
		MaxMissedBlocksSequential: p.MaxMissedBlocksSequential,
		MinUptimeScoreBps:         p.MinUptimeScoreBps,
		UnbondingBlocks:           p.UnbondingBlocks,
		BlockReward:               blockReward,
		MinerRewardFractionBps:    p.MinerRewardFractionBps,
		MaxTxPerBlock:             p.MaxTxPerBlock,
		BlockGasLimit:             p.BlockGasLimit,
		MempoolTxTTLSeconds:       p.MempoolTxTTLSeconds,
		SnapshotIntervalBlocks:    p.SnapshotIntervalBlocks,
		SnapshotKeep:              p.SnapshotKeep,
		MaxValidatorsPerDelegator: p.MaxValidatorsPerDelegator,
		MaxValidatorPowerShareBps: p.MaxValidatorPowerShareBps,
		FeeBurnShareBps:           p.FeeBurnShareBps,
		JailUnstakePenaltyBps:     p.JailUnstakePenaltyBps,
		MaxSlotTimeoutSeconds:     p.MaxSlotTimeoutSeconds,
		MaxTimestampSkewSeconds:   p.MaxTimestampSkewSeconds,
		MaxMempoolSize:             p.MaxMempoolSize,
		MempoolGasPriceBumpBps:     p.MempoolGasPriceBumpBps,
		MempoolMaxPendingPerSender: p.MempoolMaxPendingPerSender,
	}, nil
}
