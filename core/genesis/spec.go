// Package genesis loads and validates the network's genesis document: the
// byte-identical document every node in a network must start from, whose
// canonical hash gates peer sessions in P2P.
package genesis

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"nhbchain/config"
)

// Params bundles every network-wide consensus and policy constant. Field
// names mirror spec §6 exactly.
type Params struct {
	BlockTimeSeconds           uint64 `json:"blockTimeSeconds"`
	EpochLengthBlocks          uint64 `json:"epochLengthBlocks"`
	MaxValidators              uint64 `json:"maxValidators"`
	MinValidatorStake          string `json:"minValidatorStake"`
	MinDelegation              string `json:"minDelegation"`
	MaxCommissionRateBps       uint32 `json:"maxCommissionRateBps"`
	UnjailFee                  string `json:"unjailFee"`
	JailDurationBlocks         uint64 `json:"jailDurationBlocks"`
	SlashingBaseRateBps        uint32 `json:"slashingBaseRateBps"`
	EjectionThresholdJails     uint32 `json:"ejectionThresholdJails"`
	MaxMissedBlocksSequential  uint64 `json:"maxMissedBlocksSequential"`
	MinUptimeScoreBps          uint32 `json:"minUptimeScoreBps"`
	UnbondingBlocks            uint64 `json:"unbondingBlocks"`
	BlockReward                string `json:"blockReward"`
	MinerRewardFractionBps     uint32 `json:"minerRewardFractionBps"`
	MaxTxPerBlock              uint64 `json:"maxTxPerBlock"`
	BlockGasLimit              uint64 `json:"blockGasLimit"`
	MempoolTxTTLSeconds        uint64 `json:"mempoolTxTtlSeconds"`
	SnapshotIntervalBlocks     uint64 `json:"snapshotIntervalBlocks"`
	SnapshotKeep               uint64 `json:"snapshotKeep"`
	MaxValidatorsPerDelegator  uint32 `json:"maxValidatorsPerDelegator"`
	MaxValidatorPowerShareBps  uint32 `json:"maxValidatorPowerShareBps"`
	FeeBurnShareBps            uint32 `json:"feeBurnShareBps"`
	JailUnstakePenaltyBps      uint32 `json:"jailUnstakePenaltyBps"`
	MaxSlotTimeoutSeconds      uint64 `json:"maxSlotTimeoutSeconds"`
	MaxTimestampSkewSeconds    int64  `json:"maxTimestampSkewSeconds"`
	SnapshotSyncThresholdBlocks uint64 `json:"snapshotSyncThresholdBlocks"`
	MaxMempoolSize             uint64 `json:"maxMempoolSize"`
	MempoolGasPriceBumpBps     uint32 `json:"mempoolGasPriceBumpBps"`
	MempoolMaxPendingPerSender uint64 `json:"mempoolMaxPendingPerSender"`
}

// InitialValidator seeds a validator into genesis state.
type InitialValidator struct {
	ConsensusAddr string `json:"consensusAddr"`
	OperatorAddr  string `json:"operatorAddr"`
	PubKey        string `json:"pubKey"`
	SelfStake     string `json:"selfStake"`
	Moniker       string `json:"moniker,omitempty"`
}

// InitialAccount seeds an account balance into genesis state.
type InitialAccount struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	PubKey  string `json:"pubKey,omitempty"`
}

// Spec is the root genesis document.
type Spec struct {
	NetworkID         string             `json:"networkId"`
	GenesisTime       uint64             `json:"genesisTime"`
	Params            Params             `json:"params"`
	InitialValidators []InitialValidator `json:"initialValidators"`
	InitialAccounts   []InitialAccount   `json:"initialAccounts"`
}

// Load reads and strictly decodes a genesis document from path, rejecting
// unknown fields so a malformed or stale genesis file fails fast rather than
// silently dropping a parameter.
func Load(path string) (*Spec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open genesis: %w", err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	var spec Spec
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// GenesisTimestamp returns the genesis time as a UTC time.Time.
func (s *Spec) GenesisTimestamp() time.Time {
	return time.Unix(int64(s.GenesisTime), 0).UTC()
}

// Validate enforces structural requirements and deterministic ordering
// constraints: addresses must be unique and are processed in sorted order
// by BuildGenesisState so that state materialization never depends on the
// order they appear in the file.
func (s *Spec) Validate() error {
	if strings.TrimSpace(s.NetworkID) == "" {
		return fmt.Errorf("genesis: networkId required")
	}
	if s.GenesisTime == 0 {
		return fmt.Errorf("genesis: genesisTime required")
	}
	if s.Params.BlockTimeSeconds == 0 {
		return fmt.Errorf("genesis: params.blockTimeSeconds must be > 0")
	}
	if s.Params.MaxValidators == 0 {
		return fmt.Errorf("genesis: params.maxValidators must be > 0")
	}
	if _, ok := new(big.Int).SetString(s.Params.MinValidatorStake, 10); !ok {
		return fmt.Errorf("genesis: params.minValidatorStake invalid integer %q", s.Params.MinValidatorStake)
	}
	if _, ok := new(big.Int).SetString(s.Params.BlockReward, 10); !ok {
		return fmt.Errorf("genesis: params.blockReward invalid integer %q", s.Params.BlockReward)
	}
	if s.Params.MinerRewardFractionBps > 10_000 {
		return fmt.Errorf("genesis: params.minerRewardFractionBps must be <= 10000")
	}
	if s.Params.MaxValidatorPowerShareBps > 10_000 {
		return fmt.Errorf("genesis: params.maxValidatorPowerShareBps must be <= 10000")
	}
	if s.Params.EjectionThresholdJails == 0 {
		return fmt.Errorf("genesis: params.ejectionThresholdJails must be > 0")
	}
	if err := config.ValidateConfig(config.Global{
		Slashing: config.Slashing{
			JailDurationBlocks: s.Params.JailDurationBlocks,
			EpochLengthBlocks:  s.Params.EpochLengthBlocks,
		},
		Mempool: config.Mempool{MaxSize: s.Params.MaxMempoolSize},
		Blocks: config.Blocks{
			MaxTxPerBlock: s.Params.MaxTxPerBlock,
			GasLimit:      s.Params.BlockGasLimit,
		},
	}); err != nil {
		return fmt.Errorf("genesis: %w", err)
	}

	seenValidators := make(map[string]struct{}, len(s.InitialValidators))
	for _, v := range s.InitialValidators {
		if _, exists := seenValidators[v.ConsensusAddr]; exists {
			return fmt.Errorf("genesis: duplicate validator %q", v.ConsensusAddr)
		}
		seenValidators[v.ConsensusAddr] = struct{}{}
		if _, ok := new(big.Int).SetString(v.SelfStake, 10); !ok {
			return fmt.Errorf("genesis: validator %q selfStake invalid integer %q", v.ConsensusAddr, v.SelfStake)
		}
	}

	seenAccounts := make(map[string]struct{}, len(s.InitialAccounts))
	for _, a := range s.InitialAccounts {
		if _, exists := seenAccounts[a.Address]; exists {
			return fmt.Errorf("genesis: duplicate account %q", a.Address)
		}
		seenAccounts[a.Address] = struct{}{}
		if _, ok := new(big.Int).SetString(a.Balance, 10); !ok {
			return fmt.Errorf("genesis: account %q balance invalid integer %q", a.Address, a.Balance)
		}
	}
	return nil
}

// sortedValidators returns a copy of InitialValidators sorted by consensus
// address, the deterministic order genesis materialization must use.
func (s *Spec) sortedValidators() []InitialValidator {
	out := append([]InitialValidator(nil), s.InitialValidators...)
	sort.Slice(out, func(i, j int) bool { return out[i].ConsensusAddr < out[j].ConsensusAddr })
	return out
}

// sortedAccounts returns a copy of InitialAccounts sorted by address.
func (s *Spec) sortedAccounts() []InitialAccount {
	out := append([]InitialAccount(nil), s.InitialAccounts...)
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}
