package genesis

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"nhbchain/core/state"
	"nhbchain/core/types"
	"nhbchain/crypto"
)

// BuildGenesisState materializes the genesis account and validator maps from
// spec into a fresh state.Manager, processing accounts and validators in
// sorted order so materialization never depends on file ordering.
func BuildGenesisState(spec *Spec) (*state.Manager, error) {
	if spec == nil {
		return nil, fmt.Errorf("genesis spec must not be nil")
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	cfg, err := state.NewConfig(spec.Params)
	if err != nil {
		return nil, err
	}
	m := state.NewManager(cfg)

	genesisSupply := big.NewInt(0)

	for _, acct := range spec.sortedAccounts() {
		addr, err := ParseBech32Account(acct.Address)
		if err != nil {
			return nil, fmt.Errorf("initialAccounts[%q]: %w", acct.Address, err)
		}
		balance, ok := new(big.Int).SetString(acct.Balance, 10)
		if !ok {
			return nil, fmt.Errorf("initialAccounts[%q]: invalid balance %q", acct.Address, acct.Balance)
		}
		account := types.NewAccount()
		account.Balance = balance
		if strings.TrimSpace(acct.PubKey) != "" {
			pubKeyBytes, err := decodeHex(acct.PubKey)
			if err != nil {
				return nil, fmt.Errorf("initialAccounts[%q] pubKey: %w", acct.Address, err)
			}
			account.PubKey = pubKeyBytes
		}
		m.PutAccount(addr[:], account)
		genesisSupply.Add(genesisSupply, balance)
	}

	for _, v := range spec.sortedValidators() {
		consensusAddr, err := ParseBech32Consensus(v.ConsensusAddr)
		if err != nil {
			return nil, fmt.Errorf("initialValidators[%q]: %w", v.ConsensusAddr, err)
		}
		operatorAddr, err := ParseBech32Account(v.OperatorAddr)
		if err != nil {
			return nil, fmt.Errorf("initialValidators[%q]: %w", v.ConsensusAddr, err)
		}
		pubKeyBytes, err := decodeHex(v.PubKey)
		if err != nil {
			return nil, fmt.Errorf("initialValidators[%q] pubKey: %w", v.ConsensusAddr, err)
		}
		selfStake, ok := new(big.Int).SetString(v.SelfStake, 10)
		if !ok {
			return nil, fmt.Errorf("initialValidators[%q]: invalid selfStake %q", v.ConsensusAddr, v.SelfStake)
		}
		validator := types.NewValidator(consensusAddr[:], operatorAddr[:], pubKeyBytes, selfStake, 0, 0)
		validator.Name = v.Moniker
		validator.IsActive = selfStake.Cmp(cfg.MinValidatorStake) >= 0
		m.PutValidator(validator)
		genesisSupply.Add(genesisSupply, selfStake)
	}

	m.SetGenesisSupply(genesisSupply)
	return m, nil
}

// BuildGenesisBlock builds the unsigned, height-0 genesis block: its header
// commits to the state_root produced by materializing spec, with an empty
// transaction set.
func BuildGenesisBlock(spec *Spec, m *state.Manager) (*types.Block, error) {
	stateRoot, err := m.StateRoot()
	if err != nil {
		return nil, fmt.Errorf("compute genesis state root: %w", err)
	}
	emptyRoot := crypto.MerkleRoot(nil)
	header := &types.BlockHeader{
		Height:      0,
		PrevHash:    []byte{},
		Timestamp:   int64(spec.GenesisTime),
		Slot:        0,
		Proposer:    []byte{},
		TxRoot:      emptyRoot,
		StateRoot:   stateRoot,
		ComputeRoot: emptyRoot,
		Version:     1,
	}
	return types.NewBlock(header, nil), nil
}

func decodeHex(s string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if trimmed == "" {
		return nil, nil
	}
	return hex.DecodeString(trimmed)
}
