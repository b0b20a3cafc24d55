package state

import (
	"math/big"
	"sort"
	"sync"

	"nhbchain/core/codec"
	"nhbchain/core/types"
	"nhbchain/crypto"
)

// TreasuryAddress is the fixed 20-byte address that receives the treasury
// share of transaction fees (see DESIGN.md for the fee-split default).
var TreasuryAddress = crypto.Hash([]byte("computechain/treasury"))[:20]

// Manager owns every mutable piece of replicated state: the accounts and
// validators maps, the treasury balance, and the economic counters. It is
// the single writer for a node's state, mediated externally by the command
// channel described in the concurrency design; Manager itself holds a
// mutex only to make speculative block-assembly snapshots (Clone) safe to
// take from a second goroutine while the writer is between blocks.
type Manager struct {
	mu sync.RWMutex

	cfg *Config

	accounts   map[string]*types.Account
	validators map[string]*types.Validator

	genesisSupply *big.Int
	totalMinted   *big.Int
	totalBurned   *big.Int
}

// NewManager constructs an empty manager over cfg, with a zeroed treasury.
func NewManager(cfg *Config) *Manager {
	m := &Manager{
		cfg:           cfg,
		accounts:      make(map[string]*types.Account),
		validators:    make(map[string]*types.Validator),
		genesisSupply: big.NewInt(0),
		totalMinted:   big.NewInt(0),
		totalBurned:   big.NewInt(0),
	}
	m.accounts[string(TreasuryAddress)] = types.NewAccount()
	return m
}

// Config returns the manager's runtime configuration.
func (m *Manager) Config() *Config { return m.cfg }

// GetAccount returns a clone of the account at addr, creating a fresh zero
// account if none exists yet (mirrors state-machine semantics: touching an
// address materializes it).
func (m *Manager) GetAccount(addr []byte) *types.Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accounts[string(addr)]; ok {
		return acc.Clone()
	}
	return types.NewAccount()
}

// GetAccountNonce returns the current on-chain nonce for addr, satisfying
// mempool.StateView for nonce-aware admission.
func (m *Manager) GetAccountNonce(addr []byte) uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if acc, ok := m.accounts[string(addr)]; ok {
		return acc.Nonce
	}
	return 0
}

// PutAccount stores a clone of acc at addr.
func (m *Manager) PutAccount(addr []byte, acc *types.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[string(addr)] = acc.Clone()
}

// GetValidator returns a clone of the validator at consensusAddr, or nil if
// none exists.
func (m *Manager) GetValidator(consensusAddr []byte) *types.Validator {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.validators[string(consensusAddr)]; ok {
		return v.Clone()
	}
	return nil
}

// PutValidator stores a clone of v keyed by its consensus address.
func (m *Manager) PutValidator(v *types.Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[string(v.ConsensusAddress)] = v.Clone()
}

// Treasury returns a clone of the treasury account.
func (m *Manager) Treasury() *types.Account { return m.GetAccount(TreasuryAddress) }

// PutTreasury stores the treasury account.
func (m *Manager) PutTreasury(acc *types.Account) { m.PutAccount(TreasuryAddress, acc) }

// TotalMinted returns a copy of the running mint counter.
func (m *Manager) TotalMinted() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.totalMinted)
}

// TotalBurned returns a copy of the running burn counter.
func (m *Manager) TotalBurned() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.totalBurned)
}

// GenesisSupply returns a copy of the supply recorded at genesis.
func (m *Manager) GenesisSupply() *big.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(big.Int).Set(m.genesisSupply)
}

// AddMinted adds amount to the running mint counter.
func (m *Manager) AddMinted(amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalMinted.Add(m.totalMinted, amount)
}

// AddBurned adds amount to the running burn counter.
func (m *Manager) AddBurned(amount *big.Int) {
	if amount == nil || amount.Sign() == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalBurned.Add(m.totalBurned, amount)
}

// SetGenesisSupply records the total supply allocated at genesis, used by
// the total-supply invariant in property testing.
func (m *Manager) SetGenesisSupply(amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.genesisSupply = new(big.Int).Set(amount)
}

// ValidatorAddresses returns every known consensus address, sorted
// ascending — the canonical order used for state_root computation and
// active-set tiebreaks.
func (m *Manager) ValidatorAddresses() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, 0, len(m.validators))
	for k := range m.validators {
		out = append(out, []byte(k))
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i]) < string(out[j]) })
	return out
}

// Validators returns a clone of every validator, sorted by consensus
// address.
func (m *Manager) Validators() []*types.Validator {
	addrs := m.ValidatorAddresses()
	out := make([]*types.Validator, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, m.GetValidator(a))
	}
	return out
}

// ActiveValidators returns the clones of every validator with IsActive set,
// sorted by consensus address.
func (m *Manager) ActiveValidators() []*types.Validator {
	all := m.Validators()
	out := make([]*types.Validator, 0, len(all))
	for _, v := range all {
		if v.IsActive {
			out = append(out, v)
		}
	}
	return out
}

// AccountAddresses returns every known account address, sorted ascending.
func (m *Manager) AccountAddresses() [][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]byte, 0, len(m.accounts))
	for k := range m.accounts {
		out = append(out, []byte(k))
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i]) < string(out[j]) })
	return out
}

// TotalStakedPower sums Power across every validator.
func (m *Manager) TotalStakedPower() *big.Int {
	total := big.NewInt(0)
	for _, v := range m.Validators() {
		total.Add(total, v.Power)
	}
	return total
}

// stateRootView is the canonical shape hashed to produce state_root: the
// validator and account maps (sorted by address) plus the economic
// counters, per the component design for the state machine.
type stateRootView struct {
	Validators  []*types.Validator `json:"validators"`
	Accounts    []accountView      `json:"accounts"`
	TotalMinted *big.Int           `json:"totalMinted"`
	TotalBurned *big.Int           `json:"totalBurned"`
}

type accountView struct {
	Address []byte         `json:"address"`
	Account *types.Account `json:"account"`
}

// StateRoot computes the canonical hash of the committed state: the
// validator set and account set (both sorted by address) plus the economic
// counters. It is a pure function of the committed state.
func (m *Manager) StateRoot() ([]byte, error) {
	validatorAddrs := m.ValidatorAddresses()
	validators := make([]*types.Validator, 0, len(validatorAddrs))
	for _, a := range validatorAddrs {
		validators = append(validators, m.GetValidator(a))
	}
	accountAddrs := m.AccountAddresses()
	accounts := make([]accountView, 0, len(accountAddrs))
	for _, a := range accountAddrs {
		accounts = append(accounts, accountView{Address: a, Account: m.GetAccount(a)})
	}
	view := stateRootView{
		Validators:  validators,
		Accounts:    accounts,
		TotalMinted: m.TotalMinted(),
		TotalBurned: m.TotalBurned(),
	}
	return codec.Hash(view)
}

// Clone returns a deep, independent copy of the manager suitable for
// speculative block assembly: mutations to the clone never affect m.
func (m *Manager) Clone() *Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	clone := &Manager{
		cfg:           m.cfg,
		accounts:      make(map[string]*types.Account, len(m.accounts)),
		validators:    make(map[string]*types.Validator, len(m.validators)),
		genesisSupply: new(big.Int).Set(m.genesisSupply),
		totalMinted:   new(big.Int).Set(m.totalMinted),
		totalBurned:   new(big.Int).Set(m.totalBurned),
	}
	for k, v := range m.accounts {
		clone.accounts[k] = v.Clone()
	}
	for k, v := range m.validators {
		clone.validators[k] = v.Clone()
	}
	return clone
}

// ReplaceFrom atomically adopts other's accounts, validators, and economic
// counters as m's own. Used by the consensus engine to commit a
// speculative clone (already applied and state-root-verified) into the
// live, shared manager without a second apply pass.
func (m *Manager) ReplaceFrom(other *Manager) {
	other.mu.RLock()
	accounts := make(map[string]*types.Account, len(other.accounts))
	for k, v := range other.accounts {
		accounts[k] = v.Clone()
	}
	validators := make(map[string]*types.Validator, len(other.validators))
	for k, v := range other.validators {
		validators[k] = v.Clone()
	}
	genesisSupply := new(big.Int).Set(other.genesisSupply)
	totalMinted := new(big.Int).Set(other.totalMinted)
	totalBurned := new(big.Int).Set(other.totalBurned)
	other.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = accounts
	m.validators = validators
	m.genesisSupply = genesisSupply
	m.totalMinted = totalMinted
	m.totalBurned = totalBurned
}
