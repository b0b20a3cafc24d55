package types

import "math/big"

// Account is the state machine's record for a single address: balance,
// next expected nonce, and the delegation/unbonding positions it holds
// against validators.
type Account struct {
	Balance  *big.Int `json:"balance"`
	Nonce    uint64   `json:"nonce"`
	PubKey   []byte   `json:"pubKey,omitempty"`

	// DelegationsOut indexes the validators this account currently
	// delegates to, by consensus address. The state machine owns the
	// authoritative amount on the validator's DelegationsIn entry; this
	// index exists to resolve max_validators_per_delegator without scanning
	// every validator.
	DelegationsOut []DelegationRef  `json:"delegationsOut,omitempty"`
	Unbonding      []UnbondingEntry `json:"unbonding,omitempty"`

	// RewardHistory is an append-only log of block-reward distributions this
	// account has received as a validator or delegator. It is kept for
	// client queries; as part of the encoded account it is also covered by
	// state_root.
	RewardHistory []RewardEntry `json:"rewardHistory,omitempty"`
}

// DelegationRef indexes an active delegation by validator consensus address.
type DelegationRef struct {
	Validator []byte `json:"validator"`
}

// RewardEntry records a single reward credit for query purposes.
type RewardEntry struct {
	Epoch  uint64   `json:"epoch"`
	Amount *big.Int `json:"amount"`
}

// UnbondingEntry tracks tokens released from a delegation that remain
// locked until CompletionHeight, at which point they are auto-credited to
// the owning account's balance during block application.
type UnbondingEntry struct {
	Validator        []byte   `json:"validator"`
	Amount           *big.Int `json:"amount"`
	CompletionHeight uint64   `json:"completionHeight"`
}

// NewAccount returns a zero-value account with non-nil big.Int fields, safe
// to mutate directly.
func NewAccount() *Account {
	return &Account{Balance: big.NewInt(0)}
}

// Clone returns a deep copy of the account, used by the state machine when
// building speculative block-assembly views.
func (a *Account) Clone() *Account {
	if a == nil {
		return NewAccount()
	}
	clone := &Account{
		Balance: new(big.Int).Set(nonNilBig(a.Balance)),
		Nonce:   a.Nonce,
	}
	if len(a.PubKey) > 0 {
		clone.PubKey = append([]byte(nil), a.PubKey...)
	}
	if len(a.DelegationsOut) > 0 {
		clone.DelegationsOut = make([]DelegationRef, len(a.DelegationsOut))
		for i, d := range a.DelegationsOut {
			clone.DelegationsOut[i] = DelegationRef{Validator: append([]byte(nil), d.Validator...)}
		}
	}
	if len(a.Unbonding) > 0 {
		clone.Unbonding = make([]UnbondingEntry, len(a.Unbonding))
		for i, e := range a.Unbonding {
			clone.Unbonding[i] = UnbondingEntry{
				Validator:        append([]byte(nil), e.Validator...),
				Amount:           new(big.Int).Set(nonNilBig(e.Amount)),
				CompletionHeight: e.CompletionHeight,
			}
		}
	}
	if len(a.RewardHistory) > 0 {
		clone.RewardHistory = make([]RewardEntry, len(a.RewardHistory))
		for i, r := range a.RewardHistory {
			clone.RewardHistory[i] = RewardEntry{Epoch: r.Epoch, Amount: new(big.Int).Set(nonNilBig(r.Amount))}
		}
	}
	return clone
}

// HasDelegationTo reports whether the account already delegates to validator.
func (a *Account) HasDelegationTo(validator []byte) bool {
	for _, d := range a.DelegationsOut {
		if bytesEqual(d.Validator, validator) {
			return true
		}
	}
	return false
}

// AddDelegationRef records validator in the account's delegation index if
// not already present.
func (a *Account) AddDelegationRef(validator []byte) {
	if a.HasDelegationTo(validator) {
		return
	}
	a.DelegationsOut = append(a.DelegationsOut, DelegationRef{Validator: append([]byte(nil), validator...)})
}

// RemoveDelegationRef drops validator from the account's delegation index.
func (a *Account) RemoveDelegationRef(validator []byte) {
	out := a.DelegationsOut[:0]
	for _, d := range a.DelegationsOut {
		if !bytesEqual(d.Validator, validator) {
			out = append(out, d)
		}
	}
	a.DelegationsOut = out
}

func nonNilBig(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
