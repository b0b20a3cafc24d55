package types

import "math/big"

// Validator is keyed by its consensus address (cpcvalcons...) and tracks
// stake, delegations, performance, and penalty bookkeeping.
type Validator struct {
	ConsensusAddress []byte   `json:"consensusAddress"`
	Operator         []byte   `json:"operator"`
	PubKey           []byte   `json:"pubKey"`
	SelfStake        *big.Int `json:"selfStake"`
	TotalDelegated   *big.Int `json:"totalDelegated"`
	Power            *big.Int `json:"power"`

	CommissionRate uint32 `json:"commissionRateBps"` // basis points, 0-10000
	Name           string `json:"name"`
	Website        string `json:"website"`
	Description    string `json:"description"`

	DelegationsIn []Delegation `json:"delegationsIn,omitempty"`

	BlocksProposed uint64 `json:"blocksProposed"`
	BlocksExpected uint64 `json:"blocksExpected"`
	MissedBlocks   uint64 `json:"missedBlocks"`
	LastSeenHeight uint64 `json:"lastSeenHeight"`

	// UptimeScoreBps and PerformanceScoreBps hold the [0,1] scores from
	// §4.4 scaled to basis points (10000 == 1.0). Consensus-affecting
	// scoring never uses floating point, so these are computed with
	// integer arithmetic (see core/state/epoch.go).
	UptimeScoreBps      uint32 `json:"uptimeScoreBps"`
	PerformanceScoreBps uint32 `json:"performanceScoreBps"`

	TotalPenalties    *big.Int `json:"totalPenalties"`
	JailCount         uint32   `json:"jailCount"`
	JailedUntilHeight uint64   `json:"jailedUntilHeight"`
	IsActive          bool     `json:"isActive"`
	Ejected           bool     `json:"ejected"`
	JoinedHeight      uint64   `json:"joinedHeight"`
}

// Delegation is keyed by (delegator, validator); a single pair has at most
// one active record, with repeated DELEGATEs aggregating into Amount.
type Delegation struct {
	Delegator     []byte   `json:"delegator"`
	Amount        *big.Int `json:"amount"`
	CreatedHeight uint64   `json:"createdHeight"`
}

// NewValidator constructs a fresh validator record for a first-time STAKE.
func NewValidator(consensusAddr, operator, pubKey []byte, selfStake *big.Int, commissionRate uint32, joinedHeight uint64) *Validator {
	return &Validator{
		ConsensusAddress: append([]byte(nil), consensusAddr...),
		Operator:         append([]byte(nil), operator...),
		PubKey:           append([]byte(nil), pubKey...),
		SelfStake:        new(big.Int).Set(selfStake),
		TotalDelegated:   big.NewInt(0),
		Power:            new(big.Int).Set(selfStake),
		CommissionRate:   commissionRate,
		TotalPenalties:   big.NewInt(0),
		IsActive:         false,
		JoinedHeight:     joinedHeight,
	}
}

// Clone returns a deep copy, used when building speculative block-assembly
// state copies.
func (v *Validator) Clone() *Validator {
	if v == nil {
		return nil
	}
	clone := *v
	clone.ConsensusAddress = append([]byte(nil), v.ConsensusAddress...)
	clone.Operator = append([]byte(nil), v.Operator...)
	clone.PubKey = append([]byte(nil), v.PubKey...)
	clone.SelfStake = new(big.Int).Set(nonNilBig(v.SelfStake))
	clone.TotalDelegated = new(big.Int).Set(nonNilBig(v.TotalDelegated))
	clone.Power = new(big.Int).Set(nonNilBig(v.Power))
	clone.TotalPenalties = new(big.Int).Set(nonNilBig(v.TotalPenalties))
	if len(v.DelegationsIn) > 0 {
		clone.DelegationsIn = make([]Delegation, len(v.DelegationsIn))
		for i, d := range v.DelegationsIn {
			clone.DelegationsIn[i] = Delegation{
				Delegator:     append([]byte(nil), d.Delegator...),
				Amount:        new(big.Int).Set(nonNilBig(d.Amount)),
				CreatedHeight: d.CreatedHeight,
			}
		}
	}
	return &clone
}

// RecomputePower sets Power = SelfStake + TotalDelegated, the invariant
// enforced after every stake/delegation mutation.
func (v *Validator) RecomputePower() {
	v.Power = new(big.Int).Add(nonNilBig(v.SelfStake), nonNilBig(v.TotalDelegated))
}

// DelegationIndex returns the index of delegator's entry in DelegationsIn,
// or -1 if none exists.
func (v *Validator) DelegationIndex(delegator []byte) int {
	for i := range v.DelegationsIn {
		if bytesEqual(v.DelegationsIn[i].Delegator, delegator) {
			return i
		}
	}
	return -1
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
