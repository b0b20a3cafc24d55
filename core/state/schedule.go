package state

import (
	"bytes"
	"sort"

	"nhbchain/core/types"
)

// OrderedActiveSet returns the active validator set canonically ordered by
// consensus address ascending, the order slot-to-proposer indexing is
// defined over.
func OrderedActiveSet(m *Manager) []*types.Validator {
	active := m.ActiveValidators()
	sort.Slice(active, func(i, j int) bool {
		return bytes.Compare(active[i].ConsensusAddress, active[j].ConsensusAddress) < 0
	})
	return active
}

// ProposerForSlot returns the consensus address designated to propose slot,
// or nil if there is no active validator set at all. This is the single
// source of truth for slot-to-proposer assignment: both block production
// (consensus/slot) and missed-block accounting (ApplyBlock) must agree on
// who owned a given slot.
func ProposerForSlot(m *Manager, slot uint64) []byte {
	active := OrderedActiveSet(m)
	if len(active) == 0 {
		return nil
	}
	return active[slot%uint64(len(active))].ConsensusAddress
}
