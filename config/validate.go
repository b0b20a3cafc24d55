package config

import "fmt"

// ValidateConfig enforces the cross-field bounds on a genesis document's
// runtime knobs that a single-field check can't express: the jail window
// must be non-zero and, when an epoch length is set, no longer than eight
// epochs, and the mempool/block limits must be non-zero.
func ValidateConfig(g Global) error {
	if g.Slashing.JailDurationBlocks == 0 {
		return fmt.Errorf("slashing: jail_duration_blocks must be > 0")
	}
	if g.Slashing.EpochLengthBlocks > 0 && g.Slashing.JailDurationBlocks > g.Slashing.EpochLengthBlocks*8 {
		return fmt.Errorf("slashing: jail_duration_blocks unreasonably exceeds epoch_length_blocks")
	}
	if g.Mempool.MaxSize == 0 {
		return fmt.Errorf("mempool: max_size must be > 0")
	}
	if g.Blocks.MaxTxPerBlock == 0 {
		return fmt.Errorf("blocks: max_tx_per_block must be > 0")
	}
	if g.Blocks.GasLimit == 0 {
		return fmt.Errorf("blocks: gas_limit must be > 0")
	}
	return nil
}
