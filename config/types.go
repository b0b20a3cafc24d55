package config

// Slashing carries the jail duration and epoch length whose ratio
// ValidateConfig bounds (jail duration at most eight epochs).
type Slashing struct {
	JailDurationBlocks uint64
	EpochLengthBlocks  uint64
}

// Mempool controls global transaction admission limits.
type Mempool struct {
	MaxSize uint64
}

// Blocks captures block production limits for transaction counts and gas.
type Blocks struct {
	MaxTxPerBlock uint64
	GasLimit      uint64
}

// Global bundles the genesis-derived runtime bounds enforced by
// ValidateConfig, independent of the JSON shape genesis.Params uses on
// disk.
type Global struct {
	Slashing Slashing
	Mempool  Mempool
	Blocks   Blocks
}
