package snapshot

import (
	"fmt"

	"nhbchain/core/state"
	"nhbchain/observability"
)

// Engine decides when to snapshot (every SnapshotIntervalBlocks, and at
// every epoch boundary) and owns the on-disk retention policy.
type Engine struct {
	dir  string
	cfg  *state.Config
	keep int
}

// NewEngine returns an Engine that writes snapshots under dir per cfg's
// interval/retention parameters.
func NewEngine(dir string, cfg *state.Config) *Engine {
	keep := int(cfg.SnapshotKeep)
	if keep <= 0 {
		keep = 10
	}
	return &Engine{dir: dir, cfg: cfg, keep: keep}
}

// ShouldSnapshot reports whether height warrants a snapshot: an interval
// boundary, or an epoch boundary (first block of a new epoch).
func (e *Engine) ShouldSnapshot(height uint64) bool {
	if e.cfg.SnapshotIntervalBlocks > 0 && height%e.cfg.SnapshotIntervalBlocks == 0 {
		return true
	}
	if e.cfg.EpochLengthBlocks > 0 && height%e.cfg.EpochLengthBlocks == 0 {
		return true
	}
	return false
}

// MaybeSnapshot writes a snapshot at height if ShouldSnapshot(height), then
// prunes to the retention limit. It is a no-op otherwise.
func (e *Engine) MaybeSnapshot(m *state.Manager, height uint64, tipHash []byte) error {
	if !e.ShouldSnapshot(height) {
		return nil
	}
	doc := BuildDocument(m, height, tipHash)
	if err := Save(e.dir, doc); err != nil {
		return fmt.Errorf("snapshot: save at height %d: %w", height, err)
	}
	if err := Prune(e.dir, e.keep); err != nil {
		return fmt.Errorf("snapshot: prune: %w", err)
	}
	observability.Chain().RecordSnapshot(height)
	return nil
}

// List returns every snapshot height retained on disk, ascending.
func (e *Engine) List() ([]uint64, error) {
	return List(e.dir)
}

// Latest returns the highest available snapshot height, or (0, false) if
// none exist.
func (e *Engine) Latest() (uint64, bool, error) {
	heights, err := List(e.dir)
	if err != nil {
		return 0, false, err
	}
	if len(heights) == 0 {
		return 0, false, nil
	}
	return heights[len(heights)-1], true, nil
}

// LoadLatest loads and restores the highest available snapshot, returning
// the restored manager, its height, and its recorded tip hash.
func (e *Engine) LoadLatest() (*state.Manager, uint64, []byte, error) {
	height, ok, err := e.Latest()
	if err != nil {
		return nil, 0, nil, err
	}
	if !ok {
		return nil, 0, nil, fmt.Errorf("snapshot: no snapshots available in %s", e.dir)
	}
	doc, err := Load(e.dir, height)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("snapshot: load height %d: %w", height, err)
	}
	m, err := Restore(e.cfg, doc)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("snapshot: restore height %d: %w", height, err)
	}
	return m, doc.Height, doc.TipHash, nil
}
