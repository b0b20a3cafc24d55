// Package core provides the append-only block store: height and hash
// indices over a LevelDB-backed key/value database, and the canonical
// transaction/compute roots consulted by block assembly and validation.
package core

import (
	"bytes"
	"encoding/binary"
	"sync"

	"nhbchain/core/codec"
	cerrors "nhbchain/core/errors"
	"nhbchain/core/genesis"
	"nhbchain/core/state"
	"nhbchain/core/types"
	"nhbchain/storage"
)

// Blockchain is the append-only, height-indexed block store described in
// §4.3/§6 as `blocks.db`.
type Blockchain struct {
	db      storage.Database
	tip     []byte
	height  uint64
	heights map[uint64][]byte
	mu      sync.RWMutex

	genesisHash []byte
}

var (
	tipKey        = []byte("tip")
	genesisKeyName = []byte("genesis_hash")
	heightKeyName = []byte("height")
	heightPrefix  = []byte("height:")
)

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(heightPrefix)+8)
	copy(key, heightPrefix)
	binary.BigEndian.PutUint64(key[len(heightPrefix):], height)
	return key
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

// NewBlockchain opens (or initializes) the block store in db. When the
// store is empty, it materializes genesis state from spec via
// genesis.BuildGenesisState and persists the resulting block at height 0;
// it returns the genesis state.Manager so the caller can wire it into the
// state machine and consensus layer. When db already holds a chain, only
// the block indices are reloaded: no state is restored from the store and
// the returned manager is nil.
func NewBlockchain(db storage.Database, spec *genesis.Spec) (*Blockchain, *state.Manager, error) {
	bc := &Blockchain{db: db, heights: make(map[uint64][]byte)}

	existingHash, err := db.Get(genesisKeyName)
	if err == nil && len(existingHash) > 0 {
		if err := bc.loadExisting(); err != nil {
			return nil, nil, err
		}
		return bc, nil, nil
	}

	if spec == nil {
		return nil, nil, cerrors.Tagf(cerrors.KindIO, "blockstore: empty and no genesis spec provided")
	}

	manager, err := genesis.BuildGenesisState(spec)
	if err != nil {
		return nil, nil, err
	}
	block, err := genesis.BuildGenesisBlock(spec, manager)
	if err != nil {
		return nil, nil, err
	}
	genesisHash, err := bc.persistBlock(block)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Put(tipKey, genesisHash); err != nil {
		return nil, nil, cerrors.Tagf(cerrors.KindIO, "blockstore: store tip: %v", err)
	}
	if err := db.Put(heightKeyName, encodeUint64(0)); err != nil {
		return nil, nil, cerrors.Tagf(cerrors.KindIO, "blockstore: store height: %v", err)
	}
	if err := db.Put(heightKey(0), genesisHash); err != nil {
		return nil, nil, cerrors.Tagf(cerrors.KindIO, "blockstore: store height index: %v", err)
	}
	if err := db.Put(genesisKeyName, genesisHash); err != nil {
		return nil, nil, cerrors.Tagf(cerrors.KindIO, "blockstore: store genesis hash: %v", err)
	}

	bc.genesisHash = genesisHash
	bc.tip = genesisHash
	bc.height = 0
	bc.heights[0] = genesisHash
	return bc, manager, nil
}

func (bc *Blockchain) loadExisting() error {
	genesisHash, err := bc.db.Get(genesisKeyName)
	if err != nil {
		return cerrors.Tagf(cerrors.KindIO, "blockstore: load genesis hash: %v", err)
	}
	bc.genesisHash = cloneBytes(genesisHash)

	tipHash, err := bc.db.Get(tipKey)
	if err != nil {
		return cerrors.Tagf(cerrors.KindIO, "blockstore: load tip: %v", err)
	}
	bc.tip = cloneBytes(tipHash)

	heightBytes, err := bc.db.Get(heightKeyName)
	if err != nil {
		return cerrors.Tagf(cerrors.KindIO, "blockstore: load height: %v", err)
	}
	bc.height = decodeUint64(heightBytes)

	for i := uint64(0); i <= bc.height; i++ {
		hashBytes, err := bc.db.Get(heightKey(i))
		if err != nil {
			return cerrors.Tagf(cerrors.KindIO, "blockstore: load height index %d: %v", i, err)
		}
		bc.heights[i] = cloneBytes(hashBytes)
	}
	return nil
}

// GenesisHash returns the hash of the height-0 block, the network identity
// consulted to gate P2P sessions.
func (bc *Blockchain) GenesisHash() []byte { return cloneBytes(bc.genesisHash) }

func (bc *Blockchain) persistBlock(b *types.Block) ([]byte, error) {
	blockBytes, err := codecEncodeBlock(b)
	if err != nil {
		return nil, err
	}
	blockHash, err := b.Hash()
	if err != nil {
		return nil, cerrors.Tagf(cerrors.KindStructural, "blockstore: hash block: %v", err)
	}
	if err := bc.db.Put(blockHash, blockBytes); err != nil {
		return nil, cerrors.Tagf(cerrors.KindIO, "blockstore: store block: %v", err)
	}
	return blockHash, nil
}

// AppendBlock appends b to the store. The caller (consensus) is
// responsible for validating b against local state before calling this;
// AppendBlock only re-checks prev-hash linkage, tx_root consistency and
// that b extends the tip height by one.
func (bc *Blockchain) AppendBlock(b *types.Block) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if !bytes.Equal(b.Header.PrevHash, bc.tip) {
		return cerrors.Tag(cerrors.KindConsensus, cerrors.ErrPrevHashMismatch)
	}
	expectedTxRoot, err := ComputeTxRoot(b.Transactions)
	if err != nil {
		return cerrors.Tagf(cerrors.KindStructural, "blockstore: compute tx root: %v", err)
	}
	if !bytes.Equal(expectedTxRoot, b.Header.TxRoot) {
		return cerrors.Tag(cerrors.KindConsensus, cerrors.ErrStateRootMismatch)
	}

	blockHash, err := bc.persistBlock(b)
	if err != nil {
		return err
	}
	newHeight := bc.height + 1
	if b.Header.Height != newHeight {
		return cerrors.Tag(cerrors.KindConsensus, cerrors.ErrHeightMismatch)
	}
	if err := bc.db.Put(tipKey, blockHash); err != nil {
		return cerrors.Tagf(cerrors.KindIO, "blockstore: store tip: %v", err)
	}
	if err := bc.db.Put(heightKeyName, encodeUint64(newHeight)); err != nil {
		return cerrors.Tagf(cerrors.KindIO, "blockstore: store height: %v", err)
	}
	if err := bc.db.Put(heightKey(newHeight), blockHash); err != nil {
		return cerrors.Tagf(cerrors.KindIO, "blockstore: store height index: %v", err)
	}

	bc.tip = cloneBytes(blockHash)
	bc.height = newHeight
	bc.heights[newHeight] = cloneBytes(blockHash)
	return nil
}

// GetBlockByHash retrieves a block from the database by its hash.
func (bc *Blockchain) GetBlockByHash(hash []byte) (*types.Block, error) {
	blockBytes, err := bc.db.Get(hash)
	if err != nil {
		return nil, cerrors.Tag(cerrors.KindIO, err)
	}
	return codecDecodeBlock(blockBytes)
}

// GetBlockByHeight retrieves a block by its height.
func (bc *Blockchain) GetBlockByHeight(height uint64) (*types.Block, error) {
	bc.mu.RLock()
	hash, ok := bc.heights[height]
	bc.mu.RUnlock()
	if !ok {
		return nil, cerrors.Tagf(cerrors.KindIO, "blockstore: block at height %d not found", height)
	}
	return bc.GetBlockByHash(hash)
}

// GetBlocks retrieves blocks in [fromHeight, toHeight], clamped to the
// current tip.
func (bc *Blockchain) GetBlocks(fromHeight, toHeight uint64) ([]*types.Block, error) {
	bc.mu.RLock()
	currentHeight := bc.height
	bc.mu.RUnlock()
	if toHeight > currentHeight {
		toHeight = currentHeight
	}

	var blocks []*types.Block
	for i := fromHeight; i <= toHeight; i++ {
		block, err := bc.GetBlockByHeight(i)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// Height returns the current chain height.
func (bc *Blockchain) Height() uint64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.height
}

// Tip returns the current tip block hash.
func (bc *Blockchain) Tip() []byte {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return cloneBytes(bc.tip)
}

// CurrentHeader returns the header of the block at the current tip.
func (bc *Blockchain) CurrentHeader() (*types.BlockHeader, error) {
	tip := bc.Tip()
	block, err := bc.GetBlockByHash(tip)
	if err != nil {
		return nil, err
	}
	return block.Header, nil
}

func codecEncodeBlock(b *types.Block) ([]byte, error) {
	return codec.Encode(b)
}

func codecDecodeBlock(data []byte) (*types.Block, error) {
	var block types.Block
	if err := codec.Decode(data, &block); err != nil {
		return nil, err
	}
	return &block, nil
}
