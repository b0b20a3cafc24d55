package types

import "nhbchain/core/codec"

// BlockHeader commits to a block's contents. Block hash is the canonical
// hash of the header; state_root is a canonical hash over the committed
// validator/account maps and economic counters (see core/state).
type BlockHeader struct {
	Height      uint64 `json:"height"`
	PrevHash    []byte `json:"prevHash"`
	Timestamp   int64  `json:"timestamp"`
	Slot        uint64 `json:"slot"`
	Proposer    []byte `json:"proposer"`
	TxRoot      []byte `json:"txRoot"`
	StateRoot   []byte `json:"stateRoot"`
	ComputeRoot []byte `json:"computeRoot"`
	Version     uint32 `json:"version"`
}

// Hash returns the canonical hash of the header, i.e. the block hash.
func (h *BlockHeader) Hash() ([]byte, error) {
	return codec.Hash(h)
}

// Block is a header, its transactions, and the proposer's signature over
// the header hash.
type Block struct {
	Header       *BlockHeader   `json:"header"`
	Transactions []*Transaction `json:"transactions"`
	Signature    []byte         `json:"signature"`
}

// NewBlock constructs an unsigned block from a header and transaction set.
func NewBlock(header *BlockHeader, txs []*Transaction) *Block {
	return &Block{Header: header, Transactions: txs}
}

// Hash returns the block's hash (its header hash).
func (b *Block) Hash() ([]byte, error) {
	if b == nil || b.Header == nil {
		return nil, nil
	}
	return b.Header.Hash()
}
