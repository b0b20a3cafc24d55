package core

import (
	"nhbchain/core/types"
	"nhbchain/crypto"
)

// ComputeTxRoot builds the canonical transaction root: a binary Merkle tree
// over transaction ids, in block order.
func ComputeTxRoot(txs []*types.Transaction) ([]byte, error) {
	leaves := make([][]byte, len(txs))
	for i, tx := range txs {
		id, err := tx.ID()
		if err != nil {
			return nil, err
		}
		leaves[i] = id
	}
	return crypto.MerkleRoot(leaves), nil
}

// ComputeComputeRoot builds compute_root: a Merkle root over the ids of
// every SUBMIT_RESULT transaction in the block, in block order. The
// proof-of-compute worker/miner subsystem that produces and attests the
// underlying results is out of scope; this only commits to which result
// submissions were included.
func ComputeComputeRoot(txs []*types.Transaction) ([]byte, error) {
	leaves := make([][]byte, 0, len(txs))
	for _, tx := range txs {
		if tx.Type != types.TxTypeSubmitResult {
			continue
		}
		id, err := tx.ID()
		if err != nil {
			return nil, err
		}
		leaves = append(leaves, id)
	}
	return crypto.MerkleRoot(leaves), nil
}
