package crypto

import "github.com/ethereum/go-ethereum/crypto"

// MerkleRoot computes a binary Merkle root over an ordered list of leaves.
// Leaves are hashed pairwise; an odd layer duplicates its last element
// before hashing, per the network's fixed Merkle convention. An empty leaf
// set yields the hash of an empty byte slice.
func MerkleRoot(leaves [][]byte) []byte {
	if len(leaves) == 0 {
		return Hash(nil)
	}
	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = Hash(leaf)
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

func hashPair(left, right []byte) []byte {
	combined := make([]byte, 0, len(left)+len(right))
	combined = append(combined, left...)
	combined = append(combined, right...)
	return Hash(combined)
}

// Hash is the single canonical hash function used throughout the system for
// block, transaction, and state hashing.
func Hash(data []byte) []byte {
	return crypto.Keccak256(data)
}
