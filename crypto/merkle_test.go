package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerkleRoot_EmptyIsHashOfNil(t *testing.T) {
	require.Equal(t, Hash(nil), MerkleRoot(nil))
	require.Equal(t, Hash(nil), MerkleRoot([][]byte{}))
}

func TestMerkleRoot_SingleLeaf(t *testing.T) {
	leaf := []byte("only leaf")
	require.Equal(t, Hash(leaf), MerkleRoot([][]byte{leaf}))
}

func TestMerkleRoot_Deterministic(t *testing.T) {
	leaves := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	first := MerkleRoot(leaves)
	second := MerkleRoot([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	require.Equal(t, first, second)
}

// TestMerkleRoot_OrderSensitive checks that the root depends on leaf order,
// since roots gate block tx_root/compute_root equality checks and must not
// treat a reordered transaction set as equivalent.
func TestMerkleRoot_OrderSensitive(t *testing.T) {
	a := MerkleRoot([][]byte{[]byte("a"), []byte("b"), []byte("c")})
	b := MerkleRoot([][]byte{[]byte("c"), []byte("b"), []byte("a")})
	require.NotEqual(t, a, b)
}

// TestMerkleRoot_OddCountDuplicatesLast checks the fixed odd-layer
// convention: a 3-leaf tree is computed as if the 3rd leaf were duplicated
// into a 4th, not left unpaired.
func TestMerkleRoot_OddCountDuplicatesLast(t *testing.T) {
	three := MerkleRoot([][]byte{[]byte("a"), []byte("b"), []byte("c")})

	h := func(b []byte) []byte { return Hash(b) }
	leafHashes := [][]byte{h([]byte("a")), h([]byte("b")), h([]byte("c"))}
	left := hashPair(leafHashes[0], leafHashes[1])
	right := hashPair(leafHashes[2], leafHashes[2])
	want := hashPair(left, right)

	require.Equal(t, want, three)
}

func TestMerkleRoot_TwoLeaves(t *testing.T) {
	a, b := []byte("a"), []byte("b")
	got := MerkleRoot([][]byte{a, b})
	want := hashPair(Hash(a), Hash(b))
	require.Equal(t, want, got)
}

func TestHash_Deterministic(t *testing.T) {
	data := []byte("deterministic")
	require.Equal(t, Hash(data), Hash(data))
	require.NotEqual(t, Hash(data), Hash([]byte("different")))
}
