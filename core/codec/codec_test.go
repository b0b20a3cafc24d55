package codec

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"nhbchain/core/types"
)

func TestEncodeDecode_RoundTrip(t *testing.T) {
	acc := types.NewAccount()
	acc.Balance = big.NewInt(12_345)
	acc.Nonce = 7

	data, err := Encode(acc)
	require.NoError(t, err)

	var decoded types.Account
	require.NoError(t, Decode(data, &decoded))
	require.Equal(t, acc.Balance, decoded.Balance)
	require.Equal(t, acc.Nonce, decoded.Nonce)
}

func TestEncode_NoTrailingNewline(t *testing.T) {
	data, err := Encode(map[string]int{"a": 1})
	require.NoError(t, err)
	require.NotContains(t, string(data), "\n")
}

// TestHash_IndependentOfMapKeyOrder is the determinism guarantee every
// consensus-facing hash relies on: encoding/json always serializes map
// keys in sorted order, so two equivalent objects built with different
// insertion orders hash identically.
func TestHash_IndependentOfMapKeyOrder(t *testing.T) {
	a := map[string]int{"zebra": 1, "apple": 2, "mango": 3}
	b := map[string]int{"mango": 3, "apple": 2, "zebra": 1}

	hashA, err := Hash(a)
	require.NoError(t, err)
	hashB, err := Hash(b)
	require.NoError(t, err)
	require.Equal(t, hashA, hashB)
}

func TestHash_Deterministic(t *testing.T) {
	obj := &types.BlockHeader{Height: 10, Slot: 3, Version: 1}
	first, err := Hash(obj)
	require.NoError(t, err)
	second, err := Hash(obj)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestHash_DiffersOnDifferentInput(t *testing.T) {
	a, err := Hash(&types.BlockHeader{Height: 1})
	require.NoError(t, err)
	b, err := Hash(&types.BlockHeader{Height: 2})
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestMustHash_PanicsOnUnencodable(t *testing.T) {
	defer func() {
		require.NotNil(t, recover(), "MustHash must panic when the object cannot be encoded")
	}()
	MustHash(func() {})
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	var acc types.Account
	err := Decode([]byte("not json"), &acc)
	require.Error(t, err)
}
