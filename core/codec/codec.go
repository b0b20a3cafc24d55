// Package codec provides the single canonical byte encoding used for every
// on-chain object: transactions, blocks, accounts, validators, and genesis
// documents. Every hash fed into consensus is computed over this encoding.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"nhbchain/crypto"
)

// Encode produces the canonical byte representation of obj. The encoding is
// stable under round-trip and independent of map iteration order: Go's
// encoding/json always serializes map[string]V keys in sorted lexicographic
// order, and struct fields are serialized in declaration order, so two
// processes encoding the same logical object always produce identical bytes.
func Encode(obj any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(obj); err != nil {
		return nil, fmt.Errorf("codec: encode: %w", err)
	}
	// json.Encoder.Encode appends a trailing newline; strip it so Hash(Encode(x))
	// is stable regardless of encoder vs. direct json.Marshal callers.
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode reverses Encode into obj, which must be a pointer.
func Decode(data []byte, obj any) error {
	if err := json.Unmarshal(data, obj); err != nil {
		return fmt.Errorf("codec: decode: %w", err)
	}
	return nil
}

// Hash returns the 32-byte canonical hash of obj's canonical encoding.
func Hash(obj any) ([]byte, error) {
	data, err := Encode(obj)
	if err != nil {
		return nil, err
	}
	return crypto.Hash(data), nil
}

// MustHash panics if obj cannot be encoded. Reserved for call sites where the
// object's encodability is a program invariant (e.g. internally constructed
// headers), never for user-controlled input.
func MustHash(obj any) []byte {
	h, err := Hash(obj)
	if err != nil {
		panic(err)
	}
	return h
}
