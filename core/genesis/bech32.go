package genesis

import (
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

func ParseBech32Account(addr string) ([20]byte, error) {
	return decodeBech32(addr, "cpc")
}

// ParseBech32Consensus decodes a validator consensus address (cpcvalcons...).
func ParseBech32Consensus(addr string) ([20]byte, error) {
	return decodeBech32(addr, "cpcvalcons")
}

func decodeBech32(addr, wantHRP string) ([20]byte, error) {
	var out [20]byte
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return out, fmt.Errorf("decode bech32 address: %w", err)
	}
	if hrp != wantHRP {
		return out, fmt.Errorf("decode bech32 address: expected hrp %q, got %q", wantHRP, hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return out, fmt.Errorf("decode bech32 address: %w", err)
	}
	if len(decoded) != len(out) {
		return out, fmt.Errorf("decode bech32 address: invalid address length %d", len(decoded))
	}
	copy(out[:], decoded)
	return out, nil
}
