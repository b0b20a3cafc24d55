package crypto

import (
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// AddressPrefix defines the different types of human-readable address prefixes.
type AddressPrefix string

const (
	// AccountPrefix identifies ordinary account addresses (cpc...).
	AccountPrefix AddressPrefix = "cpc"
	// ConsensusPrefix identifies a validator's consensus address (cpcvalcons...).
	// It is not derived independently of the account address: both carry the
	// same 20 bytes from the same public key and differ only in prefix.
	ConsensusPrefix AddressPrefix = "cpcvalcons"
)

// Address represents a 20-byte NHBCoin address with a specific prefix.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != 20 {
		return Address{}, fmt.Errorf("address must be 20 bytes long, got %d", len(b))
	}
	cloned := append([]byte(nil), b...)
	return Address{prefix: prefix, bytes: cloned}, nil
}

// MustNewAddress constructs an address and panics if the input is invalid.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

func (a Address) Bytes() []byte {
	return append([]byte(nil), a.bytes...)
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	addr, err := NewAddress(AddressPrefix(prefix), conv)
	if err != nil {
		return Address{}, err
	}
	return addr, nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Address derives the account address (cpc...) associated with this public key.
func (k *PublicKey) Address() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return MustNewAddress(AccountPrefix, addrBytes)
}

// ConsensusAddress derives the validator consensus address (cpcvalcons...)
// associated with this public key. Consensus addresses and account addresses
// share the same 20-byte derivation but are never interchangeable because
// their bech32 prefixes differ.
func (k *PublicKey) ConsensusAddress() Address {
	addrBytes := crypto.PubkeyToAddress(*k.PublicKey).Bytes()
	return MustNewAddress(ConsensusPrefix, addrBytes)
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Sign produces a recoverable ECDSA signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, k.PrivateKey)
}

// RecoverAddress recovers the account address that produced sig over digest.
func RecoverAddress(digest, sig []byte) (Address, error) {
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return Address{}, fmt.Errorf("recover public key: %w", err)
	}
	return MustNewAddress(AccountPrefix, crypto.PubkeyToAddress(*pub).Bytes()), nil
}

// Verify reports whether sig is a valid signature over digest for pubKey.
func Verify(pubKey *PublicKey, digest, sig []byte) bool {
	if pubKey == nil || len(sig) < 64 {
		return false
	}
	return crypto.VerifySignature(crypto.FromECDSAPub(pubKey.PublicKey), digest, sig[:64])
}

// FromPublicKey returns the uncompressed SEC1 byte encoding of pubKey, the
// form carried on-wire in transaction and handshake envelopes.
func FromPublicKey(pubKey *PublicKey) []byte {
	if pubKey == nil {
		return nil
	}
	return crypto.FromECDSAPub(pubKey.PublicKey)
}

// PublicKeyFromBytes decodes the uncompressed SEC1 byte encoding produced by
// FromPublicKey.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	pub, err := crypto.UnmarshalPubkey(b)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	return &PublicKey{pub}, nil
}
