package types

import (
	"fmt"
	"math/big"

	"nhbchain/core/codec"
	"nhbchain/crypto"
)

func encodeCanonical(obj any) ([]byte, error) {
	return codec.Encode(obj)
}

// TxType is the closed set of transaction kinds the state machine accepts.
type TxType byte

const (
	TxTypeTransfer         TxType = 0x01
	TxTypeStake            TxType = 0x02
	TxTypeUnstake          TxType = 0x03
	TxTypeUpdateValidator  TxType = 0x04
	TxTypeDelegate         TxType = 0x05
	TxTypeUndelegate       TxType = 0x06
	TxTypeUnjail           TxType = 0x07
	TxTypeSubmitResult     TxType = 0x08
)

// BaseGas returns the fixed gas cost charged for a transaction kind,
// regardless of payload contents (there is no metered execution beyond this
// base cost).
func BaseGas(t TxType) (uint64, error) {
	switch t {
	case TxTypeTransfer:
		return 21_000, nil
	case TxTypeStake:
		return 40_000, nil
	case TxTypeUnstake:
		return 40_000, nil
	case TxTypeUpdateValidator:
		return 30_000, nil
	case TxTypeDelegate:
		return 35_000, nil
	case TxTypeUndelegate:
		return 35_000, nil
	case TxTypeUnjail:
		return 50_000, nil
	case TxTypeSubmitResult:
		return 80_000, nil
	default:
		return 0, fmt.Errorf("unknown transaction kind %d", t)
	}
}

// Transaction is the signed envelope submitted by clients. Canonical
// encoding of the unsigned fields (everything but Signature) produces the
// 32-byte signing digest and transaction id.
type Transaction struct {
	Type      TxType   `json:"type"`
	Sender    []byte   `json:"sender"`
	Recipient []byte   `json:"recipient,omitempty"`
	Amount    *big.Int `json:"amount,omitempty"`
	Nonce     uint64   `json:"nonce"`
	GasLimit  uint64   `json:"gasLimit"`
	GasPrice  *big.Int `json:"gasPrice"`
	Payload   []byte   `json:"payload,omitempty"`
	PubKey    []byte   `json:"pubKey"`
	Signature []byte   `json:"signature,omitempty"`

	idCache []byte
}

// SigningDigest returns the canonical hash of the unsigned fields — the
// value that is signed and that serves as the transaction id.
func (tx *Transaction) SigningDigest() ([]byte, error) {
	unsigned := struct {
		Type      TxType
		Sender    []byte
		Recipient []byte `json:"recipient,omitempty"`
		Amount    *big.Int `json:"amount,omitempty"`
		Nonce     uint64
		GasLimit  uint64
		GasPrice  *big.Int
		Payload   []byte `json:"payload,omitempty"`
		PubKey    []byte
	}{
		Type:      tx.Type,
		Sender:    tx.Sender,
		Recipient: tx.Recipient,
		Amount:    tx.Amount,
		Nonce:     tx.Nonce,
		GasLimit:  tx.GasLimit,
		GasPrice:  tx.GasPrice,
		Payload:   tx.Payload,
		PubKey:    tx.PubKey,
	}
	data, err := encodeCanonical(unsigned)
	if err != nil {
		return nil, err
	}
	return crypto.Hash(data), nil
}

// ID returns the transaction id, caching the computed digest.
func (tx *Transaction) ID() ([]byte, error) {
	if tx.idCache != nil {
		return tx.idCache, nil
	}
	digest, err := tx.SigningDigest()
	if err != nil {
		return nil, err
	}
	tx.idCache = digest
	return digest, nil
}

// Sign signs the transaction's digest with key and stores the signature and
// public key on the envelope.
func (tx *Transaction) Sign(key *crypto.PrivateKey) error {
	tx.PubKey = crypto.FromPublicKey(key.PubKey())
	digest, err := tx.SigningDigest()
	if err != nil {
		return err
	}
	sig, err := key.Sign(digest)
	if err != nil {
		return err
	}
	tx.Signature = sig
	tx.idCache = nil
	return nil
}

// From verifies the signature and returns the signer's account address,
// which must equal tx.Sender (checked by callers, not here).
func (tx *Transaction) From() ([]byte, error) {
	if len(tx.Signature) == 0 {
		return nil, fmt.Errorf("transaction missing signature")
	}
	digest, err := tx.SigningDigest()
	if err != nil {
		return nil, err
	}
	addr, err := crypto.RecoverAddress(digest, tx.Signature)
	if err != nil {
		return nil, fmt.Errorf("recover signer: %w", err)
	}
	return addr.Bytes(), nil
}
