package state

import (
	"math/big"

	cerrors "nhbchain/core/errors"
	"nhbchain/core/types"
	"nhbchain/crypto"
)

const bpsDenominator = 10_000

// defaultCommissionRateBps is applied to a validator created by a
// first-time STAKE; UPDATE_VALIDATOR adjusts it afterward.
const defaultCommissionRateBps = 1_000

// ApplyTransaction validates and applies tx against m at currentHeight. A
// non-nil error means the transaction must be SKIPPED by the caller (see
// ApplyBlock) — it never partially mutates m, since every check runs before
// any map write.
func ApplyTransaction(m *Manager, tx *types.Transaction, currentHeight uint64) error {
	cfg := m.cfg

	pub, err := crypto.PublicKeyFromBytes(tx.PubKey)
	if err != nil {
		return cerrors.Tag(cerrors.KindCryptographic, cerrors.ErrInvalidSignature)
	}
	if !crypto.Verify(pub, mustDigest(tx), tx.Signature) {
		return cerrors.Tag(cerrors.KindCryptographic, cerrors.ErrInvalidSignature)
	}
	if !bytesEqual(pub.Address().Bytes(), tx.Sender) {
		return cerrors.Tag(cerrors.KindCryptographic, cerrors.ErrInvalidSignature)
	}

	sender := m.GetAccount(tx.Sender)
	if tx.Nonce != sender.Nonce {
		return cerrors.NewInvalidNonce(sender.Nonce, tx.Nonce)
	}

	gasUsed, err := types.BaseGas(tx.Type)
	if err != nil {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	gasPrice := nonNilBig(tx.GasPrice)
	fee := new(big.Int).Mul(big.NewInt(int64(gasUsed)), gasPrice)
	amount := nonNilBig(tx.Amount)

	switch tx.Type {
	case types.TxTypeUnstake:
		if sender.Balance.Cmp(fee) < 0 {
			return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrInsufficientFunds)
		}
	case types.TxTypeUnjail:
		required := new(big.Int).Add(fee, cfg.UnjailFee)
		if sender.Balance.Cmp(required) < 0 {
			return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrInsufficientFunds)
		}
	default:
		required := new(big.Int).Add(amount, fee)
		if sender.Balance.Cmp(required) < 0 {
			return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrInsufficientFunds)
		}
	}

	switch tx.Type {
	case types.TxTypeTransfer:
		if err := applyTransfer(m, sender, tx, amount, fee); err != nil {
			return err
		}
	case types.TxTypeStake:
		if err := applyStake(m, sender, tx, amount, fee, currentHeight); err != nil {
			return err
		}
	case types.TxTypeUnstake:
		if err := applyUnstake(m, sender, tx, amount, fee, currentHeight); err != nil {
			return err
		}
	case types.TxTypeUpdateValidator:
		if err := applyUpdateValidator(m, sender, tx, fee); err != nil {
			return err
		}
	case types.TxTypeDelegate:
		if err := applyDelegate(m, sender, tx, amount, fee, currentHeight); err != nil {
			return err
		}
	case types.TxTypeUndelegate:
		if err := applyUndelegate(m, sender, tx, amount, fee, currentHeight); err != nil {
			return err
		}
	case types.TxTypeUnjail:
		if err := applyUnjail(m, sender, tx, fee, currentHeight); err != nil {
			return err
		}
	case types.TxTypeSubmitResult:
		if err := applySubmitResult(m, sender, tx, fee); err != nil {
			return err
		}
	default:
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}

	return nil
}

func mustDigest(tx *types.Transaction) []byte {
	digest, err := tx.SigningDigest()
	if err != nil {
		return nil
	}
	return digest
}

// chargeFee deducts fee from sender.Balance and routes it between the burn
// and treasury counters per cfg.FeeBurnShareBps (see DESIGN.md for the
// chosen default).
func chargeFee(m *Manager, sender *types.Account, fee *big.Int) {
	sender.Balance = new(big.Int).Sub(sender.Balance, fee)
	if fee.Sign() == 0 {
		return
	}
	burnShare := new(big.Int).Mul(fee, big.NewInt(int64(m.cfg.FeeBurnShareBps)))
	burnShare.Div(burnShare, big.NewInt(bpsDenominator))
	treasuryShare := new(big.Int).Sub(fee, burnShare)
	m.AddBurned(burnShare)
	if treasuryShare.Sign() > 0 {
		treasury := m.Treasury()
		treasury.Balance = new(big.Int).Add(treasury.Balance, treasuryShare)
		m.PutTreasury(treasury)
	}
}

func applyTransfer(m *Manager, sender *types.Account, tx *types.Transaction, amount, fee *big.Int) error {
	if len(tx.Recipient) != 20 {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	recipient := m.GetAccount(tx.Recipient)
	sender.Balance = new(big.Int).Sub(sender.Balance, amount)
	chargeFee(m, sender, fee)
	recipient.Balance = new(big.Int).Add(recipient.Balance, amount)
	sender.Nonce++
	m.PutAccount(tx.Sender, sender)
	m.PutAccount(tx.Recipient, recipient)
	return nil
}

func applyStake(m *Manager, sender *types.Account, tx *types.Transaction, amount, fee *big.Int, height uint64) error {
	if amount.Sign() <= 0 {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrInvalidAmount)
	}
	pub, err := crypto.PublicKeyFromBytes(tx.PubKey)
	if err != nil {
		return cerrors.Tag(cerrors.KindCryptographic, cerrors.ErrInvalidSignature)
	}
	consensusAddr := pub.ConsensusAddress().Bytes()

	v := m.GetValidator(consensusAddr)
	if v == nil {
		v = types.NewValidator(consensusAddr, tx.Sender, tx.PubKey, amount, defaultCommissionRateBps, height)
	} else {
		if !bytesEqual(v.Operator, tx.Sender) {
			return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrNotOwner)
		}
		if v.Ejected {
			return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrEjectionPermanent)
		}
		v.SelfStake = new(big.Int).Add(v.SelfStake, amount)
	}
	v.RecomputePower()

	sender.Balance = new(big.Int).Sub(sender.Balance, amount)
	chargeFee(m, sender, fee)
	sender.Nonce++

	m.PutAccount(tx.Sender, sender)
	m.PutValidator(v)
	return nil
}

func applyUnstake(m *Manager, sender *types.Account, tx *types.Transaction, amount, fee *big.Int, height uint64) error {
	if len(tx.Recipient) != 20 {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	v := m.GetValidator(tx.Recipient)
	if v == nil {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrUnknownValidator)
	}
	if !bytesEqual(v.Operator, tx.Sender) {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrNotOwner)
	}
	if amount.Sign() <= 0 || amount.Cmp(v.SelfStake) > 0 {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrInvalidAmount)
	}

	credit := new(big.Int).Set(amount)
	if v.JailedUntilHeight > height {
		penalty := new(big.Int).Mul(amount, big.NewInt(int64(m.cfg.JailUnstakePenaltyBps)))
		penalty.Div(penalty, big.NewInt(bpsDenominator))
		credit.Sub(credit, penalty)
		m.AddBurned(penalty)
	}

	v.SelfStake = new(big.Int).Sub(v.SelfStake, amount)
	v.RecomputePower()
	if v.Power.Sign() == 0 {
		v.IsActive = false
	}

	sender.Balance = new(big.Int).Add(sender.Balance, credit)
	chargeFee(m, sender, fee)
	sender.Nonce++

	m.PutAccount(tx.Sender, sender)
	m.PutValidator(v)
	return nil
}

func applyUpdateValidator(m *Manager, sender *types.Account, tx *types.Transaction, fee *big.Int) error {
	if len(tx.Recipient) != 20 {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	v := m.GetValidator(tx.Recipient)
	if v == nil {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrUnknownValidator)
	}
	if !bytesEqual(v.Operator, tx.Sender) {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrNotOwner)
	}
	meta, err := decodeValidatorMetadata(tx.Payload)
	if err != nil {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	if len(meta.Name) > maxValidatorNameLen || len(meta.Website) > maxValidatorWebsiteLen || len(meta.Description) > maxValidatorDescriptionLen {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrMetadataTooLong)
	}
	if meta.CommissionRateBps > m.cfg.MaxCommissionRateBps {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrInvalidCommission)
	}

	v.Name = meta.Name
	v.Website = meta.Website
	v.Description = meta.Description
	v.CommissionRate = meta.CommissionRateBps

	chargeFee(m, sender, fee)
	sender.Nonce++
	m.PutAccount(tx.Sender, sender)
	m.PutValidator(v)
	return nil
}

func applyDelegate(m *Manager, sender *types.Account, tx *types.Transaction, amount, fee *big.Int, height uint64) error {
	if len(tx.Recipient) != 20 {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	if amount.Cmp(m.cfg.MinDelegation) < 0 {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrMinDelegationNotMet)
	}
	v := m.GetValidator(tx.Recipient)
	if v == nil {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrUnknownValidator)
	}
	if v.Ejected {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrEjectionPermanent)
	}
	if !sender.HasDelegationTo(tx.Recipient) && len(sender.DelegationsOut) >= int(m.cfg.MaxValidatorsPerDelegator) {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrMaxValidatorsPerDelegatorExceeded)
	}

	totalStaked := m.TotalStakedPower()
	newPower := new(big.Int).Add(v.Power, amount)
	newTotalStaked := new(big.Int).Add(totalStaked, amount)
	limit := new(big.Int).Mul(newTotalStaked, big.NewInt(int64(m.cfg.MaxValidatorPowerShareBps)))
	limit.Div(limit, big.NewInt(bpsDenominator))
	if newPower.Cmp(limit) > 0 {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrMaxValidatorPowerShareExceeded)
	}

	idx := v.DelegationIndex(tx.Sender)
	if idx >= 0 {
		v.DelegationsIn[idx].Amount = new(big.Int).Add(v.DelegationsIn[idx].Amount, amount)
	} else {
		v.DelegationsIn = append(v.DelegationsIn, types.Delegation{
			Delegator:     append([]byte(nil), tx.Sender...),
			Amount:        new(big.Int).Set(amount),
			CreatedHeight: height,
		})
	}
	v.TotalDelegated = new(big.Int).Add(v.TotalDelegated, amount)
	v.RecomputePower()
	sender.AddDelegationRef(tx.Recipient)

	sender.Balance = new(big.Int).Sub(sender.Balance, amount)
	chargeFee(m, sender, fee)
	sender.Nonce++

	m.PutAccount(tx.Sender, sender)
	m.PutValidator(v)
	return nil
}

func applyUndelegate(m *Manager, sender *types.Account, tx *types.Transaction, amount, fee *big.Int, height uint64) error {
	if len(tx.Recipient) != 20 {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	v := m.GetValidator(tx.Recipient)
	if v == nil {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrUnknownValidator)
	}
	idx := v.DelegationIndex(tx.Sender)
	if idx < 0 || amount.Sign() <= 0 || amount.Cmp(v.DelegationsIn[idx].Amount) > 0 {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrInvalidAmount)
	}

	v.DelegationsIn[idx].Amount = new(big.Int).Sub(v.DelegationsIn[idx].Amount, amount)
	if v.DelegationsIn[idx].Amount.Sign() == 0 {
		v.DelegationsIn = append(v.DelegationsIn[:idx], v.DelegationsIn[idx+1:]...)
		sender.RemoveDelegationRef(tx.Recipient)
	}
	v.TotalDelegated = new(big.Int).Sub(v.TotalDelegated, amount)
	v.RecomputePower()

	sender.Unbonding = append(sender.Unbonding, types.UnbondingEntry{
		Validator:        append([]byte(nil), tx.Recipient...),
		Amount:           new(big.Int).Set(amount),
		CompletionHeight: height + m.cfg.UnbondingBlocks,
	})

	chargeFee(m, sender, fee)
	sender.Nonce++

	m.PutAccount(tx.Sender, sender)
	m.PutValidator(v)
	return nil
}

func applyUnjail(m *Manager, sender *types.Account, tx *types.Transaction, fee *big.Int, height uint64) error {
	if len(tx.Recipient) != 20 {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	v := m.GetValidator(tx.Recipient)
	if v == nil {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrUnknownValidator)
	}
	if !bytesEqual(v.Operator, tx.Sender) {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrNotOwner)
	}
	if v.JailCount >= m.cfg.EjectionThresholdJails {
		return cerrors.Tag(cerrors.KindProtocolState, cerrors.ErrEjectionPermanent)
	}

	sender.Balance = new(big.Int).Sub(sender.Balance, m.cfg.UnjailFee)
	m.AddBurned(new(big.Int).Set(m.cfg.UnjailFee))
	chargeFee(m, sender, fee)
	sender.Nonce++

	v.JailedUntilHeight = 0
	v.MissedBlocks = 0
	v.IsActive = true

	m.PutAccount(tx.Sender, sender)
	m.PutValidator(v)
	return nil
}

// applySubmitResult records a compute-result commitment. The proof-of-compute
// worker/miner subsystem that produces the payload and verifies attestations
// is out of scope; this only bookkeeps the submission and charges its fee.
func applySubmitResult(m *Manager, sender *types.Account, tx *types.Transaction, fee *big.Int) error {
	if len(tx.Payload) == 0 {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	chargeFee(m, sender, fee)
	sender.Nonce++
	m.PutAccount(tx.Sender, sender)
	return nil
}
