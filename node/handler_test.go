package node

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"nhbchain/consensus/slot"
	"nhbchain/core"
	"nhbchain/core/genesis"
	"nhbchain/core/types"
	"nhbchain/crypto"
	"nhbchain/eventbus"
	"nhbchain/mempool"
	"nhbchain/p2p"
	"nhbchain/storage"
)

type capturingBroadcaster struct{ sent []*p2p.Message }

func (c *capturingBroadcaster) Broadcast(msg *p2p.Message) error {
	c.sent = append(c.sent, msg)
	return nil
}

func testHandler(t *testing.T) (*Handler, *crypto.PrivateKey, *capturingBroadcaster) {
	t.Helper()
	validatorKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate validator key: %v", err)
	}
	senderKey, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate sender key: %v", err)
	}
	sender := senderKey.PubKey().ConsensusAddress()
	operator := crypto.MustNewAddress(crypto.AccountPrefix, bytes.Repeat([]byte{0x02}, 20))

	spec := &genesis.Spec{
		NetworkID:   "computechain-test",
		GenesisTime: 1_700_000_000,
		Params: genesis.Params{
			BlockTimeSeconds:       1,
			EpochLengthBlocks:      10,
			MaxValidators:          5,
			MinValidatorStake:      "1",
			MinDelegation:          "1",
			MaxCommissionRateBps:   5000,
			UnjailFee:              "1",
			JailDurationBlocks:     5,
			SlashingBaseRateBps:    500,
			EjectionThresholdJails: 3,
			UnbondingBlocks:        5,
			BlockReward:            "10",
			MinerRewardFractionBps: 5000,
			MaxTxPerBlock:          100,
			BlockGasLimit:          1_000_000,
			MempoolTxTTLSeconds:    60,
			SnapshotIntervalBlocks: 10,
			SnapshotKeep:           3,
			MaxMempoolSize:         1000,
		},
		InitialAccounts: []genesis.InitialAccount{
			{Address: sender.String(), Balance: "500"},
		},
		InitialValidators: []genesis.InitialValidator{
			{
				ConsensusAddr: validatorKey.PubKey().ConsensusAddress().String(),
				OperatorAddr:  operator.String(),
				PubKey:        "01",
				SelfStake:     "1000",
				Moniker:       "validator-one",
			},
		},
	}

	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })
	chain, manager, err := core.NewBlockchain(db, spec)
	if err != nil {
		t.Fatalf("new blockchain: %v", err)
	}

	bus := eventbus.New()
	pool := mempool.New(mempool.Config{MaxSize: 100, TTL: time.Minute}, bus)
	bcast := &capturingBroadcaster{}
	engine := slot.New(slot.Config{
		GenesisTime:      spec.GenesisTime,
		BlockTimeSeconds: spec.Params.BlockTimeSeconds,
		MaxTxPerBlock:    spec.Params.MaxTxPerBlock,
		BlockGasLimit:    spec.Params.BlockGasLimit,
	}, validatorKey, chain, manager, pool, bus, bcast)

	h := New(chain, engine, manager, pool, bcast, discardLogger(), 0)
	return h, senderKey, bcast
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func signedTestTx(t *testing.T, key *crypto.PrivateKey, nonce uint64) *types.Transaction {
	t.Helper()
	tx := &types.Transaction{
		Type:     types.TxTypeTransfer,
		Sender:   key.PubKey().ConsensusAddress().Bytes(),
		Amount:   big.NewInt(1),
		Nonce:    nonce,
		GasLimit: 21000,
		GasPrice: big.NewInt(1),
	}
	if err := tx.Sign(key); err != nil {
		t.Fatalf("sign tx: %v", err)
	}
	return tx
}

func TestHandleMessageAcceptsTx(t *testing.T) {
	h, senderKey, _ := testHandler(t)
	tx := signedTestTx(t, senderKey, 0)

	payload, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("marshal tx: %v", err)
	}
	if err := h.HandleMessage(&p2p.Message{Type: p2p.MsgTypeTx, Payload: payload}); err != nil {
		t.Fatalf("handle tx message: %v", err)
	}
	if h.pool.Size() != 1 {
		t.Fatalf("expected 1 pending tx, got %d", h.pool.Size())
	}
}

func TestHandleMessageRejectsMalformedTx(t *testing.T) {
	h, _, _ := testHandler(t)
	if err := h.HandleMessage(&p2p.Message{Type: p2p.MsgTypeTx, Payload: []byte("not json")}); err == nil {
		t.Fatalf("expected error for malformed tx payload")
	}
}

func TestHandleMessageGetBlocksRespondsViaBroadcaster(t *testing.T) {
	h, _, bcast := testHandler(t)

	req, err := json.Marshal(p2p.GetBlocksPayload{From: 0, To: 0})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := h.HandleMessage(&p2p.Message{Type: p2p.MsgTypeGetBlocks, Payload: req}); err != nil {
		t.Fatalf("handle get-blocks message: %v", err)
	}
	if len(bcast.sent) != 1 || bcast.sent[0].Type != p2p.MsgTypeBlocks {
		t.Fatalf("expected a Blocks reply to be broadcast, got %+v", bcast.sent)
	}
}

func TestHandleMessageUnknownTypeRejected(t *testing.T) {
	h, _, _ := testHandler(t)
	if err := h.HandleMessage(&p2p.Message{Type: 0xFF}); err == nil {
		t.Fatalf("expected error for unknown message type")
	}
}
