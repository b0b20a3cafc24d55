package mempool

import (
	"math/big"
	"testing"
	"time"

	"nhbchain/core/types"
	"nhbchain/crypto"
	"nhbchain/eventbus"
)

type fixedNonceView struct{ nonce uint64 }

func (f fixedNonceView) GetAccountNonce(addr []byte) uint64 { return f.nonce }

func mustSignedTx(t *testing.T, key *crypto.PrivateKey, nonce uint64, gasPrice int64) *types.Transaction {
	t.Helper()
	addr := key.PubKey().ConsensusAddress()
	tx := &types.Transaction{
		Type:     types.TxTypeTransfer,
		Sender:   addr.Bytes(),
		Amount:   big.NewInt(1),
		Nonce:    nonce,
		GasLimit: 21000,
		GasPrice: big.NewInt(gasPrice),
	}
	if err := tx.Sign(key); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return tx
}

func testConfig() Config {
	return Config{MaxSize: 4, TTL: time.Hour, GasPriceBumpBps: 1000, MaxPendingPerSender: 4}
}

func TestInsertReadyAccepted(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pool := New(testConfig(), eventbus.New())
	tx := mustSignedTx(t, key, 0, 10)

	outcome, err := pool.Insert(fixedNonceView{nonce: 0}, tx)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if outcome != Accepted {
		t.Fatalf("expected Accepted, got %v", outcome)
	}
	if pool.Size() != 1 {
		t.Fatalf("expected size 1, got %d", pool.Size())
	}
}

func TestInsertPendingBlocksOnGap(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pool := New(testConfig(), eventbus.New())
	tx := mustSignedTx(t, key, 3, 10)

	outcome, err := pool.Insert(fixedNonceView{nonce: 0}, tx)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if outcome != Accepted {
		t.Fatalf("expected Accepted, got %v", outcome)
	}

	drained := pool.DrainForBlock(10_000_000, 10)
	if len(drained) != 0 {
		t.Fatalf("expected no ready transactions, got %d", len(drained))
	}
}

func TestInsertDuplicateNonceRequiresBump(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pool := New(testConfig(), eventbus.New())
	view := fixedNonceView{nonce: 0}

	first := mustSignedTx(t, key, 0, 100)
	if _, err := pool.Insert(view, first); err != nil {
		t.Fatalf("insert first: %v", err)
	}

	low := mustSignedTx(t, key, 0, 105)
	if _, err := pool.Insert(view, low); err == nil {
		t.Fatalf("expected rejection for insufficient gas price bump")
	}

	high := mustSignedTx(t, key, 0, 200)
	outcome, err := pool.Insert(view, high)
	if err != nil {
		t.Fatalf("insert replacement: %v", err)
	}
	if outcome != Replaced {
		t.Fatalf("expected Replaced, got %v", outcome)
	}
}

func TestDrainForBlockOrdersByGasPriceThenUnblocksPending(t *testing.T) {
	keyA, _ := crypto.GeneratePrivateKey()
	keyB, _ := crypto.GeneratePrivateKey()
	pool := New(testConfig(), eventbus.New())
	view := fixedNonceView{nonce: 0}

	txA0 := mustSignedTx(t, keyA, 0, 10)
	txA1 := mustSignedTx(t, keyA, 1, 10)
	txB0 := mustSignedTx(t, keyB, 0, 50)

	for _, tx := range []*types.Transaction{txA0, txA1, txB0} {
		if _, err := pool.Insert(view, tx); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	drained := pool.DrainForBlock(10_000_000, 10)
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained transactions, got %d", len(drained))
	}
	if drained[0].GasPrice.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("expected highest gas price first, got %s", drained[0].GasPrice)
	}
}

func TestTickExpiresStaleEntries(t *testing.T) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := testConfig()
	cfg.TTL = time.Millisecond
	pool := New(cfg, eventbus.New())
	tx := mustSignedTx(t, key, 0, 10)

	if _, err := pool.Insert(fixedNonceView{nonce: 0}, tx); err != nil {
		t.Fatalf("insert: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	pool.Tick(time.Now())

	if pool.Size() != 0 {
		t.Fatalf("expected expired entry to be swept, got size %d", pool.Size())
	}
}

func TestCapacityEvictsLowestGasPrice(t *testing.T) {
	pool := New(Config{MaxSize: 2, TTL: time.Hour, GasPriceBumpBps: 1000}, eventbus.New())
	view := fixedNonceView{nonce: 0}

	for i, price := range []int64{10, 20} {
		key, _ := crypto.GeneratePrivateKey()
		tx := mustSignedTx(t, key, 0, price)
		if _, err := pool.Insert(view, tx); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	key, _ := crypto.GeneratePrivateKey()
	high := mustSignedTx(t, key, 0, 30)
	outcome, err := pool.Insert(view, high)
	if err != nil {
		t.Fatalf("insert high priority tx: %v", err)
	}
	if outcome != Accepted {
		t.Fatalf("expected Accepted after eviction, got %v", outcome)
	}
	if pool.Size() != 2 {
		t.Fatalf("expected size to remain at capacity 2, got %d", pool.Size())
	}
}
