package rpc

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhbchain/core"
	"nhbchain/core/genesis"
	"nhbchain/crypto"
	"nhbchain/eventbus"
	"nhbchain/mempool"
	"nhbchain/snapshot"
	"nhbchain/storage"
)

func testAddress(t *testing.T, prefix crypto.AddressPrefix, seed byte) crypto.Address {
	t.Helper()
	return crypto.MustNewAddress(prefix, bytes.Repeat([]byte{seed}, 20))
}

func testServer(t *testing.T) (*Server, crypto.Address) {
	t.Helper()
	account := testAddress(t, crypto.AccountPrefix, 0x01)
	operator := testAddress(t, crypto.AccountPrefix, 0x02)
	consensus := testAddress(t, crypto.ConsensusPrefix, 0x03)

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
			MinUptimeScoreBps:      0,
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
			{Address: account.String(), Balance: "500"},
		},
		InitialValidators: []genesis.InitialValidator{
			{
				ConsensusAddr: consensus.String(),
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
	pool := mempool.New(mempool.Config{MaxSize: 1000, TTL: time.Minute}, bus)
	snapshots := snapshot.NewEngine(t.TempDir(), manager.Config())

	srv, err := NewServer(Config{}, chain, manager, pool, bus, snapshots)
	if err != nil {
		t.Fatalf("new rpc server: %v", err)
	}
	return srv, account
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
}

func TestHandleStatus(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var status statusResponse
	decodeJSON(t, rec, &status)
	if status.Height != 0 {
		t.Fatalf("expected genesis height 0, got %d", status.Height)
	}
	if status.TipHash == "" || status.GenesisHash == "" {
		t.Fatalf("expected non-empty hashes in status response")
	}
}

func TestHandleAccountFound(t *testing.T) {
	srv, account := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/"+account.String(), nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	decodeJSON(t, rec, &body)
	if balance, ok := body["balance"].(float64); !ok || balance != 500 {
		t.Fatalf("expected balance 500, got %v", body["balance"])
	}
}

func TestHandleAccountInvalidAddress(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/accounts/not-an-address", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleBlockByHeight(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/blocks/height/0", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleBlockByHeightNotFound(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/blocks/height/999", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleValidatorListSortedByPerformance(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/validators?sort=performance", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var validators []map[string]any
	decodeJSON(t, rec, &validators)
	if len(validators) != 1 {
		t.Fatalf("expected one genesis validator, got %d", len(validators))
	}
}

func TestHandleMempoolSize(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/mempool/size", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]int
	decodeJSON(t, rec, &body)
	if body["size"] != 0 {
		t.Fatalf("expected empty mempool, got size %d", body["size"])
	}
}

func TestHandleSnapshotListEmpty(t *testing.T) {
	srv, _ := testServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/snapshots", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var snaps []snapshotInfo
	decodeJSON(t, rec, &snaps)
	if len(snaps) != 0 {
		t.Fatalf("expected no snapshots yet, got %d", len(snaps))
	}
}

func TestSubmitTransactionRequiresAuthWhenJWTEnabled(t *testing.T) {
	account := testAddress(t, crypto.AccountPrefix, 0x01)
	operator := testAddress(t, crypto.AccountPrefix, 0x02)
	consensus := testAddress(t, crypto.ConsensusPrefix, 0x03)

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
			{Address: account.String(), Balance: "500"},
		},
		InitialValidators: []genesis.InitialValidator{
			{ConsensusAddr: consensus.String(), OperatorAddr: operator.String(), PubKey: "01", SelfStake: "1000"},
		},
	}

	db := storage.NewMemDB()
	t.Cleanup(func() { db.Close() })
	chain, manager, err := core.NewBlockchain(db, spec)
	if err != nil {
		t.Fatalf("new blockchain: %v", err)
	}
	bus := eventbus.New()
	pool := mempool.New(mempool.Config{MaxSize: 1000, TTL: time.Minute}, bus)
	snapshots := snapshot.NewEngine(t.TempDir(), manager.Config())

	srv, err := NewServer(Config{JWT: JWTConfig{Enabled: true, Secret: "test-secret"}}, chain, manager, pool, bus, snapshots)
	if err != nil {
		t.Fatalf("new rpc server: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/transactions", bytes.NewReader([]byte(`{}`)))
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer token, got %d: %s", rec.Code, rec.Body.String())
	}
}
