package snapshot

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"nhbchain/core/state"
	"nhbchain/core/types"
)

func testManager(t *testing.T) *state.Manager {
	t.Helper()
	cfg := &state.Config{
		MinValidatorStake: big.NewInt(1),
		MinDelegation:     big.NewInt(1),
		UnjailFee:         big.NewInt(1),
		BlockReward:       big.NewInt(1),
	}
	m := state.NewManager(cfg)
	acc := types.NewAccount()
	acc.Balance = big.NewInt(500)
	acc.Nonce = 3
	m.PutAccount([]byte("alice-account-address"), acc)

	v := types.NewValidator([]byte("cons-addr-1"), []byte("op-addr-1"), []byte("pubkey-1"), big.NewInt(1000), 500, 1)
	v.IsActive = true
	m.PutValidator(v)

	m.SetGenesisSupply(big.NewInt(1_000_000))
	m.AddMinted(big.NewInt(10))
	m.AddBurned(big.NewInt(3))
	return m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := testManager(t)
	tipHash := []byte("tip-hash-bytes")

	doc := BuildDocument(m, 42, tipHash)
	if err := Save(dir, doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(dir, 42)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Height != 42 {
		t.Fatalf("height = %d, want 42", loaded.Height)
	}
	if string(loaded.TipHash) != string(tipHash) {
		t.Fatalf("tipHash mismatch: got %q", loaded.TipHash)
	}

	restored, err := Restore(m.Config(), loaded)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	acc := restored.GetAccount([]byte("alice-account-address"))
	if acc.Balance.Cmp(big.NewInt(500)) != 0 || acc.Nonce != 3 {
		t.Fatalf("account mismatch after restore: %+v", acc)
	}
	v := restored.GetValidator([]byte("cons-addr-1"))
	if v == nil || !v.IsActive || v.SelfStake.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("validator mismatch after restore: %+v", v)
	}
	if restored.TotalMinted().Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("totalMinted mismatch: %s", restored.TotalMinted())
	}
	if restored.TotalBurned().Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("totalBurned mismatch: %s", restored.TotalBurned())
	}
	if restored.GenesisSupply().Cmp(big.NewInt(1_000_000)) != 0 {
		t.Fatalf("genesisSupply mismatch: %s", restored.GenesisSupply())
	}
}

func TestLoadRejectsTamperedBlob(t *testing.T) {
	dir := t.TempDir()
	m := testManager(t)
	doc := BuildDocument(m, 7, []byte("tip"))
	if err := Save(dir, doc); err != nil {
		t.Fatalf("Save: %v", err)
	}

	blobPath := filepath.Join(dir, snapshotFilename(7))
	data, err := os.ReadFile(blobPath)
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	data[len(data)-1] ^= 0xFF
	if err := os.WriteFile(blobPath, data, 0o644); err != nil {
		t.Fatalf("write tampered blob: %v", err)
	}

	if _, err := Load(dir, 7); err == nil {
		t.Fatal("expected digest mismatch error, got nil")
	}
}

func TestPruneKeepsOnlyMostRecent(t *testing.T) {
	dir := t.TempDir()
	m := testManager(t)
	for _, h := range []uint64{1, 2, 3, 4, 5} {
		doc := BuildDocument(m, h, []byte("tip"))
		if err := Save(dir, doc); err != nil {
			t.Fatalf("Save(%d): %v", h, err)
		}
	}
	if err := Prune(dir, 2); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	heights, err := List(dir)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(heights) != 2 || heights[0] != 4 || heights[1] != 5 {
		t.Fatalf("unexpected retained heights: %v", heights)
	}
}

func TestEngineShouldSnapshotOnIntervalAndEpoch(t *testing.T) {
	cfg := &state.Config{SnapshotIntervalBlocks: 10, EpochLengthBlocks: 25}
	e := NewEngine(t.TempDir(), cfg)
	cases := map[uint64]bool{
		1: false, 10: true, 20: true, 25: true, 30: true, 33: false,
	}
	for height, want := range cases {
		if got := e.ShouldSnapshot(height); got != want {
			t.Fatalf("ShouldSnapshot(%d) = %v, want %v", height, got, want)
		}
	}
}

func TestEngineMaybeSnapshotAndLoadLatest(t *testing.T) {
	cfg := &state.Config{SnapshotIntervalBlocks: 5, SnapshotKeep: 3}
	dir := t.TempDir()
	e := NewEngine(dir, cfg)
	m := testManager(t)

	if err := e.MaybeSnapshot(m, 4, []byte("tip-4")); err != nil {
		t.Fatalf("MaybeSnapshot(4): %v", err)
	}
	if _, ok, _ := e.Latest(); ok {
		t.Fatal("expected no snapshot at non-interval height 4")
	}

	if err := e.MaybeSnapshot(m, 5, []byte("tip-5")); err != nil {
		t.Fatalf("MaybeSnapshot(5): %v", err)
	}
	height, ok, err := e.Latest()
	if err != nil || !ok || height != 5 {
		t.Fatalf("Latest() = (%d, %v, %v), want (5, true, nil)", height, ok, err)
	}

	restored, gotHeight, tipHash, err := e.LoadLatest()
	if err != nil {
		t.Fatalf("LoadLatest: %v", err)
	}
	if gotHeight != 5 || string(tipHash) != "tip-5" {
		t.Fatalf("LoadLatest returned height=%d tipHash=%q", gotHeight, tipHash)
	}
	if restored.GetAccount([]byte("alice-account-address")).Nonce != 3 {
		t.Fatal("restored manager missing expected account state")
	}
}
