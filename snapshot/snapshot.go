// Package snapshot implements periodic, epoch-aligned state snapshots: a
// canonical, gzip-compressed serialization of the full deterministic
// state with a SHA-256 digest sidecar, used for fast-bootstrap sync and
// crash recovery.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"nhbchain/core/codec"
	"nhbchain/core/state"
	"nhbchain/core/types"
)

// Document is the full serialized state at a given height: every account,
// every validator, and the economic counters that contribute to the
// state root, plus the chain position the snapshot was taken at.
type Document struct {
	Height        uint64                      `json:"height"`
	TipHash       []byte                      `json:"tipHash"`
	Accounts      map[string]*types.Account   `json:"accounts"`
	Validators    map[string]*types.Validator `json:"validators"`
	GenesisSupply string                      `json:"genesisSupply"`
	TotalMinted   string                      `json:"totalMinted"`
	TotalBurned   string                      `json:"totalBurned"`
}

// BuildDocument captures m's full state at height/tipHash into a Document.
func BuildDocument(m *state.Manager, height uint64, tipHash []byte) *Document {
	doc := &Document{
		Height:     height,
		TipHash:    append([]byte(nil), tipHash...),
		Accounts:   make(map[string]*types.Account),
		Validators: make(map[string]*types.Validator),
	}
	for _, addr := range m.AccountAddresses() {
		doc.Accounts[hex.EncodeToString(addr)] = m.GetAccount(addr)
	}
	for _, addr := range m.ValidatorAddresses() {
		doc.Validators[hex.EncodeToString(addr)] = m.GetValidator(addr)
	}
	doc.GenesisSupply = m.GenesisSupply().String()
	doc.TotalMinted = m.TotalMinted().String()
	doc.TotalBurned = m.TotalBurned().String()
	return doc
}

// Restore installs doc's contents into a fresh manager built from cfg.
func Restore(cfg *state.Config, doc *Document) (*state.Manager, error) {
	m := state.NewManager(cfg)
	for hexAddr, acc := range doc.Accounts {
		addr, err := hex.DecodeString(hexAddr)
		if err != nil {
			return nil, fmt.Errorf("snapshot: decode account address %q: %w", hexAddr, err)
		}
		m.PutAccount(addr, acc)
	}
	for _, v := range doc.Validators {
		m.PutValidator(v)
	}
	genesisSupply, err := parseBig(doc.GenesisSupply)
	if err != nil {
		return nil, fmt.Errorf("snapshot: genesisSupply: %w", err)
	}
	m.SetGenesisSupply(genesisSupply)
	minted, err := parseBig(doc.TotalMinted)
	if err != nil {
		return nil, fmt.Errorf("snapshot: totalMinted: %w", err)
	}
	m.AddMinted(minted)
	burned, err := parseBig(doc.TotalBurned)
	if err != nil {
		return nil, fmt.Errorf("snapshot: totalBurned: %w", err)
	}
	m.AddBurned(burned)
	return m, nil
}

// Encode gzip-compresses the canonical encoding of doc and returns the
// compressed bytes alongside the SHA-256 digest of those compressed bytes
// (the sidecar content).
func Encode(doc *Document) (compressed []byte, digest []byte, err error) {
	raw, err := codec.Encode(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(raw); err != nil {
		return nil, nil, fmt.Errorf("snapshot: gzip write: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, nil, fmt.Errorf("snapshot: gzip close: %w", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), sum[:], nil
}

// Decode reverses Encode, verifying compressed's digest against digest
// before decompressing.
func Decode(compressed, digest []byte) (*Document, error) {
	sum := sha256.Sum256(compressed)
	if !bytes.Equal(sum[:], digest) {
		return nil, fmt.Errorf("snapshot: digest mismatch")
	}
	gr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("snapshot: gzip reader: %w", err)
	}
	defer gr.Close()
	var raw bytes.Buffer
	if _, err := io.Copy(&raw, gr); err != nil {
		return nil, fmt.Errorf("snapshot: gzip read: %w", err)
	}
	var doc Document
	if err := codec.Decode(raw.Bytes(), &doc); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	return &doc, nil
}

func snapshotFilename(height uint64) string { return fmt.Sprintf("snapshot-%020d.bin", height) }
func digestFilename(height uint64) string   { return fmt.Sprintf("snapshot-%020d.sha256", height) }

// Save writes doc to dir as a gzip blob plus a .sha256 sidecar file.
func Save(dir string, doc *Document) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: create dir: %w", err)
	}
	compressed, digest, err := Encode(doc)
	if err != nil {
		return err
	}
	blobPath := filepath.Join(dir, snapshotFilename(doc.Height))
	if err := os.WriteFile(blobPath, compressed, 0o644); err != nil {
		return fmt.Errorf("snapshot: write blob: %w", err)
	}
	sidecarPath := filepath.Join(dir, digestFilename(doc.Height))
	if err := os.WriteFile(sidecarPath, []byte(hex.EncodeToString(digest)), 0o644); err != nil {
		return fmt.Errorf("snapshot: write sidecar: %w", err)
	}
	return nil
}

// Load reads the snapshot at height from dir and verifies its digest.
func Load(dir string, height uint64) (*Document, error) {
	blobPath := filepath.Join(dir, snapshotFilename(height))
	compressed, err := os.ReadFile(blobPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read blob: %w", err)
	}
	sidecarPath := filepath.Join(dir, digestFilename(height))
	digestHex, err := os.ReadFile(sidecarPath)
	if err != nil {
		return nil, fmt.Errorf("snapshot: read sidecar: %w", err)
	}
	digest, err := hex.DecodeString(strings.TrimSpace(string(digestHex)))
	if err != nil {
		return nil, fmt.Errorf("snapshot: decode sidecar digest: %w", err)
	}
	return Decode(compressed, digest)
}

// List returns every snapshot height present in dir, ascending.
func List(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("snapshot: list dir: %w", err)
	}
	var heights []uint64
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "snapshot-") || !strings.HasSuffix(name, ".bin") {
			continue
		}
		trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "snapshot-"), ".bin")
		h, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			continue
		}
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	return heights, nil
}

// Prune removes all but the most recent keep snapshots in dir.
func Prune(dir string, keep int) error {
	heights, err := List(dir)
	if err != nil {
		return err
	}
	if len(heights) <= keep {
		return nil
	}
	for _, h := range heights[:len(heights)-keep] {
		os.Remove(filepath.Join(dir, snapshotFilename(h)))
		os.Remove(filepath.Join(dir, digestFilename(h)))
	}
	return nil
}

func parseBig(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer %q", s)
	}
	return v, nil
}
