package rpc

import (
	"encoding/hex"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"nhbchain/core/types"
	"nhbchain/crypto"
)

func decodeAddressParam(w http.ResponseWriter, r *http.Request, name string) (crypto.Address, bool) {
	raw := chi.URLParam(r, name)
	addr, err := crypto.DecodeAddress(raw)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid address: "+err.Error())
		return crypto.Address{}, false
	}
	return addr, true
}

// statusResponse answers the chain-tip/epoch half of the query surface.
type statusResponse struct {
	Height      uint64 `json:"height"`
	TipHash     string `json:"tipHash"`
	GenesisHash string `json:"genesisHash"`
	Epoch       uint64 `json:"epoch"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	height := s.chain.Height()
	epoch := uint64(0)
	if cfg := s.manager.Config(); cfg != nil && cfg.EpochLengthBlocks > 0 {
		epoch = height / cfg.EpochLengthBlocks
	}
	writeJSON(w, http.StatusOK, statusResponse{
		Height:      height,
		TipHash:     hex.EncodeToString(s.chain.Tip()),
		GenesisHash: hex.EncodeToString(s.chain.GenesisHash()),
		Epoch:       epoch,
	})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	addr, ok := decodeAddressParam(w, r, "address")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.manager.GetAccount(addr.Bytes()))
}

func (s *Server) handleBlockByHeight(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "height")
	height, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "height must be a non-negative integer")
		return
	}
	block, err := s.chain.GetBlockByHeight(height)
	if err != nil {
		writeErrorMessage(w, http.StatusNotFound, "block not found: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleBlockByHash(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimPrefix(chi.URLParam(r, "hash"), "0x")
	hash, err := hex.DecodeString(raw)
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "hash must be hex-encoded")
		return
	}
	block, err := s.chain.GetBlockByHash(hash)
	if err != nil {
		writeErrorMessage(w, http.StatusNotFound, "block not found: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, block)
}

func (s *Server) handleValidator(w http.ResponseWriter, r *http.Request) {
	addr, ok := decodeAddressParam(w, r, "address")
	if !ok {
		return
	}
	v := s.manager.GetValidator(addr.Bytes())
	if v == nil {
		writeErrorMessage(w, http.StatusNotFound, "validator not found")
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// handleValidatorList serves the validator set, optionally filtered and
// sorted: ?jailed=true restricts to currently jailed validators, ?sort=performance
// orders descending by performance_score for the leaderboard view.
func (s *Server) handleValidatorList(w http.ResponseWriter, r *http.Request) {
	validators := s.manager.Validators()
	if r.URL.Query().Get("jailed") == "true" {
		filtered := make([]*types.Validator, 0, len(validators))
		for _, v := range validators {
			if v.JailedUntilHeight > 0 {
				filtered = append(filtered, v)
			}
		}
		validators = filtered
	}
	if r.URL.Query().Get("sort") == "performance" {
		sort.Slice(validators, func(i, j int) bool {
			return validators[i].PerformanceScoreBps > validators[j].PerformanceScoreBps
		})
	}
	writeJSON(w, http.StatusOK, validators)
}

type delegationView struct {
	Validator     string `json:"validator"`
	Amount        string `json:"amount"`
	CreatedHeight uint64 `json:"createdHeight"`
}

// handleDelegations resolves a delegator's active positions by walking its
// account's DelegationsOut index and reading the authoritative amount off
// each referenced validator's DelegationsIn entry.
func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	addr, ok := decodeAddressParam(w, r, "delegator")
	if !ok {
		return
	}
	acc := s.manager.GetAccount(addr.Bytes())
	out := make([]delegationView, 0, len(acc.DelegationsOut))
	for _, ref := range acc.DelegationsOut {
		v := s.manager.GetValidator(ref.Validator)
		if v == nil {
			continue
		}
		for _, d := range v.DelegationsIn {
			if string(d.Delegator) != string(addr.Bytes()) {
				continue
			}
			valAddr, err := crypto.NewAddress(crypto.ConsensusPrefix, ref.Validator)
			if err != nil {
				continue
			}
			out = append(out, delegationView{
				Validator:     valAddr.String(),
				Amount:        d.Amount.String(),
				CreatedHeight: d.CreatedHeight,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleUnbonding(w http.ResponseWriter, r *http.Request) {
	addr, ok := decodeAddressParam(w, r, "delegator")
	if !ok {
		return
	}
	acc := s.manager.GetAccount(addr.Bytes())
	writeJSON(w, http.StatusOK, acc.Unbonding)
}

func (s *Server) handleRewardHistory(w http.ResponseWriter, r *http.Request) {
	addr, ok := decodeAddressParam(w, r, "delegator")
	if !ok {
		return
	}
	acc := s.manager.GetAccount(addr.Bytes())
	writeJSON(w, http.StatusOK, acc.RewardHistory)
}

func (s *Server) handleMempoolSize(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"size": s.pool.Size()})
}

type snapshotInfo struct {
	Height uint64 `json:"height"`
}

func (s *Server) handleSnapshotList(w http.ResponseWriter, r *http.Request) {
	heights, err := s.snapshots.List()
	if err != nil {
		writeErrorMessage(w, http.StatusInternalServerError, "list snapshots: "+err.Error())
		return
	}
	infos := make([]snapshotInfo, 0, len(heights))
	for _, h := range heights {
		infos = append(infos, snapshotInfo{Height: h})
	}
	writeJSON(w, http.StatusOK, infos)
}
