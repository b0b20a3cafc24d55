package rpc

import (
	"encoding/hex"
	"encoding/json"
	"net/http"

	"nhbchain/core/types"
	"nhbchain/mempool"
)

type submitResponse struct {
	Status string `json:"status"`
	TxID   string `json:"txId,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// handleSubmitTransaction accepts a signed transaction as a JSON body and
// admits it to the mempool, per spec §6's {status, reason?} contract.
func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var tx types.Transaction
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&tx); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid transaction payload: "+err.Error())
		return
	}

	outcome, err := s.pool.Insert(s.manager, &tx)
	id, idErr := tx.ID()

	switch outcome {
	case mempool.Accepted, mempool.Replaced:
		resp := submitResponse{Status: "Accepted"}
		if idErr == nil {
			resp.TxID = hex.EncodeToString(id)
		}
		writeJSON(w, http.StatusAccepted, resp)
	default:
		resp := submitResponse{Status: "Rejected"}
		if idErr == nil {
			resp.TxID = hex.EncodeToString(id)
		}
		if err != nil {
			resp.Reason = err.Error()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
