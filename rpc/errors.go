package rpc

import (
	"encoding/json"
	"net/http"

	cerrors "nhbchain/core/errors"
)

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeErrorMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeError maps a tagged core/errors error onto an HTTP status the way
// spec §7's propagation policy intends: structural/cryptographic input
// mistakes are 400s, protocol-state rejections are 422s, mempool and
// consensus conflicts with current chain state are 409s, and I/O failures
// and untagged errors are 500s.
func writeError(w http.ResponseWriter, err error) {
	kind, tagged := cerrors.KindOf(err)
	status := http.StatusInternalServerError
	if tagged {
		switch kind {
		case cerrors.KindStructural, cerrors.KindCryptographic:
			status = http.StatusBadRequest
		case cerrors.KindProtocolState:
			status = http.StatusUnprocessableEntity
		case cerrors.KindMempool:
			status = http.StatusConflict
		case cerrors.KindConsensus:
			status = http.StatusConflict
		case cerrors.KindIO:
			status = http.StatusInternalServerError
		}
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: string(kind)})
}
