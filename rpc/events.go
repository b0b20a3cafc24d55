package rpc

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"nhbchain/eventbus"
)

const eventStreamKeepAlive = 15 * time.Second

type eventPayload struct {
	SubscriptionID string `json:"subscriptionId"`
	Sequence       uint64 `json:"sequence"`
	Cursor         string `json:"cursor"`
	Kind           string `json:"kind"`
	TxID           string `json:"txId,omitempty"`
	BlockHeight    uint64 `json:"blockHeight,omitempty"`
	BlockHash      string `json:"blockHash,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

func renderEvent(subscriptionID string, e eventbus.Event) eventPayload {
	p := eventPayload{
		SubscriptionID: subscriptionID,
		Sequence:       e.Sequence,
		Cursor:         e.Cursor,
		Kind:           string(e.Kind),
		BlockHeight:    e.BlockHeight,
		Reason:         e.Reason,
	}
	if len(e.TxID) > 0 {
		p.TxID = hex.EncodeToString(e.TxID)
	}
	if len(e.BlockHash) > 0 {
		p.BlockHash = hex.EncodeToString(e.BlockHash)
	}
	return p
}

// handleEvents streams tx_accepted/tx_confirmed/tx_failed/block_created
// events as server-sent events, delivering any buffered history after the
// client's ?cursor= first, then live events until the connection closes.
// A keep-alive comment line is emitted periodically so idle proxies don't
// time the connection out.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	subscriptionID := uuid.NewString()
	cursor := r.URL.Query().Get("cursor")
	ch, cancel, backlog := s.bus.Subscribe(r.Context(), cursor)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent := func(e eventbus.Event) bool {
		payload, err := json.Marshal(renderEvent(subscriptionID, e))
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", e.Cursor, e.Kind, payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for _, e := range backlog {
		if !writeEvent(e) {
			return
		}
	}

	ticker := time.NewTicker(eventStreamKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			if !writeEvent(e) {
				return
			}
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
