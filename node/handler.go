// Package node wires the consensus engine, mempool, and chain store to the
// raw message stream p2p.Server delivers, implementing p2p.MessageHandler.
package node

import (
	"encoding/json"
	"log/slog"

	"nhbchain/consensus/slot"
	"nhbchain/core"
	cerrors "nhbchain/core/errors"
	"nhbchain/core/state"
	"nhbchain/core/types"
	"nhbchain/mempool"
	"nhbchain/p2p"
)

// Handler dispatches inbound p2p messages to the mempool and consensus
// engine. One Handler is shared by every peer connection.
type Handler struct {
	chain   *core.Blockchain
	engine  *slot.Engine
	manager *state.Manager
	pool    *mempool.Mempool
	bcast   p2p.Broadcaster
	log     *slog.Logger

	// syncThreshold is the height gap at which a received blocks batch is
	// still worth applying sequentially rather than falling back to a
	// snapshot restore; applied by the caller, not this handler.
	syncThreshold uint64
}

// New constructs a message handler bound to the node's running components.
func New(chain *core.Blockchain, engine *slot.Engine, manager *state.Manager, pool *mempool.Mempool, bcast p2p.Broadcaster, log *slog.Logger, syncThreshold uint64) *Handler {
	return &Handler{chain: chain, engine: engine, manager: manager, pool: pool, bcast: bcast, log: log, syncThreshold: syncThreshold}
}

// HandleMessage satisfies p2p.MessageHandler.
func (h *Handler) HandleMessage(msg *p2p.Message) error {
	switch msg.Type {
	case p2p.MsgTypeTx:
		return h.handleTx(msg.Payload)
	case p2p.MsgTypeBlock:
		return h.handleBlock(msg.Payload)
	case p2p.MsgTypeGetBlocks:
		return h.handleGetBlocks(msg.Payload)
	case p2p.MsgTypeBlocks:
		return h.handleBlocks(msg.Payload)
	case p2p.MsgTypePing, p2p.MsgTypePong, p2p.MsgTypeHello:
		return nil
	default:
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
}

func (h *Handler) handleTx(payload []byte) error {
	var tx types.Transaction
	if err := json.Unmarshal(payload, &tx); err != nil {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	_, err := h.pool.Insert(h.manager, &tx)
	return err
}

func (h *Handler) handleBlock(payload []byte) error {
	var block types.Block
	if err := json.Unmarshal(payload, &block); err != nil {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	if err := h.engine.Commit(&block); err != nil {
		h.log.Warn("rejected inbound block", slog.Uint64("height", block.Header.Height), slog.Any("error", err))
		return err
	}
	return nil
}

func (h *Handler) handleGetBlocks(payload []byte) error {
	var req p2p.GetBlocksPayload
	if err := json.Unmarshal(payload, &req); err != nil {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	blocks, err := h.chain.GetBlocks(req.From, req.To)
	if err != nil {
		return err
	}
	msg, err := p2p.NewBlocksMessage(blocks)
	if err != nil {
		return err
	}
	if h.bcast == nil {
		return nil
	}
	return h.bcast.Broadcast(msg)
}

// handleBlocks applies a batch of synced blocks sequentially, stopping at
// the first one that fails validation — a later block in the same batch
// cannot be valid if an earlier one was rejected, since heights must stay
// consecutive.
func (h *Handler) handleBlocks(payload []byte) error {
	var batch p2p.BlocksPayload
	if err := json.Unmarshal(payload, &batch); err != nil {
		return cerrors.Tag(cerrors.KindStructural, cerrors.ErrMalformed)
	}
	for _, block := range batch.Blocks {
		if block.Header.Height <= h.chain.Height() {
			continue
		}
		if err := h.engine.Commit(block); err != nil {
			h.log.Warn("sync batch stopped", slog.Uint64("height", block.Header.Height), slog.Any("error", err))
			return err
		}
	}
	return nil
}
