package p2p

import (
	"encoding/json"

	"nhbchain/core/types"
)

// Message type tags for the wire protocol described in §4.7: persistent
// TCP sessions exchanging these length-framed, JSON-encoded payloads.
const (
	MsgTypeHello     byte = 0x01
	MsgTypeBlock     byte = 0x02
	MsgTypeTx        byte = 0x03
	MsgTypeGetBlocks byte = 0x04
	MsgTypeBlocks    byte = 0x05
	MsgTypePing      byte = 0x06
	MsgTypePong      byte = 0x07
)

// HelloPayload is exchanged immediately after the TCP session opens.
// GenesisHash gates admission: a session whose claimed genesis hash
// differs from the local one is closed and the peer temporarily
// blacklisted.
type HelloPayload struct {
	GenesisHash      []byte `json:"genesisHash"`
	TipHeight        uint64 `json:"tipHeight"`
	NodeID           string `json:"nodeId"`
	ValidatorAddress []byte `json:"validatorAddress,omitempty"`
}

// GetBlocksPayload requests blocks in [From, To].
type GetBlocksPayload struct {
	From uint64 `json:"from"`
	To   uint64 `json:"to"`
}

// BlocksPayload carries a batch of blocks in response to GetBlocks.
type BlocksPayload struct {
	Blocks []*types.Block `json:"blocks"`
}

// NewHelloMessage builds a Hello message from p; the session-opening
// handshake in server.go does not use it.
func NewHelloMessage(p HelloPayload) (*Message, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeHello, Payload: payload}, nil
}

// NewTxMessage builds a Tx gossip message.
func NewTxMessage(tx *types.Transaction) (*Message, error) {
	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeTx, Payload: payload}, nil
}

// NewBlockMessage builds a Block gossip message.
func NewBlockMessage(b *types.Block) (*Message, error) {
	payload, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeBlock, Payload: payload}, nil
}

// NewGetBlocksMessage builds a sync request.
func NewGetBlocksMessage(from, to uint64) (*Message, error) {
	payload, err := json.Marshal(GetBlocksPayload{From: from, To: to})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeGetBlocks, Payload: payload}, nil
}

// NewBlocksMessage builds a sync response.
func NewBlocksMessage(blocks []*types.Block) (*Message, error) {
	payload, err := json.Marshal(BlocksPayload{Blocks: blocks})
	if err != nil {
		return nil, err
	}
	return &Message{Type: MsgTypeBlocks, Payload: payload}, nil
}
