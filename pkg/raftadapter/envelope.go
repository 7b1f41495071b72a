package raftadapter

import (
	"encoding/json"
	"fmt"
)

// envelope is the wire format proposed to hashicorp/raft's Apply: it packs
// the log-view (a csm.Command with its payload already stripped) alongside
// the state-machine-data side channel in one raft.Log.Data buffer, since
// raft.FSM.Apply only exposes a single byte slice. Unpacking an envelope on
// Apply reproduces the (log-view, side-channel) split csm.LogEntry expects,
// so csm's own invariant — a WriteChunk's log-view Data field is always
// empty — holds at the Command level regardless of how this adapter
// transports the bytes.
type envelope struct {
	LogView json.RawMessage `json:"logView"`
	Payload []byte          `json:"payload,omitempty"`
}

// encodeEnvelope builds the bytes passed to raft.Raft.Apply.
func encodeEnvelope(logView json.RawMessage, payload []byte) ([]byte, error) {
	b, err := json.Marshal(envelope{LogView: logView, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("encode raft envelope: %w", err)
	}
	return b, nil
}

func decodeEnvelope(data []byte) (json.RawMessage, []byte, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("decode raft envelope: %w", err)
	}
	return env.LogView, env.Payload, nil
}
