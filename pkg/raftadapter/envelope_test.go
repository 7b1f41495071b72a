package raftadapter

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	logView, err := json.Marshal(map[string]any{"kind": "write_chunk", "containerId": 7})
	require.NoError(t, err)
	payload := []byte("chunk bytes")

	wire, err := encodeEnvelope(logView, payload)
	require.NoError(t, err)

	gotLogView, gotPayload, err := decodeEnvelope(wire)
	require.NoError(t, err)
	assert.JSONEq(t, string(logView), string(gotLogView))
	assert.Equal(t, payload, gotPayload)
}

func TestEnvelopeRoundTripWithoutPayload(t *testing.T) {
	logView, err := json.Marshal(map[string]any{"kind": "echo"})
	require.NoError(t, err)

	wire, err := encodeEnvelope(logView, nil)
	require.NoError(t, err)

	gotLogView, gotPayload, err := decodeEnvelope(wire)
	require.NoError(t, err)
	assert.JSONEq(t, string(logView), string(gotLogView))
	assert.Empty(t, gotPayload)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, _, err := decodeEnvelope([]byte("not json"))
	assert.Error(t, err)
}
