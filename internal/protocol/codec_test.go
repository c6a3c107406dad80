package protocol

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	env, err := New(TypeJobAssign, JobAssignPayload{
		JobID:        "job-1",
		WorkflowName: "invoice-import",
		WorkflowJSON: json.RawMessage(`{"nodes":[]}`),
		Priority:     "high",
	})
	require.NoError(t, err)
	require.NotEmpty(t, env.ID)
	require.False(t, env.TS.IsZero())

	frame, err := Encode(env)
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, TypeJobAssign, got.Type)
	assert.Empty(t, got.CorrelationID)

	var p JobAssignPayload
	require.NoError(t, DecodePayload(got, &p))
	assert.Equal(t, "job-1", p.JobID)
	assert.Equal(t, "invoice-import", p.WorkflowName)
	assert.Equal(t, "high", p.Priority)
}

func TestNewReplySetsCorrelation(t *testing.T) {
	orig, err := New(TypeJobAssign, JobAssignPayload{JobID: "job-2", WorkflowName: "x"})
	require.NoError(t, err)

	reply, err := NewReply(orig, TypeJobAccept, JobReplyPayload{JobID: "job-2"})
	require.NoError(t, err)

	assert.Equal(t, orig.ID, reply.CorrelationID)
	assert.NotEqual(t, orig.ID, reply.ID)
	assert.True(t, reply.IsReply())
	assert.False(t, orig.IsReply())
}

func TestDecodeUnknownTypePassesThrough(t *testing.T) {
	frame := []byte(`{"id":"m1","type":"telemetry_v2","ts":"2026-01-02T03:04:05Z","payload":{"k":1}}`)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, Type("telemetry_v2"), env.Type)
	assert.False(t, env.Known())
	assert.JSONEq(t, `{"k":1}`, string(env.Payload))
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	cases := map[string][]byte{
		"not json":   []byte(`{{{`),
		"missing id": []byte(`{"type":"heartbeat","ts":"2026-01-02T03:04:05Z"}`),
		"missing ty": []byte(`{"id":"m1","ts":"2026-01-02T03:04:05Z"}`),
		"missing ts": []byte(`{"id":"m1","type":"heartbeat"}`),
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(frame)
			require.Error(t, err)
			var pe *ParseError
			assert.True(t, errors.As(err, &pe))
		})
	}
}

func TestDecodePayloadEmptyPayload(t *testing.T) {
	env := Envelope{ID: "m1", Type: TypeHeartbeat, TS: time.Now()}
	var p HeartbeatPayload
	err := DecodePayload(env, &p)
	require.Error(t, err)
	var pe *ParseError
	assert.True(t, errors.As(err, &pe))
}

func TestKnownCoversCatalog(t *testing.T) {
	for _, typ := range []Type{
		TypeRegister, TypeRegisterAck, TypeHeartbeat, TypeHeartbeatAck,
		TypeJobAssign, TypeJobAccept, TypeJobReject, TypeJobProgress,
		TypeJobComplete, TypeJobFailed, TypeJobCancel, TypeJobCancelled,
		TypeLogEntry, TypeLogBatch, TypeStatusRequest, TypeStatusResponse,
		TypePause, TypeResume, TypeShutdown, TypeDisconnect, TypeError,
	} {
		assert.True(t, Envelope{Type: typ}.Known(), "type %s should be known", typ)
	}
	assert.False(t, Envelope{Type: "nope"}.Known())
}
