// ABOUTME: Tests for frame encoding and tagged decoding
// ABOUTME: Unknown and malformed frames must fail without panicking

package transport

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/rpc"
	"github.com/2389/coven-dispatch/internal/store"
)

func TestTaskFrameShape(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	frame := NewTaskFrame(&store.Mission{ID: "m1", Prompt: "do it", Priority: store.PriorityHigh}, at)

	data, err := json.Marshal(frame)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"task","id":"m1","prompt":"do it","priority":"high","assigned_at":"2026-01-02T03:04:05Z"}`, string(data))
}

func TestDecodeFrame(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"ping", `{"type":"ping"}`, FramePing, false},
		{"pong", `{"type":"pong"}`, FramePong, false},
		{"task", `{"type":"task","id":"m1","prompt":"p","assigned_at":"2026-01-02T03:04:05Z"}`, FrameTask, false},
		{"result", `{"type":"result","taskId":"m1","status":"completed","output":"ok","duration_ms":12}`, FrameResult, false},
		{"request", `{"v":1,"type":"request","id":"r1","method":"m","from":{"agentId":1},"to":{"agentId":2}}`, FrameRequest, false},
		{"result without task", `{"type":"result","status":"completed"}`, "", true},
		{"result with bad status", `{"type":"result","taskId":"m1","status":"exploded"}`, "", true},
		{"task without id", `{"type":"task","prompt":"p"}`, "", true},
		{"not json", `nope`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := DecodeFrame([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, f.Type)
		})
	}
}

func TestDecodeFramePayloads(t *testing.T) {
	f, err := DecodeFrame([]byte(`{"type":"result","taskId":"m1","status":"failed","output":"boom","duration_ms":7}`))
	require.NoError(t, err)
	require.NotNil(t, f.Result)
	assert.Equal(t, "m1", f.Result.TaskID)
	assert.Equal(t, ResultFailed, f.Result.Status)
	assert.Equal(t, int64(7), f.Result.DurationMs)

	f, err = DecodeFrame([]byte(`{"v":1,"type":"event","id":"e1","method":"topic","params":{"a":1}}`))
	require.NoError(t, err)
	require.NotNil(t, f.Envelope)
	assert.Equal(t, rpc.TypeEvent, f.Envelope.Type)
	assert.JSONEq(t, `{"a":1}`, string(f.Envelope.Params))
}

func TestDecodeFrameUnknownType(t *testing.T) {
	_, err := DecodeFrame([]byte(`{"type":"gossip"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnknownFrame))
}
