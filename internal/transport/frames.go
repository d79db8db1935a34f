// ABOUTME: JSON frames exchanged with agents over the WebSocket, tagged by "type"
// ABOUTME: Task, ping, pong, and result frames plus the RPC envelope types

package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/2389/coven-dispatch/internal/rpc"
	"github.com/2389/coven-dispatch/internal/store"
)

// Frame types.
const (
	FrameTask     = "task"
	FramePing     = "ping"
	FramePong     = "pong"
	FrameResult   = "result"
	FrameRequest  = string(rpc.TypeRequest)
	FrameResponse = string(rpc.TypeResponse)
	FrameEvent    = string(rpc.TypeEvent)
)

// Result statuses reported by agents.
const (
	ResultCompleted  = "completed"
	ResultFailed     = "failed"
	ResultProcessing = "processing"
)

// ErrUnknownFrame is returned by DecodeFrame for an unrecognized type.
var ErrUnknownFrame = errors.New("unknown frame type")

// TaskFrame pushes a mission to an agent.
type TaskFrame struct {
	Type       string    `json:"type"`
	ID         string    `json:"id"`
	Prompt     string    `json:"prompt"`
	Context    string    `json:"context,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	AssignedAt time.Time `json:"assigned_at"`
}

// NewTaskFrame builds the task frame for m.
func NewTaskFrame(m *store.Mission, at time.Time) TaskFrame {
	return TaskFrame{
		Type:       FrameTask,
		ID:         m.ID,
		Prompt:     m.Prompt,
		Context:    m.Context,
		Priority:   string(m.Priority),
		AssignedAt: at.UTC(),
	}
}

// ControlFrame is a ping or pong.
type ControlFrame struct {
	Type string `json:"type"`
}

// ResultFrame carries an agent's outcome for a task.
type ResultFrame struct {
	Type       string `json:"type"`
	TaskID     string `json:"taskId"`
	Status     string `json:"status"`
	Output     string `json:"output"`
	DurationMs int64  `json:"duration_ms"`
}

// Frame is a decoded inbound frame. Exactly one payload field is set for
// task, result, and envelope frames; ping and pong carry no payload.
type Frame struct {
	Type     string
	Task     *TaskFrame
	Result   *ResultFrame
	Envelope *rpc.Envelope
}

// DecodeFrame parses a frame by its "type" tag.
func DecodeFrame(data []byte) (*Frame, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding frame: %w", err)
	}

	f := &Frame{Type: head.Type}
	switch head.Type {
	case FramePing, FramePong:
		return f, nil
	case FrameTask:
		f.Task = &TaskFrame{}
		if err := json.Unmarshal(data, f.Task); err != nil {
			return nil, fmt.Errorf("decoding task frame: %w", err)
		}
		if f.Task.ID == "" {
			return nil, fmt.Errorf("task frame has no id")
		}
	case FrameResult:
		f.Result = &ResultFrame{}
		if err := json.Unmarshal(data, f.Result); err != nil {
			return nil, fmt.Errorf("decoding result frame: %w", err)
		}
		if f.Result.TaskID == "" {
			return nil, fmt.Errorf("result frame has no taskId")
		}
		switch f.Result.Status {
		case ResultCompleted, ResultFailed, ResultProcessing:
		default:
			return nil, fmt.Errorf("result frame has invalid status %q", f.Result.Status)
		}
	case FrameRequest, FrameResponse, FrameEvent:
		f.Envelope = &rpc.Envelope{}
		if err := json.Unmarshal(data, f.Envelope); err != nil {
			return nil, fmt.Errorf("decoding %s envelope: %w", head.Type, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, head.Type)
	}
	return f, nil
}
