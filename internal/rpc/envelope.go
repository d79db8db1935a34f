// ABOUTME: Wire shape of RPC envelopes exchanged between agents and the orchestrator
// ABOUTME: One struct covers requests, responses, and fire-and-forget events

package rpc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Version is the envelope protocol version.
const Version = 1

// Type discriminates envelopes.
type Type string

// Envelope types.
const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeEvent    Type = "event"
)

// Address identifies an endpoint. AgentID 0 is the orchestrator.
type Address struct {
	AgentID int64  `json:"agentId"`
	NodeID  string `json:"nodeId,omitempty"`
}

// Envelope is the JSON frame for every RPC message. Requests carry Method and
// Params; responses carry OK with Result or Error; events carry the topic in
// Method and the payload in Params with an empty To.
type Envelope struct {
	V             int             `json:"v"`
	Type          Type            `json:"type"`
	ID            string          `json:"id"`
	TS            int64           `json:"ts"`
	From          Address         `json:"from"`
	To            *Address        `json:"to,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	ThreadID      string          `json:"threadId,omitempty"`
	ParentID      string          `json:"parentId,omitempty"`
	DeadlineMs    int64           `json:"deadlineMs,omitempty"`
	Method        string          `json:"method,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	OK            *bool           `json:"ok,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         *Error          `json:"error,omitempty"`
}

// Expired reports whether the envelope's deadline has passed at now.
func (e *Envelope) Expired(now time.Time) bool {
	return e.DeadlineMs > 0 && now.UnixMilli() > e.DeadlineMs
}

// Deadline returns the absolute deadline, if any.
func (e *Envelope) Deadline() (time.Time, bool) {
	if e.DeadlineMs <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(e.DeadlineMs), true
}

// Target returns the recipient agent id, or 0 when To is absent.
func (e *Envelope) Target() int64 {
	if e.To == nil {
		return 0
	}
	return e.To.AgentID
}

// Validate checks the fields required for the envelope's type.
func (e *Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("unsupported envelope version %d", e.V)
	}
	if e.ID == "" {
		return fmt.Errorf("envelope id is required")
	}
	switch e.Type {
	case TypeRequest:
		if e.Method == "" {
			return fmt.Errorf("request %s has no method", e.ID)
		}
		if e.To == nil {
			return fmt.Errorf("request %s has no recipient", e.ID)
		}
	case TypeResponse:
		if e.CorrelationID == "" {
			return fmt.Errorf("response %s has no correlationId", e.ID)
		}
		if e.OK == nil {
			return fmt.Errorf("response %s has no ok flag", e.ID)
		}
	case TypeEvent:
		if e.Method == "" {
			return fmt.Errorf("event %s has no topic", e.ID)
		}
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	return nil
}

// Request is the server-side view of an inbound request envelope.
type Request struct {
	*Envelope
}

// Decode unmarshals the request params into v. Malformed params yield a
// BAD_REQUEST error suitable for returning from a handler.
func (r *Request) Decode(v any) error {
	if len(r.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Params, v); err != nil {
		return Errorf(CodeBadRequest, "decoding params for %s: %v", r.Method, err)
	}
	return nil
}

func boolPtr(v bool) *bool { return &v }
