// ABOUTME: RPC endpoint that issues queries, serves registered methods, and fans out events
// ABOUTME: Tracks in-flight queries by correlation id with per-query expiry timers

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-dispatch/internal/metrics"
)

// DefaultQueryTimeout applies when QueryOptions.Timeout is zero.
const DefaultQueryTimeout = 30 * time.Second

// Sender transmits an envelope toward its recipient.
type Sender interface {
	SendEnvelope(ctx context.Context, env *Envelope) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, env *Envelope) error

// SendEnvelope calls f.
func (f SenderFunc) SendEnvelope(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

// Handler serves one method. Returning an *Error keeps its code; any other
// error becomes INTERNAL.
type Handler func(ctx context.Context, req *Request) (any, error)

// EventHandler receives fire-and-forget events for a topic.
type EventHandler func(ctx context.Context, ev *Envelope)

// QueryOptions tunes a single Query.
type QueryOptions struct {
	Timeout  time.Duration
	ThreadID string
	ParentID string
}

// PeerOptions configures a Peer.
type PeerOptions struct {
	DefaultTimeout time.Duration
	Metrics        *metrics.Metrics
	Logger         *slog.Logger
}

type outcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	done  chan outcome
	timer *time.Timer
}

type subscription struct {
	id int
	fn EventHandler
}

// Peer is one RPC endpoint. It is safe for concurrent use.
type Peer struct {
	self    Address
	sender  Sender
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	pending  map[string]*pendingCall
	handlers map[string]Handler
	subs     map[string][]subscription
	nextSub  int
}

// NewPeer creates a peer that identifies itself as self and sends through sender.
func NewPeer(self Address, sender Sender, opts PeerOptions) *Peer {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultQueryTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{
		self:     self,
		sender:   sender,
		timeout:  opts.DefaultTimeout,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "rpc", "agent_id", self.AgentID),
		now:      time.Now,
		pending:  make(map[string]*pendingCall),
		handlers: make(map[string]Handler),
		subs:     make(map[string][]subscription),
	}
}

// Self returns the peer's own address.
func (p *Peer) Self() Address {
	return p.self
}

// Query sends a request to to and waits for the matching response. It fails
// with TIMEOUT when no response arrives in time and with CANCELLED when ctx
// ends first.
func (p *Peer) Query(ctx context.Context, to Address, method string, params any, opts QueryOptions) (json.RawMessage, error) {
	raw, err := marshalPayload(params)
	if err != nil {
		return nil, Errorf(CodeBadRequest, "encoding params: %v", err)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.timeout
	}

	now := p.now()
	id := uuid.New().String()
	env := &Envelope{
		V:             Version,
		Type:          TypeRequest,
		ID:            id,
		TS:            now.UnixMilli(),
		From:          p.self,
		To:            &to,
		CorrelationID: id,
		ThreadID:      opts.ThreadID,
		ParentID:      opts.ParentID,
		DeadlineMs:    now.Add(timeout).UnixMilli(),
		Method:        method,
		Params:        raw,
	}

	call := &pendingCall{done: make(chan outcome, 1)}
	p.mu.Lock()
	p.pending[id] = call
	call.timer = time.AfterFunc(timeout, func() {
		p.settle(id, outcome{err: Errorf(CodeTimeout, "%s to agent %d after %s", method, to.AgentID, timeout)})
	})
	p.mu.Unlock()

	if err := p.sender.SendEnvelope(ctx, env); err != nil {
		p.drop(id)
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, fmt.Errorf("sending %s request: %w", method, err)
	}

	p.logger.Debug("query sent", "method", method, "to", to.AgentID, "correlation_id", id)

	select {
	case out := <-call.done:
		return out.result, out.err
	case <-ctx.Done():
		p.drop(id)
		return nil, Errorf(CodeCancelled, "%s: %v", method, ctx.Err())
	}
}

// HandleResponse resolves the pending query matching resp.CorrelationID.
// Unmatched responses, including late ones after a timeout, are ignored.
func (p *Peer) HandleResponse(resp *Envelope) {
	var out outcome
	switch {
	case resp.OK != nil && *resp.OK:
		out.result = resp.Result
	case resp.Error != nil:
		out.err = resp.Error
	default:
		out.err = Errorf(CodeInternal, "response carried no error")
	}

	if !p.settle(resp.CorrelationID, out) {
		p.logger.Debug("ignoring unmatched response", "correlation_id", resp.CorrelationID)
	}
}

// On registers handler for method, replacing any previous handler.
func (p *Peer) On(method string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = handler
}

// HandleRequest serves one request and sends the response. Requests already
// past their deadline are dropped without a response.
func (p *Peer) HandleRequest(ctx context.Context, req *Envelope) {
	if req.Expired(p.now()) {
		p.logger.Debug("dropping expired request", "method", req.Method, "id", req.ID)
		return
	}

	p.mu.Lock()
	handler, ok := p.handlers[req.Method]
	p.mu.Unlock()

	var resp *Envelope
	if !ok {
		resp = p.errorResponse(req, Errorf(CodeNotFound, "no handler for method %q", req.Method))
	} else {
		if deadline, ok := req.Deadline(); ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithDeadline(ctx, deadline)
			defer cancel()
		}
		resp = p.invoke(ctx, handler, req)
	}

	code := "OK"
	if resp.Error != nil {
		code = string(resp.Error.Code)
	}
	p.metrics.RPCResponse(req.Method, code)

	if err := p.sender.SendEnvelope(ctx, resp); err != nil {
		p.logger.Warn("failed to send response", "method", req.Method, "id", req.ID, "error", err)
	}
}

func (p *Peer) invoke(ctx context.Context, handler Handler, req *Envelope) (resp *Envelope) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked", "method", req.Method, "panic", r)
			resp = p.errorResponse(req, Errorf(CodeInternal, "handler panic: %v", r))
		}
	}()

	result, err := handler(ctx, &Request{Envelope: req})
	if err != nil {
		return p.errorResponse(req, toError(err))
	}

	raw, err := marshalPayload(result)
	if err != nil {
		return p.errorResponse(req, Errorf(CodeInternal, "encoding result: %v", err))
	}
	resp = p.response(req)
	resp.OK = boolPtr(true)
	resp.Result = raw
	return resp
}

// Emit sends a fire-and-forget event for topic. There is no response and no retry.
func (p *Peer) Emit(ctx context.Context, topic string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("encoding event payload: %w", err)
	}
	env := &Envelope{
		V:      Version,
		Type:   TypeEvent,
		ID:     uuid.New().String(),
		TS:     p.now().UnixMilli(),
		From:   p.self,
		Method: topic,
		Params: raw,
	}
	return p.sender.SendEnvelope(ctx, env)
}

// Subscribe registers fn for events on topic and returns a function that
// removes the subscription.
func (p *Peer) Subscribe(topic string, fn EventHandler) func() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextSub++
	id := p.nextSub
	p.subs[topic] = append(p.subs[topic], subscription{id: id, fn: fn})

	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		subs := p.subs[topic]
		for i, s := range subs {
			if s.id == id {
				p.subs[topic] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(p.subs[topic]) == 0 {
			delete(p.subs, topic)
		}
	}
}

// HandleEvent delivers ev to the subscribers of its topic.
func (p *Peer) HandleEvent(ctx context.Context, ev *Envelope) {
	p.mu.Lock()
	subs := append([]subscription(nil), p.subs[ev.Method]...)
	p.mu.Unlock()

	for _, s := range subs {
		s.fn(ctx, ev)
	}
}

// Handle routes an inbound envelope by type. Requests are served on their own
// goroutine so a slow handler never stalls the caller's read loop.
func (p *Peer) Handle(ctx context.Context, env *Envelope) {
	switch env.Type {
	case TypeResponse:
		p.HandleResponse(env)
	case TypeRequest:
		go p.HandleRequest(ctx, env)
	case TypeEvent:
		p.HandleEvent(ctx, env)
	default:
		p.logger.Warn("dropping envelope with unknown type", "type", env.Type, "id", env.ID)
	}
}

// Pending returns the number of in-flight queries.
func (p *Peer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Close rejects every in-flight query with err, or CANCELLED when err is nil.
func (p *Peer) Close(err *Error) {
	if err == nil {
		err = Errorf(CodeCancelled, "peer closed")
	}

	p.mu.Lock()
	calls := p.pending
	p.pending = make(map[string]*pendingCall)
	p.mu.Unlock()

	for _, call := range calls {
		call.timer.Stop()
		call.done <- outcome{err: err}
	}
}

// settle removes and resolves a pending call. It reports whether one existed.
func (p *Peer) settle(id string, out outcome) bool {
	p.mu.Lock()
	call, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	call.timer.Stop()
	call.done <- out
	return true
}

func (p *Peer) drop(id string) {
	p.mu.Lock()
	call, ok := p.pending[id]
	delete(p.pending, id)
	p.mu.Unlock()
	if ok {
		call.timer.Stop()
	}
}

func (p *Peer) response(req *Envelope) *Envelope {
	return NewResponse(p.self, req, p.now())
}

func (p *Peer) errorResponse(req *Envelope, rpcErr *Error) *Envelope {
	resp := p.response(req)
	resp.OK = boolPtr(false)
	resp.Error = rpcErr
	return resp
}

// NewResponse builds an unfilled response to req sent from from.
func NewResponse(from Address, req *Envelope, now time.Time) *Envelope {
	corr := req.CorrelationID
	if corr == "" {
		corr = req.ID
	}
	to := req.From
	return &Envelope{
		V:             Version,
		Type:          TypeResponse,
		ID:            uuid.New().String(),
		TS:            now.UnixMilli(),
		From:          from,
		To:            &to,
		CorrelationID: corr,
		ThreadID:      req.ThreadID,
		ParentID:      req.ID,
	}
}

// NewErrorResponse builds a failed response to req, as sent by from.
func NewErrorResponse(from Address, req *Envelope, rpcErr *Error, now time.Time) *Envelope {
	resp := NewResponse(from, req, now)
	resp.OK = boolPtr(false)
	resp.Error = rpcErr
	return resp
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	}
	return json.Marshal(v)
}
