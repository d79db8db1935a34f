// ABOUTME: Delivery loop that pushes this node's pending messages to peer nodes over HTTP
// ABOUTME: Failed attempts are retried on the next pass until max_retries, then marked failed

package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-dispatch/internal/metrics"
	"github.com/2389/coven-dispatch/internal/store"
)

// Defaults for RelayOptions.
const (
	DefaultRelayInterval = 2 * time.Second
	DefaultBatchSize     = 100
	defaultPostTimeout   = 10 * time.Second
)

// MessagesPath is the receiver endpoint on every node.
const MessagesPath = "/api/bus/messages"

// Peer is a remote node reachable over HTTP.
type Peer struct {
	ID  string
	URL string
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	Interval  time.Duration
	BatchSize int
	// Client posts to peers. Nil uses a client with a 10s timeout.
	Client  *http.Client
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Relay delivers pending messages sent by the local node.
type Relay struct {
	store    store.MessageStore
	node     string
	peers    []Peer
	interval time.Duration
	batch    int
	client   *http.Client
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewRelay creates a relay for messages sent by node.
func NewRelay(s store.MessageStore, node string, peers []Peer, opts RelayOptions) *Relay {
	if opts.Interval <= 0 {
		opts.Interval = DefaultRelayInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: defaultPostTimeout}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		store:    s,
		node:     node,
		peers:    peers,
		interval: opts.Interval,
		batch:    opts.BatchSize,
		client:   opts.Client,
		metrics:  opts.Metrics,
		logger:   logger.With("component", "bus-relay", "node", node),
		now:      time.Now,
	}
}

// Run flushes pending messages every interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started", "peers", len(r.peers), "interval", r.interval)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("relay pass failed", "error", err)
			}
		}
	}
}

// Flush makes one delivery attempt for every pending message and returns how
// many were accepted by all their targets.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	start := r.now()
	defer func() { r.metrics.ObserveRelay(r.now().Sub(start)) }()

	pending, err := r.store.PendingMessages(ctx, r.node, r.batch)
	if err != nil {
		return 0, fmt.Errorf("loading pending messages: %w", err)
	}

	accepted := 0
	for _, msg := range pending {
		if ctx.Err() != nil {
			return accepted, ctx.Err()
		}
		if r.deliver(ctx, msg) {
			accepted++
		}
	}
	return accepted, nil
}

// deliver attempts msg once against every target peer.
func (r *Relay) deliver(ctx context.Context, msg *store.NodeMessage) bool {
	logger := r.logger.With("message_id", msg.MessageID, "seq", msg.SequenceNumber)

	targets := r.targets(msg)
	if len(targets) == 0 {
		logger.Warn("no peer to deliver to", "to", derefOr(msg.ToNode, "*"))
		r.attemptFailed(ctx, msg, logger)
		return false
	}

	wire := FromStore(msg)
	wire.Status = ""
	body, err := json.Marshal(wire)
	if err != nil {
		logger.Error("encoding message failed", "error", err)
		r.attemptFailed(ctx, msg, logger)
		return false
	}

	allReceived := true
	for _, peer := range targets {
		received, err := r.post(ctx, peer, body)
		if err != nil {
			logger.Warn("delivery attempt failed", "peer", peer.ID, "attempt", msg.RetryCount+1, "error", err)
			r.attemptFailed(ctx, msg, logger)
			return false
		}
		allReceived = allReceived && received
	}

	now := r.now()
	if allReceived {
		if err := r.store.MarkMessageDelivered(ctx, msg.MessageID, now); err != nil {
			logger.Error("marking delivered failed", "error", err)
			return false
		}
		r.metrics.BusMessage(metrics.BusDelivered)
		return true
	}
	if err := r.store.MarkMessageSent(ctx, msg.MessageID, now); err != nil {
		logger.Error("marking sent failed", "error", err)
		return false
	}
	r.metrics.BusMessage(metrics.BusSent)
	return true
}

// attemptFailed schedules another attempt or, once the budget is spent, marks
// msg failed.
func (r *Relay) attemptFailed(ctx context.Context, msg *store.NodeMessage, logger *slog.Logger) {
	if msg.RetryCount >= msg.MaxRetries {
		if err := r.store.MarkMessageFailed(ctx, msg.MessageID); err != nil {
			logger.Error("recording permanent failure failed", "error", err)
			return
		}
		r.metrics.BusMessage(metrics.BusFailed)
		logger.Warn("message delivery abandoned", "retries", msg.RetryCount)
		return
	}
	if _, err := r.store.IncrementMessageRetry(ctx, msg.MessageID); err != nil {
		logger.Error("scheduling retry failed", "error", err)
		return
	}
	r.metrics.BusMessage(metrics.BusRetried)
}

func (r *Relay) targets(msg *store.NodeMessage) []Peer {
	if msg.ToNode == nil {
		return r.peers
	}
	for _, p := range r.peers {
		if p.ID == *msg.ToNode {
			return []Peer{p}
		}
	}
	return nil
}

type receiveResponse struct {
	Received  bool `json:"received"`
	Duplicate bool `json:"duplicate,omitempty"`
}

// post sends one message body to peer. A 2xx status is success; the body
// reports whether the peer stored it.
func (r *Relay) post(ctx context.Context, peer Peer, body []byte) (bool, error) {
	url := strings.TrimRight(peer.URL, "/") + MessagesPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("posting to %s: %w", peer.ID, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, fmt.Errorf("peer %s answered %d: %s", peer.ID, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var ack receiveResponse
	if err := json.Unmarshal(data, &ack); err != nil {
		return false, nil
	}
	return ack.Received, nil
}

func derefOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}
