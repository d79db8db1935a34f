// ABOUTME: End-to-end tests for the worker against a real transport hub
// ABOUTME: Covers task execution, failure reporting, RPC status, and bad tokens

package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/executor"
	"github.com/2389/coven-dispatch/internal/rpc"
	"github.com/2389/coven-dispatch/internal/store"
	"github.com/2389/coven-dispatch/internal/transport"
)

type stubRunner struct {
	result executor.Result
	err    error
	prompt chan string
}

func (r *stubRunner) Run(_ context.Context, prompt string) (executor.Result, error) {
	if r.prompt != nil {
		r.prompt <- prompt
	}
	return r.result, r.err
}

type fixture struct {
	hub     *transport.Hub
	tokens  *auth.JWTVerifier
	wsURL   string
	results chan *transport.ResultFrame
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	tokens := auth.NewJWTVerifier([]byte("worker-test-secret"), time.Hour)
	hub := transport.NewHub(agent.NewRegistry(slog.Default(), nil), tokens, transport.HubOptions{})

	f := &fixture{hub: hub, tokens: tokens, results: make(chan *transport.ResultFrame, 16)}
	hub.SetResultHandler(func(_ context.Context, _ int64, res *transport.ResultFrame) {
		f.results <- res
	})

	mux := http.NewServeMux()
	mux.Handle("/ws", hub.Handler())
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	f.wsURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return f
}

// start runs a worker for id and waits until the hub sees it.
func (f *fixture) start(t *testing.T, id int64, runner executor.Runner) *Worker {
	t.Helper()
	token, err := f.tokens.Generate(id, "test-worker", time.Hour)
	require.NoError(t, err)

	w := New(id, Options{URL: f.wsURL, Token: token, Name: "test-worker", Runner: runner, ReconnectDelay: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return f.hub.Registry().IsOnline(id) }, 2*time.Second, 10*time.Millisecond)
	return w
}

func (f *fixture) nextResult(t *testing.T) *transport.ResultFrame {
	t.Helper()
	select {
	case res := <-f.results:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result frame")
		return nil
	}
}

func TestWorker_ExecutesTask(t *testing.T) {
	f := newFixture(t)
	runner := &stubRunner{result: executor.Result{Output: "all done"}, prompt: make(chan string, 1)}
	f.start(t, 7, runner)

	require.True(t, f.hub.SendTask(7, &store.Mission{ID: "m1", Prompt: "write it", Context: "notes"}))

	processing := f.nextResult(t)
	assert.Equal(t, "m1", processing.TaskID)
	assert.Equal(t, transport.ResultProcessing, processing.Status)

	done := f.nextResult(t)
	assert.Equal(t, transport.ResultCompleted, done.Status)
	assert.Equal(t, "all done", done.Output)
	assert.Equal(t, "write it\n\nContext:\nnotes", <-runner.prompt)
}

func TestWorker_ReportsFailure(t *testing.T) {
	f := newFixture(t)
	f.start(t, 8, &stubRunner{result: executor.Result{ExitCode: 2, Stderr: "oops"}})

	require.True(t, f.hub.SendTask(8, &store.Mission{ID: "m2", Prompt: "p"}))

	assert.Equal(t, transport.ResultProcessing, f.nextResult(t).Status)
	failed := f.nextResult(t)
	assert.Equal(t, transport.ResultFailed, failed.Status)
	assert.Equal(t, "exit status 2: oops", failed.Output)
}

func TestWorker_ServesStatus(t *testing.T) {
	f := newFixture(t)
	orchestrator := rpc.NewPeer(rpc.Address{}, f.hub, rpc.PeerOptions{})
	f.hub.SetLocalHandler(orchestrator)
	f.start(t, 9, &stubRunner{})

	raw, err := orchestrator.Query(context.Background(), rpc.Address{AgentID: 9}, StatusMethod, nil, rpc.QueryOptions{Timeout: 2 * time.Second})
	require.NoError(t, err)

	var status Status
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.Equal(t, int64(9), status.AgentID)
	assert.Equal(t, "test-worker", status.Name)
	assert.Empty(t, status.Running)
}

func TestWorker_RejectedToken(t *testing.T) {
	f := newFixture(t)
	w := New(3, Options{URL: f.wsURL, Token: "not-a-token"})

	err := w.serve(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rejected token")
	assert.False(t, f.hub.Registry().IsOnline(3))
}

func TestWorker_SendWithoutConnection(t *testing.T) {
	w := New(4, Options{URL: "ws://127.0.0.1:1/ws"})
	_, err := w.Peer().Query(context.Background(), rpc.Address{AgentID: 5}, "x", nil, rpc.QueryOptions{Timeout: time.Second})
	assert.Equal(t, rpc.CodeAgentOffline, rpc.CodeOf(err))
}
