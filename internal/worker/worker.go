// ABOUTME: Agent-side client that holds the WebSocket to the dispatcher and executes tasks
// ABOUTME: Answers pings, reports results, and serves RPC through an rpc.Peer

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/coven-dispatch/internal/executor"
	"github.com/2389/coven-dispatch/internal/rpc"
	"github.com/2389/coven-dispatch/internal/transport"
)

// Defaults for Options.
const (
	DefaultReconnectDelay = 3 * time.Second
	writeTimeout          = 10 * time.Second
)

// StatusMethod is served by every worker.
const StatusMethod = "agent.status"

// ErrNotConnected is returned when the worker has no live socket.
var ErrNotConnected = errors.New("not connected to dispatcher")

// Options configures a Worker.
type Options struct {
	// URL is the dispatcher WebSocket endpoint, e.g. ws://host:8080/ws.
	URL            string
	Token          string
	Name           string
	Runner         executor.Runner
	ReconnectDelay time.Duration
	Logger         *slog.Logger
}

// Status is the result of the agent.status method.
type Status struct {
	AgentID   int64    `json:"agent_id"`
	Name      string   `json:"name"`
	Running   []string `json:"running"`
	Completed int      `json:"completed"`
	Failed    int      `json:"failed"`
}

// Worker is one agent process's connection to the dispatcher.
type Worker struct {
	id     int64
	opts   Options
	peer   *rpc.Peer
	logger *slog.Logger

	mu        sync.Mutex
	sock      *transport.Socket
	running   map[string]struct{}
	completed int
	failed    int

	tasks sync.WaitGroup
}

// New creates a worker for agentID.
func New(agentID int64, opts Options) *Worker {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		id:      agentID,
		opts:    opts,
		logger:  logger.With("component", "worker", "agent_id", agentID),
		running: make(map[string]struct{}),
	}
	w.peer = rpc.NewPeer(rpc.Address{AgentID: agentID}, rpc.SenderFunc(w.sendEnvelope), rpc.PeerOptions{Logger: logger})
	w.peer.On(StatusMethod, func(context.Context, *rpc.Request) (any, error) {
		return w.Status(), nil
	})
	return w
}

// Peer returns the worker's RPC endpoint for registering methods and querying
// other agents.
func (w *Worker) Peer() *rpc.Peer {
	return w.peer
}

// Status reports what the worker is doing.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	running := make([]string, 0, len(w.running))
	for id := range w.running {
		running = append(running, id)
	}
	return Status{AgentID: w.id, Name: w.opts.Name, Running: running, Completed: w.completed, Failed: w.failed}
}

// Run connects and serves until ctx is cancelled, reconnecting after each
// disconnect. It waits for in-flight tasks before returning.
func (w *Worker) Run(ctx context.Context) error {
	defer w.tasks.Wait()

	for {
		err := w.serve(ctx)
		if ctx.Err() != nil {
			return nil
		}
		w.logger.Warn("disconnected from dispatcher", "error", err, "retry_in", w.opts.ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.opts.ReconnectDelay):
		}
	}
}

func (w *Worker) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(w.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing dispatcher url: %w", err)
	}
	q := u.Query()
	q.Set("token", w.opts.Token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dispatcher rejected token: %w", err)
		}
		return nil, fmt.Errorf("dialing dispatcher: %w", err)
	}
	return conn, nil
}

// serve runs one connection until it fails.
func (w *Worker) serve(ctx context.Context) error {
	conn, err := w.dial(ctx)
	if err != nil {
		return err
	}
	sock := transport.NewSocket(conn, writeTimeout)

	w.mu.Lock()
	w.sock = sock
	w.mu.Unlock()
	w.logger.Info("connected to dispatcher", "url", w.opts.URL)

	stop := context.AfterFunc(ctx, func() { _ = sock.Close() })
	defer func() {
		stop()
		w.mu.Lock()
		if w.sock == sock {
			w.sock = nil
		}
		w.mu.Unlock()
		_ = sock.Close()
		w.peer.Close(rpc.Errorf(rpc.CodeAgentOffline, "connection to dispatcher lost"))
	}()

	for {
		data, err := sock.Read()
		if err != nil {
			return fmt.Errorf("reading frame: %w", err)
		}

		frame, err := transport.DecodeFrame(data)
		if err != nil {
			w.logger.Warn("dropping frame", "error", err)
			continue
		}

		switch frame.Type {
		case transport.FramePing:
			if err := sock.Send(transport.ControlFrame{Type: transport.FramePong}); err != nil {
				return fmt.Errorf("sending pong: %w", err)
			}
		case transport.FramePong:
		case transport.FrameTask:
			w.startTask(ctx, frame.Task)
		case transport.FrameRequest, transport.FrameResponse, transport.FrameEvent:
			w.peer.Handle(ctx, frame.Envelope)
		default:
			w.logger.Warn("dropping unexpected frame", "type", frame.Type)
		}
	}
}

func (w *Worker) startTask(ctx context.Context, task *transport.TaskFrame) {
	w.mu.Lock()
	if _, dup := w.running[task.ID]; dup {
		w.mu.Unlock()
		w.logger.Warn("task already running", "task_id", task.ID)
		return
	}
	w.running[task.ID] = struct{}{}
	w.mu.Unlock()

	w.tasks.Add(1)
	go func() {
		defer w.tasks.Done()
		w.execute(ctx, task)
	}()
}

func (w *Worker) execute(ctx context.Context, task *transport.TaskFrame) {
	logger := w.logger.With("task_id", task.ID)
	logger.Info("task received", "priority", task.Priority)

	w.report(task.ID, transport.ResultProcessing, "", 0)

	start := time.Now()
	var (
		res executor.Result
		err error
	)
	if w.opts.Runner == nil {
		err = errors.New("no executor configured")
	} else {
		res, err = w.opts.Runner.Run(ctx, executor.BuildPrompt(task.Prompt, task.Context))
	}
	elapsed := time.Since(start)

	status, output := transport.ResultCompleted, res.Output
	switch {
	case err != nil:
		status, output = transport.ResultFailed, err.Error()
	case res.Failed():
		status, output = transport.ResultFailed, res.FailureMessage()
	}

	w.mu.Lock()
	delete(w.running, task.ID)
	if status == transport.ResultCompleted {
		w.completed++
	} else {
		w.failed++
	}
	w.mu.Unlock()

	w.report(task.ID, status, output, elapsed)
	logger.Info("task finished", "status", status, "duration", elapsed)
}

func (w *Worker) report(taskID, status, output string, elapsed time.Duration) {
	err := w.send(transport.ResultFrame{
		Type:       transport.FrameResult,
		TaskID:     taskID,
		Status:     status,
		Output:     output,
		DurationMs: elapsed.Milliseconds(),
	})
	if err != nil {
		w.logger.Warn("failed to report result", "task_id", taskID, "status", status, "error", err)
	}
}

func (w *Worker) send(v any) error {
	w.mu.Lock()
	sock := w.sock
	w.mu.Unlock()
	if sock == nil {
		return ErrNotConnected
	}
	return sock.Send(v)
}

func (w *Worker) sendEnvelope(_ context.Context, env *rpc.Envelope) error {
	if err := w.send(env); err != nil {
		if errors.Is(err, ErrNotConnected) {
			return rpc.Errorf(rpc.CodeAgentOffline, "%v", err)
		}
		return err
	}
	return nil
}
