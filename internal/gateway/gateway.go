// ABOUTME: Gateway wires the store, mission queue, scheduler, agent hub, and message bus
// ABOUTME: Owns the HTTP server lifecycle over TCP or a tailscale tsnet node

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/coven-dispatch/internal/agent"
	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/bus"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/dedupe"
	"github.com/2389/coven-dispatch/internal/executor"
	"github.com/2389/coven-dispatch/internal/metrics"
	"github.com/2389/coven-dispatch/internal/mission"
	"github.com/2389/coven-dispatch/internal/rpc"
	"github.com/2389/coven-dispatch/internal/store"
	"github.com/2389/coven-dispatch/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Gateway is one coven-dispatch process: the orchestrator for its agents and
// a node on the message bus.
type Gateway struct {
	config  *config.Config
	store   *store.SQLiteStore
	metrics *metrics.Metrics

	events    *mission.EventBroadcaster
	queue     *mission.Queue
	scheduler *mission.Scheduler
	runner    executor.Runner

	registry *agent.Registry
	hub      *transport.Hub
	peer     *rpc.Peer
	tokens   *auth.JWTVerifier

	// bus is nil when node.id is not configured.
	bus *bus.Service

	httpServer  *http.Server
	tsnetServer *tsnet.Server

	closeOnce sync.Once
	logger    *slog.Logger
}

// initStore opens the SQLite store. COVEN_DB_PATH overrides the configured path.
func initStore(cfg *config.Config, logger *slog.Logger) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("COVEN_DB_PATH"); envPath != "" {
		logger.Info("using database path from environment", "path", envPath)
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("creating store: %w", err)
	}
	return s, nil
}

// New creates a gateway from cfg. Nothing listens until Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	issueKey, err := auth.NewIssueKey(cfg.Auth.IssueKeyHash)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	m := metrics.New("coven_dispatch")
	events := mission.NewEventBroadcaster(logger)
	queue := mission.NewQueue(s, events, mission.Options{
		DefaultTimeout:    cfg.Missions.DefaultTimeout,
		DefaultMaxRetries: cfg.Missions.DefaultMaxRetries,
		Metrics:           m,
		Logger:            logger,
	})

	tokens := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	registry := agent.NewRegistry(logger, m)
	hub := transport.NewHub(registry, tokens, transport.HubOptions{
		HeartbeatInterval: cfg.Agents.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Agents.HeartbeatTimeout,
		Metrics:           m,
		Logger:            logger,
	})

	var runner executor.Runner
	if cfg.Executor.Enabled {
		runner = executor.NewExecRunner(cfg.Executor.Command, cfg.Executor.Args, cfg.Executor.Workdir, logger)
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		metrics:  m,
		events:   events,
		queue:    queue,
		runner:   runner,
		registry: registry,
		hub:      hub,
		tokens:   tokens,
		logger:   logger.With("component", "gateway"),
	}

	gw.scheduler = mission.NewScheduler(queue, hub, mission.SchedulerOptions{
		TickInterval: cfg.Missions.TickInterval,
		Runner:       runner,
		Metrics:      m,
		Logger:       logger,
	})

	gw.peer = rpc.NewPeer(rpc.Address{AgentID: mission.OrchestratorID, NodeID: cfg.Node.ID}, hub, rpc.PeerOptions{
		Metrics: m,
		Logger:  logger,
	})
	gw.registerOrchestratorMethods()
	hub.SetLocalHandler(gw.peer)
	hub.SetResultHandler(gw.handleResult)

	if cfg.Node.ID != "" {
		gw.bus = bus.NewService(s, bus.Options{
			NodeID:       cfg.Node.ID,
			MaxRetries:   cfg.Bus.MaxRetries,
			UnreadWindow: cfg.Bus.UnreadWindow,
			Dedupe:       dedupe.New(dedupe.DefaultTTL, dedupe.DefaultMaxSize),
			Metrics:      m,
			Logger:       logger,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", gw.handleHealth)
	mux.HandleFunc("/health/ready", gw.handleReady)
	mux.Handle("/ws", hub.Handler())
	mux.Handle("/api/tokens", auth.TokenHandler(tokens, issueKey, logger))
	gw.registerAPIRoutes(mux)
	if gw.bus != nil {
		gw.bus.Register(mux)
	}
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, m.Handler())
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Queue returns the mission queue.
func (g *Gateway) Queue() *mission.Queue {
	return g.queue
}

// Hub returns the agent transport hub.
func (g *Gateway) Hub() *transport.Hub {
	return g.hub
}

// Bus returns the message bus service, or nil when node.id is unset.
func (g *Gateway) Bus() *bus.Service {
	return g.bus
}

// Handler returns the gateway's HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}

// setupTCPListener binds the configured HTTP address.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener returns the HTTP listener, on the tailnet when tailscale is enabled.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if !g.config.Tailscale.Enabled {
		return g.setupTCPListener()
	}
	if g.config.Server.HTTPAddr != "" {
		g.logger.Warn("tailscale enabled, ignoring server.http_addr", "http_addr", g.config.Server.HTTPAddr)
	}
	return g.setupTailscaleListener(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "coven-dispatch", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and listens on its port 80.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// newRelay builds the bus relay for the configured peers. Peer traffic goes
// over the tailnet when this node is on one. It returns nil without peers.
func (g *Gateway) newRelay() *bus.Relay {
	if g.bus == nil || len(g.config.Node.Peers) == 0 {
		return nil
	}
	peers := make([]bus.Peer, 0, len(g.config.Node.Peers))
	for _, p := range g.config.Node.Peers {
		peers = append(peers, bus.Peer{ID: p.ID, URL: p.URL})
	}
	opts := bus.RelayOptions{
		Interval: g.config.Bus.RelayInterval,
		Metrics:  g.metrics,
		Logger:   g.logger,
	}
	if g.tsnetServer != nil {
		opts.Client = g.tsnetServer.HTTPClient()
	}
	return bus.NewRelay(g.store, g.config.Node.ID, peers, opts)
}

// Run serves HTTP and runs the scheduler, the bus relay, and the mission event
// fan-out until ctx is cancelled or one of them fails. Resources are released
// before Run returns.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		return g.scheduler.Run(egCtx)
	})
	if relay := g.newRelay(); relay != nil {
		eg.Go(func() error {
			return relay.Run(egCtx)
		})
	}
	eg.Go(func() error {
		g.forwardMissionEvents(egCtx)
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.stopHTTP(shutdownCtx)
	})

	serverErr := eg.Wait()
	closeErr := g.closeResources()
	if serverErr != nil {
		g.logger.Error("server error", "error", serverErr)
		return serverErr
	}
	return closeErr
}

// stopHTTP stops accepting requests and closes every agent socket, which the
// HTTP server does not track once upgraded.
func (g *Gateway) stopHTTP(ctx context.Context) error {
	err := g.httpServer.Shutdown(ctx)
	for _, conn := range g.registry.Connections() {
		g.registry.Drop(conn, "shutting down")
	}
	if err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// closeResources releases everything except the HTTP server. It runs once.
func (g *Gateway) closeResources() error {
	var errs []error
	g.closeOnce.Do(func() {
		g.peer.Close(rpc.Errorf(rpc.CodeCancelled, "dispatcher shutting down"))
		g.events.Close()
		if g.tsnetServer != nil {
			errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
		}
		errs = appendCloseError(errs, "store close", g.store.Close())
	})
	return errors.Join(errs...)
}

// Shutdown stops the HTTP server and releases all resources. It is safe to
// call after Run has returned.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.stopHTTP(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := g.closeResources(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK when missions can be executed: at least one
// agent is connected or the local executor is enabled.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Count()
	switch {
	case n > 0:
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
	case g.runner != nil:
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready (local executor)"))
	default:
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
	}
}
