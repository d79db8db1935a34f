// ABOUTME: Entry point for coven-agent, a worker that executes missions for coven-dispatch
// ABOUTME: Connects over WebSocket with a bearer token and runs each task through a local tool

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/coven-dispatch/internal/executor"
	"github.com/2389/coven-dispatch/internal/worker"
)

var version = "dev"

type options struct {
	url      string
	token    string
	agentID  int64
	name     string
	command  string
	args     []string
	workdir  string
	logLevel string
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: loading .env: %v\n", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// envDefault returns the named environment variable or def.
func envDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:           "coven-agent",
		Short:         "Execute coven-dispatch missions on this machine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(*cobra.Command, []string) error {
			return opts.resolve()
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.url, "url", envDefault("COVEN_DISPATCH_URL", "ws://localhost:8080/ws"), "dispatcher WebSocket URL")
	f.StringVar(&opts.token, "token", os.Getenv("COVEN_AGENT_TOKEN"), "agent bearer token")
	f.Int64Var(&opts.agentID, "id", 0, "agent id (defaults to COVEN_AGENT_ID)")
	f.StringVar(&opts.name, "name", envDefault("COVEN_AGENT_NAME", hostname()), "agent display name")
	f.StringVar(&opts.command, "command", executor.DefaultCommand, "tool to run for each mission")
	f.StringSliceVar(&opts.args, "arg", nil, "argument passed to the tool before the prompt (repeatable)")
	f.StringVar(&opts.workdir, "workdir", "", "working directory for the tool")
	f.StringVar(&opts.logLevel, "log-level", "info", "debug, info, warn, or error")
	return cmd
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "coven-agent"
	}
	return h
}

// resolve fills values that may come from the environment and validates the rest.
func (o *options) resolve() error {
	if o.agentID == 0 {
		if raw := os.Getenv("COVEN_AGENT_ID"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("parsing COVEN_AGENT_ID: %w", err)
			}
			o.agentID = id
		}
	}
	if o.agentID <= 0 {
		return errors.New("agent id is required (--id or COVEN_AGENT_ID)")
	}
	if o.token == "" {
		return errors.New("token is required (--token or COVEN_AGENT_TOKEN)")
	}
	return nil
}

func run(ctx context.Context, opts options) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.logLevel)); err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	green := color.New(color.FgGreen)
	green.Print("▶ ")
	fmt.Printf("coven-agent %s: agent %d (%s) -> %s\n", version, opts.agentID, opts.name, opts.url)

	w := worker.New(opts.agentID, worker.Options{
		URL:    opts.url,
		Token:  opts.token,
		Name:   opts.name,
		Runner: executor.NewExecRunner(opts.command, opts.args, opts.workdir, logger),
		Logger: logger,
	})
	return w.Run(ctx)
}
