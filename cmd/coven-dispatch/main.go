// ABOUTME: Entry point for coven-dispatch, the mission orchestrator and message bus node
// ABOUTME: Subcommands: serve, token, hash-key, health, agents

package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/coven-dispatch/internal/auth"
	"github.com/2389/coven-dispatch/internal/config"
	"github.com/2389/coven-dispatch/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                     _ _                 _       _
  ___ _____   _____ _ __         __| (_)___ _ __   __ _| |_ ___| |__
 / __/ _ \ \ / / _ \ '_ \ _____ / _' | / __| '_ \ / _' | __/ __| '_ \
| (_| (_) \ V /  __/ | | |_____| (_| | \__ \ |_) | (_| | || (__| | | |
 \___\___/ \_/ \___|_| |_|      \__,_|_|___/ .__/ \__,_|\__\___|_| |_|
                                           |_|
`

// getConfigPath returns the path to the dispatcher config file.
// Priority: --config flag > COVEN_DISPATCH_CONFIG env var > XDG_CONFIG_HOME/coven/dispatch.yaml > ~/.config/coven/dispatch.yaml
func getConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if envPath := os.Getenv("COVEN_DISPATCH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "dispatch.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, "coven", "dispatch.yaml")
}

func main() {
	// A missing .env is fine; anything else is worth reporting.
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

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "coven-dispatch",
		Short:         "Mission orchestrator and cross-node message bus",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML or .toml)")

	root.AddCommand(
		newServeCmd(&configPath),
		newTokenCmd(&configPath),
		newHashKeyCmd(),
		newHealthCmd(&configPath),
		newAgentsCmd(&configPath),
	)
	return root
}

func loadConfig(flagPath string) (*config.Config, string, error) {
	path := getConfigPath(flagPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config: %w", err)
	}
	return cfg, path, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the dispatcher server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *configPath)
		},
	}
}

func runServe(ctx context.Context, flagPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig(flagPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Node.ID != "" {
		green.Print("    ▶ ")
		fmt.Printf("Node:      %s (%d peers)\n", cfg.Node.ID, len(cfg.Node.Peers))
	}
	if cfg.Executor.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Executor:  %s\n", cfg.Executor.Command)
	} else {
		yellow.Print("    ▶ ")
		fmt.Println("Executor:  disabled (agents only)")
	}
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting coven-dispatch",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"node_id", cfg.Node.ID,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		agentID int64
		name    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an agent token signed with the configured secret",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if agentID <= 0 {
				return auth.ErrInvalidAgentID
			}
			cfg, _, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
			token, err := verifier.Generate(agentID, name, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().Int64Var(&agentID, "agent-id", 0, "numeric agent id (required)")
	cmd.Flags().StringVar(&name, "name", "", "agent display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.token_ttl)")
	_ = cmd.MarkFlagRequired("agent-id")
	return cmd
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <issue-key>",
		Short: "Print the bcrypt hash to configure as auth.issue_key_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashIssueKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newHealthCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check dispatcher health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, status, err := getLocal(cmd.Context(), *configPath, "/health")
			if err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			if status != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", status)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy", string(body))
			return nil
		},
	}
}

func newAgentsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List connected agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, _, err := getLocal(cmd.Context(), *configPath, "/api/agents")
			if err != nil {
				return fmt.Errorf("agents check failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(body))
			return nil
		},
	}
}

// getLocal issues a GET against the configured HTTP address.
func getLocal(ctx context.Context, flagPath, path string) ([]byte, int, error) {
	cfg, _, err := loadConfig(flagPath)
	if err != nil {
		return nil, 0, err
	}

	url := fmt.Sprintf("http://%s%s", cfg.Server.HTTPAddr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("reading response: %w", err)
	}
	return body, resp.StatusCode, nil
}
