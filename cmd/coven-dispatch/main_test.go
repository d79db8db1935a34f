// ABOUTME: Tests for config path resolution, the color log handler, and offline subcommands
// ABOUTME: Executes cobra commands in-process with captured output

package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/coven-dispatch/internal/auth"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_DISPATCH_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "coven", "dispatch.yaml"), getConfigPath(""))

	t.Setenv("COVEN_DISPATCH_CONFIG", "/etc/env.yaml")
	assert.Equal(t, "/etc/env.yaml", getConfigPath(""))
	assert.Equal(t, "/tmp/flag.toml", getConfigPath("/tmp/flag.toml"))
}

func TestColorHandler_ComponentPrefix(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newColorHandler(&buf, slog.LevelInfo)).With("component", "scheduler")

	logger.Info("tick", "count", 3)
	logger.Debug("hidden")

	out := buf.String()
	assert.Contains(t, out, "[scheduler]")
	assert.Contains(t, out, "tick")
	assert.Contains(t, out, "count=")
	assert.NotContains(t, out, "component=")
	assert.NotContains(t, out, "hidden")
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("anything"))
}

func TestHashKeyCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"hash-key", "s3cret"})
	require.NoError(t, cmd.Execute())

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}

func TestTokenCommand(t *testing.T) {
	secret := "token-command-secret-at-least-32-chars!"
	path := filepath.Join(t.TempDir(), "dispatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("auth:\n  jwt_secret: "+secret+"\n"), 0600))

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"token", "--config", path, "--agent-id", "42", "--name", "builder", "--ttl", "1h"})
	require.NoError(t, cmd.Execute())

	claims, err := auth.NewJWTVerifier([]byte(secret), time.Hour).Verify(strings.TrimSpace(out.String()))
	require.NoError(t, err)
	assert.Equal(t, int64(42), claims.AgentID)
	assert.Equal(t, "builder", claims.Name)
}

func TestTokenCommand_RejectsNonPositiveID(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "--agent-id", "0"})
	assert.ErrorIs(t, cmd.Execute(), auth.ErrInvalidAgentID)
}
