// ABOUTME: Subprocess runner for the text-generation tool
// ABOUTME: Captures stdout, stderr, and exit code; the prompt is passed as the last argument

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Default tool invocation.
const (
	DefaultCommand = "claude"

	// waitDelay bounds how long Run waits for output pipes after the process is killed.
	waitDelay = 5 * time.Second
)

// DefaultArgs precede the prompt when no args are configured.
var DefaultArgs = []string{"-p"}

// Result is the outcome of one tool invocation.
type Result struct {
	Output   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Failed reports whether the tool exited non-zero.
func (r Result) Failed() bool {
	return r.ExitCode != 0
}

// FailureMessage describes a failed invocation for a mission's error payload.
func (r Result) FailureMessage() string {
	msg := strings.TrimSpace(r.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(r.Output)
	}
	if msg == "" {
		return fmt.Sprintf("exit status %d", r.ExitCode)
	}
	return fmt.Sprintf("exit status %d: %s", r.ExitCode, msg)
}

// Runner executes a prompt and returns the tool's output.
type Runner interface {
	Run(ctx context.Context, prompt string) (Result, error)
}

// ExecRunner implements Runner using os/exec.
type ExecRunner struct {
	command string
	args    []string
	workdir string
	logger  *slog.Logger
}

// NewExecRunner creates a runner for command. Empty command and nil args take
// the defaults.
func NewExecRunner(command string, args []string, workdir string, logger *slog.Logger) *ExecRunner {
	if command == "" {
		command = DefaultCommand
	}
	if args == nil {
		args = DefaultArgs
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		command: command,
		args:    append([]string(nil), args...),
		workdir: workdir,
		logger:  logger.With("component", "executor"),
	}
}

// Run starts the tool with prompt as its final argument and waits for it to
// exit. An error is returned only when the process could not be run or ctx
// ended first; a non-zero exit is reported through Result.ExitCode.
func (r *ExecRunner) Run(ctx context.Context, prompt string) (Result, error) {
	args := append(append([]string(nil), r.args...), prompt)
	cmd := exec.CommandContext(ctx, r.command, args...)
	cmd.Dir = r.workdir
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := Result{
		Output:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("running %s: %w", r.command, ctxErr)
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return res, fmt.Errorf("running %s: %w", r.command, err)
	}

	r.logger.Debug("tool finished",
		"command", r.command,
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"output_bytes", len(res.Output))
	return res, nil
}

// BuildPrompt appends optional mission context to the prompt.
func BuildPrompt(prompt, missionContext string) string {
	missionContext = strings.TrimSpace(missionContext)
	if missionContext == "" {
		return prompt
	}
	return prompt + "\n\nContext:\n" + missionContext
}
