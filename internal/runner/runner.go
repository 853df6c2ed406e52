// Package runner invokes builder and reviewer subprocesses and captures
// their output for the verdict parser and the audit trail.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	perrors "github.com/phasedrive/phasedrive/internal/errors"
)

// Request is one subprocess invocation. The prompt is fed on stdin so
// arbitrary content never hits shell quoting.
type Request struct {
	Kind       string // "build" or "review"
	Actor      string // builder or reviewer identity, exported as PHASEDRIVE_ROLE
	Prompt     string
	WorkDir    string
	OutputPath string // combined output is written here as well as returned
	Timeout    time.Duration
}

// Result is the captured outcome of one invocation.
type Result struct {
	Output     string
	ExitCode   int
	TimedOut   bool
	DurationMS int64
	CostUSD    float64
}

// Invoker runs one builder or reviewer task.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (*Result, error)
}

// CommandInvoker shells out to a configured command line, e.g. "claude -p".
type CommandInvoker struct {
	Command string
	logger  zerolog.Logger
}

// NewCommandInvoker creates an invoker for the given command line.
func NewCommandInvoker(command string, logger zerolog.Logger) *CommandInvoker {
	return &CommandInvoker{
		Command: command,
		logger:  logger.With().Str("component", "runner").Logger(),
	}
}

// resultMeta is the optional trailing JSON line some CLIs emit with run
// accounting.
type resultMeta struct {
	TotalCostUSD float64 `json:"total_cost_usd"`
	DurationMS   int64   `json:"duration_ms"`
}

// Invoke runs the command with the prompt on stdin and captures combined
// output. A non-zero exit or timeout comes back as a retryable TaskError
// alongside the partial result.
func (c *CommandInvoker) Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", c.Command)
	cmd.Dir = req.WorkDir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(), "PHASEDRIVE_ROLE="+req.Actor)

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	res := &Result{
		Output:     buf.String(),
		DurationMS: elapsed.Milliseconds(),
		TimedOut:   errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	if meta, ok := parseMeta(res.Output); ok {
		res.CostUSD = meta.TotalCostUSD
		if meta.DurationMS > 0 {
			res.DurationMS = meta.DurationMS
		}
	}

	if req.OutputPath != "" {
		if err := writeOutput(req.OutputPath, res.Output); err != nil {
			return res, err
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
		c.logger.Warn().Str("actor", req.Actor).Int("exit_code", res.ExitCode).
			Bool("timed_out", res.TimedOut).Dur("elapsed", elapsed).
			Msg("task failed")
		return res, &perrors.TaskError{
			Kind:     req.Kind,
			Subject:  req.Actor,
			ExitCode: res.ExitCode,
			TimedOut: res.TimedOut,
			Output:   tail(res.Output, 2048),
			Err:      runErr,
		}
	}

	c.logger.Debug().Str("actor", req.Actor).Dur("elapsed", elapsed).Msg("task completed")
	return res, nil
}

// parseMeta finds the last line that parses as a run accounting record.
func parseMeta(output string) (resultMeta, bool) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var meta resultMeta
		if json.Unmarshal([]byte(line), &meta) == nil && (meta.TotalCostUSD > 0 || meta.DurationMS > 0) {
			return meta, true
		}
	}
	return resultMeta{}, false
}

func writeOutput(path, output string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(output), 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// CheckRunner executes a phase's named shell checks in the working tree.
type CheckRunner struct {
	WorkDir string
	Timeout time.Duration
	logger  zerolog.Logger
}

// NewCheckRunner creates a runner for phase checks.
func NewCheckRunner(workDir string, timeout time.Duration, logger zerolog.Logger) *CheckRunner {
	return &CheckRunner{
		WorkDir: workDir,
		Timeout: timeout,
		logger:  logger.With().Str("component", "checks").Logger(),
	}
}

// Run executes one named check and returns its combined output. A failed
// check is a TaskError naming the check.
func (r *CheckRunner) Run(ctx context.Context, name, command string) (string, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = r.WorkDir
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := buf.String()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		r.logger.Warn().Str("check", name).Int("exit_code", exitCode).Msg("check failed")
		return out, &perrors.TaskError{
			Kind:     "check",
			Subject:  name,
			ExitCode: exitCode,
			TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
			Output:   tail(out, 2048),
			Err:      err,
		}
	}
	r.logger.Debug().Str("check", name).Msg("check passed")
	return out, nil
}
