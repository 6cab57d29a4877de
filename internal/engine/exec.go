package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

const pipeReleaseDelay = 5 * time.Second

// ExecRunner runs the analysis engine as a child process. The image path is
// appended as the final positional argument; the payload is never written to
// the child's stdin.
type ExecRunner struct {
	command string
	args    []string
	env     []string
	timeout time.Duration
	logger  *zap.Logger
}

// NewExecRunner constructs a subprocess-backed Runner. env is the full,
// enumerated environment the child will see; a zero timeout disables the
// wall-clock bound.
func NewExecRunner(command string, args, env []string, timeout time.Duration, logger *zap.Logger) *ExecRunner {
	return &ExecRunner{
		command: command,
		args:    args,
		env:     env,
		timeout: timeout,
		logger:  logger.Named("engine"),
	}
}

// Analyze spawns one engine process for the image at imagePath, drains both
// output streams completely, and maps the exit status onto the engine
// contract. The child is killed if ctx is canceled or the timeout elapses.
func (r *ExecRunner) Analyze(ctx context.Context, imagePath string) (*Result, error) {
	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := make([]string, 0, len(r.args)+1)
	args = append(args, r.args...)
	args = append(args, imagePath)

	cmd := exec.CommandContext(runCtx, r.command, args...)
	cmd.Env = r.env

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = pipeReleaseDelay

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			r.logger.Warn("engine run timed out",
				zap.String("image_path", imagePath),
				zap.Duration("timeout", r.timeout))
			return nil, &TimeoutError{Timeout: r.timeout, Stderr: stderr.String()}
		}
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("engine run canceled: %w", runCtx.Err())
		}

		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			r.logger.Warn("engine run failed",
				zap.String("image_path", imagePath),
				zap.Int("exit_code", exitErr.ExitCode()),
				zap.Duration("elapsed", elapsed))
			return nil, &ExitError{ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
		}
		return nil, fmt.Errorf("start analysis engine: %w", err)
	}

	raw := bytes.TrimSpace(stdout.Bytes())
	if !json.Valid(raw) {
		r.logger.Warn("engine produced invalid JSON",
			zap.String("image_path", imagePath),
			zap.Int("stdout_bytes", stdout.Len()))
		return nil, &OutputError{Stdout: stdout.String()}
	}

	result := &Result{Raw: json.RawMessage(raw)}
	var fields struct {
		ReconstructedBase64 string          `json:"reconstructed_base64"`
		Analysis            json.RawMessage `json:"analysis"`
	}
	// Optional keys only; non-object payloads stay raw-passthrough.
	if unmarshalErr := json.Unmarshal(raw, &fields); unmarshalErr == nil {
		result.ReconstructedBase64 = fields.ReconstructedBase64
		result.Analysis = fields.Analysis
	}

	r.logger.Info("engine run completed",
		zap.String("image_path", imagePath),
		zap.Duration("elapsed", elapsed),
		zap.Bool("has_reconstruction", result.HasReconstruction()))
	if stderr.Len() > 0 {
		r.logger.Debug("engine stderr on success", zap.String("stderr", stderr.String()))
	}

	return result, nil
}
