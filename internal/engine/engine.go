package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Result is the parsed outcome of one engine run. Raw holds the engine's
// stdout JSON untouched; the other fields are best-effort probes of the
// optional keys and may be empty.
type Result struct {
	Raw                 json.RawMessage
	ReconstructedBase64 string
	Analysis            json.RawMessage
}

// HasReconstruction reports whether the engine returned an image.
func (r *Result) HasReconstruction() bool {
	return r != nil && r.ReconstructedBase64 != ""
}

// Runner invokes the analysis engine against an image on disk.
type Runner interface {
	Analyze(ctx context.Context, imagePath string) (*Result, error)
}

// ExitError reports a non-zero engine exit; Stderr carries the full
// diagnostic stream.
type ExitError struct {
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("analysis engine exited with code %d", e.ExitCode)
}

// OutputError reports a zero-exit run whose stdout was not valid JSON.
// Stdout carries the raw output for diagnosis.
type OutputError struct {
	Stdout string
}

func (e *OutputError) Error() string {
	return "analysis engine produced invalid JSON output"
}

// TimeoutError reports an engine run aborted by the orchestrator's
// wall-clock bound.
type TimeoutError struct {
	Timeout time.Duration
	Stderr  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("analysis engine timed out after %s", e.Timeout)
}
