package gcloud

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/kiranshivaraju/agentdeploy/internal/metrics"
)

// Result is the captured output of a command that exited with status 0.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes Commands. Implementations must honor ctx cancellation.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// ExecRunner runs commands as child processes.
type ExecRunner struct {
	// Timeout bounds each invocation whose ctx carries no deadline. A
	// caller deadline, such as the launch timeout, replaces it. Zero means
	// no extra bound.
	Timeout time.Duration
	// Env is appended to the service environment.
	Env []string
}

// NewExecRunner creates an ExecRunner with the given per-call timeout.
func NewExecRunner(timeout time.Duration) *ExecRunner {
	return &ExecRunner{Timeout: timeout}
}

func (r *ExecRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	if _, ok := ctx.Deadline(); !ok && r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Env = append(append(os.Environ(), "CLOUDSDK_CORE_DISABLE_PROMPTS=1"), r.Env...)
	c.Stdin = nil
	c.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	start := time.Now()
	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	if err == nil {
		metrics.ObserveCommand(string(cmd.Op), "ok", time.Since(start))
		return res, nil
	}

	cerr := &CommandError{
		Op:     cmd.Op,
		Kind:   classify(ctx, res.Stderr),
		Stderr: res.Stderr,
		Err:    err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cerr.ExitCode = exitErr.ExitCode()
		res.ExitCode = cerr.ExitCode
	} else if ctx.Err() == nil {
		cerr.Err = fmt.Errorf("starting %s: %w", cmd.Name, err)
	}
	metrics.ObserveCommand(string(cmd.Op), cerr.Kind.String(), time.Since(start))
	return res, cerr
}
