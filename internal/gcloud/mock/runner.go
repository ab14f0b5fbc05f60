// Package mock provides a scriptable gcloud.Runner for tests.
package mock

import (
	"context"
	"sync"

	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
)

// HandlerFunc answers one command.
type HandlerFunc func(ctx context.Context, cmd gcloud.Command) (gcloud.Result, error)

// MockRunner routes commands to per-Op handlers and records every call.
// Ops without a handler succeed with empty output.
type MockRunner struct {
	mu       sync.Mutex
	handlers map[gcloud.Op]HandlerFunc
	calls    []gcloud.Command
}

// NewMockRunner returns an empty MockRunner.
func NewMockRunner() *MockRunner {
	return &MockRunner{handlers: make(map[gcloud.Op]HandlerFunc)}
}

// On installs h for op, replacing any previous handler.
func (m *MockRunner) On(op gcloud.Op, h HandlerFunc) *MockRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[op] = h
	return m
}

// Reply installs a handler that always returns stdout.
func (m *MockRunner) Reply(op gcloud.Op, stdout string) *MockRunner {
	return m.On(op, func(context.Context, gcloud.Command) (gcloud.Result, error) {
		return gcloud.Result{Stdout: stdout}, nil
	})
}

// Fail installs a handler that returns a CommandError of the given kind.
func (m *MockRunner) Fail(op gcloud.Op, kind gcloud.Kind, stderr string) *MockRunner {
	return m.On(op, func(context.Context, gcloud.Command) (gcloud.Result, error) {
		return gcloud.Result{Stderr: stderr, ExitCode: 1}, &gcloud.CommandError{
			Op: op, Kind: kind, ExitCode: 1, Stderr: stderr,
		}
	})
}

// Block installs a handler that waits for ctx to end.
func (m *MockRunner) Block(op gcloud.Op) *MockRunner {
	return m.On(op, func(ctx context.Context, _ gcloud.Command) (gcloud.Result, error) {
		<-ctx.Done()
		return gcloud.Result{}, &gcloud.CommandError{Op: op, Kind: gcloud.KindCanceled, Err: ctx.Err()}
	})
}

func (m *MockRunner) Run(ctx context.Context, cmd gcloud.Command) (gcloud.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, cmd)
	h := m.handlers[cmd.Op]
	m.mu.Unlock()

	if h == nil {
		return gcloud.Result{}, nil
	}
	return h(ctx, cmd)
}

// Calls returns a copy of the recorded commands.
func (m *MockRunner) Calls() []gcloud.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gcloud.Command(nil), m.calls...)
}

// Count returns how many commands with op were run.
func (m *MockRunner) Count(op gcloud.Op) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op {
			n++
		}
	}
	return n
}

// Compile-time check that MockRunner implements Runner.
var _ gcloud.Runner = (*MockRunner)(nil)
