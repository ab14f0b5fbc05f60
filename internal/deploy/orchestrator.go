// Package deploy runs the deployment job state machine: it launches the
// provisioning script, watches the new VM until the agent reports in, and
// resolves ambiguous outcomes by timeout.
package deploy

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/agentdeploy/internal/cache"
	"github.com/kiranshivaraju/agentdeploy/internal/clock"
	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
	"github.com/kiranshivaraju/agentdeploy/internal/metrics"
	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
	"github.com/oklog/ulid/v2"
)

const (
	maxErrorBytes  = 4000
	maxOutputBytes = 16 << 10
)

// Options configures an Orchestrator. Zero fields take defaults.
type Options struct {
	Policy Policy
	Clock  clock.Clock
	// Leaser, when set, keeps pollers for one job exclusive across replicas.
	Leaser cache.Leaser
	Logger *slog.Logger
}

// Orchestrator owns every background task of every deployment job.
type Orchestrator struct {
	store  store.DeploymentStore
	runner gcloud.Runner
	cmds   gcloud.Commands
	clock  clock.Clock
	leaser cache.Leaser
	policy Policy
	logger *slog.Logger

	tasks *registry

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup

	// onTick is called after every poller tick. Tests use it to step the
	// fake clock in lockstep with the poller.
	onTick func(jobID, outcome string)
}

// New creates an Orchestrator. Call Shutdown to stop its background work.
func New(st store.DeploymentStore, runner gcloud.Runner, cmds gcloud.Commands, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:  st,
		runner: runner,
		cmds:   cmds,
		clock:  opts.Clock,
		leaser: opts.Leaser,
		policy: opts.Policy.withDefaults(),
		logger: opts.Logger.With("component", "deploy"),
		tasks:  newRegistry(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Policy returns the effective policy.
func (o *Orchestrator) Policy() Policy { return o.policy }

// CreateDeployment records a pending job and starts the launch sequence in
// the background. It returns as soon as the record is written.
func (o *Orchestrator) CreateDeployment(ctx context.Context, req models.DeploymentRequest) (*models.Deployment, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	now := o.clock.Now().UTC()
	id, err := newJobID(now)
	if err != nil {
		return nil, fmt.Errorf("allocating job id: %w", err)
	}

	d := &models.Deployment{
		JobID:         id,
		Status:        models.DeploymentPending,
		Message:       msgQueued,
		AgentName:     req.AgentName,
		Description:   req.Description,
		SocialLink:    req.SocialLink,
		WalletAddress: req.WalletAddress,
		MemoryID:      req.MemoryID,
		StartTime:     now,
		UpdatedAt:     now,
	}

	if !o.track() {
		return nil, ErrShuttingDown
	}
	if err := o.store.CreateDeployment(ctx, d); err != nil {
		o.wg.Done()
		return nil, fmt.Errorf("creating deployment: %w", err)
	}
	metrics.IncDeploymentCreated()
	o.logger.Info("deployment accepted", "job_id", id, "agent", req.AgentName)

	go func() {
		defer o.wg.Done()
		o.launch(id, now, req)
	}()

	return d, nil
}

// GetStatus returns the current record of a job.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID string) (*models.Deployment, error) {
	d, err := o.store.GetDeployment(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("getting deployment: %w", err)
	}
	return d, nil
}

// ListDeployments returns job summaries, newest first.
func (o *Orchestrator) ListDeployments(ctx context.Context) ([]models.DeploymentSummary, error) {
	ds, err := o.store.ListDeployments(ctx, store.DeploymentFilter{})
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	out := make([]models.DeploymentSummary, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Summary())
	}
	return out, nil
}

// ActiveTasks returns the number of armed pollers and fallback timers.
func (o *Orchestrator) ActiveTasks() int { return o.tasks.len() }

// Shutdown cancels every poller, fallback timer and in-flight launch, then
// waits for them to exit or for ctx to end. Job records are left as they
// are. Calling Shutdown more than once is safe.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.tasks.cancelAll()
	metrics.SetActiveTasks(0)

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.logger.Info("orchestrator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for deployment tasks: %w", ctx.Err())
	}
}

// track registers one unit of background work, or reports false once
// Shutdown has begun.
func (o *Orchestrator) track() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.wg.Add(1)
	return true
}

func validateRequest(req models.DeploymentRequest) error {
	fields := []struct {
		name  string
		value string
	}{
		{"telegram", req.TelegramToken},
		{"agentName", req.AgentName},
		{"description", req.Description},
		{"socialLink", req.SocialLink},
		{"walletAddress", req.WalletAddress},
		{"memoryId", req.MemoryID},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return &ValidationError{Field: f.name, Reason: "is required"}
		}
		if strings.ContainsRune(f.value, 0) {
			return &ValidationError{Field: f.name, Reason: "contains a NUL byte"}
		}
	}
	return nil
}

// newJobID returns a ULID: sortable by creation time with 80 random bits.
func newJobID(t time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(t), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// truncateString truncates s to at most maxBytes bytes, ensuring the result
// is valid UTF-8 by not splitting multi-byte characters.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

// tailString keeps the last maxBytes bytes of s on a rune boundary.
func tailString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	start := len(s) - maxBytes
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
