package deploy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/agentdeploy/internal/clock"
	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
	"github.com/kiranshivaraju/agentdeploy/internal/gcloud/mock"
	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first n UpdateDeployment calls.
type flakyStore struct {
	*store.MemoryStore
	failures atomic.Int32
}

func (s *flakyStore) UpdateDeployment(ctx context.Context, jobID string, opts ...store.UpdateOption) (*models.Deployment, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, errors.New("connection reset by peer")
	}
	return s.MemoryStore.UpdateDeployment(ctx, jobID, opts...)
}

func newTestOrchestrator(t *testing.T, st store.DeploymentStore, runner gcloud.Runner, script string) *Orchestrator {
	t.Helper()
	o := New(st, runner, gcloud.Commands{
		Binary:       "gcloud",
		LaunchScript: script,
		Zone:         "us-central1-f",
	}, Options{Clock: clock.NewFake(epoch), Logger: slog.New(slog.DiscardHandler)})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, o.Shutdown(ctx))
	})
	return o
}

func waitForRecord(t *testing.T, st store.DeploymentStore, jobID string, cond func(*models.Deployment) bool) *models.Deployment {
	t.Helper()
	var last *models.Deployment
	require.Eventually(t, func() bool {
		d, err := st.GetDeployment(context.Background(), jobID)
		if err != nil {
			return false
		}
		last = d
		return cond(d)
	}, 5*time.Second, 10*time.Millisecond)
	return last
}

func TestLaunch_OutlivesCommandTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	script := filepath.Join(t.TempDir(), "deploy.sh")
	require.NoError(t, os.WriteFile(script,
		[]byte("#!/bin/sh\nsleep 0.5\necho \"instance eliza-agent-42 created\"\n"), 0o755))

	st := store.NewMemoryStore()
	o := newTestOrchestrator(t, st, gcloud.NewExecRunner(100*time.Millisecond), script)

	d, err := o.CreateDeployment(context.Background(), validRequest())
	require.NoError(t, err)

	got := waitForRecord(t, st, d.JobID, func(d *models.Deployment) bool {
		return d.InstanceName != nil || d.Status == models.DeploymentFailed
	})
	require.Equal(t, models.DeploymentInProgress, got.Status, "error: %v", got.Error)
	assert.Equal(t, "eliza-agent-42", *got.InstanceName)
	assert.Nil(t, got.CompletedTime)
}

func TestLaunch_FailsWhenJobCannotStart(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	st.failures.Store(1)
	runner := mock.NewMockRunner()
	o := newTestOrchestrator(t, st, runner, "./deploy.sh")

	d, err := o.CreateDeployment(context.Background(), validRequest())
	require.NoError(t, err)

	got := waitForRecord(t, st, d.JobID, func(d *models.Deployment) bool {
		return d.Status == models.DeploymentFailed
	})
	require.NotNil(t, got.Error)
	assert.Contains(t, *got.Error, "could not start provisioning")
	assert.NotNil(t, got.CompletedTime)
	assert.Zero(t, runner.Count(gcloud.OpLaunch))
}
