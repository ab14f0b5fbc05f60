package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runContract exercises behavior every Store implementation must share.
func runContract(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("CreateAndGet", func(t *testing.T) { testCreateAndGet(t, newStore(t)) })
	t.Run("GetNotFound", func(t *testing.T) { testGetNotFound(t, newStore(t)) })
	t.Run("DuplicateJobID", func(t *testing.T) { testDuplicateJobID(t, newStore(t)) })
	t.Run("LegalTransitions", func(t *testing.T) { testLegalTransitions(t, newStore(t)) })
	t.Run("IllegalTransitions", func(t *testing.T) { testIllegalTransitions(t, newStore(t)) })
	t.Run("ErrorRequiresFailed", func(t *testing.T) { testErrorRequiresFailed(t, newStore(t)) })
	t.Run("UpdateNotFound", func(t *testing.T) { testUpdateNotFound(t, newStore(t)) })
	t.Run("InstanceNameWriteOnce", func(t *testing.T) { testInstanceNameWriteOnce(t, newStore(t)) })
	t.Run("IfStatusGuard", func(t *testing.T) { testIfStatusGuard(t, newStore(t)) })
	t.Run("PartialUpdatesDoNotClobber", func(t *testing.T) { testPartialUpdates(t, newStore(t)) })
	t.Run("ConcurrentTerminalWrites", func(t *testing.T) { testConcurrentTerminal(t, newStore(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, newStore(t)) })
	t.Run("APIKeys", func(t *testing.T) { testAPIKeys(t, newStore(t)) })
}

func newDeployment(id string, start time.Time) *models.Deployment {
	return &models.Deployment{
		JobID:     id,
		Status:    models.DeploymentPending,
		Message:   "deployment queued",
		AgentName: "bob",
		StartTime: start.UTC().Truncate(time.Microsecond),
		UpdatedAt: start.UTC().Truncate(time.Microsecond),
	}
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	d := newDeployment("job-1", time.Now())
	d.Description = "a helpful agent"
	require.NoError(t, s.CreateDeployment(ctx, d))

	got, err := s.GetDeployment(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentPending, got.Status)
	assert.Equal(t, "a helpful agent", got.Description)
	assert.True(t, d.StartTime.Equal(got.StartTime))
	assert.Nil(t, got.InstanceName)
	assert.Nil(t, got.CompletedTime)
}

func testGetNotFound(t *testing.T, s store.Store) {
	_, err := s.GetDeployment(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testDuplicateJobID(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDeployment(ctx, newDeployment("dup", time.Now())))
	assert.ErrorIs(t, s.CreateDeployment(ctx, newDeployment("dup", time.Now())), store.ErrDuplicateKey)
}

func testLegalTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDeployment(ctx, newDeployment("job-ok", time.Now())))

	d, err := s.UpdateDeployment(ctx, "job-ok",
		store.WithStatus(models.DeploymentInProgress), store.WithMessage("running provisioning script"))
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentInProgress, d.Status)
	assert.Nil(t, d.CompletedTime)

	d, err = s.UpdateDeployment(ctx, "job-ok",
		store.WithStatus(models.DeploymentCompleted), store.WithMessage("agent is running"))
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentCompleted, d.Status)
	assert.Equal(t, "agent is running", d.Message)
	require.NotNil(t, d.CompletedTime)
	assert.False(t, d.CompletedTime.Before(d.StartTime))

	require.NoError(t, s.CreateDeployment(ctx, newDeployment("job-fail", time.Now())))
	d, err = s.UpdateDeployment(ctx, "job-fail",
		store.WithStatus(models.DeploymentFailed), store.WithError("exit 1"))
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentFailed, d.Status)
	require.NotNil(t, d.Error)
	assert.Equal(t, "exit 1", *d.Error)
	assert.NotNil(t, d.CompletedTime)
}

func testIllegalTransitions(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDeployment(ctx, newDeployment("job-x", time.Now())))

	_, err := s.UpdateDeployment(ctx, "job-x", store.WithStatus(models.DeploymentCompleted))
	assert.ErrorIs(t, err, store.ErrInvalidTransition, "pending cannot complete directly")

	_, err = s.UpdateDeployment(ctx, "job-x", store.WithStatus(models.DeploymentPending))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.UpdateDeployment(ctx, "job-x", store.WithStatus(models.DeploymentInProgress))
	require.NoError(t, err)
	_, err = s.UpdateDeployment(ctx, "job-x", store.WithStatus(models.DeploymentCompleted))
	require.NoError(t, err)

	for _, next := range []models.DeploymentStatus{
		models.DeploymentPending, models.DeploymentInProgress, models.DeploymentFailed, models.DeploymentCompleted,
	} {
		_, err = s.UpdateDeployment(ctx, "job-x", store.WithStatus(next), store.WithMessage("late"))
		assert.ErrorIs(t, err, store.ErrInvalidTransition, "completed -> %s", next)
	}

	got, err := s.GetDeployment(ctx, "job-x")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentCompleted, got.Status)
	assert.NotEqual(t, "late", got.Message, "rejected update must not write any field")
}

func testErrorRequiresFailed(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDeployment(ctx, newDeployment("job-e", time.Now())))

	_, err := s.UpdateDeployment(ctx, "job-e", store.WithError("boom"))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.UpdateDeployment(ctx, "job-e", store.WithStatus(models.DeploymentInProgress), store.WithError("boom"))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.UpdateDeployment(ctx, "job-e", store.WithCompletedTime(time.Now()))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	got, err := s.GetDeployment(ctx, "job-e")
	require.NoError(t, err)
	assert.Equal(t, models.DeploymentPending, got.Status)
	assert.Nil(t, got.Error)
}

func testUpdateNotFound(t *testing.T, s store.Store) {
	_, err := s.UpdateDeployment(context.Background(), "missing", store.WithMessage("x"))
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.UpdateDeployment(context.Background(), "missing", store.WithStatus(models.DeploymentFailed))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testInstanceNameWriteOnce(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDeployment(ctx, newDeployment("job-i", time.Now())))

	d, err := s.UpdateDeployment(ctx, "job-i", store.WithInstanceName("eliza-agent-1"))
	require.NoError(t, err)
	assert.Equal(t, "eliza-agent-1", d.Instance())

	d, err = s.UpdateDeployment(ctx, "job-i", store.WithInstanceName("eliza-agent-2"))
	require.NoError(t, err)
	assert.Equal(t, "eliza-agent-1", d.Instance())
}

func testIfStatusGuard(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDeployment(ctx, newDeployment("job-g", time.Now())))

	_, err := s.UpdateDeployment(ctx, "job-g",
		store.WithPhase(models.PhaseServiceStarting), store.IfStatus(models.DeploymentInProgress))
	assert.ErrorIs(t, err, store.ErrInvalidTransition)

	_, err = s.UpdateDeployment(ctx, "job-g", store.WithStatus(models.DeploymentInProgress))
	require.NoError(t, err)

	d, err := s.UpdateDeployment(ctx, "job-g",
		store.WithPhase(models.PhaseServiceStarting), store.IfStatus(models.DeploymentInProgress))
	require.NoError(t, err)
	assert.Equal(t, models.PhaseServiceStarting, d.Phase)
}

func testPartialUpdates(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDeployment(ctx, newDeployment("job-p", time.Now())))
	_, err := s.UpdateDeployment(ctx, "job-p", store.WithStatus(models.DeploymentInProgress))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = s.UpdateDeployment(ctx, "job-p", store.WithOutput("launch log"))
	}()
	go func() {
		defer wg.Done()
		_, _ = s.UpdateDeployment(ctx, "job-p", store.WithPhase(models.PhaseVMCreation))
	}()
	wg.Wait()

	d, err := s.GetDeployment(ctx, "job-p")
	require.NoError(t, err)
	require.NotNil(t, d.Output)
	assert.Equal(t, "launch log", *d.Output)
	assert.Equal(t, models.PhaseVMCreation, d.Phase)
}

func testConcurrentTerminal(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateDeployment(ctx, newDeployment("job-c", time.Now())))
	_, err := s.UpdateDeployment(ctx, "job-c", store.WithStatus(models.DeploymentInProgress))
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, next := range []models.DeploymentStatus{models.DeploymentCompleted, models.DeploymentFailed} {
		wg.Add(1)
		go func(next models.DeploymentStatus) {
			defer wg.Done()
			if _, err := s.UpdateDeployment(ctx, "job-c", store.WithStatus(next)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(next)
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one terminal write succeeds")
}

func testListFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateDeployment(ctx, newDeployment("a", base)))
	require.NoError(t, s.CreateDeployment(ctx, newDeployment("b", base.Add(time.Hour))))
	require.NoError(t, s.CreateDeployment(ctx, newDeployment("c", base.Add(2*time.Hour))))
	require.NoError(t, s.CreateDeployment(ctx, newDeployment("d", base.Add(3*time.Hour))))

	_, err := s.UpdateDeployment(ctx, "b", store.WithInstanceName("eliza-agent-2"))
	require.NoError(t, err)
	_, err = s.UpdateDeployment(ctx, "c", store.WithStatus(models.DeploymentFailed))
	require.NoError(t, err)
	_, err = s.UpdateDeployment(ctx, "d", store.WithArchivedAt(base))
	require.NoError(t, err)

	all, err := s.ListDeployments(ctx, store.DeploymentFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "b", "a"}, jobIDs(all), "newest first, archived hidden")

	withArchived, err := s.ListDeployments(ctx, store.DeploymentFilter{IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, withArchived, 4)

	withInstance, err := s.ListDeployments(ctx, store.DeploymentFilter{WithInstance: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, jobIDs(withInstance))

	old, err := s.ListDeployments(ctx, store.DeploymentFilter{StartedBefore: base.Add(90 * time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, jobIDs(old))

	pending, err := s.ListDeployments(ctx, store.DeploymentFilter{Statuses: []models.DeploymentStatus{models.DeploymentPending}})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, jobIDs(pending))

	limited, err := s.ListDeployments(ctx, store.DeploymentFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, jobIDs(limited))
}

func testAPIKeys(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	key := &models.APIKey{
		ID:        uuid.New(),
		Name:      "ops",
		KeyHash:   "bcrypt-hash",
		KeyPrefix: "ad_abcd",
		Scopes:    []string{"deploy", "read"},
		CreatedAt: now,
	}
	require.NoError(t, s.CreateAPIKey(ctx, key))

	keys, err := s.GetAPIKeyByPrefix(ctx, "ad_abcd")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, key.ID, keys[0].ID)
	assert.ElementsMatch(t, []string{"deploy", "read"}, keys[0].Scopes)

	require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))
	keys, err = s.ListAPIKeys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID))
	assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID), store.ErrNotFound)

	keys, err = s.GetAPIKeyByPrefix(ctx, "ad_abcd")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func jobIDs(ds []*models.Deployment) []string {
	ids := make([]string, len(ds))
	for i, d := range ds {
		ids[i] = d.JobID
	}
	return ids
}
