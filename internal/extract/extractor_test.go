package extract_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/agentdeploy/internal/clock"
	"github.com/kiranshivaraju/agentdeploy/internal/extract"
	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
	"github.com/kiranshivaraju/agentdeploy/internal/gcloud/mock"
	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeCreds struct {
	mu        sync.Mutex
	ensures   int
	resets    int
	ensureErr error
}

func (c *fakeCreds) EnsureConfigured(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ensures++
	return c.ensureErr
}

func (c *fakeCreds) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resets++
}

func (c *fakeCreds) KeyPath() string { return "/home/svc/.ssh/agentdeploy_service_key" }

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	ttls map[string]time.Duration
}

func newMemCache() *memCache {
	return &memCache{data: map[string][]byte{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) Ping(context.Context) error { return nil }

func (c *memCache) IncrWithExpiry(context.Context, string, time.Duration) (int64, error) {
	return 0, errors.New("not implemented")
}

// --- harness ---

const describeRunning = `{"name":"eliza-agent-42","status":"RUNNING"}`

type fixture struct {
	ex     *extract.Extractor
	runner *mock.MockRunner
	creds  *fakeCreds
	store  *store.MemoryStore
	cache  *memCache
}

func newFixture(t *testing.T, withCache bool) *fixture {
	t.Helper()
	f := &fixture{
		runner: mock.NewMockRunner(),
		creds:  &fakeCreds{},
		store:  store.NewMemoryStore(),
	}
	opts := extract.Options{
		Clock:  clock.NewFake(time.Date(2026, 3, 14, 23, 30, 0, 0, time.UTC)),
		Logger: slog.New(slog.DiscardHandler),
	}
	if withCache {
		f.cache = newMemCache()
		opts.Cache = f.cache
	}
	cmds := gcloud.Commands{Binary: "gcloud", Zone: "us-central1-f", SSHUser: "ubuntu"}
	f.ex = extract.New(f.runner, cmds, f.creds, f.store, opts)
	return f
}

func sshCommand(t *testing.T, runner *mock.MockRunner) string {
	t.Helper()
	for _, c := range runner.Calls() {
		if c.Op != gcloud.OpSSH {
			continue
		}
		for _, a := range c.Args {
			if strings.HasPrefix(a, "--command=") {
				return strings.TrimPrefix(a, "--command=")
			}
		}
	}
	t.Fatal("no ssh command was run")
	return ""
}

// --- ExtractTable ---

func TestExtractTable_Success(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Reply(gcloud.OpDescribe, describeRunning)
	f.runner.Reply(gcloud.OpSSH, "id,content\n1,hello\n2,\"a,b\"\n")

	got, err := f.ex.ExtractTable(context.Background(), "eliza-agent-42", "memories")
	require.NoError(t, err)

	assert.Equal(t, "eliza-agent-42", got.InstanceName)
	assert.Equal(t, "memories", got.Table)
	assert.Equal(t, 2, got.Rows)
	assert.Equal(t, "eliza-agent-42_memories_2026-03-14.csv", got.Filename)
	assert.Equal(t, "id,content\n1,hello\n2,\"a,b\"\n", got.Content)
	assert.Equal(t, 1, f.creds.ensures)

	assert.Equal(t,
		`sqlite3 -header -csv '/home/ubuntu/eliza/agent/data/db.sqlite' 'SELECT * FROM "memories";'`,
		sshCommand(t, f.runner))

	calls := f.runner.Calls()
	require.Len(t, calls, 2)
	assert.Contains(t, calls[1].Args, "ubuntu@eliza-agent-42")
	assert.Contains(t, calls[1].Args, "--ssh-key-file=/home/svc/.ssh/agentdeploy_service_key")
}

func TestExtractTable_EmptyTable(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Reply(gcloud.OpDescribe, describeRunning)
	f.runner.Reply(gcloud.OpSSH, "")

	got, err := f.ex.ExtractTable(context.Background(), "eliza-agent-42", "goals")
	require.NoError(t, err)
	assert.Zero(t, got.Rows)
}

func TestExtractTable_RejectsBadNames(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name     string
		instance string
		table    string
		want     error
	}{
		{"sql injection", "eliza-agent-42", "memories; DROP TABLE x", extract.ErrInvalidTable},
		{"quote", "eliza-agent-42", `memories"`, extract.ErrInvalidTable},
		{"leading digit", "eliza-agent-42", "1memories", extract.ErrInvalidTable},
		{"empty table", "eliza-agent-42", "", extract.ErrInvalidTable},
		{"uppercase instance", "Eliza-Agent", "memories", extract.ErrInvalidInstance},
		{"shell in instance", "x;rm -rf /", "memories", extract.ErrInvalidInstance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ex.ExtractTable(context.Background(), tt.instance, tt.table)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, f.runner.Calls())
}

func TestExtractTable_InstanceNotRunning(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*mock.MockRunner)
	}{
		{"terminated", func(r *mock.MockRunner) {
			r.Reply(gcloud.OpDescribe, `{"name":"eliza-agent-42","status":"TERMINATED"}`)
		}},
		{"missing", func(r *mock.MockRunner) {
			r.Fail(gcloud.OpDescribe, gcloud.KindNotFound, "ERROR: The resource 'eliza-agent-42' was not found")
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			tt.setup(f.runner)

			_, err := f.ex.ExtractTable(context.Background(), "eliza-agent-42", "memories")
			assert.ErrorIs(t, err, extract.ErrInstanceNotRunning)
			assert.Zero(t, f.runner.Count(gcloud.OpSSH))
			assert.Zero(t, f.creds.ensures)
		})
	}
}

func TestExtractTable_AuthFailureResetsOnce(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Reply(gcloud.OpDescribe, describeRunning)
	f.runner.Fail(gcloud.OpSSH, gcloud.KindAuth, "Permission denied (publickey).")

	_, err := f.ex.ExtractTable(context.Background(), "eliza-agent-42", "memories")

	assert.ErrorIs(t, err, extract.ErrRetryAfterCredentialReset)
	assert.Equal(t, 1, f.creds.resets)
	assert.Equal(t, 2, f.creds.ensures)
	assert.Equal(t, 1, f.runner.Count(gcloud.OpSSH), "the query is not retried")
}

func TestExtractTable_ReRegistrationFails(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Reply(gcloud.OpDescribe, describeRunning)
	f.runner.On(gcloud.OpSSH, func(context.Context, gcloud.Command) (gcloud.Result, error) {
		f.creds.mu.Lock()
		f.creds.ensureErr = errors.New("config-ssh failed")
		f.creds.mu.Unlock()
		return gcloud.Result{}, &gcloud.CommandError{Op: gcloud.OpSSH, Kind: gcloud.KindAuth}
	})

	_, err := f.ex.ExtractTable(context.Background(), "eliza-agent-42", "memories")
	assert.ErrorIs(t, err, extract.ErrExtractionFailed)
	assert.NotErrorIs(t, err, extract.ErrRetryAfterCredentialReset)
}

func TestExtractTable_CredentialSetupFails(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Reply(gcloud.OpDescribe, describeRunning)
	f.creds.ensureErr = errors.New("disk full")

	_, err := f.ex.ExtractTable(context.Background(), "eliza-agent-42", "memories")
	assert.ErrorIs(t, err, extract.ErrExtractionFailed)
	assert.Zero(t, f.runner.Count(gcloud.OpSSH))
}

func TestExtractTable_RemoteFailure(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Reply(gcloud.OpDescribe, describeRunning)
	f.runner.Fail(gcloud.OpSSH, gcloud.KindFailed, "Error: no such table: memories")

	_, err := f.ex.ExtractTable(context.Background(), "eliza-agent-42", "memories")
	assert.ErrorIs(t, err, extract.ErrExtractionFailed)
	assert.Contains(t, err.Error(), "no such table")
	assert.Zero(t, f.creds.resets)
}

func TestExtractTable_MalformedCSV(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Reply(gcloud.OpDescribe, describeRunning)
	f.runner.Reply(gcloud.OpSSH, "a,b\n1,2,3\n")

	_, err := f.ex.ExtractTable(context.Background(), "eliza-agent-42", "memories")
	assert.ErrorIs(t, err, extract.ErrExtractionFailed)
}

// --- ListTables ---

func TestListTables(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Reply(gcloud.OpDescribe, describeRunning)
	f.runner.Reply(gcloud.OpSSH, "rooms       memories\naccounts    goals\n")

	tables, err := f.ex.ListTables(context.Background(), "eliza-agent-42")
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts", "goals", "memories", "rooms"}, tables)
	assert.Equal(t, `sqlite3 '/home/ubuntu/eliza/agent/data/db.sqlite' .tables`, sshCommand(t, f.runner))
}

// --- inventory ---

const instanceList = `[
  {"name":"eliza-agent-2","status":"RUNNING"},
  {"name":"eliza-agent-1","status":"RUNNING"},
  {"name":"eliza-agent-3","status":"TERMINATED"}
]`

func TestListRunningInstances(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Reply(gcloud.OpListInstances, instanceList)

	names, err := f.ex.ListRunningInstances(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"eliza-agent-1", "eliza-agent-2"}, names)
}

func TestListRunningInstances_Cached(t *testing.T) {
	f := newFixture(t, true)
	f.runner.Reply(gcloud.OpListInstances, instanceList)

	first, err := f.ex.ListRunningInstances(context.Background())
	require.NoError(t, err)
	second, err := f.ex.ListRunningInstances(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, f.runner.Count(gcloud.OpListInstances))
	assert.Equal(t, extract.DefaultInventoryTTL, f.cache.ttls["inventory:us-central1-f"])
}

func TestListRunningInstances_Error(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Fail(gcloud.OpListInstances, gcloud.KindAuth, "ERROR: (gcloud.compute.instances.list) You do not currently have an active account selected.")

	_, err := f.ex.ListRunningInstances(context.Background())
	assert.ErrorIs(t, err, gcloud.ErrAuth)
}

func seed(t *testing.T, st *store.MemoryStore, id string, status models.DeploymentStatus, start time.Time, instance string) {
	t.Helper()
	d := &models.Deployment{JobID: id, Status: status, StartTime: start, UpdatedAt: start}
	if instance != "" {
		d.InstanceName = &instance
	}
	if status.Terminal() {
		d.CompletedTime = &start
	}
	require.NoError(t, st.CreateDeployment(context.Background(), d))
}

func TestOverview(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Reply(gcloud.OpListInstances, instanceList)

	base := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	seed(t, f.store, "job-1", models.DeploymentCompleted, base, "eliza-agent-1")
	seed(t, f.store, "job-2", models.DeploymentInProgress, base.Add(time.Minute), "eliza-agent-3")
	seed(t, f.store, "job-3", models.DeploymentFailed, base.Add(2*time.Minute), "")

	got, err := f.ex.Overview(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"eliza-agent-1", "eliza-agent-2"}, got.AvailableInstances)
	assert.Equal(t, []models.InstanceDeployment{
		{JobID: "job-2", InstanceName: "eliza-agent-3", Status: models.DeploymentInProgress, IsRunning: false},
		{JobID: "job-1", InstanceName: "eliza-agent-1", Status: models.DeploymentCompleted, IsRunning: true},
	}, got.Deployments)
}

func TestOverview_InventoryFailure(t *testing.T) {
	f := newFixture(t, false)
	f.runner.Fail(gcloud.OpListInstances, gcloud.KindFailed, "boom")

	_, err := f.ex.Overview(context.Background())
	assert.ErrorIs(t, err, gcloud.ErrCommandFailed)
}
