// Package extract pulls data out of the embedded database of a running agent
// VM and reports which deployed instances are alive.
package extract

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/kiranshivaraju/agentdeploy/internal/cache"
	"github.com/kiranshivaraju/agentdeploy/internal/clock"
	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
	"github.com/kiranshivaraju/agentdeploy/internal/metrics"
	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

const (
	DefaultRemoteDBPath = "/home/ubuntu/eliza/agent/data/db.sqlite"
	DefaultInventoryTTL = 15 * time.Second
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Credentials is the part of the SSH bootstrapper the extractor needs.
type Credentials interface {
	EnsureConfigured(ctx context.Context) error
	Reset()
	KeyPath() string
}

// DeploymentLister reads deployment records.
type DeploymentLister interface {
	ListDeployments(ctx context.Context, filter store.DeploymentFilter) ([]*models.Deployment, error)
}

// Options configures an Extractor. Zero fields take defaults.
type Options struct {
	RemoteDBPath string
	// Cache, when set, holds the running-instance inventory for InventoryTTL.
	Cache        cache.Cache
	InventoryTTL time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Extractor runs read-only queries against agent VMs over SSH.
type Extractor struct {
	runner       gcloud.Runner
	cmds         gcloud.Commands
	creds        Credentials
	deployments  DeploymentLister
	remoteDBPath string
	cache        cache.Cache
	inventoryTTL time.Duration
	clock        clock.Clock
	logger       *slog.Logger
}

// New creates an Extractor.
func New(runner gcloud.Runner, cmds gcloud.Commands, creds Credentials, deployments DeploymentLister, opts Options) *Extractor {
	if opts.RemoteDBPath == "" {
		opts.RemoteDBPath = DefaultRemoteDBPath
	}
	if opts.InventoryTTL <= 0 {
		opts.InventoryTTL = DefaultInventoryTTL
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Extractor{
		runner:       runner,
		cmds:         cmds,
		creds:        creds,
		deployments:  deployments,
		remoteDBPath: opts.RemoteDBPath,
		cache:        opts.Cache,
		inventoryTTL: opts.InventoryTTL,
		clock:        opts.Clock,
		logger:       opts.Logger.With("component", "extract"),
	}
}

// ExtractTable dumps one table of the instance's database as CSV with a
// header row.
func (e *Extractor) ExtractTable(ctx context.Context, instance, table string) (export *models.TableExport, err error) {
	defer func() { metrics.IncExtraction(outcome(err)) }()

	if !gcloud.ValidInstanceName(instance) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInstance, instance)
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTable, table)
	}
	log := e.logger.With("instance", instance, "table", table)

	out, err := e.remote(ctx, log, instance,
		fmt.Sprintf(`sqlite3 -header -csv %s 'SELECT * FROM "%s";'`, shellQuote(e.remoteDBPath), table))
	if err != nil {
		return nil, err
	}

	rows, err := countRows(out)
	if err != nil {
		log.Error("remote output is not valid CSV", "error", err)
		return nil, fmt.Errorf("%w: malformed CSV from %s: %w", ErrExtractionFailed, instance, err)
	}

	log.Info("table extracted", "rows", rows, "bytes", len(out))
	return &models.TableExport{
		InstanceName: instance,
		Table:        table,
		Content:      out,
		Filename:     fmt.Sprintf("%s_%s_%s.csv", instance, table, e.clock.Now().UTC().Format("2006-01-02")),
		Rows:         rows,
	}, nil
}

// ListTables returns the table names of the instance's database, sorted.
func (e *Extractor) ListTables(ctx context.Context, instance string) ([]string, error) {
	if !gcloud.ValidInstanceName(instance) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidInstance, instance)
	}
	log := e.logger.With("instance", instance)

	out, err := e.remote(ctx, log, instance, fmt.Sprintf("sqlite3 %s .tables", shellQuote(e.remoteDBPath)))
	if err != nil {
		return nil, err
	}
	tables := strings.Fields(out)
	sort.Strings(tables)
	return tables, nil
}

// remote checks the instance is running, makes sure the SSH credential is
// usable and runs command on the instance.
func (e *Extractor) remote(ctx context.Context, log *slog.Logger, instance, command string) (string, error) {
	if err := e.requireRunning(ctx, instance); err != nil {
		return "", err
	}
	if err := e.creds.EnsureConfigured(ctx); err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}

	res, err := e.runner.Run(ctx, e.cmds.SSH(instance, e.creds.KeyPath(), command))
	if errors.Is(err, gcloud.ErrAuth) {
		log.Warn("ssh authentication failed, re-registering credential", "error", err)
		e.creds.Reset()
		if rerr := e.creds.EnsureConfigured(ctx); rerr != nil {
			log.Error("re-registering ssh credential", "error", rerr)
			return "", fmt.Errorf("%w: %w", ErrExtractionFailed, rerr)
		}
		return "", ErrRetryAfterCredentialReset
	}
	if err != nil {
		log.Error("remote command failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	return res.Stdout, nil
}

func (e *Extractor) requireRunning(ctx context.Context, instance string) error {
	res, err := e.runner.Run(ctx, e.cmds.DescribeInstance(instance))
	if errors.Is(err, gcloud.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrInstanceNotRunning, instance)
	}
	if err != nil {
		return fmt.Errorf("%w: describing %s: %w", ErrExtractionFailed, instance, err)
	}
	inst, err := gcloud.ParseInstance(res.Stdout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrExtractionFailed, err)
	}
	if !inst.Running() {
		return fmt.Errorf("%w: %s is %s", ErrInstanceNotRunning, instance, inst.Status)
	}
	return nil
}

// countRows validates out as CSV and returns the number of data rows.
func countRows(out string) (int, error) {
	r := csv.NewReader(strings.NewReader(out))
	r.FieldsPerRecord = 0
	n := 0
	for {
		_, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return n - 1, nil
}

// shellQuote quotes s for the remote POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrInvalidInstance), errors.Is(err, ErrInvalidTable):
		return "invalid"
	case errors.Is(err, ErrInstanceNotRunning):
		return "not_running"
	case errors.Is(err, ErrRetryAfterCredentialReset):
		return "credential_reset"
	default:
		return "failed"
	}
}
