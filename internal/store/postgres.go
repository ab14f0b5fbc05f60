package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Deployments ---

const deploymentColumns = `job_id, status, phase, message, instance_name, agent_name, description,
	social_link, wallet_address, memory_id, start_time, completed_time, error, output, archived_at, updated_at`

func scanDeployment(row pgx.Row) (*models.Deployment, error) {
	var d models.Deployment
	var status string
	err := row.Scan(&d.JobID, &status, &d.Phase, &d.Message, &d.InstanceName, &d.AgentName, &d.Description,
		&d.SocialLink, &d.WalletAddress, &d.MemoryID, &d.StartTime, &d.CompletedTime, &d.Error, &d.Output,
		&d.ArchivedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Status = models.DeploymentStatus(status)
	return &d, nil
}

func (s *PostgresStore) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO deployments (`+deploymentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		d.JobID, string(d.Status), d.Phase, d.Message, d.InstanceName, d.AgentName, d.Description,
		d.SocialLink, d.WalletAddress, d.MemoryID, d.StartTime, d.CompletedTime, d.Error, d.Output,
		d.ArchivedAt, d.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDeployment(ctx context.Context, jobID string) (*models.Deployment, error) {
	d, err := scanDeployment(s.pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE job_id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	return d, nil
}

// UpdateDeployment applies opts in a single statement. Fields not named by
// an option keep their stored value, so concurrent partial updates never
// overwrite each other's columns.
func (s *PostgresStore) UpdateDeployment(ctx context.Context, jobID string, opts ...UpdateOption) (*models.Deployment, error) {
	now := time.Now().UTC()
	p := buildParams(opts, now)
	if err := p.validate(); err != nil {
		return nil, err
	}

	var status *string
	if p.Status != nil {
		v := string(*p.Status)
		status = &v
	}

	d, err := scanDeployment(s.pool.QueryRow(ctx,
		`UPDATE deployments SET
		   status         = COALESCE($2, status),
		   message        = COALESCE($3, message),
		   phase          = COALESCE($4, phase),
		   instance_name  = COALESCE(instance_name, $5),
		   error          = COALESCE($6, error),
		   output         = COALESCE($7, output),
		   completed_time = COALESCE(completed_time, $8),
		   archived_at    = COALESCE(archived_at, $9),
		   updated_at     = $10
		 WHERE job_id = $1 AND ($11::text[] IS NULL OR status = ANY($11::text[]))
		 RETURNING `+deploymentColumns,
		jobID, status, p.Message, p.Phase, p.InstanceName, p.Error, p.Output,
		p.CompletedTime, p.ArchivedAt, now, statusStrings(p.allowedFrom())))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("update deployment: %w", err)
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM deployments WHERE job_id = $1`, jobID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get deployment status: %w", err)
	}
	if p.Status != nil {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, *p.Status)
	}
	return nil, fmt.Errorf("%w: status is %s", ErrInvalidTransition, current)
}

func (s *PostgresStore) ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*models.Deployment, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if !filter.IncludeArchived {
		conditions = append(conditions, "archived_at IS NULL")
	}
	if filter.WithInstance {
		conditions = append(conditions, "instance_name IS NOT NULL")
	}
	if !filter.StartedBefore.IsZero() {
		conditions = append(conditions, fmt.Sprintf("start_time < $%d", argIdx))
		args = append(args, filter.StartedBefore)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d::text[])", argIdx))
		args = append(args, statusStrings(filter.Statuses))
		argIdx++
	}

	query := `SELECT ` + deploymentColumns + ` FROM deployments`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY start_time DESC, job_id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*models.Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

// --- API Keys ---

const apiKeyColumns = `id, name, key_hash, key_prefix, scopes, last_used_at, revoked_at, created_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()
	keys := []*models.APIKey{}
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.RevokedAt, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND revoked_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `UPDATE api_keys SET last_used_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE revoked_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND revoked_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
