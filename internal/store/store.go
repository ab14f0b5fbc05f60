package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	// ErrInvalidTransition is returned when an update would move a deployment
	// along an edge the state machine does not allow, or when an IfStatus
	// precondition does not hold.
	ErrInvalidTransition = errors.New("invalid deployment status transition")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	DeploymentStore
	APIKeyStore
}

// DeploymentStore persists deployment jobs.
type DeploymentStore interface {
	CreateDeployment(ctx context.Context, d *models.Deployment) error
	GetDeployment(ctx context.Context, jobID string) (*models.Deployment, error)
	UpdateDeployment(ctx context.Context, jobID string, opts ...UpdateOption) (*models.Deployment, error)
	ListDeployments(ctx context.Context, filter DeploymentFilter) ([]*models.Deployment, error)
}

// APIKeyStore persists operator API keys.
type APIKeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// DeploymentFilter narrows ListDeployments. The zero value lists every
// non-archived deployment.
type DeploymentFilter struct {
	StartedBefore   time.Time
	WithInstance    bool
	IncludeArchived bool
	Statuses        []models.DeploymentStatus
	Limit           int
}

var validTransitions = map[models.DeploymentStatus][]models.DeploymentStatus{
	models.DeploymentPending:    {models.DeploymentInProgress, models.DeploymentFailed},
	models.DeploymentInProgress: {models.DeploymentCompleted, models.DeploymentFailed},
}

// transitionAllowed reports whether a deployment in status from may move to to.
func transitionAllowed(from, to models.DeploymentStatus) bool {
	for _, a := range validTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

type updateParams struct {
	Status        *models.DeploymentStatus
	Message       *string
	Phase         *string
	InstanceName  *string
	Error         *string
	Output        *string
	CompletedTime *time.Time
	ArchivedAt    *time.Time
	IfStatus      []models.DeploymentStatus
}

// UpdateOption sets one field of a deployment update.
type UpdateOption func(*updateParams)

func WithStatus(s models.DeploymentStatus) UpdateOption {
	return func(p *updateParams) { p.Status = &s }
}

func WithMessage(msg string) UpdateOption {
	return func(p *updateParams) { p.Message = &msg }
}

func WithPhase(phase string) UpdateOption {
	return func(p *updateParams) { p.Phase = &phase }
}

// WithInstanceName records the VM name. The column is write-once; a second
// value is ignored.
func WithInstanceName(name string) UpdateOption {
	return func(p *updateParams) { p.InstanceName = &name }
}

func WithError(msg string) UpdateOption {
	return func(p *updateParams) { p.Error = &msg }
}

func WithOutput(out string) UpdateOption {
	return func(p *updateParams) { p.Output = &out }
}

func WithCompletedTime(t time.Time) UpdateOption {
	return func(p *updateParams) {
		t = t.UTC()
		p.CompletedTime = &t
	}
}

func WithArchivedAt(t time.Time) UpdateOption {
	return func(p *updateParams) {
		t = t.UTC()
		p.ArchivedAt = &t
	}
}

// IfStatus makes the update conditional on the deployment's current status.
func IfStatus(statuses ...models.DeploymentStatus) UpdateOption {
	return func(p *updateParams) { p.IfStatus = append(p.IfStatus, statuses...) }
}

func buildParams(opts []UpdateOption, now time.Time) *updateParams {
	p := &updateParams{}
	for _, opt := range opts {
		opt(p)
	}
	if p.Status != nil && p.Status.Terminal() && p.CompletedTime == nil {
		t := now.UTC()
		p.CompletedTime = &t
	}
	return p
}

// validate rejects updates that would break the record invariants: error
// and completion time only accompany the matching status change.
func (p *updateParams) validate() error {
	if p.Error != nil && (p.Status == nil || *p.Status != models.DeploymentFailed) {
		return fmt.Errorf("%w: error may only be set when failing", ErrInvalidTransition)
	}
	if p.CompletedTime != nil && (p.Status == nil || !p.Status.Terminal()) {
		return fmt.Errorf("%w: completion time requires a terminal status", ErrInvalidTransition)
	}
	return nil
}

// allowedFrom returns the statuses a deployment may currently be in for the
// update to apply, or nil when any status is acceptable.
func (p *updateParams) allowedFrom() []models.DeploymentStatus {
	var from []models.DeploymentStatus
	if p.Status != nil {
		for s := range validTransitions {
			if transitionAllowed(s, *p.Status) {
				from = append(from, s)
			}
		}
		if from == nil {
			from = []models.DeploymentStatus{}
		}
	}
	if len(p.IfStatus) == 0 {
		return from
	}
	if from == nil {
		return p.IfStatus
	}
	var both []models.DeploymentStatus
	for _, s := range from {
		for _, c := range p.IfStatus {
			if s == c {
				both = append(both, s)
			}
		}
	}
	if both == nil {
		both = []models.DeploymentStatus{}
	}
	return both
}

// applyUpdate mutates d in place. The caller has already checked that the
// update is allowed.
func (p *updateParams) applyUpdate(d *models.Deployment, now time.Time) {
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.Message != nil {
		d.Message = *p.Message
	}
	if p.Phase != nil {
		d.Phase = *p.Phase
	}
	if p.InstanceName != nil && d.InstanceName == nil {
		name := *p.InstanceName
		d.InstanceName = &name
	}
	if p.Error != nil {
		msg := *p.Error
		d.Error = &msg
	}
	if p.Output != nil {
		out := *p.Output
		d.Output = &out
	}
	if p.CompletedTime != nil && d.CompletedTime == nil {
		t := *p.CompletedTime
		d.CompletedTime = &t
	}
	if p.ArchivedAt != nil && d.ArchivedAt == nil {
		t := *p.ArchivedAt
		d.ArchivedAt = &t
	}
	d.UpdatedAt = now.UTC()
}

func statusStrings(statuses []models.DeploymentStatus) []string {
	if statuses == nil {
		return nil
	}
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func containsStatus(list []models.DeploymentStatus, s models.DeploymentStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
