package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

// MemoryStore is an in-process Store. Each deployment has its own lock so
// updates to one record never wait on another.
type MemoryStore struct {
	mu          sync.RWMutex
	deployments map[string]*memDeployment
	keys        map[uuid.UUID]*models.APIKey
	now         func() time.Time
}

type memDeployment struct {
	mu sync.Mutex
	d  models.Deployment
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		deployments: make(map[string]*memDeployment),
		keys:        make(map[uuid.UUID]*models.APIKey),
		now:         time.Now,
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateDeployment(_ context.Context, d *models.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deployments[d.JobID]; ok {
		return ErrDuplicateKey
	}
	s.deployments[d.JobID] = &memDeployment{d: cloneDeployment(*d)}
	return nil
}

func (s *MemoryStore) entry(jobID string) (*memDeployment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.deployments[jobID]
	return e, ok
}

func (s *MemoryStore) GetDeployment(_ context.Context, jobID string) (*models.Deployment, error) {
	e, ok := s.entry(jobID)
	if !ok {
		return nil, ErrNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	d := cloneDeployment(e.d)
	return &d, nil
}

func (s *MemoryStore) UpdateDeployment(_ context.Context, jobID string, opts ...UpdateOption) (*models.Deployment, error) {
	e, ok := s.entry(jobID)
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	p := buildParams(opts, now)
	if err := p.validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if from := p.allowedFrom(); from != nil && !containsStatus(from, e.d.Status) {
		if p.Status != nil {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.d.Status, *p.Status)
		}
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidTransition, e.d.Status)
	}
	p.applyUpdate(&e.d, now)
	d := cloneDeployment(e.d)
	return &d, nil
}

func (s *MemoryStore) ListDeployments(_ context.Context, filter DeploymentFilter) ([]*models.Deployment, error) {
	s.mu.RLock()
	entries := make([]*memDeployment, 0, len(s.deployments))
	for _, e := range s.deployments {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := []*models.Deployment{}
	for _, e := range entries {
		e.mu.Lock()
		d := cloneDeployment(e.d)
		e.mu.Unlock()

		if !filter.IncludeArchived && d.ArchivedAt != nil {
			continue
		}
		if filter.WithInstance && d.InstanceName == nil {
			continue
		}
		if !filter.StartedBefore.IsZero() && !d.StartTime.Before(filter.StartedBefore) {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, d.Status) {
			continue
		}
		out = append(out, &d)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].JobID > out[j].JobID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := []*models.APIKey{}
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.RevokedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		t := s.now().UTC()
		k.LastUsedAt = &t
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key.ID]; ok {
		return ErrDuplicateKey
	}
	for _, k := range s.keys {
		if k.KeyHash == key.KeyHash {
			return ErrDuplicateKey
		}
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(context.Context) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := []*models.APIKey{}
	for _, k := range s.keys {
		if k.RevokedAt == nil {
			c := *k
			keys = append(keys, &c)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.RevokedAt != nil {
		return ErrNotFound
	}
	t := s.now().UTC()
	k.RevokedAt = &t
	return nil
}

func cloneDeployment(d models.Deployment) models.Deployment {
	d.InstanceName = clonePtr(d.InstanceName)
	d.CompletedTime = clonePtr(d.CompletedTime)
	d.Error = clonePtr(d.Error)
	d.Output = clonePtr(d.Output)
	d.ArchivedAt = clonePtr(d.ArchivedAt)
	return d
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
