package deploy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

// Sweep archives every job that started more than RetentionAge ago. Its
// background task is cancelled first, and a job that is somehow still
// unfinished is resolved the same way a timeout would resolve it. Records
// are never deleted.
func (o *Orchestrator) Sweep(ctx context.Context) (int, error) {
	now := o.clock.Now()
	ds, err := o.store.ListDeployments(ctx, store.DeploymentFilter{
		StartedBefore: now.Add(-o.policy.RetentionAge),
	})
	if err != nil {
		return 0, fmt.Errorf("listing expired deployments: %w", err)
	}

	n := 0
	for _, d := range ds {
		log := o.logger.With("job_id", d.JobID)
		if o.tasks.cancel(d.JobID) {
			log.Info("cancelled task of expired deployment")
		}

		switch d.Status {
		case models.DeploymentPending:
			o.finish(log, d.JobID, models.DeploymentFailed,
				store.WithStatus(models.DeploymentFailed),
				store.WithMessage(msgExpiredPending),
				store.WithError("deployment expired before provisioning started"),
				store.WithCompletedTime(now))
		case models.DeploymentInProgress:
			o.complete(log, d.JobID, fmt.Sprintf(msgMaxWait, o.policy.RetentionAge))
		}

		if _, err := o.store.UpdateDeployment(ctx, d.JobID, store.WithArchivedAt(now)); err != nil {
			log.Error("archiving deployment", "error", err)
			continue
		}
		n++
	}
	if n > 0 {
		o.logger.Info("archived expired deployments", "count", n)
	}
	return n, nil
}

// Sweeper runs Sweep on a fixed interval.
type Sweeper struct {
	o        *Orchestrator
	interval time.Duration
	log      *slog.Logger
}

func NewSweeper(o *Orchestrator, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{o: o, interval: interval, log: o.logger.With("component", "sweeper")}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.log.Info("starting retention sweeper", "interval", s.interval, "age", s.o.policy.RetentionAge)
	ticker := s.o.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("stopping retention sweeper")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.o.Sweep(ctx); err != nil {
				s.log.Error("retention sweep failed", "error", err)
			}
		}
	}
}
