package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

// pendingGrace is how long a job may stay pending before Resume assumes its
// launch goroutine died with a previous process.
const pendingGrace = time.Minute

// Resume re-arms background work for unfinished jobs after a restart:
// pollers for in-progress jobs with a known instance, fallback timers for
// those without, and failure for jobs whose launch never began. It returns
// the number of jobs it acted on.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	ds, err := o.store.ListDeployments(ctx, store.DeploymentFilter{
		Statuses: []models.DeploymentStatus{models.DeploymentPending, models.DeploymentInProgress},
	})
	if err != nil {
		return 0, fmt.Errorf("listing unfinished deployments: %w", err)
	}

	now := o.clock.Now()
	n := 0
	for _, d := range ds {
		log := o.logger.With("job_id", d.JobID)
		switch {
		case d.Status == models.DeploymentPending:
			if now.Sub(d.StartTime) < pendingGrace {
				continue
			}
			log.Warn("failing deployment interrupted before launch")
			o.finish(log, d.JobID, models.DeploymentFailed,
				store.WithStatus(models.DeploymentFailed),
				store.WithMessage(msgInterrupted),
				store.WithError("launch interrupted by service restart"),
				store.WithCompletedTime(now),
				store.IfStatus(models.DeploymentPending))
			n++

		case d.InstanceName != nil:
			err := o.startPoller(d.JobID, *d.InstanceName, d.StartTime)
			if errors.Is(err, ErrPollerActive) {
				continue
			}
			if err != nil {
				return n, fmt.Errorf("resuming poller for %s: %w", d.JobID, err)
			}
			log.Info("status poller resumed", "instance", *d.InstanceName)
			n++

		default:
			if _, ok := o.tasks.active(d.JobID); ok {
				continue
			}
			o.armFallback(d.JobID, d.StartTime)
			n++
		}
	}
	return n, nil
}
