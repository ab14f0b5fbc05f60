package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/agentdeploy/internal/cache"
	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
	"github.com/kiranshivaraju/agentdeploy/internal/metrics"
	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

// Poll tick outcomes, also used as metric labels.
const (
	tickNotRunning = "not_running"
	tickProbeError = "probe_error"
	tickWaiting    = "waiting"
	tickStarting   = "starting"
	tickRunning    = "running"
	tickTimeout    = "timeout"
	tickFinished   = "finished"
	tickCanceled   = "canceled"
)

// startPoller arms the status poller of a job. A job has at most one poller;
// a second start returns ErrPollerActive.
func (o *Orchestrator) startPoller(jobID, instance string, start time.Time) error {
	ctx, cancel := context.WithCancel(o.ctx)
	t := &task{kind: "poller", cancel: cancel}
	if err := o.tasks.add(jobID, t); err != nil {
		cancel()
		return err
	}

	release, err := o.acquireLease(ctx, jobID)
	if err != nil {
		o.tasks.remove(jobID, t)
		cancel()
		return err
	}

	if !o.track() {
		o.tasks.remove(jobID, t)
		cancel()
		release()
		return ErrShuttingDown
	}
	metrics.SetActiveTasks(o.tasks.len())

	go func() {
		defer o.wg.Done()
		defer func() {
			o.tasks.remove(jobID, t)
			cancel()
			release()
			metrics.SetActiveTasks(o.tasks.len())
		}()
		o.poll(ctx, jobID, instance, start)
	}()
	return nil
}

// acquireLease claims the cross-replica poller lease. Lease errors other
// than contention are logged and ignored.
func (o *Orchestrator) acquireLease(ctx context.Context, jobID string) (func(), error) {
	noop := func() {}
	if o.leaser == nil {
		return noop, nil
	}
	key := cache.PollerLeaseKey(jobID)
	token, err := o.leaser.AcquireLease(ctx, key, o.policy.MaxWait+o.policy.PollInterval)
	if errors.Is(err, cache.ErrLeaseHeld) {
		o.logger.Info("poller lease held by another replica", "job_id", jobID)
		return nil, ErrPollerActive
	}
	if err != nil {
		o.logger.Warn("poller lease unavailable, continuing without it", "job_id", jobID, "error", err)
		return noop, nil
	}
	return func() {
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.leaser.ReleaseLease(rctx, key, token); err != nil {
			o.logger.Warn("releasing poller lease", "job_id", jobID, "error", err)
		}
	}, nil
}

func (o *Orchestrator) poll(ctx context.Context, jobID, instance string, start time.Time) {
	log := o.logger.With("job_id", jobID, "instance", instance)
	ticker := o.clock.NewTicker(o.policy.PollInterval)
	defer ticker.Stop()

	log.Info("status poller started", "interval", o.policy.PollInterval, "max_wait", o.policy.MaxWait)
	for {
		select {
		case <-ctx.Done():
			log.Debug("status poller cancelled")
			return
		case <-ticker.C:
			outcome, done := o.pollTick(ctx, log, jobID, instance, start)
			if outcome != tickCanceled {
				metrics.IncPollTick(outcome)
			}
			if o.onTick != nil {
				o.onTick(jobID, outcome)
			}
			if done {
				return
			}
		}
	}
}

// pollTick runs one probe and reports whether the poller should stop.
func (o *Orchestrator) pollTick(ctx context.Context, log *slog.Logger, jobID, instance string, start time.Time) (string, bool) {
	d, err := o.store.GetDeployment(ctx, jobID)
	if ctx.Err() != nil {
		return tickCanceled, true
	}
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("deployment record disappeared, stopping poller")
		return tickFinished, true
	}
	if err == nil && (d.Status.Terminal() || d.ArchivedAt != nil) {
		return tickFinished, true
	}
	if err != nil {
		log.Warn("reading deployment", "error", err)
	}

	outcome := o.probe(ctx, log, instance)
	if ctx.Err() != nil {
		return tickCanceled, true
	}

	switch outcome {
	case tickRunning:
		log.Info("agent service confirmed running")
		o.complete(log, jobID, fmt.Sprintf(msgRunning, instance))
		return tickRunning, true
	case tickStarting:
		if d == nil || d.Phase != models.PhaseServiceStarting {
			_, err := o.store.UpdateDeployment(ctx, jobID,
				store.WithPhase(models.PhaseServiceStarting),
				store.WithMessage(fmt.Sprintf(msgServiceStarting, instance)),
				store.IfStatus(models.DeploymentInProgress))
			if err != nil && ctx.Err() == nil {
				log.Debug("recording service starting phase", "error", err)
			}
		}
	}

	if o.clock.Now().Sub(start) >= o.policy.MaxWait {
		log.Warn("maximum wait reached, presuming success", "max_wait", o.policy.MaxWait)
		o.complete(log, jobID, fmt.Sprintf(msgMaxWait, o.policy.MaxWait))
		return tickTimeout, true
	}
	return outcome, false
}

// probe asks the backend for the instance state and scans its console.
func (o *Orchestrator) probe(ctx context.Context, log *slog.Logger, instance string) string {
	pctx, cancel := contextWithTimeout(ctx, o.policy.ProbeTimeout)
	defer cancel()

	res, err := o.runner.Run(pctx, o.cmds.DescribeInstance(instance))
	if err != nil {
		log.Warn("describing instance", "error", err)
		return tickProbeError
	}
	inst, err := gcloud.ParseInstance(res.Stdout)
	if err != nil {
		log.Warn("parsing instance description", "error", err)
		return tickProbeError
	}
	if !inst.Running() {
		log.Info("instance not running yet", "status", inst.Status)
		return tickNotRunning
	}

	res, err = o.runner.Run(pctx, o.cmds.SerialOutput(instance))
	if err != nil {
		log.Debug("reading serial console", "error", err)
		return tickProbeError
	}

	switch ClassifyProbe(gcloud.Tail(res.Stdout, o.policy.SerialWindowBytes), o.policy) {
	case ProbeRunning:
		return tickRunning
	case ProbeStarting:
		return tickStarting
	default:
		return tickWaiting
	}
}

func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
