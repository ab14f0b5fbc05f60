package deploy

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kiranshivaraju/agentdeploy/internal/clock"
	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
	"github.com/kiranshivaraju/agentdeploy/internal/metrics"
	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/kiranshivaraju/agentdeploy/pkg/models"
)

// launch runs the provisioning script for a pending job. Every outcome is
// recorded on the job; nothing is returned.
func (o *Orchestrator) launch(jobID string, start time.Time, req models.DeploymentRequest) {
	log := o.logger.With("job_id", jobID)

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in launch", "error", r)
			o.fail(log, jobID, fmt.Sprintf("internal error: %v", r), "")
		}
	}()

	_, err := o.store.UpdateDeployment(o.ctx, jobID,
		store.WithStatus(models.DeploymentInProgress),
		store.WithPhase(models.PhaseVMCreation),
		store.WithMessage(msgLaunching))
	if err != nil {
		if o.ctx.Err() != nil {
			return
		}
		log.Error("marking deployment in progress", "error", err)
		o.fail(log, jobID, "could not start provisioning: "+err.Error(), "",
			store.IfStatus(models.DeploymentPending))
		return
	}
	metrics.IncTransition(string(models.DeploymentInProgress))

	ctx, cancel := contextWithTimeout(o.ctx, o.policy.LaunchTimeout)
	defer cancel()

	cmd := o.cmds.Launch(req)
	log.Info("running provisioning script", "command", cmd.Redacted(0).String())
	res, err := o.runner.Run(ctx, cmd)

	if o.ctx.Err() != nil {
		log.Warn("launch interrupted by shutdown")
		return
	}

	output := tailString(combinedOutput(res), maxOutputBytes)
	if err != nil {
		log.Error("provisioning script failed", "error", err)
		o.fail(log, jobID, err.Error(), output)
		return
	}

	name, ok := ParseInstanceName(res.Stdout, o.policy)
	if !ok {
		log.Warn("no instance name in provisioning output, arming fallback",
			"fallback", o.policy.FallbackTimeout)
		if _, err := o.store.UpdateDeployment(o.ctx, jobID,
			store.WithOutput(output),
			store.WithMessage(msgInitializing)); err != nil {
			log.Error("recording launch output", "error", err)
		}
		o.armFallback(jobID, start)
		return
	}

	log = log.With("instance", name)
	if _, err := o.store.UpdateDeployment(o.ctx, jobID,
		store.WithInstanceName(name),
		store.WithOutput(output),
		store.WithMessage(fmt.Sprintf(msgInstanceCreated, name))); err != nil {
		log.Error("recording instance name", "error", err)
		return
	}
	log.Info("instance created, starting status poller")

	if err := o.startPoller(jobID, name, start); err != nil && !errors.Is(err, ErrPollerActive) {
		log.Error("starting status poller", "error", err)
	}
}

// fail moves a job to failed. A job that already reached a terminal state
// is left alone; extra options narrow the update further.
func (o *Orchestrator) fail(log *slog.Logger, jobID, reason, output string, extra ...store.UpdateOption) {
	opts := []store.UpdateOption{
		store.WithStatus(models.DeploymentFailed),
		store.WithMessage(msgFailed),
		store.WithError(truncateString(reason, maxErrorBytes)),
		store.WithCompletedTime(o.clock.Now()),
	}
	if output != "" {
		opts = append(opts, store.WithOutput(output))
	}
	opts = append(opts, extra...)
	o.finish(log, jobID, models.DeploymentFailed, opts...)
}

// complete moves an in-progress job to completed with msg.
func (o *Orchestrator) complete(log *slog.Logger, jobID, msg string) bool {
	return o.finish(log, jobID, models.DeploymentCompleted,
		store.WithStatus(models.DeploymentCompleted),
		store.WithMessage(msg),
		store.WithCompletedTime(o.clock.Now()))
}

func (o *Orchestrator) finish(log *slog.Logger, jobID string, status models.DeploymentStatus, opts ...store.UpdateOption) bool {
	_, err := o.store.UpdateDeployment(o.ctx, jobID, opts...)
	switch {
	case err == nil:
		metrics.IncTransition(string(status))
		log.Info("deployment finished", "status", status)
		return true
	case errors.Is(err, store.ErrInvalidTransition):
		log.Debug("deployment already finished", "wanted", status, "error", err)
	default:
		log.Error("recording final status", "status", status, "error", err)
	}
	return false
}

// armFallback schedules optimistic completion of a job whose instance name
// is unknown. The deadline is measured from the job's start time.
func (o *Orchestrator) armFallback(jobID string, start time.Time) {
	log := o.logger.With("job_id", jobID)
	remaining := o.policy.FallbackTimeout - o.clock.Now().Sub(start)
	if remaining < 0 {
		remaining = 0
	}

	var (
		mu        sync.Mutex
		timer     *clock.Timer
		cancelled bool
	)
	t := &task{kind: "fallback"}
	t.cancel = func() {
		mu.Lock()
		defer mu.Unlock()
		cancelled = true
		if timer != nil && timer.Stop() {
			o.wg.Done()
		}
	}
	if err := o.tasks.add(jobID, t); err != nil {
		log.Warn("fallback not armed", "error", err)
		return
	}
	if !o.track() {
		o.tasks.remove(jobID, t)
		return
	}

	mu.Lock()
	defer mu.Unlock()
	if cancelled {
		o.wg.Done()
		return
	}
	timer = o.clock.AfterFunc(remaining, func() {
		defer o.wg.Done()
		o.tasks.remove(jobID, t)
		metrics.SetActiveTasks(o.tasks.len())
		if o.ctx.Err() != nil {
			return
		}
		log.Warn("fallback timeout reached, presuming success")
		o.complete(log, jobID, fmt.Sprintf(msgFallback, o.policy.FallbackTimeout))
	})
	metrics.SetActiveTasks(o.tasks.len())
	log.Info("fallback armed", "remaining", remaining)
}

func combinedOutput(res gcloud.Result) string {
	out := strings.TrimRight(res.Stdout, "\n")
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += "[stderr]\n" + errOut
	}
	return out
}
