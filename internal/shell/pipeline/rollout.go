package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/artpar/keel/internal/core/command"
	"github.com/artpar/keel/internal/core/compose"
	"github.com/artpar/keel/internal/core/plan"
	"github.com/artpar/keel/internal/core/rollout"
	"github.com/artpar/keel/internal/core/strategy"
)

// =============================================================================
// Rollout
// =============================================================================

// rollout replaces the running version with the new one.
func (r *Runner) rollout(ctx context.Context, d *deployment, p plan.BuildPlan) (plan.BuildPlan, error) {
	project := p.ProjectName(d.app)

	if _, ok := strategy.Base(d.strategy).(strategy.DockerCompose); ok {
		// Compose replaces changed services itself.
		return p, r.start(ctx, d, p, project)
	}

	elig := compose.RollingEligibility(d.app, p.PullRequestID)
	mode := rollout.ChooseMode(p.Swarm, elig)
	d.logger.Debug("rollout mode chosen", "mode", mode, "reasons", elig.Reasons)

	switch mode {
	case rollout.ModeSwarm:
		return p, r.start(ctx, d, p, project)
	case rollout.ModeRolling:
		return p, r.rollingUpdate(ctx, d, p, project)
	default:
		d.log.Info(fmt.Sprintf("Rolling update not possible (%s), stopping the running version first.", strings.Join(elig.Reasons, "; ")))
		return p, r.stopThenStart(ctx, d, p, project)
	}
}

// rollingUpdate starts the new container next to the old ones and stops the
// old ones only once the new one is healthy.
func (r *Runner) rollingUpdate(ctx context.Context, d *deployment, p plan.BuildPlan, project string) error {
	previous, err := r.previousContainers(ctx, d, p)
	if err != nil {
		return err
	}
	if err := r.checkCancelled(ctx, d); err != nil {
		return err
	}
	if err := r.start(ctx, d, p, project); err != nil {
		return err
	}
	if err := r.waitHealthy(ctx, d, p); err != nil {
		return err
	}
	if err := r.checkCancelled(ctx, d); err != nil {
		return err
	}

	if len(previous) > 0 {
		d.log.Info(fmt.Sprintf("Stopping previous containers: %s.", strings.Join(previous, ", ")))
		if _, err := r.run(ctx, d, rollout.StopAll(previous, r.config.StopGracePeriod)...); err != nil {
			return fmt.Errorf("stop previous containers: %w", err)
		}
	}
	d.log.Info("Rolling update completed.")
	return nil
}

// stopThenStart stops the old containers before the new one starts.
func (r *Runner) stopThenStart(ctx context.Context, d *deployment, p plan.BuildPlan, project string) error {
	previous, err := r.previousContainers(ctx, d, p)
	if err != nil {
		return err
	}
	if err := r.checkCancelled(ctx, d); err != nil {
		return err
	}

	// A fixed container name belongs to the running version; it has to go
	// before compose can recreate it.
	stop := previous
	if fixedName(d, p) {
		stop = append(stop, p.ContainerName)
	}
	if _, err := r.run(ctx, d, rollout.StopAll(stop, r.config.StopGracePeriod)...); err != nil {
		return fmt.Errorf("stop previous containers: %w", err)
	}
	if err := r.checkCancelled(ctx, d); err != nil {
		return err
	}

	if err := r.start(ctx, d, p, project); err != nil {
		return err
	}
	return r.waitHealthy(ctx, d, p)
}

// previousContainers lists the containers of the application other than
// the one this deployment creates.
func (r *Runner) previousContainers(ctx context.Context, d *deployment, p plan.BuildPlan) ([]string, error) {
	saved, err := r.run(ctx, d, rollout.ListContainers(d.app.UUID, p.PullRequestID))
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	return rollout.Previous(saved[rollout.SavePrevious], p.ContainerName), nil
}

// start brings up the new version from the compose file.
func (r *Runner) start(ctx context.Context, d *deployment, p plan.BuildPlan, project string) error {
	d.log.Info(fmt.Sprintf("Starting %s.", p.ContainerName))
	d.started = true
	if _, err := r.run(ctx, d, rollout.Start(p, project)); err != nil {
		return fmt.Errorf("start new version: %w", err)
	}
	return nil
}

// waitHealthy polls the new container and captures its logs when it does
// not become healthy.
func (r *Runner) waitHealthy(ctx context.Context, d *deployment, p plan.BuildPlan) error {
	policy := rollout.PolicyFor(d.app)
	poll := func(ctx context.Context, attempt, total int) (rollout.HealthState, error) {
		if err := r.checkCancelled(ctx, d); err != nil {
			return rollout.HealthUnknown, err
		}
		saved, err := r.run(ctx, d, rollout.Inspect(p.ContainerName))
		if err != nil {
			return rollout.HealthUnknown, err
		}
		state := rollout.ParseInspect(saved[rollout.SaveHealth])
		d.log.Info(rollout.AttemptLine(attempt, total, state))
		return state, nil
	}

	res, err := rollout.WaitHealthy(ctx, policy, poll, r.sleep)
	if err != nil {
		return err
	}
	if res.NeedsDiagnostics() {
		d.log.Error(fmt.Sprintf("New container is %s after %d health checks.", res.State, res.Polls))
		// Diagnostics are best effort; the health failure is what matters.
		_, _ = r.run(ctx, d, rollout.Logs(p.ContainerName))
	}
	if !res.Healthy() {
		return fmt.Errorf("%w: %s after %d checks", strategy.ErrUnhealthy, res.State, res.Polls)
	}
	d.log.Info("New container is healthy.")
	return nil
}

// =============================================================================
// Post-deployment
// =============================================================================

// finalize is the post-deployment hook. It runs whatever the outcome, on a
// context that outlives a cancelled run.
func (r *Runner) finalize(ctx context.Context, d *deployment, p plan.BuildPlan, outcome strategy.Outcome) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.FinalizeTimeout)
	defer cancel()

	cleanup := command.Batch{}
	if !outcome.Succeeded() && d.started && outcome.RemoveNewContainer(d.app, p.PullRequestID) {
		if _, isCompose := strategy.Base(d.strategy).(strategy.DockerCompose); !isCompose {
			d.log.Info(fmt.Sprintf("Removing failed container %s.", p.ContainerName))
			cleanup = append(cleanup, rollout.Remove(p.ContainerName))
		}
	}
	cleanup = append(cleanup, command.New("docker", "rm", "-f", d.helper).Hide().IgnoringErrors())
	if _, err := r.run(ctx, d, cleanup...); err != nil {
		d.logger.Warn("post-deployment cleanup failed", "error", err)
	}

	if outcome.Succeeded() {
		d.log.Info(outcome.Message())
		// Preview images never feed the build cache of the application.
		if !p.IsPullRequest() {
			if err := r.store.RecordConfigHash(ctx, d.app.ID, p.ConfigHash); err != nil {
				d.logger.Error("failed to record configuration hash", "error", err)
			}
		}
	} else {
		d.log.Error(outcome.Message())
	}

	status := outcome.Status()
	changed, err := r.queue.Complete(ctx, d.entry, status)
	if err != nil {
		d.logger.Error("failed to complete deployment", "error", err)
	}
	if !changed && err == nil {
		// Someone else (a cancel) already ended the entry; keep their status.
		d.logger.Info("deployment already ended", "outcome", outcome.Kind)
	} else {
		r.notify(ctx, d, status, outcome.Message())
	}

	r.metrics.DeploymentFinished(string(outcome.Kind))
	d.logger.Info("deployment ended", "outcome", outcome.Kind, "stage", outcome.Stage)
}

// fixedName reports whether every deployment reuses the same container name.
func fixedName(d *deployment, p plan.BuildPlan) bool {
	return p.IsPullRequest() || d.app.Network.ConsistentContainerName || d.app.Network.CustomContainerName != ""
}
