// Package pipeline executes admitted deployments on their target server.
// This is part of the Imperative Shell - it runs remote commands and
// persists the deployment log, using internal/core for every decision.
//
// A run selects a strategy, derives a BuildPlan and threads it through the
// strategy's steps. Every step returns an updated plan; failures come back
// as strategy.StageError and are classified into a strategy.Outcome by the
// post-deployment hook.
package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/keel/internal/core/command"
	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/core/plan"
	"github.com/artpar/keel/internal/core/rollout"
	"github.com/artpar/keel/internal/core/strategy"
	"github.com/artpar/keel/internal/shell/metrics"
	"github.com/artpar/keel/internal/shell/notify"
	"github.com/artpar/keel/internal/shell/remote"
	"github.com/artpar/keel/internal/shell/store"
)

// =============================================================================
// Collaborators
// =============================================================================

// Queue is the part of the queue manager a run reports back to.
type Queue interface {
	Complete(ctx context.Context, entry domain.QueueEntry, status domain.QueueStatus) (bool, error)
	IsCancelled(ctx context.Context, entryID int64) (bool, error)
}

// Executors hands out the executor of a server. *remote.Pool implements it.
type Executors interface {
	Get(server *domain.Server) (remote.Executor, error)
}

// =============================================================================
// Configuration
// =============================================================================

// Config configures the runner.
type Config struct {
	// HelperImage runs clones and builds next to the Docker daemon.
	HelperImage string

	// ConfigDir is the directory on the server that keeps the compose file
	// and .env of every application.
	ConfigDir string

	// NixpacksImage is unused when the helper image ships nixpacks; it is
	// the fallback builder for static sites otherwise.
	NixpacksImage string

	// StopGracePeriod is how long a previous container gets to stop.
	StopGracePeriod time.Duration

	// SecretsHashKey makes the build secrets hash stable per application.
	// Empty means a random key per deployment.
	SecretsHashKey string

	// FinalizeTimeout bounds the post-deployment hook, which runs even
	// when the deployment context is cancelled.
	FinalizeTimeout time.Duration
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		HelperImage:     "ghcr.io/artpar/keel-helper:latest",
		ConfigDir:       "/data/keel/applications",
		NixpacksImage:   "ghcr.io/railwayapp/nixpacks:latest",
		StopGracePeriod: 30 * time.Second,
		FinalizeTimeout: 2 * time.Minute,
	}
}

// =============================================================================
// Runner
// =============================================================================

// Runner executes deployments. It implements worker.Handler.
type Runner struct {
	store     store.Store
	executors Executors
	queue     Queue
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	config    Config
	logger    *slog.Logger

	now    func() time.Time
	suffix func() string
	sleep  rollout.Sleeper
}

// NewRunner creates a runner.
func NewRunner(s store.Store, executors Executors, q Queue, config Config, logger *slog.Logger) *Runner {
	defaults := DefaultConfig()
	if config.HelperImage == "" {
		config.HelperImage = defaults.HelperImage
	}
	if config.ConfigDir == "" {
		config.ConfigDir = defaults.ConfigDir
	}
	if config.NixpacksImage == "" {
		config.NixpacksImage = defaults.NixpacksImage
	}
	if config.StopGracePeriod <= 0 {
		config.StopGracePeriod = defaults.StopGracePeriod
	}
	if config.FinalizeTimeout <= 0 {
		config.FinalizeTimeout = defaults.FinalizeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     s,
		executors: executors,
		queue:     q,
		notifier:  notify.Discard{},
		config:    config,
		logger:    logger.With("component", "pipeline"),
		now:       func() time.Time { return time.Now().UTC() },
		suffix:    randomSuffix,
		sleep:     rollout.SleepContext,
	}
}

// SetNotifier sets where deployment events are delivered.
func (r *Runner) SetNotifier(n notify.Notifier) {
	if n == nil {
		n = notify.Discard{}
	}
	r.notifier = n
}

// SetMetrics enables instrumentation.
func (r *Runner) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Handle runs one IN_PROGRESS entry to completion.
func (r *Runner) Handle(ctx context.Context, entry domain.QueueEntry) {
	logger := r.logger.With("deployment_uuid", entry.DeploymentUUID)
	d, err := r.load(ctx, entry, logger)
	if err != nil {
		logger.Error("failed to load deployment", "error", err)
		r.abort(ctx, entry, err)
		return
	}

	d.log.Info(fmt.Sprintf("Starting deployment of %s (%s) to %s.", d.app.Name, d.strategy.Kind(), d.server.Name))
	d.logger.Info("deployment started", "strategy", d.strategy.Kind())
	r.notify(ctx, d, domain.QueueStatusInProgress, "")

	p, err := r.execute(ctx, d)
	r.finalize(ctx, d, p, strategy.Classify(err))
}

// load gathers everything a run needs. The strategy and the initial plan
// are fixed here.
func (r *Runner) load(ctx context.Context, entry domain.QueueEntry, logger *slog.Logger) (*deployment, error) {
	app, err := r.store.GetApplication(ctx, entry.ApplicationID)
	if err != nil {
		return nil, fmt.Errorf("load application: %w", err)
	}
	server, err := r.store.GetServer(ctx, entry.ServerID)
	if err != nil {
		return nil, fmt.Errorf("load server: %w", err)
	}
	dest, err := r.store.GetDestination(ctx, entry.DestinationID)
	if err != nil {
		return nil, fmt.Errorf("load destination: %w", err)
	}
	ex, err := r.executors.Get(server)
	if err != nil {
		return nil, fmt.Errorf("connect to server %s: %w", server.Name, err)
	}

	e := entry
	return &deployment{
		entry:    e,
		app:      app,
		server:   server,
		dest:     dest,
		ex:       ex,
		strategy: strategy.Select(app, &e),
		initial:  plan.New(app, dest, &e, r.config.ConfigDir, r.now(), r.suffix()),
		helper:   entry.DeploymentUUID,
		log:      newDeploymentLog(r.store, entry.DeploymentUUID, r.now, logger),
		logger:   logger.With("application", app.Name, "server", server.Name),
	}, nil
}

// abort fails an entry that could not even be loaded.
func (r *Runner) abort(ctx context.Context, entry domain.QueueEntry, cause error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.FinalizeTimeout)
	defer cancel()

	log := newDeploymentLog(r.store, entry.DeploymentUUID, r.now, r.logger)
	log.Error(fmt.Sprintf("Deployment failed: %v", cause))
	if _, err := r.queue.Complete(ctx, entry, domain.QueueStatusFailed); err != nil {
		r.logger.Error("failed to complete deployment", "deployment_uuid", entry.DeploymentUUID, "error", err)
	}
	r.metrics.DeploymentFinished(string(strategy.OutcomeFailed))
}

// =============================================================================
// Execution
// =============================================================================

// stage is one step of a pipeline. It receives the plan built so far and
// returns the plan for the next step.
type stage struct {
	name strategy.Step
	fn   func(ctx context.Context, d *deployment, p plan.BuildPlan) (plan.BuildPlan, error)
}

// execute runs the steps of the deployment's strategy and returns the last
// plan, which the post-deployment hook needs even after a failure.
func (r *Runner) execute(ctx context.Context, d *deployment) (plan.BuildPlan, error) {
	p := d.initial

	// Prepare runs first on its own: the cache check that decides the
	// remaining steps needs the helper container.
	p, err := r.runStage(ctx, d, p, stage{strategy.StepPrepare, r.prepare})
	if err != nil {
		return p, err
	}

	p, err = r.resolve(ctx, d, p)
	if err != nil {
		return p, strategy.Fail(strategy.StepPrepare, false, err)
	}

	for _, step := range d.steps {
		if step == strategy.StepPrepare {
			continue
		}
		p, err = r.runStage(ctx, d, p, r.stageFor(step))
		if err != nil {
			return p, err
		}
	}
	return p, nil
}

func (r *Runner) stageFor(step strategy.Step) stage {
	switch step {
	case strategy.StepClone:
		return stage{step, r.clone}
	case strategy.StepPullImage:
		return stage{step, r.pull}
	case strategy.StepGenerate:
		return stage{step, r.generate}
	case strategy.StepBuild:
		return stage{step, r.build}
	case strategy.StepPush:
		return stage{step, r.push}
	case strategy.StepRollout:
		return stage{step, r.rollout}
	default:
		panic(fmt.Sprintf("pipeline: no stage for step %q", step))
	}
}

// runStage checks for cancellation, runs the stage and wraps its error with
// the stage name.
func (r *Runner) runStage(ctx context.Context, d *deployment, p plan.BuildPlan, s stage) (plan.BuildPlan, error) {
	if err := r.checkCancelled(ctx, d); err != nil {
		return p, err
	}

	start := time.Now()
	next, err := s.fn(ctx, d, p)
	r.metrics.ObserveStage(string(s.name), time.Since(start))
	if err != nil {
		if ctx.Err() == nil {
			if cerr := r.checkCancelled(ctx, d); cerr != nil {
				return p, cerr
			}
		}
		return next, strategy.Fail(s.name, d.pushed, err)
	}
	d.logger.Debug("stage completed", "stage", s.name, "duration", time.Since(start))
	return next, nil
}

// checkCancelled re-reads the persisted status of the entry.
func (r *Runner) checkCancelled(ctx context.Context, d *deployment) error {
	cancelled, err := r.queue.IsCancelled(ctx, d.entry.ID)
	if err != nil {
		return fmt.Errorf("read deployment status: %w", err)
	}
	if cancelled {
		return strategy.ErrCancelled
	}
	return nil
}

// run executes a batch on the deployment's server and writes every command
// to the deployment log.
func (r *Runner) run(ctx context.Context, d *deployment, batch ...command.Command) (map[string]string, error) {
	d.log.NextBatch()
	return remote.RunBatch(ctx, d.ex, batch, d.helper, d.log.Observe)
}

func (r *Runner) notify(ctx context.Context, d *deployment, status domain.QueueStatus, message string) {
	event := notify.EventFor(status)
	err := r.notifier.Notify(ctx, event, notify.Payload{
		Application:    d.app.Name,
		ApplicationID:  d.app.ID,
		DeploymentUUID: d.entry.DeploymentUUID,
		Status:         status,
		Message:        message,
		Timestamp:      r.now(),
	})
	if err != nil {
		d.logger.Warn("failed to deliver notification", "event", event, "error", err)
	}
}

func randomSuffix() string {
	b := make([]byte, 3)
	if _, err := rand.Read(b); err != nil {
		return ""
	}
	return hex.EncodeToString(b)
}
