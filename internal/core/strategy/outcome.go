package strategy

import (
	"errors"
	"fmt"

	"github.com/artpar/keel/internal/core/domain"
)

// ErrCancelled is returned by a stage that observed a user cancellation.
var ErrCancelled = errors.New("deployment cancelled by user")

// =============================================================================
// Stage Errors
// =============================================================================

// StageError records which stage failed and whether the registry already
// holds the new image.
type StageError struct {
	Stage  Step
	Pushed bool
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Fail wraps err as a failure of stage. A nil err stays nil.
func Fail(stage Step, pushed bool, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Pushed: pushed, Err: err}
}

// ErrUnhealthy is wrapped by rollout failures caused by a failed health check.
var ErrUnhealthy = errors.New("new container did not become healthy")

// =============================================================================
// Outcome
// =============================================================================

// OutcomeKind tags how a pipeline ended.
type OutcomeKind string

const (
	OutcomeSuccess                 OutcomeKind = "success"
	OutcomeCancelled               OutcomeKind = "cancelled"
	OutcomeBuildFailed             OutcomeKind = "build_failed"
	OutcomePushFailed              OutcomeKind = "push_failed"
	OutcomePushSucceededThenFailed OutcomeKind = "push_succeeded_then_failed"
	OutcomeHealthCheckFailed       OutcomeKind = "health_check_failed"
	OutcomeFailed                  OutcomeKind = "failed"
)

// Outcome is the typed result of a pipeline run.
type Outcome struct {
	Kind  OutcomeKind
	Stage Step
	Err   error
}

// Classify turns the error a pipeline returned into an Outcome.
func Classify(err error) Outcome {
	if err == nil {
		return Outcome{Kind: OutcomeSuccess}
	}
	if errors.Is(err, ErrCancelled) {
		return Outcome{Kind: OutcomeCancelled, Err: err}
	}

	var se *StageError
	if !errors.As(err, &se) {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
	out := Outcome{Stage: se.Stage, Err: err}
	switch {
	case se.Stage == StepBuild:
		out.Kind = OutcomeBuildFailed
	case se.Stage == StepPush:
		out.Kind = OutcomePushFailed
	case se.Pushed:
		out.Kind = OutcomePushSucceededThenFailed
	case errors.Is(err, ErrUnhealthy):
		out.Kind = OutcomeHealthCheckFailed
	default:
		out.Kind = OutcomeFailed
	}
	return out
}

// Status is the queue status an outcome ends in.
func (o Outcome) Status() domain.QueueStatus {
	switch o.Kind {
	case OutcomeSuccess:
		return domain.QueueStatusFinished
	case OutcomeCancelled:
		return domain.QueueStatusCancelled
	default:
		return domain.QueueStatusFailed
	}
}

// Succeeded reports a successful run.
func (o Outcome) Succeeded() bool {
	return o.Kind == OutcomeSuccess
}

// Message is the line written to the deployment log and notifications.
func (o Outcome) Message() string {
	switch o.Kind {
	case OutcomeSuccess:
		return "Deployment finished."
	case OutcomeCancelled:
		return "Deployment cancelled by user."
	default:
		return fmt.Sprintf("Deployment failed (%s): %v", o.Kind, o.Err)
	}
}

// RemoveNewContainer reports whether a failed run must force-remove the
// container it started. The container stays when the image was already
// pushed, and when the name is one a still-wanted deployment owns: a
// consistent or custom name, or a pull request namespace.
func (o Outcome) RemoveNewContainer(app *domain.Application, pullRequestID int) bool {
	switch o.Kind {
	case OutcomeSuccess, OutcomeCancelled, OutcomePushSucceededThenFailed:
		return false
	}
	if pullRequestID != 0 {
		return false
	}
	return !app.Network.ConsistentContainerName && app.Network.CustomContainerName == ""
}
