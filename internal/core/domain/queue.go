package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Queue Errors
// =============================================================================

var (
	// ErrInvalidTransition is returned when a status change would break monotonicity.
	ErrInvalidTransition = errors.New("invalid queue status transition")

	// ErrEntryNotActive is returned when an operation needs a queued or running entry.
	ErrEntryNotActive = errors.New("deployment is not queued or in progress")
)

// =============================================================================
// Queue Status
// =============================================================================

// QueueStatus is the lifecycle state of a DeploymentQueueEntry.
type QueueStatus string

const (
	QueueStatusQueued     QueueStatus = "queued"
	QueueStatusInProgress QueueStatus = "in_progress"
	QueueStatusFinished   QueueStatus = "finished"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled-by-user"
)

// queueTransitions lists the statuses reachable from each status.
var queueTransitions = map[QueueStatus][]QueueStatus{
	QueueStatusQueued:     {QueueStatusInProgress, QueueStatusCancelled, QueueStatusFailed},
	QueueStatusInProgress: {QueueStatusFinished, QueueStatusFailed, QueueStatusCancelled},
	QueueStatusFinished:   {},
	QueueStatusFailed:     {},
	QueueStatusCancelled:  {},
}

// IsValid checks if the status is known.
func (s QueueStatus) IsValid() bool {
	_, ok := queueTransitions[s]
	return ok
}

// CanTransitionTo reports whether s -> next is allowed.
func (s QueueStatus) CanTransitionTo(next QueueStatus) bool {
	for _, allowed := range queueTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s QueueStatus) IsTerminal() bool {
	return s.IsValid() && len(queueTransitions[s]) == 0
}

// IsActive reports whether the entry is queued or running.
func (s QueueStatus) IsActive() bool {
	return s == QueueStatusQueued || s == QueueStatusInProgress
}

// SourcesFor returns every status that may transition into next.
func SourcesFor(next QueueStatus) []QueueStatus {
	var out []QueueStatus
	for _, from := range []QueueStatus{QueueStatusQueued, QueueStatusInProgress} {
		if from.CanTransitionTo(next) {
			out = append(out, from)
		}
	}
	return out
}

// =============================================================================
// Queue Entry
// =============================================================================

// DeploymentFlags are the caller-supplied switches of a deploy request.
type DeploymentFlags struct {
	ForceRebuild     bool `json:"force_rebuild,omitempty"`
	RestartOnly      bool `json:"restart_only,omitempty"`
	Rollback         bool `json:"rollback,omitempty"`
	OnlyThisServer   bool `json:"only_this_server,omitempty"`
	NoQuestionsAsked bool `json:"no_questions_asked,omitempty"`
}

// BypassesDedupe reports whether a request may create a duplicate in-flight entry.
func (f DeploymentFlags) BypassesDedupe() bool {
	return f.ForceRebuild || f.Rollback || f.NoQuestionsAsked
}

// QueueEntry is one attempt to deploy a commit (or pull request) of an
// application to a server/destination.
type QueueEntry struct {
	ID             int64       `json:"id"`
	DeploymentUUID string      `json:"deployment_uuid"`
	ApplicationID  int64       `json:"application_id"`
	ServerID       int64       `json:"server_id"`
	DestinationID  int64       `json:"destination_id"`
	Commit         string      `json:"commit"`
	PullRequestID  int         `json:"pull_request_id"`
	Status         QueueStatus `json:"status"`

	ForceRebuild   bool `json:"force_rebuild"`
	RestartOnly    bool `json:"restart_only"`
	Rollback       bool `json:"rollback"`
	OnlyThisServer bool `json:"only_this_server"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// NewQueueEntry creates a QUEUED entry for the given application and destination.
func NewQueueEntry(app *Application, dest *Destination, commit string, pullRequestID int, flags DeploymentFlags) *QueueEntry {
	if commit == "" {
		commit = app.Source.GitCommitSHA
	}
	if commit == "" {
		commit = "HEAD"
	}
	now := time.Now().UTC()
	return &QueueEntry{
		DeploymentUUID: uuid.NewString(),
		ApplicationID:  app.ID,
		ServerID:       dest.ServerID,
		DestinationID:  dest.ID,
		Commit:         commit,
		PullRequestID:  pullRequestID,
		Status:         QueueStatusQueued,
		ForceRebuild:   flags.ForceRebuild,
		RestartOnly:    flags.RestartOnly,
		Rollback:       flags.Rollback,
		OnlyThisServer: flags.OnlyThisServer,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// SingleFlightKey identifies entries that must never run concurrently.
type SingleFlightKey struct {
	ApplicationID int64
	PullRequestID int
}

func (k SingleFlightKey) String() string {
	return fmt.Sprintf("%d/pr-%d", k.ApplicationID, k.PullRequestID)
}

// Key returns the single-flight key of the entry.
func (e *QueueEntry) Key() SingleFlightKey {
	return SingleFlightKey{ApplicationID: e.ApplicationID, PullRequestID: e.PullRequestID}
}

// IsPullRequest reports whether this is a preview deployment.
func (e *QueueEntry) IsPullRequest() bool {
	return e.PullRequestID != 0
}

// Transition moves the entry to next, enforcing monotonic status changes.
func (e *QueueEntry) Transition(next QueueStatus, at time.Time) error {
	if !e.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}
	e.Status = next
	e.UpdatedAt = at
	if next.IsTerminal() {
		e.FinishedAt = &at
	}
	return nil
}

// =============================================================================
// Deployment Log
// =============================================================================

// LogType tells which stream a log line came from.
type LogType string

const (
	LogTypeStdout LogType = "stdout"
	LogTypeStderr LogType = "stderr"
)

// LogEntry is one line of the structured, ordered deployment log.
type LogEntry struct {
	Order     int       `json:"order"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command,omitempty"`
	Output    string    `json:"output"`
	Type      LogType   `json:"type"`
	Hidden    bool      `json:"hidden"`
	Batch     int       `json:"batch"`
}
