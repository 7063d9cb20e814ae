// Package queue owns the deployment queue: it creates entries, admits them
// against live server state and hands admitted entries to a dispatcher.
// This is part of the Imperative Shell - it loads state and calls the pure
// admission rules in internal/core/queue.
//
// The Manager is the only writer of queue entry status apart from the
// pipeline's own completion, which also goes through Complete.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/keel/internal/core/domain"
	corequeue "github.com/artpar/keel/internal/core/queue"
	"github.com/artpar/keel/internal/shell/metrics"
	"github.com/artpar/keel/internal/shell/notify"
	"github.com/artpar/keel/internal/shell/store"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrNoDispatcher is returned when an entry is admitted before a dispatcher was set.
	ErrNoDispatcher = errors.New("no dispatcher configured")

	// ErrNotQueued is returned by ForceStart for entries that are not QUEUED.
	ErrNotQueued = errors.New("deployment is not queued")
)

// =============================================================================
// Types
// =============================================================================

// Dispatcher runs admitted entries. Dispatch must not block on the
// deployment itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, entry domain.QueueEntry) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, entry domain.QueueEntry) error

func (f DispatcherFunc) Dispatch(ctx context.Context, entry domain.QueueEntry) error {
	return f(ctx, entry)
}

// EnqueueStatus tells whether a request created an entry.
type EnqueueStatus string

const (
	EnqueueQueued  EnqueueStatus = "queued"
	EnqueueSkipped EnqueueStatus = "skipped"
)

// EnqueueResult is the answer to a deploy request. Entry is the new entry,
// or the in-flight one a skipped request duplicates.
type EnqueueResult struct {
	Status EnqueueStatus      `json:"status"`
	Entry  *domain.QueueEntry `json:"entry"`
}

// Request is a deploy request.
type Request struct {
	ApplicationID int64
	Commit        string
	PullRequestID int
	Flags         domain.DeploymentFlags
}

// =============================================================================
// Manager
// =============================================================================

// Manager implements enqueue, admission, promotion and the administrative
// controls of the deployment queue.
type Manager struct {
	store      store.Store
	dispatcher Dispatcher
	notifier   notify.Notifier
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time

	// mu serializes admission so two promoters in this process never read
	// the same snapshot. Status updates are conditional as well, so a
	// cancel from elsewhere is never overwritten.
	mu sync.Mutex
}

// NewManager creates a queue manager. The dispatcher may be set later with
// SetDispatcher, since the worker pool usually needs the manager first.
func NewManager(s store.Store, d Dispatcher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:      s,
		dispatcher: d,
		notifier:   notify.Discard{},
		logger:     logger.With("component", "queue"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetDispatcher sets the dispatcher of admitted entries.
func (m *Manager) SetDispatcher(d Dispatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatcher = d
}

// SetNotifier sets where queue events are delivered.
func (m *Manager) SetNotifier(n notify.Notifier) {
	if n == nil {
		n = notify.Discard{}
	}
	m.notifier = n
}

// SetMetrics enables instrumentation.
func (m *Manager) SetMetrics(mt *metrics.Metrics) {
	m.metrics = mt
}

// Enqueue creates a QUEUED entry for the request, unless an identical
// deployment is already queued or running and no override flag is set, in
// which case the existing entry is returned as skipped. A queued entry is
// promoted right away when its server has capacity.
func (m *Manager) Enqueue(ctx context.Context, req Request) (EnqueueResult, error) {
	app, err := m.store.GetApplication(ctx, req.ApplicationID)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("load application %d: %w", req.ApplicationID, err)
	}
	dest, err := m.store.GetDestination(ctx, app.DestinationID)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("load destination of application %s: %w", app.Name, err)
	}

	entry := domain.NewQueueEntry(app, dest, req.Commit, req.PullRequestID, req.Flags)
	entry.CreatedAt = m.now()
	entry.UpdatedAt = entry.CreatedAt

	var result EnqueueResult
	m.mu.Lock()
	err = m.store.WithTx(ctx, func(tx store.Store) error {
		if !req.Flags.BypassesDedupe() {
			active, err := tx.ListActiveEntriesForApplication(ctx, app.ID)
			if err != nil {
				return err
			}
			if dup := corequeue.FindDuplicate(active, app.ID, entry.Commit, entry.PullRequestID); dup != nil {
				result = EnqueueResult{Status: EnqueueSkipped, Entry: dup}
				return nil
			}
		}
		if err := tx.CreateQueueEntry(ctx, entry); err != nil {
			return err
		}
		_, err := tx.AppendLog(ctx, entry.DeploymentUUID, domain.LogEntry{
			Timestamp: entry.CreatedAt,
			Output:    fmt.Sprintf("Deployment queued for commit %s.", entry.Commit),
		})
		if err != nil {
			return err
		}
		result = EnqueueResult{Status: EnqueueQueued, Entry: entry}
		return nil
	})
	m.mu.Unlock()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue application %s: %w", app.Name, err)
	}

	logger := m.logger.With("application", app.Name, "commit", entry.Commit, "pull_request_id", entry.PullRequestID)
	if result.Status == EnqueueSkipped {
		m.metrics.AdmissionDecided("skipped")
		logger.Info("deployment already in flight, skipping", "deployment_uuid", result.Entry.DeploymentUUID)
		return result, nil
	}

	logger.Info("deployment queued", "deployment_uuid", entry.DeploymentUUID)
	m.notify(ctx, notify.EventQueued, app, entry, "")

	if _, err := m.PromoteNext(ctx, entry.ServerID); err != nil {
		return result, err
	}
	if current, err := m.store.GetQueueEntry(ctx, entry.ID); err == nil {
		result.Entry = current
	}
	return result, nil
}

// Admit evaluates a single entry against live state without changing it.
func (m *Manager) Admit(ctx context.Context, entry domain.QueueEntry) (corequeue.Decision, error) {
	snap, err := m.snapshot(ctx, m.store, entry.ServerID)
	if err != nil {
		return corequeue.Decision{}, err
	}
	return corequeue.Admit(entry, snap), nil
}

// PromoteNext admits as many QUEUED entries of the server as capacity
// allows, in FIFO order, moves them to IN_PROGRESS and dispatches them.
// It returns the entries that were started.
func (m *Manager) PromoteNext(ctx context.Context, serverID int64) ([]domain.QueueEntry, error) {
	m.mu.Lock()
	dispatcher := m.dispatcher
	var started []domain.QueueEntry
	var deferred int
	err := m.store.WithTx(ctx, func(tx store.Store) error {
		snap, err := m.snapshot(ctx, tx, serverID)
		if err != nil {
			return err
		}
		queued, err := tx.ListQueuedEntries(ctx, serverID)
		if err != nil {
			return err
		}
		admitted := corequeue.NextAdmissible(serverID, queued, snap)
		deferred = len(queued) - len(admitted)

		now := m.now()
		for _, e := range admitted {
			ok, err := tx.TransitionQueueEntry(ctx, e.ID, domain.QueueStatusInProgress, now)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			e.Status = domain.QueueStatusInProgress
			e.UpdatedAt = now
			started = append(started, e)
		}
		m.metrics.SetInProgress(serverID, snap.CountOnServer(serverID)+len(started))
		return nil
	})
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("promote queue of server %d: %w", serverID, err)
	}

	for range started {
		m.metrics.AdmissionDecided("admitted")
	}
	for i := 0; i < deferred; i++ {
		m.metrics.AdmissionDecided("deferred")
	}
	if len(started) > 0 || deferred > 0 {
		m.logger.Debug("queue promoted", "server_id", serverID, "started", len(started), "waiting", deferred)
	}

	for _, e := range started {
		m.dispatch(ctx, dispatcher, e)
	}
	return started, nil
}

// Cancel marks a QUEUED or IN_PROGRESS entry CANCELLED_BY_USER. A running
// pipeline observes the status at its next stage boundary.
func (m *Manager) Cancel(ctx context.Context, deploymentUUID string) (*domain.QueueEntry, error) {
	entry, err := m.store.GetQueueEntryByUUID(ctx, deploymentUUID)
	if err != nil {
		return nil, err
	}

	ok, err := m.store.TransitionQueueEntry(ctx, entry.ID, domain.QueueStatusCancelled, m.now())
	if err != nil {
		return nil, fmt.Errorf("cancel deployment %s: %w", deploymentUUID, err)
	}
	if !ok {
		return nil, fmt.Errorf("cancel deployment %s (%s): %w", deploymentUUID, entry.Status, domain.ErrEntryNotActive)
	}
	entry.Status = domain.QueueStatusCancelled
	m.appendLog(ctx, deploymentUUID, "Deployment cancelled by user.", domain.LogTypeStderr)
	m.logger.Info("deployment cancelled", "deployment_uuid", deploymentUUID)

	if app, err := m.store.GetApplication(ctx, entry.ApplicationID); err == nil {
		m.notify(ctx, notify.EventCancelled, app, entry, "cancelled by user")
	}

	if _, err := m.PromoteNext(ctx, entry.ServerID); err != nil {
		m.logger.Error("failed to promote after cancel", "server_id", entry.ServerID, "error", err)
	}
	return m.store.GetQueueEntry(ctx, entry.ID)
}

// ForceStart moves a QUEUED entry straight to IN_PROGRESS and dispatches it,
// bypassing admission.
func (m *Manager) ForceStart(ctx context.Context, deploymentUUID string) (*domain.QueueEntry, error) {
	entry, err := m.store.GetQueueEntryByUUID(ctx, deploymentUUID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	dispatcher := m.dispatcher
	ok, err := m.store.TransitionQueueEntry(ctx, entry.ID, domain.QueueStatusInProgress, m.now())
	m.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("force start deployment %s: %w", deploymentUUID, err)
	}
	if !ok {
		return nil, fmt.Errorf("force start deployment %s (%s): %w", deploymentUUID, entry.Status, ErrNotQueued)
	}

	m.metrics.AdmissionDecided("forced")
	m.appendLog(ctx, deploymentUUID, "Deployment force-started, admission bypassed.", domain.LogTypeStdout)
	m.logger.Warn("deployment force-started", "deployment_uuid", deploymentUUID)

	entry.Status = domain.QueueStatusInProgress
	m.dispatch(ctx, dispatcher, *entry)
	return m.store.GetQueueEntry(ctx, entry.ID)
}

// Complete records the final status of a running entry and promotes the
// next entries of its server. It reports false when the entry had already
// left IN_PROGRESS, e.g. because it was cancelled meanwhile; that status is
// kept.
func (m *Manager) Complete(ctx context.Context, entry domain.QueueEntry, status domain.QueueStatus) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a final status", domain.ErrInvalidTransition, status)
	}
	ok, err := m.store.TransitionQueueEntry(ctx, entry.ID, status, m.now())
	if err != nil {
		return false, fmt.Errorf("complete deployment %s: %w", entry.DeploymentUUID, err)
	}
	if !ok {
		m.logger.Info("deployment already left in_progress, keeping its status",
			"deployment_uuid", entry.DeploymentUUID, "wanted", status)
	}

	if _, err := m.PromoteNext(ctx, entry.ServerID); err != nil {
		return ok, err
	}
	return ok, nil
}

// Abandon fails an entry whose handler crashed, so its slot is released and
// the next entries of the server are promoted.
func (m *Manager) Abandon(ctx context.Context, entry domain.QueueEntry) {
	m.appendLog(ctx, entry.DeploymentUUID, "Deployment aborted by an internal error.", domain.LogTypeStderr)
	if _, err := m.Complete(ctx, entry, domain.QueueStatusFailed); err != nil {
		m.logger.Error("failed to abandon deployment", "deployment_uuid", entry.DeploymentUUID, "error", err)
	}
}

// IsCancelled re-reads the persisted status of an entry.
func (m *Manager) IsCancelled(ctx context.Context, entryID int64) (bool, error) {
	entry, err := m.store.GetQueueEntry(ctx, entryID)
	if err != nil {
		return false, err
	}
	return entry.Status == domain.QueueStatusCancelled, nil
}

// Resume prepares the queue after a restart. Entries left IN_PROGRESS by a
// previous process have no worker any more and are failed; then every
// server with QUEUED entries is promoted.
func (m *Manager) Resume(ctx context.Context) error {
	orphans, err := m.store.ListInProgressEntries(ctx)
	if err != nil {
		return fmt.Errorf("list orphaned deployments: %w", err)
	}
	for _, e := range orphans {
		ok, err := m.store.TransitionQueueEntry(ctx, e.ID, domain.QueueStatusFailed, m.now())
		if err != nil {
			return fmt.Errorf("fail orphaned deployment %s: %w", e.DeploymentUUID, err)
		}
		if ok {
			m.appendLog(ctx, e.DeploymentUUID, "Deployment interrupted by a restart of the deployment engine.", domain.LogTypeStderr)
			m.logger.Warn("failed orphaned deployment", "deployment_uuid", e.DeploymentUUID)
		}
	}

	servers, err := m.store.ListServersWithQueuedEntries(ctx)
	if err != nil {
		return fmt.Errorf("list servers with queued deployments: %w", err)
	}
	for _, id := range servers {
		if _, err := m.PromoteNext(ctx, id); err != nil {
			return err
		}
	}
	m.logger.Info("queue resumed", "orphaned", len(orphans), "servers", len(servers))
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func (m *Manager) snapshot(ctx context.Context, s store.Store, serverID int64) (corequeue.Snapshot, error) {
	server, err := s.GetServer(ctx, serverID)
	if err != nil {
		return corequeue.Snapshot{}, fmt.Errorf("load server %d: %w", serverID, err)
	}
	running, err := s.ListInProgressEntries(ctx)
	if err != nil {
		return corequeue.Snapshot{}, err
	}
	return corequeue.Snapshot{
		ConcurrentBuilds: server.ConcurrentBuilds,
		ServerAvailable:  server.IsFunctional(),
		InProgress:       running,
	}, nil
}

// dispatch hands an IN_PROGRESS entry to the dispatcher. When that fails the
// entry can never run, so it is failed and the next one promoted.
func (m *Manager) dispatch(ctx context.Context, d Dispatcher, entry domain.QueueEntry) {
	err := ErrNoDispatcher
	if d != nil {
		err = d.Dispatch(ctx, entry)
	}
	if err == nil {
		return
	}

	m.logger.Error("failed to dispatch deployment", "deployment_uuid", entry.DeploymentUUID, "error", err)
	m.appendLog(ctx, entry.DeploymentUUID, fmt.Sprintf("Deployment could not be started: %v", err), domain.LogTypeStderr)
	if _, cerr := m.Complete(ctx, entry, domain.QueueStatusFailed); cerr != nil {
		m.logger.Error("failed to fail undispatched deployment", "deployment_uuid", entry.DeploymentUUID, "error", cerr)
	}
}

func (m *Manager) appendLog(ctx context.Context, deploymentUUID, line string, typ domain.LogType) {
	_, err := m.store.AppendLog(ctx, deploymentUUID, domain.LogEntry{Timestamp: m.now(), Output: line, Type: typ})
	if err != nil {
		m.logger.Error("failed to append deployment log", "deployment_uuid", deploymentUUID, "error", err)
	}
}

func (m *Manager) notify(ctx context.Context, event notify.Event, app *domain.Application, entry *domain.QueueEntry, message string) {
	err := m.notifier.Notify(ctx, event, notify.Payload{
		Application:    app.Name,
		ApplicationID:  app.ID,
		DeploymentUUID: entry.DeploymentUUID,
		Status:         entry.Status,
		Message:        message,
		Timestamp:      m.now(),
	})
	if err != nil {
		m.logger.Warn("failed to deliver notification", "event", event, "error", err)
	}
}
