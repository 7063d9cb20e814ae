package store

import (
	"context"
	"time"

	"github.com/artpar/keel/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface of the deployment engine.
type Store interface {
	// Application operations
	SaveApplication(ctx context.Context, app *domain.Application) error
	GetApplication(ctx context.Context, id int64) (*domain.Application, error)
	GetApplicationByUUID(ctx context.Context, uuid string) (*domain.Application, error)
	RecordConfigHash(ctx context.Context, applicationID int64, hash string) error

	// Server operations
	SaveServer(ctx context.Context, server *domain.Server) error
	GetServer(ctx context.Context, id int64) (*domain.Server, error)
	ListServers(ctx context.Context) ([]domain.Server, error)
	UpdateServerReachability(ctx context.Context, id int64, reachable, usable bool, message string, at time.Time) error

	// Destination operations
	SaveDestination(ctx context.Context, dest *domain.Destination) error
	GetDestination(ctx context.Context, id int64) (*domain.Destination, error)

	// Queue operations
	CreateQueueEntry(ctx context.Context, entry *domain.QueueEntry) error
	GetQueueEntry(ctx context.Context, id int64) (*domain.QueueEntry, error)
	GetQueueEntryByUUID(ctx context.Context, deploymentUUID string) (*domain.QueueEntry, error)
	ListActiveEntriesForApplication(ctx context.Context, applicationID int64) ([]domain.QueueEntry, error)
	ListQueuedEntries(ctx context.Context, serverID int64) ([]domain.QueueEntry, error)
	ListInProgressEntries(ctx context.Context) ([]domain.QueueEntry, error)
	ListServerEntries(ctx context.Context, serverID int64, opts ListOptions) ([]domain.QueueEntry, error)
	ListServersWithQueuedEntries(ctx context.Context) ([]int64, error)

	// TransitionQueueEntry moves an entry to status only if its current
	// status may transition there. It reports whether a row changed, so a
	// concurrent transition (a cancel, another promoter) is never overwritten.
	TransitionQueueEntry(ctx context.Context, id int64, to domain.QueueStatus, at time.Time) (bool, error)

	// Deployment log operations
	AppendLog(ctx context.Context, deploymentUUID string, entry domain.LogEntry) (domain.LogEntry, error)
	ListLogs(ctx context.Context, deploymentUUID string, after int, includeHidden bool) ([]domain.LogEntry, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
