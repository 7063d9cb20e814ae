// Package queue contains the pure admission rules of the deployment queue.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// The shell-side manager loads a Snapshot from persistence, asks these
// functions what may start, and applies the answer with conditional updates.
package queue

import (
	"sort"

	"github.com/artpar/keel/internal/core/domain"
)

// =============================================================================
// Decisions
// =============================================================================

// Reason explains an admission decision.
type Reason string

const (
	ReasonAdmitted          Reason = "admitted"
	ReasonSingleFlight      Reason = "application already has a deployment in progress"
	ReasonCapacity          Reason = "server build capacity reached"
	ReasonNotQueued         Reason = "entry is not queued"
	ReasonServerUnavailable Reason = "server is not reachable or not usable"
)

// Decision is the result of evaluating one entry.
type Decision struct {
	Admit  bool
	Reason Reason
}

// Snapshot is the live state admission is evaluated against.
type Snapshot struct {
	// ConcurrentBuilds is the server's ceiling.
	ConcurrentBuilds int

	// ServerAvailable is false when the server is unreachable or unusable.
	ServerAvailable bool

	// InProgress holds every IN_PROGRESS entry on the server plus every
	// IN_PROGRESS entry sharing a single-flight key with a candidate, even
	// when it runs on another server.
	InProgress []domain.QueueEntry
}

// CountOnServer counts IN_PROGRESS entries on the given server.
func (s Snapshot) CountOnServer(serverID int64) int {
	n := 0
	for _, e := range s.InProgress {
		if e.ServerID == serverID {
			n++
		}
	}
	return n
}

func (s Snapshot) busyKeys() map[domain.SingleFlightKey]bool {
	keys := make(map[domain.SingleFlightKey]bool, len(s.InProgress))
	for _, e := range s.InProgress {
		keys[e.Key()] = true
	}
	return keys
}

// =============================================================================
// Admission
// =============================================================================

// Admit decides whether a single QUEUED entry may start now: no other entry
// with the same (application, pull request) may be running, and the server's
// running count must be strictly below its ceiling.
func Admit(entry domain.QueueEntry, snap Snapshot) Decision {
	if entry.Status != domain.QueueStatusQueued {
		return Decision{Reason: ReasonNotQueued}
	}
	if !snap.ServerAvailable {
		return Decision{Reason: ReasonServerUnavailable}
	}
	for _, running := range snap.InProgress {
		if running.ID != entry.ID && running.Key() == entry.Key() {
			return Decision{Reason: ReasonSingleFlight}
		}
	}
	if snap.CountOnServer(entry.ServerID) >= ceiling(snap.ConcurrentBuilds) {
		return Decision{Reason: ReasonCapacity}
	}
	return Decision{Admit: true, Reason: ReasonAdmitted}
}

// NextAdmissible scans queued entries of one server in FIFO order and returns
// the ones that may start, as many as capacity allows. An entry blocked by
// single-flight is skipped without blocking later entries.
func NextAdmissible(serverID int64, queued []domain.QueueEntry, snap Snapshot) []domain.QueueEntry {
	if !snap.ServerAvailable {
		return nil
	}

	ordered := make([]domain.QueueEntry, 0, len(queued))
	for _, e := range queued {
		if e.Status == domain.QueueStatusQueued && e.ServerID == serverID {
			ordered = append(ordered, e)
		}
	}
	SortFIFO(ordered)

	running := snap.CountOnServer(serverID)
	limit := ceiling(snap.ConcurrentBuilds)
	busy := snap.busyKeys()

	var admitted []domain.QueueEntry
	for _, e := range ordered {
		if running >= limit {
			break
		}
		if busy[e.Key()] {
			continue
		}
		admitted = append(admitted, e)
		busy[e.Key()] = true
		running++
	}
	return admitted
}

// FindDuplicate returns the in-flight entry that a new request for
// (application, commit, pull request) would duplicate, or nil.
func FindDuplicate(active []domain.QueueEntry, applicationID int64, commit string, pullRequestID int) *domain.QueueEntry {
	for i := range active {
		e := &active[i]
		if !e.Status.IsActive() {
			continue
		}
		if e.ApplicationID == applicationID && e.Commit == commit && e.PullRequestID == pullRequestID {
			return e
		}
	}
	return nil
}

// SortFIFO orders entries by creation time, then by id.
func SortFIFO(entries []domain.QueueEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
}

func ceiling(concurrentBuilds int) int {
	if concurrentBuilds < 1 {
		return 1
	}
	return concurrentBuilds
}
