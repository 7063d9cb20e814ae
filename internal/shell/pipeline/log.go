package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/shell/remote"
	"github.com/artpar/keel/internal/shell/store"
)

// deploymentLog appends the lines of one deployment to the store. Writes
// use a context detached from the run so the last lines of a cancelled
// deployment are kept.
type deploymentLog struct {
	store  store.Store
	uuid   string
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	batch int
}

func newDeploymentLog(s store.Store, uuid string, now func() time.Time, logger *slog.Logger) *deploymentLog {
	return &deploymentLog{store: s, uuid: uuid, now: now, logger: logger}
}

// NextBatch starts a new command batch. Lines of one batch share a number.
func (l *deploymentLog) NextBatch() {
	l.mu.Lock()
	l.batch++
	l.mu.Unlock()
}

// Info appends a plain status line.
func (l *deploymentLog) Info(line string) {
	l.append(domain.LogEntry{Output: line, Type: domain.LogTypeStdout})
}

// Error appends a status line on the error stream.
func (l *deploymentLog) Error(line string) {
	l.append(domain.LogEntry{Output: line, Type: domain.LogTypeStderr})
}

// Observe records a command result. It is a remote.Observer.
func (l *deploymentLog) Observe(res remote.Result) {
	line := res.Line
	if line == "" {
		line = res.Command.String()
	}
	typ := domain.LogTypeStdout
	if res.ExitCode != 0 {
		typ = domain.LogTypeStderr
	}
	l.append(domain.LogEntry{
		Command: line,
		Output:  res.Output(),
		Type:    typ,
		Hidden:  res.Command.Hidden,
	})
}

func (l *deploymentLog) append(entry domain.LogEntry) {
	l.mu.Lock()
	entry.Batch = l.batch
	l.mu.Unlock()
	entry.Timestamp = l.now()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := l.store.AppendLog(ctx, l.uuid, entry); err != nil {
		l.logger.Error("failed to append deployment log", "error", err)
	}
}
