// Package worker runs admitted deployments on a fixed set of goroutines.
//
// Each queue entry runs on exactly one worker; the steps of one entry run
// sequentially inside its handler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/artpar/keel/internal/core/domain"
)

var (
	// ErrStopped is returned when dispatching to a pool that is not running.
	ErrStopped = errors.New("worker pool is not running")

	// ErrFull is returned when the job buffer is full.
	ErrFull = errors.New("worker pool job buffer is full")

	// ErrAlreadyRunning is returned when an entry is dispatched twice.
	ErrAlreadyRunning = errors.New("deployment is already assigned to a worker")
)

// Handler executes one deployment. It owns the entry until it returns.
type Handler interface {
	Handle(ctx context.Context, entry domain.QueueEntry)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, entry domain.QueueEntry)

func (f HandlerFunc) Handle(ctx context.Context, entry domain.QueueEntry) {
	f(ctx, entry)
}

// Config configures the pool.
type Config struct {
	// Workers is the number of concurrent deployments this process runs.
	// Default: 4.
	Workers int

	// Buffer is the number of dispatched entries waiting for a worker.
	// Default: 64.
	Buffer int
}

// Pool is a fixed-size worker pool fed through a buffered channel.
type Pool struct {
	config  Config
	handler Handler
	onPanic Handler
	logger  *slog.Logger

	mu       sync.Mutex
	jobs     chan domain.QueueEntry
	inFlight map[int64]bool
	running  bool

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New creates a stopped pool.
func New(config Config, handler Handler, logger *slog.Logger) *Pool {
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Buffer <= 0 {
		config.Buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		config:   config,
		handler:  handler,
		logger:   logger.With("component", "worker_pool"),
		inFlight: make(map[int64]bool),
	}
}

// OnPanic sets the handler that receives an entry whose handler panicked.
// The entry is still IN_PROGRESS at that point.
func (p *Pool) OnPanic(h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPanic = h
}

// Start launches the workers. Handlers receive a context derived from ctx.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	p.jobs = make(chan domain.QueueEntry, p.config.Buffer)
	p.group = &errgroup.Group{}
	p.running = true

	jobs := p.jobs
	for i := 0; i < p.config.Workers; i++ {
		id := i
		p.group.Go(func() error {
			p.work(ctx, id, jobs)
			return nil
		})
	}
	p.logger.Info("worker pool started", "workers", p.config.Workers, "buffer", p.config.Buffer)
}

// Dispatch hands an entry to the pool without waiting for a worker.
func (p *Pool) Dispatch(_ context.Context, entry domain.QueueEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return ErrStopped
	}
	if p.inFlight[entry.ID] {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, entry.DeploymentUUID)
	}

	select {
	case p.jobs <- entry:
		p.inFlight[entry.ID] = true
		return nil
	default:
		return ErrFull
	}
}

// Stop stops accepting entries and waits for the workers to drain the
// buffer. When ctx ends first, running handlers are cancelled and Stop
// waits for them to return.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.jobs)
	group, cancel := p.group, p.cancel
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- group.Wait() }()

	select {
	case err := <-done:
		cancel()
		p.logger.Info("worker pool stopped")
		return err
	case <-ctx.Done():
		cancel()
		err := <-done
		p.logger.Warn("worker pool stopped, running deployments were cancelled")
		if err != nil {
			return err
		}
		return ctx.Err()
	}
}

// InFlight returns the number of dispatched entries that have not finished.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inFlight)
}

func (p *Pool) work(ctx context.Context, id int, jobs <-chan domain.QueueEntry) {
	logger := p.logger.With("worker", id)
	for entry := range jobs {
		logger.Debug("picked up deployment", "deployment_uuid", entry.DeploymentUUID)
		p.run(ctx, logger, entry)

		p.mu.Lock()
		delete(p.inFlight, entry.ID)
		p.mu.Unlock()
	}
}

// run isolates one handler call so a panicking deployment does not take the
// worker down with it.
func (p *Pool) run(ctx context.Context, logger *slog.Logger, entry domain.QueueEntry) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		logger.Error("deployment handler panicked", "deployment_uuid", entry.DeploymentUUID, "panic", r)

		p.mu.Lock()
		onPanic := p.onPanic
		p.mu.Unlock()
		if onPanic != nil {
			onPanic.Handle(context.WithoutCancel(ctx), entry)
		}
	}()
	p.handler.Handle(ctx, entry)
}
