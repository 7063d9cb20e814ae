// Package workers contains background workers for keel.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/shell/remote"
	"github.com/artpar/keel/internal/shell/store"
)

// Pinger probes a server. *remote.Pool implements it.
type Pinger interface {
	Ping(ctx context.Context, server *domain.Server) (string, error)
	Remove(serverID int64) error
}

// Promoter starts queued deployments of a server. *queue.Manager implements it.
type Promoter interface {
	PromoteNext(ctx context.Context, serverID int64) ([]domain.QueueEntry, error)
}

// ReachabilityConfig configures the reachability checker.
type ReachabilityConfig struct {
	// Interval is the time between check cycles.
	// Default: 60 seconds.
	Interval time.Duration

	// ServerTimeout is the timeout for checking a single server.
	// Default: 10 seconds.
	ServerTimeout time.Duration

	// MaxConcurrent is the maximum number of servers checked concurrently.
	// Default: 5.
	MaxConcurrent int
}

// DefaultReachabilityConfig returns the default configuration.
func DefaultReachabilityConfig() ReachabilityConfig {
	return ReachabilityConfig{
		Interval:      60 * time.Second,
		ServerTimeout: 10 * time.Second,
		MaxConcurrent: 5,
	}
}

// ReachabilityChecker periodically probes every server and records whether
// it is reachable and its Docker daemon usable. Admission only starts
// deployments on servers that pass both checks, so a server coming back
// gets its queue promoted right away.
type ReachabilityChecker struct {
	store    store.Store
	pinger   Pinger
	promoter Promoter
	config   ReachabilityConfig
	logger   *slog.Logger
	now      func() time.Time

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReachabilityChecker creates a new reachability checker. promoter may be nil.
func NewReachabilityChecker(
	s store.Store,
	pinger Pinger,
	promoter Promoter,
	config ReachabilityConfig,
	logger *slog.Logger,
) *ReachabilityChecker {
	if config.Interval == 0 {
		config.Interval = 60 * time.Second
	}
	if config.ServerTimeout == 0 {
		config.ServerTimeout = 10 * time.Second
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = 5
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &ReachabilityChecker{
		store:    s,
		pinger:   pinger,
		promoter: promoter,
		config:   config,
		logger:   logger.With("component", "reachability_checker"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Start begins the background goroutine.
func (c *ReachabilityChecker) Start() {
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.wg.Add(1)
	go c.run()

	c.logger.Info("reachability checker started",
		"interval", c.config.Interval,
		"max_concurrent", c.config.MaxConcurrent,
	)
}

// Stop stops the checker and waits for in-progress checks.
func (c *ReachabilityChecker) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("reachability checker stopped")
}

func (c *ReachabilityChecker) run() {
	defer c.wg.Done()

	// Run immediately on start
	c.runCycle(c.ctx)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.runCycle(c.ctx)
		}
	}
}

// runCycle checks every server once.
func (c *ReachabilityChecker) runCycle(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, c.config.Interval)
	defer cancel()

	servers, err := c.store.ListServers(ctx)
	if err != nil {
		c.logger.Error("failed to list servers", "error", err)
		return
	}
	if len(servers) == 0 {
		c.logger.Debug("no servers to check")
		return
	}

	c.logger.Debug("starting reachability cycle", "server_count", len(servers))

	// Use a semaphore to limit concurrent checks
	sem := make(chan struct{}, c.config.MaxConcurrent)
	var wg sync.WaitGroup

	for i := range servers {
		server := &servers[i]

		wg.Add(1)
		go func(s *domain.Server) {
			defer wg.Done()

			select {
			case <-ctx.Done():
				return
			case sem <- struct{}{}:
				defer func() { <-sem }()
			}

			c.checkServer(ctx, s)
		}(server)
	}

	wg.Wait()
	c.logger.Debug("completed reachability cycle", "server_count", len(servers))
}

// checkServer probes one server and records the result.
func (c *ReachabilityChecker) checkServer(ctx context.Context, server *domain.Server) {
	checkCtx, cancel := context.WithTimeout(ctx, c.config.ServerTimeout)
	defer cancel()

	logger := c.logger.With("server_id", server.ID, "server_name", server.Name)
	wasFunctional := server.IsFunctional()

	version, err := c.pinger.Ping(checkCtx, server)
	reachable, usable, message := true, true, ""
	switch {
	case err == nil && version == "":
		usable, message = false, "docker server version is empty"
	case errors.Is(err, remote.ErrCommandFailed):
		// The host answered but Docker did not.
		usable, message = false, err.Error()
	case err != nil:
		reachable, usable, message = false, false, err.Error()
		// Drop the pooled connection so the next cycle dials again.
		_ = c.pinger.Remove(server.ID)
	}

	if err := c.store.UpdateServerReachability(ctx, server.ID, reachable, usable, message, c.now()); err != nil {
		logger.Error("failed to update server reachability", "error", err)
		return
	}

	functional := reachable && usable
	switch {
	case wasFunctional && !functional:
		logger.Warn("server became unavailable", "reachable", reachable, "usable", usable, "error", message)
	case !wasFunctional && functional:
		logger.Info("server became available", "docker_version", version)
		c.promote(ctx, server.ID, logger)
	}
}

func (c *ReachabilityChecker) promote(ctx context.Context, serverID int64, logger *slog.Logger) {
	if c.promoter == nil {
		return
	}
	started, err := c.promoter.PromoteNext(ctx, serverID)
	if err != nil {
		logger.Error("failed to promote queued deployments", "error", err)
		return
	}
	if len(started) > 0 {
		logger.Info("started queued deployments", "count", len(started))
	}
}

// CheckServerNow checks one server immediately, e.g. after it was registered.
func (c *ReachabilityChecker) CheckServerNow(ctx context.Context, serverID int64) error {
	server, err := c.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	c.checkServer(ctx, server)
	return nil
}

// CheckAllNow runs an immediate check cycle on all servers.
func (c *ReachabilityChecker) CheckAllNow(ctx context.Context) {
	c.runCycle(ctx)
}
