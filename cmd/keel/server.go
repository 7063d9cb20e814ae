package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/artpar/keel/internal/core/crypto"
	"github.com/artpar/keel/internal/shell/api"
	"github.com/artpar/keel/internal/shell/metrics"
	"github.com/artpar/keel/internal/shell/notify"
	"github.com/artpar/keel/internal/shell/pipeline"
	"github.com/artpar/keel/internal/shell/queue"
	"github.com/artpar/keel/internal/shell/remote"
	"github.com/artpar/keel/internal/shell/store"
	"github.com/artpar/keel/internal/shell/worker"
	"github.com/artpar/keel/internal/shell/workers"
)

// =============================================================================
// Exit Codes
// =============================================================================

const (
	ExitSuccess         = 0
	ExitConfigError     = 1
	ExitDatabaseError   = 2
	ExitRedisError      = 3
	ExitHTTPServerError = 4
)

// =============================================================================
// Server
// =============================================================================

// Server is the keel control plane: the admin API, the queue, the worker
// pool running deployments and the reachability checker.
type Server struct {
	config     *Config
	httpServer *http.Server
	store      store.Store
	executors  *remote.Pool
	manager    *queue.Manager
	workers    *worker.Pool
	checker    *workers.ReachabilityChecker
	redis      *notify.RedisNotifier
	logger     *slog.Logger
}

// NewServer creates a new server with the given config.
func NewServer(cfg *Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
	}

	// Connect to database
	if cfg.Database.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.DSN), 0o750); err != nil {
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
		}
	}
	s, err := store.NewSQLiteStore(cfg.Database.DSN)
	if err != nil {
		return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitDatabaseError}
	}

	// Server SSH keys are sealed with a key derived from the master secret.
	var serverKey []byte
	if cfg.SSH.EncryptionKey != "" {
		serverKey, err = crypto.DeriveKey(cfg.SSH.EncryptionKey, crypto.PurposeServerKeys)
		if err != nil {
			s.Close()
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitConfigError}
		}
	} else {
		logger.Warn("ssh.encryption_key is not set, only local servers can be used")
	}
	executors := remote.NewPool(serverKey, remote.SSHConfig{
		ConnectTimeout: cfg.SSH.ConnectTimeout,
		CommandTimeout: cfg.SSH.CommandTimeout,
	})

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.NewDefault()
	}

	// Deployment events go to the process log and, optionally, to redis.
	notifier := notify.Multi{notify.NewLogNotifier(logger)}
	var redisNotifier *notify.RedisNotifier
	if cfg.Redis.Enabled {
		redisNotifier, err = notify.NewRedisNotifier(notify.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Channel:  cfg.Redis.Channel,
		})
		if err != nil {
			s.Close()
			return nil, &ServerError{Op: "NewServer", Err: err, ExitCode: ExitRedisError}
		}
		notifier = append(notifier, redisNotifier)
		logger.Info("redis notifications enabled", "addr", cfg.Redis.Addr, "channel", redisNotifier.Channel())
	}

	// The worker pool needs the runner, which needs the manager; the
	// manager gets its dispatcher last.
	manager := queue.NewManager(s, nil, logger)
	manager.SetNotifier(notifier)
	manager.SetMetrics(m)

	runner := pipeline.NewRunner(s, executors, manager, pipeline.Config{
		HelperImage:     cfg.Deploy.HelperImage,
		ConfigDir:       cfg.Deploy.ConfigDir,
		NixpacksImage:   cfg.Deploy.NixpacksImage,
		StopGracePeriod: cfg.Deploy.StopGracePeriod,
		FinalizeTimeout: cfg.Deploy.FinalizeTimeout,
		SecretsHashKey:  cfg.Build.SecretsHashKey,
	}, logger)
	runner.SetNotifier(notifier)
	runner.SetMetrics(m)

	workerPool := worker.New(worker.Config{
		Workers: cfg.Queue.Workers,
		Buffer:  cfg.Queue.JobBuffer,
	}, runner, logger)
	workerPool.OnPanic(worker.HandlerFunc(manager.Abandon))
	manager.SetDispatcher(workerPool)

	checker := workers.NewReachabilityChecker(s, executors, manager, workers.ReachabilityConfig{
		Interval:      cfg.Reachability.Interval,
		ServerTimeout: cfg.Reachability.Timeout,
		MaxConcurrent: cfg.Reachability.MaxConcurrent,
	}, logger)

	handler := api.NewHandler(s, manager, api.Config{
		Token:        cfg.Server.APIToken,
		ServerKeyKey: serverKey,
	}, logger)
	handler.SetServerChecker(checker)
	handler.SetMetrics(m)
	if cfg.Server.APIToken == "" {
		logger.Warn("server.api_token is not set, the admin API is unauthenticated")
	}

	// Create HTTP server. No write timeout: log streams stay open for the
	// length of a deployment.
	httpServer := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
	}

	return &Server{
		config:     cfg,
		httpServer: httpServer,
		store:      s,
		executors:  executors,
		manager:    manager,
		workers:    workerPool,
		checker:    checker,
		redis:      redisNotifier,
		logger:     logger,
	}, nil
}

// Start starts the server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.workers.Start(context.WithoutCancel(ctx))

	// Fail what a previous process left running and pick up its queue.
	if err := s.manager.Resume(ctx); err != nil {
		s.logger.Error("failed to resume queue", "error", err)
	}

	s.checker.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("starting HTTP server", "address", s.config.Server.Address())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("HTTP server shutdown error", "error", err)
		}
		return nil
	})

	err := g.Wait()
	s.Shutdown(context.Background())
	if err != nil {
		return &ServerError{Op: "Start", Err: err, ExitCode: ExitHTTPServerError}
	}
	return nil
}

// Shutdown stops the background workers and releases connections. Running
// deployments get the shutdown timeout to finish before they are cancelled.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.Server.ShutdownTimeout)
	defer cancel()

	s.checker.Stop()

	if err := s.workers.Stop(shutdownCtx); err != nil {
		s.logger.Error("worker pool shutdown error", "error", err)
	}

	if err := s.executors.CloseAll(); err != nil {
		s.logger.Error("executor pool close error", "error", err)
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}

	if err := s.store.Close(); err != nil {
		s.logger.Error("database close error", "error", err)
	}

	s.logger.Info("shutdown complete")
}

// =============================================================================
// Server Error
// =============================================================================

// ServerError represents an error during server operation.
type ServerError struct {
	Op       string
	Err      error
	ExitCode int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}
