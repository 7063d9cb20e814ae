// Package notify delivers deployment lifecycle events to interested parties.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/artpar/keel/internal/core/domain"
)

// Event names a deployment lifecycle event.
type Event string

const (
	EventQueued    Event = "deployment.queued"
	EventStarted   Event = "deployment.started"
	EventFinished  Event = "deployment.finished"
	EventFailed    Event = "deployment.failed"
	EventCancelled Event = "deployment.cancelled"
)

// EventFor maps a terminal queue status to its event.
func EventFor(status domain.QueueStatus) Event {
	switch status {
	case domain.QueueStatusFinished:
		return EventFinished
	case domain.QueueStatusCancelled:
		return EventCancelled
	case domain.QueueStatusInProgress:
		return EventStarted
	case domain.QueueStatusQueued:
		return EventQueued
	default:
		return EventFailed
	}
}

// Payload is the body of a notification.
type Payload struct {
	Event          Event              `json:"event"`
	Application    string             `json:"application"`
	ApplicationID  int64              `json:"application_id"`
	DeploymentUUID string             `json:"deployment_uuid"`
	Status         domain.QueueStatus `json:"status"`
	Message        string             `json:"message,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Notifier delivers events. Delivery failures never fail a deployment;
// callers log them and move on.
type Notifier interface {
	Notify(ctx context.Context, event Event, p Payload) error
}

// =============================================================================
// Log Notifier
// =============================================================================

// LogNotifier writes events to the process log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger.With("component", "notify")}
}

func (n *LogNotifier) Notify(ctx context.Context, event Event, p Payload) error {
	level := slog.LevelInfo
	if event == EventFailed {
		level = slog.LevelWarn
	}
	n.logger.Log(ctx, level, "deployment event",
		"event", event,
		"application", p.Application,
		"deployment_uuid", p.DeploymentUUID,
		"status", p.Status,
		"message", p.Message,
	)
	return nil
}

// =============================================================================
// Redis Notifier
// =============================================================================

// RedisConfig configures the redis publisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	Timeout  time.Duration
}

// RedisNotifier publishes events as JSON on a pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	timeout time.Duration
}

// NewRedisNotifier connects to redis and checks the connection.
func NewRedisNotifier(cfg RedisConfig) (*RedisNotifier, error) {
	if cfg.Channel == "" {
		cfg.Channel = "keel:deployments"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", cfg.Addr, err)
	}
	return &RedisNotifier{client: client, channel: cfg.Channel, timeout: cfg.Timeout}, nil
}

func (n *RedisNotifier) Notify(ctx context.Context, event Event, p Payload) error {
	p.Event = event
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()
	if err := n.client.Publish(ctx, n.channel, body).Err(); err != nil {
		return fmt.Errorf("publish %s event: %w", event, err)
	}
	return nil
}

// Channel returns the pub/sub channel events are published on.
func (n *RedisNotifier) Channel() string {
	return n.channel
}

func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

// =============================================================================
// Fan-out
// =============================================================================

// Multi delivers every event to all notifiers and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, event Event, p Payload) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, event, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Notify(context.Context, Event, Payload) error { return nil }
