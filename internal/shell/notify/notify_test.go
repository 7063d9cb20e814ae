package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/keel/internal/core/domain"
)

func TestEventFor(t *testing.T) {
	assert.Equal(t, EventFinished, EventFor(domain.QueueStatusFinished))
	assert.Equal(t, EventFailed, EventFor(domain.QueueStatusFailed))
	assert.Equal(t, EventCancelled, EventFor(domain.QueueStatusCancelled))
	assert.Equal(t, EventStarted, EventFor(domain.QueueStatusInProgress))
	assert.Equal(t, EventQueued, EventFor(domain.QueueStatusQueued))
}

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLogNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := n.Notify(context.Background(), EventFailed, Payload{Application: "shop", DeploymentUUID: "d-1", Status: domain.QueueStatusFailed})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"event":"deployment.failed"`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"deployment_uuid":"d-1"`)
}

func TestRedisNotifier_Publish(t *testing.T) {
	mr := miniredis.RunT(t)

	n, err := NewRedisNotifier(RedisConfig{Addr: mr.Addr(), Channel: "deploys"})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()}).Subscribe(ctx, "deploys")
	t.Cleanup(func() { sub.Close() })
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	err = n.Notify(ctx, EventFinished, Payload{Application: "shop", ApplicationID: 3, DeploymentUUID: "d-2", Status: domain.QueueStatusFinished})
	require.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got Payload
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, EventFinished, got.Event)
	assert.Equal(t, "d-2", got.DeploymentUUID)
	assert.Equal(t, int64(3), got.ApplicationID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestRedisNotifier_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisNotifier(RedisConfig{Addr: addr, Timeout: 200 * time.Millisecond})
	assert.Error(t, err)
}

type failingNotifier struct{ err error }

func (f failingNotifier) Notify(context.Context, Event, Payload) error { return f.err }

func TestMulti(t *testing.T) {
	boom := errors.New("boom")
	var buf bytes.Buffer

	m := Multi{NewLogNotifier(slog.New(slog.NewTextHandler(&buf, nil))), nil, failingNotifier{err: boom}, Discard{}}
	err := m.Notify(context.Background(), EventStarted, Payload{DeploymentUUID: "d-3"})

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), "deployment.started")
}
