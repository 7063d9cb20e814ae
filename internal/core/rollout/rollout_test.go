package rollout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/keel/internal/core/compose"
	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/core/plan"
)

// scripted returns a poller answering states in order, repeating the last one.
func scripted(states ...HealthState) (Poller, *int) {
	calls := 0
	return func(_ context.Context, attempt, total int) (HealthState, error) {
		calls++
		if calls > len(states) {
			return states[len(states)-1], nil
		}
		return states[calls-1], nil
	}, &calls
}

// recordSleeps never waits and records requested durations.
func recordSleeps() (Sleeper, *[]time.Duration) {
	var got []time.Duration
	return func(_ context.Context, d time.Duration) error {
		got = append(got, d)
		return nil
	}, &got
}

// =============================================================================
// Health Parsing Tests
// =============================================================================

func TestParseInspect(t *testing.T) {
	tests := []struct {
		output string
		want   HealthState
	}{
		{"healthy|running", HealthHealthy},
		{"\"starting\"|running\n", HealthStarting},
		{"unhealthy|running", HealthUnhealthy},
		{"healthy|exited", HealthUnhealthy},
		{"none|running", HealthNone},
		{"none|restarting", HealthStarting},
		{"none|created", HealthStarting},
		{"none|paused", HealthUnknown},
		{"", HealthUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.output, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseInspect(tt.output))
		})
	}
}

// =============================================================================
// WaitHealthy Tests
// =============================================================================

func TestWaitHealthy_ExactlyRetriesPolls(t *testing.T) {
	poll, calls := scripted(HealthStarting)
	sleep, sleeps := recordSleeps()

	res, err := WaitHealthy(context.Background(), Policy{StartPeriod: 5 * time.Second, Interval: time.Second, Retries: 3}, poll, sleep)
	require.NoError(t, err)

	assert.Equal(t, 3, *calls, "never a 4th poll")
	assert.Equal(t, 3, res.Polls)
	assert.Equal(t, HealthStarting, res.State)
	assert.False(t, res.Healthy())
	assert.True(t, res.NeedsDiagnostics())
	assert.Equal(t, []time.Duration{5 * time.Second, time.Second, time.Second}, *sleeps)
}

func TestWaitHealthy_StopsOnUnhealthy(t *testing.T) {
	poll, calls := scripted(HealthStarting, HealthUnhealthy, HealthHealthy)
	sleep, _ := recordSleeps()

	res, err := WaitHealthy(context.Background(), Policy{Retries: 5}, poll, sleep)
	require.NoError(t, err)

	assert.Equal(t, 2, *calls)
	assert.Equal(t, HealthUnhealthy, res.State)
	assert.True(t, res.NeedsDiagnostics())
}

func TestWaitHealthy_Healthy(t *testing.T) {
	poll, calls := scripted(HealthStarting, HealthHealthy)
	sleep, _ := recordSleeps()

	res, err := WaitHealthy(context.Background(), Policy{Retries: 10}, poll, sleep)
	require.NoError(t, err)
	assert.True(t, res.Healthy())
	assert.Equal(t, 2, *calls)
}

func TestWaitHealthy_NoCheckDeclared(t *testing.T) {
	poll, calls := scripted(HealthNone)
	sleep, _ := recordSleeps()

	res, err := WaitHealthy(context.Background(), Policy{Retries: 10}, poll, sleep)
	require.NoError(t, err)
	assert.True(t, res.Healthy())
	assert.Equal(t, 1, *calls)
}

func TestWaitHealthy_ZeroRetriesPollsOnce(t *testing.T) {
	poll, calls := scripted(HealthStarting)
	sleep, _ := recordSleeps()

	_, err := WaitHealthy(context.Background(), Policy{Retries: 0}, poll, sleep)
	require.NoError(t, err)
	assert.Equal(t, 1, *calls)
}

func TestWaitHealthy_Errors(t *testing.T) {
	boom := errors.New("ssh: connection lost")
	poll := func(context.Context, int, int) (HealthState, error) { return "", boom }
	sleep, _ := recordSleeps()

	res, err := WaitHealthy(context.Background(), Policy{Retries: 3}, poll, sleep)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, res.Polls)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pollOK, calls := scripted(HealthStarting)
	_, err = WaitHealthy(ctx, Policy{Retries: 3, StartPeriod: time.Hour}, pollOK, SleepContext)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, *calls)
}

func TestPolicyFor(t *testing.T) {
	app := &domain.Application{HealthCheck: domain.HealthCheck{StartPeriod: 2, Interval: 3, Retries: 0}}
	p := PolicyFor(app)
	assert.Equal(t, Policy{StartPeriod: 2 * time.Second, Interval: 3 * time.Second, Retries: 1}, p)
}

// =============================================================================
// Mode Tests
// =============================================================================

func TestChooseMode(t *testing.T) {
	assert.Equal(t, ModeSwarm, ChooseMode(true, compose.Eligibility{Rolling: true}))
	assert.Equal(t, ModeRolling, ChooseMode(false, compose.Eligibility{Rolling: true}))
	assert.Equal(t, ModeStopThenStart, ChooseMode(false, compose.Eligibility{Reasons: []string{compose.ReasonPortMappings}}))
	assert.False(t, ModeSwarm.PollsHealth())
	assert.True(t, ModeStopThenStart.PollsHealth())
}

// =============================================================================
// Command Tests
// =============================================================================

func TestCommands(t *testing.T) {
	p := plan.BuildPlan{ConfigDir: "/data/keel/app"}

	assert.Equal(t,
		"docker compose --project-name app -f /data/keel/app/docker-compose.yaml --env-file /data/keel/app/.env up -d",
		Start(p, "app").String())

	p.Swarm = true
	assert.Equal(t,
		"docker stack deploy --detach=true --with-registry-auth -c /data/keel/app/docker-compose.yaml app",
		Start(p, "app").String())

	inspect := Inspect("app-1")
	assert.True(t, inspect.Hidden)
	assert.Equal(t, SaveHealth, inspect.SaveAs)

	assert.Equal(t, "docker logs -n 100 app-1", Logs("app-1").String())
	assert.Equal(t,
		"docker ps -a --filter label=keel.application=app --filter label=keel.pull-request=0 --format '{{.Names}}'",
		ListContainers("app", 0).String())

	stop := Stop("app-1", 30*time.Second)
	assert.Equal(t, []string{"docker stop --time 30 app-1", "docker rm -f app-1"}, stop.Strings())
	assert.Len(t, StopAll([]string{"a", "b"}, time.Second), 4)
}

func TestPrevious(t *testing.T) {
	assert.Equal(t, []string{"app-1", "app-2"}, Previous("app-1\napp-new\n\napp-2\n", "app-new"))
	assert.Empty(t, Previous("", "app-new"))
	assert.Equal(t, "Healthcheck attempt 2 of 5: starting", AttemptLine(2, 5, HealthStarting))
}
