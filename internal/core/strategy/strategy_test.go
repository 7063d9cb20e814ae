package strategy

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/artpar/keel/internal/core/domain"
)

func app(pack domain.BuildPack) *domain.Application {
	a := &domain.Application{
		UUID:      "app",
		BuildPack: pack,
		Source:    domain.SourceSettings{GitRepository: "https://example.com/acme/app.git"},
		Image:     domain.ImageSettings{RegistryImageName: "acme/app"},
	}
	a.ApplyDefaults()
	return a
}

// =============================================================================
// Selection Tests
// =============================================================================

func TestSelect_Order(t *testing.T) {
	inline := app(domain.BuildPackDockerCompose)
	inline.Source.Dockerfile = "FROM alpine"

	tests := []struct {
		name  string
		app   *domain.Application
		entry domain.QueueEntry
		want  Strategy
	}{
		{"restart only wins over pull request", app(domain.BuildPackDockerfile),
			domain.QueueEntry{RestartOnly: true, PullRequestID: 4},
			RestartOnly{Fallback: PullRequest{ID: 4, Build: Dockerfile{Path: "/Dockerfile"}}}},
		{"pull request wraps the build pack", app(domain.BuildPackNixpacks),
			domain.QueueEntry{PullRequestID: 4},
			PullRequest{ID: 4, Build: Nixpacks{}}},
		{"inline dockerfile wins over build pack", inline, domain.QueueEntry{}, DockerfileInline{}},
		{"dockercompose", app(domain.BuildPackDockerCompose), domain.QueueEntry{},
			DockerCompose{Location: "/docker-compose.yaml"}},
		{"dockerimage", app(domain.BuildPackDockerImage), domain.QueueEntry{}, DockerImage{Image: "acme/app:latest"}},
		{"dockerfile", app(domain.BuildPackDockerfile), domain.QueueEntry{}, Dockerfile{Path: "/Dockerfile"}},
		{"static", app(domain.BuildPackStatic), domain.QueueEntry{},
			Static{PublishDirectory: "/dist", ServerImage: "nginx:alpine"}},
		{"nixpacks default", app(domain.BuildPackNixpacks), domain.QueueEntry{}, Nixpacks{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Select(tt.app, &tt.entry))
		})
	}
}

func TestSelect_InlineCompose(t *testing.T) {
	a := app(domain.BuildPackDockerCompose)
	a.Source.GitRepository = ""
	a.Source.DockerComposeRaw = "services: {}"

	s := Select(a, &domain.QueueEntry{})
	assert.Equal(t, DockerCompose{Location: "/docker-compose.yaml", Inline: true}, s)
	assert.False(t, Clones(s))
}

// Every strategy type must be handled by Steps; this panics otherwise.
func TestSteps_Exhaustive(t *testing.T) {
	all := []Strategy{
		RestartOnly{Fallback: Nixpacks{}},
		PullRequest{ID: 1, Build: Dockerfile{}},
		DockerfileInline{},
		DockerCompose{},
		DockerImage{},
		Dockerfile{},
		Static{},
		Nixpacks{},
	}
	kinds := map[Kind]bool{}
	for _, s := range all {
		assert.NotPanics(t, func() { Steps(s) }, fmt.Sprintf("%T", s))
		kinds[s.Kind()] = true
	}
	assert.Len(t, kinds, len(all), "kinds are distinct")
}

func TestSteps(t *testing.T) {
	assert.Equal(t, []Step{StepPrepare, StepClone, StepGenerate, StepBuild, StepPush, StepRollout}, Steps(Dockerfile{}))
	assert.Equal(t, []Step{StepPrepare, StepPullImage, StepGenerate, StepRollout}, Steps(DockerImage{}))
	assert.Equal(t, []Step{StepPrepare, StepGenerate, StepRollout}, Steps(RestartOnly{Fallback: Dockerfile{}}))
	assert.NotContains(t, Steps(PullRequest{ID: 2, Build: Nixpacks{}}), StepPush)
	assert.NotContains(t, Steps(DockerfileInline{}), StepClone)
	assert.True(t, Clones(PullRequest{ID: 2, Build: Static{}}))
}

func TestBase(t *testing.T) {
	assert.Equal(t, Static{}, Base(PullRequest{Build: Static{}}))
	assert.Equal(t, Nixpacks{}, Base(RestartOnly{Fallback: Nixpacks{}}))
	assert.Equal(t, DockerImage{}, Base(DockerImage{}))
}

// =============================================================================
// Build Cache Tests
// =============================================================================

func TestShouldSkipBuild(t *testing.T) {
	warm := CacheState{ImageExists: true, ConfigHash: "h", LastConfigHash: "h"}

	tests := []struct {
		name  string
		s     Strategy
		cache CacheState
		want  bool
	}{
		{"image exists, config unchanged", Dockerfile{}, warm, true},
		{"pull request build", PullRequest{ID: 1, Build: Nixpacks{}}, CacheState{ImageExists: true, ConfigHash: "h", LastConfigHash: "h", PullRequest: true}, false},
		{"image missing", Dockerfile{}, CacheState{ConfigHash: "h", LastConfigHash: "h"}, false},
		{"config changed", Dockerfile{}, CacheState{ImageExists: true, ConfigHash: "h2", LastConfigHash: "h"}, false},
		{"never deployed", Dockerfile{}, CacheState{ImageExists: true, ConfigHash: "h"}, false},
		{"force rebuild", Dockerfile{}, CacheState{ImageExists: true, ConfigHash: "h", LastConfigHash: "h", ForceRebuild: true}, false},
		{"dockerimage always pulls", DockerImage{}, warm, false},
		{"compose builds itself", DockerCompose{}, warm, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldSkipBuild(tt.s, tt.cache))
		})
	}
}

func TestResolve_RestartOnly(t *testing.T) {
	s := RestartOnly{Fallback: Dockerfile{Path: "/Dockerfile"}}

	assert.Equal(t, s, Resolve(s, CacheState{ImageExists: true, ConfigHash: "h", LastConfigHash: "h"}))
	assert.Equal(t, Dockerfile{Path: "/Dockerfile"}, Resolve(s, CacheState{ImageExists: true, ConfigHash: "h2", LastConfigHash: "h"}))
	assert.Equal(t, Dockerfile{Path: "/Dockerfile"}, Resolve(s, CacheState{ConfigHash: "h", LastConfigHash: "h"}))
	assert.Equal(t, Nixpacks{}, Resolve(Nixpacks{}, CacheState{}))
}

func TestResolve_RestartOnlyPullRequestRebuilds(t *testing.T) {
	pr := PullRequest{ID: 7, Build: Dockerfile{Path: "/Dockerfile"}}
	s := RestartOnly{Fallback: pr}

	warm := CacheState{ImageExists: true, ConfigHash: "h", LastConfigHash: "h", PullRequest: true}
	assert.Equal(t, pr, Resolve(s, warm))
	assert.False(t, warm.Reusable())
	assert.NotContains(t, Steps(Resolve(s, warm)), StepPush)
}

// =============================================================================
// Outcome Tests
// =============================================================================

func TestClassify(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name   string
		err    error
		kind   OutcomeKind
		status domain.QueueStatus
	}{
		{"success", nil, OutcomeSuccess, domain.QueueStatusFinished},
		{"cancelled", fmt.Errorf("before build: %w", ErrCancelled), OutcomeCancelled, domain.QueueStatusCancelled},
		{"build", Fail(StepBuild, false, boom), OutcomeBuildFailed, domain.QueueStatusFailed},
		{"push", Fail(StepPush, false, boom), OutcomePushFailed, domain.QueueStatusFailed},
		{"after push", Fail(StepRollout, true, boom), OutcomePushSucceededThenFailed, domain.QueueStatusFailed},
		{"unhealthy", Fail(StepRollout, false, fmt.Errorf("%w: exited", ErrUnhealthy)), OutcomeHealthCheckFailed, domain.QueueStatusFailed},
		{"stage without detail", Fail(StepClone, false, boom), OutcomeFailed, domain.QueueStatusFailed},
		{"untyped", boom, OutcomeFailed, domain.QueueStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Classify(tt.err)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.status, out.Status())
			if tt.err != nil {
				assert.ErrorIs(t, out.Err, tt.err)
			}
		})
	}
}

func TestFail_Nil(t *testing.T) {
	assert.NoError(t, Fail(StepBuild, false, nil))
}

func TestOutcome_RemoveNewContainer(t *testing.T) {
	a := app(domain.BuildPackDockerfile)
	failed := Outcome{Kind: OutcomeFailed}

	assert.True(t, failed.RemoveNewContainer(a, 0))
	assert.False(t, failed.RemoveNewContainer(a, 3), "pull request namespace is kept")
	assert.False(t, Outcome{Kind: OutcomePushSucceededThenFailed}.RemoveNewContainer(a, 0))
	assert.False(t, Outcome{Kind: OutcomeSuccess}.RemoveNewContainer(a, 0))

	a.Network.ConsistentContainerName = true
	assert.False(t, failed.RemoveNewContainer(a, 0))
}

func TestOutcome_Message(t *testing.T) {
	assert.Equal(t, "Deployment finished.", Classify(nil).Message())
	assert.Contains(t, Classify(Fail(StepBuild, false, errors.New("exit 1"))).Message(), "build_failed")
}
