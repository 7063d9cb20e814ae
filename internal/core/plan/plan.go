// Package plan defines BuildPlan, the derived artifacts of one deployment run.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// A BuildPlan is a value. Stages never mutate a plan they were given; they
// return an updated copy through the With* methods, so the ordering of
// stages is visible in the code that threads the plan through them.
package plan

import (
	"fmt"
	"path"
	"time"

	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/core/imageplan"
)

// ArtifactsRoot is where sources are cloned inside the helper container.
const ArtifactsRoot = "/artifacts"

// BuildPlan holds everything derived for one run.
type BuildPlan struct {
	DeploymentUUID string
	ApplicationID  int64
	Commit         string
	PullRequestID  int

	Images imageplan.Images

	BuildVariables   []domain.EnvironmentVariable
	RuntimeVariables []domain.EnvironmentVariable

	BuildKit bool
	Secrets  imageplan.SecretPlan

	// Dockerfile is the (possibly rewritten) Dockerfile text.
	Dockerfile string

	// Compose is the generated compose document.
	Compose string

	ContainerName string
	Network       string
	Swarm         bool

	// WorkDir is the source checkout inside the helper container.
	WorkDir string

	// ConfigDir is where the compose file and .env are written on the host.
	ConfigDir string

	ConfigHash string
}

// New derives the initial plan of a run. suffix makes rolling container
// names unique and is ignored when the name is fixed.
func New(app *domain.Application, dest *domain.Destination, entry *domain.QueueEntry, configRoot string, now time.Time, suffix string) BuildPlan {
	return BuildPlan{
		DeploymentUUID:   entry.DeploymentUUID,
		ApplicationID:    app.ID,
		Commit:           entry.Commit,
		PullRequestID:    entry.PullRequestID,
		Images:           imageplan.NameImages(app, entry.Commit, entry.PullRequestID),
		BuildVariables:   app.BuildTimeVariables(entry.PullRequestID),
		RuntimeVariables: app.RuntimeVariables(entry.PullRequestID),
		ContainerName:    ContainerName(app, entry.PullRequestID, now, suffix),
		Network:          dest.NetworkFor(entry.PullRequestID),
		Swarm:            dest.IsSwarm(),
		WorkDir:          path.Join(ArtifactsRoot, entry.DeploymentUUID),
		ConfigDir:        path.Join(configRoot, app.UUID),
		ConfigHash:       app.ConfigurationHash(),
	}
}

// ContainerName returns the container name of a deployment:
//   - the custom name when one is configured,
//   - the application uuid when consistent naming is on,
//   - "<uuid>-pr-<id>" for pull requests,
//   - "<uuid>-<HHMMSS><suffix>" otherwise, so two versions can coexist.
func ContainerName(app *domain.Application, pullRequestID int, now time.Time, suffix string) string {
	switch {
	case app.Network.CustomContainerName != "":
		if pullRequestID != 0 {
			return fmt.Sprintf("%s-pr-%d", app.Network.CustomContainerName, pullRequestID)
		}
		return app.Network.CustomContainerName
	case pullRequestID != 0:
		return fmt.Sprintf("%s-pr-%d", app.UUID, pullRequestID)
	case app.Network.ConsistentContainerName:
		return app.UUID
	default:
		return fmt.Sprintf("%s-%s%s", app.UUID, now.UTC().Format("150405"), suffix)
	}
}

// IsPullRequest reports whether the plan belongs to a preview deployment.
func (p BuildPlan) IsPullRequest() bool {
	return p.PullRequestID != 0
}

// ComposePath is the compose file location on the host.
func (p BuildPlan) ComposePath() string {
	return path.Join(p.ConfigDir, "docker-compose.yaml")
}

// EnvPath is the .env file location on the host.
func (p BuildPlan) EnvPath() string {
	return path.Join(p.ConfigDir, ".env")
}

// ProjectName is the compose project (or Swarm stack) name.
func (p BuildPlan) ProjectName(app *domain.Application) string {
	if p.PullRequestID != 0 {
		return fmt.Sprintf("%s-pr-%d", app.UUID, p.PullRequestID)
	}
	return app.UUID
}

// =============================================================================
// Stage updates
// =============================================================================

// WithCommit returns a plan for a resolved commit. Image names are recomputed.
func (p BuildPlan) WithCommit(app *domain.Application, commit string) BuildPlan {
	p.Commit = commit
	p.Images = imageplan.NameImages(app, commit, p.PullRequestID)
	return p
}

// WithSecrets records the BuildKit decision and the planned secret material.
func (p BuildPlan) WithSecrets(buildKit bool, secrets imageplan.SecretPlan) BuildPlan {
	p.BuildKit = buildKit
	p.Secrets = secrets
	return p
}

// WithDockerfile records the Dockerfile text used for the build.
func (p BuildPlan) WithDockerfile(text string) BuildPlan {
	p.Dockerfile = text
	return p
}

// WithCompose records the generated compose document.
func (p BuildPlan) WithCompose(text string) BuildPlan {
	p.Compose = text
	return p
}
