// Package strategy chooses how a deployment is built and classifies how it ended.
// This is part of the Functional Core - all functions are pure with no I/O.
//
// A Strategy is a closed set of types. Select returns exactly one of them and
// callers dispatch with a type switch whose default case is unreachable; a new
// strategy type that is not handled shows up in the exhaustiveness tests.
package strategy

import (
	"fmt"

	"github.com/artpar/keel/internal/core/domain"
)

// Kind names a strategy in logs, metrics and the deployment log.
type Kind string

const (
	KindRestartOnly      Kind = "restart-only"
	KindPullRequest      Kind = "pull-request"
	KindDockerfileInline Kind = "dockerfile-inline"
	KindDockerCompose    Kind = "dockercompose"
	KindDockerImage      Kind = "dockerimage"
	KindDockerfile       Kind = "dockerfile"
	KindStatic           Kind = "static"
	KindNixpacks         Kind = "nixpacks"
)

// Strategy is implemented only by the types in this file.
type Strategy interface {
	Kind() Kind
	sealed()
}

// RestartOnly redeploys the image of the current commit without building.
// Fallback runs when that image is missing or the configuration changed.
type RestartOnly struct {
	Fallback Strategy
}

// PullRequest builds a pull request ref with Build and rolls it out into the
// pull request's own network and container namespace.
type PullRequest struct {
	ID    int
	Build Strategy
}

// DockerfileInline builds from Dockerfile text stored on the application.
type DockerfileInline struct{}

// DockerCompose deploys a user compose file. Inline files stored on the
// application need no checkout.
type DockerCompose struct {
	Location string
	Inline   bool
}

// DockerImage pulls a registry image.
type DockerImage struct {
	Image string
}

// Dockerfile builds a cloned repository from a Dockerfile path.
type Dockerfile struct {
	Path string
}

// Static builds artifacts in a throwaway builder and serves them from a web server image.
type Static struct {
	PublishDirectory string
	ServerImage      string
}

// Nixpacks detects a build plan and generates the Dockerfile.
type Nixpacks struct{}

func (RestartOnly) Kind() Kind      { return KindRestartOnly }
func (PullRequest) Kind() Kind      { return KindPullRequest }
func (DockerfileInline) Kind() Kind { return KindDockerfileInline }
func (DockerCompose) Kind() Kind    { return KindDockerCompose }
func (DockerImage) Kind() Kind      { return KindDockerImage }
func (Dockerfile) Kind() Kind       { return KindDockerfile }
func (Static) Kind() Kind           { return KindStatic }
func (Nixpacks) Kind() Kind         { return KindNixpacks }

func (RestartOnly) sealed()      {}
func (PullRequest) sealed()      {}
func (DockerfileInline) sealed() {}
func (DockerCompose) sealed()    {}
func (DockerImage) sealed()      {}
func (Dockerfile) sealed()       {}
func (Static) sealed()           {}
func (Nixpacks) sealed()         {}

// =============================================================================
// Selection
// =============================================================================

// Select returns the strategy of a queue entry. The first matching rule wins:
// restart-only, pull request, inline Dockerfile, then the declared build pack
// (dockercompose, dockerimage, dockerfile, static), with nixpacks as the default.
// The fallback of a restart-only pull request deployment stays a pull request.
func Select(app *domain.Application, entry *domain.QueueEntry) Strategy {
	s := build(app)
	if entry.PullRequestID != 0 {
		s = PullRequest{ID: entry.PullRequestID, Build: s}
	}
	if entry.RestartOnly {
		return RestartOnly{Fallback: s}
	}
	return s
}

// build selects from the application declaration alone.
func build(app *domain.Application) Strategy {
	switch {
	case app.HasInlineDockerfile():
		return DockerfileInline{}
	case app.BuildPack == domain.BuildPackDockerCompose:
		return DockerCompose{
			Location: app.Source.DockerComposeLocation,
			Inline:   app.Source.DockerComposeRaw != "" && app.Source.GitRepository == "",
		}
	case app.BuildPack == domain.BuildPackDockerImage:
		return DockerImage{Image: registryImage(app)}
	case app.BuildPack == domain.BuildPackDockerfile:
		return Dockerfile{Path: app.Source.DockerfileLocation}
	case app.BuildPack == domain.BuildPackStatic:
		return Static{PublishDirectory: app.Build.PublishDirectory, ServerImage: app.Build.StaticImage}
	default:
		return Nixpacks{}
	}
}

func registryImage(app *domain.Application) string {
	tag := app.Image.RegistryImageTag
	if tag == "" {
		tag = "latest"
	}
	return fmt.Sprintf("%s:%s", app.Image.RegistryImageName, tag)
}

// Base unwraps RestartOnly and PullRequest to the strategy that builds.
func Base(s Strategy) Strategy {
	switch v := s.(type) {
	case RestartOnly:
		return Base(v.Fallback)
	case PullRequest:
		return Base(v.Build)
	default:
		return s
	}
}

// =============================================================================
// Steps
// =============================================================================

// Step is one stage of a pipeline.
type Step string

const (
	StepPrepare   Step = "prepare"
	StepClone     Step = "clone"
	StepGenerate  Step = "generate"
	StepBuild     Step = "build"
	StepPush      Step = "push"
	StepRollout   Step = "rollout"
	StepFinalize  Step = "finalize"
	StepPullImage Step = "pull"
)

// Steps returns the ordered stages a strategy runs. Prepare starts the helper
// container; finalize is the post-deployment hook and runs regardless of outcome,
// so it is not listed here.
func Steps(s Strategy) []Step {
	switch v := s.(type) {
	case RestartOnly:
		return []Step{StepPrepare, StepGenerate, StepRollout}
	case PullRequest:
		// Pull requests never publish to the registry.
		var out []Step
		for _, step := range Steps(v.Build) {
			if step != StepPush {
				out = append(out, step)
			}
		}
		return out
	case DockerfileInline:
		return []Step{StepPrepare, StepGenerate, StepBuild, StepPush, StepRollout}
	case DockerImage:
		return []Step{StepPrepare, StepPullImage, StepGenerate, StepRollout}
	case DockerCompose:
		// Compose images are built in place and never pushed.
		if v.Inline {
			return []Step{StepPrepare, StepGenerate, StepBuild, StepRollout}
		}
		return []Step{StepPrepare, StepClone, StepGenerate, StepBuild, StepRollout}
	case Dockerfile, Static, Nixpacks:
		return []Step{StepPrepare, StepClone, StepGenerate, StepBuild, StepPush, StepRollout}
	default:
		panic(fmt.Sprintf("strategy: unhandled strategy %T", s))
	}
}

// Clones reports whether the strategy needs the repository checked out.
func Clones(s Strategy) bool {
	for _, step := range Steps(s) {
		if step == StepClone {
			return true
		}
	}
	return false
}
