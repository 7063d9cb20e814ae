// Package imageplan computes image names, build-time secret material and
// Dockerfile rewrites for a deployment.
// This is part of the Functional Core - all functions are pure with no I/O.
package imageplan

import (
	"fmt"
	"strings"

	"github.com/artpar/keel/internal/core/domain"
)

// MaxTagLength is the longest tag Docker accepts.
const MaxTagLength = 128

// Images holds the image references of one deployment.
type Images struct {
	// Build is the intermediate image of a two-stage build. It equals
	// Production for single-stage builds.
	Build string `json:"build"`

	// Production is the image the new container runs.
	Production string `json:"production"`
}

// TwoStage reports whether the build produces an intermediate image.
func (i Images) TwoStage() bool {
	return i.Build != i.Production
}

// NameImages computes the build and production image references.
//
// The repository is the registry image name when declared, otherwise the
// application uuid. The production tag is "latest" for dockerimage and
// registry-less inline Dockerfile applications, "pr-<id>" for pull
// requests, and the commit (truncated to MaxTagLength) otherwise.
func NameImages(app *domain.Application, commit string, pullRequestID int) Images {
	repo := app.UUID
	if app.UsesRegistry() {
		repo = app.Image.RegistryImageName
	}

	if app.BuildPack == domain.BuildPackDockerImage {
		tag := app.Image.RegistryImageTag
		if tag == "" {
			tag = "latest"
		}
		ref := repo + ":" + tag
		return Images{Build: ref, Production: ref}
	}

	var tag string
	switch {
	case pullRequestID != 0:
		tag = fmt.Sprintf("pr-%d", pullRequestID)
	case app.HasInlineDockerfile() && !app.UsesRegistry():
		tag = "latest"
	default:
		tag = Tag(commit)
	}

	production := repo + ":" + tag
	build := production
	if twoStage(app) {
		build = repo + ":" + truncate(tag, MaxTagLength-len("-build")) + "-build"
	}
	return Images{Build: build, Production: production}
}

// Tag converts a commit reference into a valid image tag.
func Tag(commit string) string {
	c := strings.TrimSpace(commit)
	if c == "" {
		c = "HEAD"
	}
	c = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, c)
	return truncate(c, MaxTagLength)
}

// twoStage is true when a builder image is produced before the runtime image.
func twoStage(app *domain.Application) bool {
	if app.HasInlineDockerfile() {
		return false
	}
	switch app.BuildPack {
	case domain.BuildPackNixpacks, domain.BuildPackStatic:
		return true
	case domain.BuildPackDockerfile:
		return app.Build.IsStatic
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
