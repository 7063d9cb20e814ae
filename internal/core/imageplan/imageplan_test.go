package imageplan

import (
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/keel/internal/core/domain"
)

var hex64 = regexp.MustCompile(`^[0-9a-f]{64}$`)

// =============================================================================
// Image Naming Tests
// =============================================================================

func TestNameImages(t *testing.T) {
	sha := "9f2c1e7a5b"

	tests := []struct {
		name       string
		app        domain.Application
		commit     string
		pr         int
		build      string
		production string
	}{
		{
			name:       "dockerfile uses commit",
			app:        domain.Application{UUID: "app", BuildPack: domain.BuildPackDockerfile},
			commit:     sha,
			build:      "app:" + sha,
			production: "app:" + sha,
		},
		{
			name:       "nixpacks is two-stage",
			app:        domain.Application{UUID: "app", BuildPack: domain.BuildPackNixpacks},
			commit:     sha,
			build:      "app:" + sha + "-build",
			production: "app:" + sha,
		},
		{
			name:       "pull request tag",
			app:        domain.Application{UUID: "app", BuildPack: domain.BuildPackDockerfile},
			commit:     sha,
			pr:         12,
			build:      "app:pr-12",
			production: "app:pr-12",
		},
		{
			name: "registry image name replaces uuid",
			app: domain.Application{UUID: "app", BuildPack: domain.BuildPackDockerfile,
				Image: domain.ImageSettings{RegistryImageName: "ghcr.io/acme/web"}},
			commit:     sha,
			build:      "ghcr.io/acme/web:" + sha,
			production: "ghcr.io/acme/web:" + sha,
		},
		{
			name: "dockerimage defaults to latest",
			app: domain.Application{UUID: "app", BuildPack: domain.BuildPackDockerImage,
				Image: domain.ImageSettings{RegistryImageName: "nginx"}},
			commit:     sha,
			build:      "nginx:latest",
			production: "nginx:latest",
		},
		{
			name: "dockerimage declared tag",
			app: domain.Application{UUID: "app", BuildPack: domain.BuildPackDockerImage,
				Image: domain.ImageSettings{RegistryImageName: "nginx", RegistryImageTag: "1.27"}},
			build:      "nginx:1.27",
			production: "nginx:1.27",
		},
		{
			name: "inline dockerfile without registry",
			app: domain.Application{UUID: "app", BuildPack: domain.BuildPackDockerfile,
				Source: domain.SourceSettings{Dockerfile: "FROM nginx"}},
			commit:     sha,
			build:      "app:latest",
			production: "app:latest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NameImages(&tt.app, tt.commit, tt.pr)
			assert.Equal(t, tt.build, got.Build)
			assert.Equal(t, tt.production, got.Production)
		})
	}
}

func TestTag(t *testing.T) {
	assert.Equal(t, "HEAD", Tag(""))
	assert.Equal(t, "feature-x", Tag("feature/x"))
	assert.Len(t, Tag(strings.Repeat("a", 300)), MaxTagLength)
}

// =============================================================================
// BuildKit Detection Tests
// =============================================================================

func TestDetectBuildKit(t *testing.T) {
	help := "Usage: docker buildx build\n      --secret stringArray   Secret to expose"

	tests := []struct {
		name    string
		enabled bool
		probe   BuildKitProbe
		want    bool
		reason  BuildKitReason
	}{
		{"supported", true, BuildKitProbe{ServerVersion: "27.3.1", BuilderHelp: help}, true, BuildKitSupported},
		{"exact minimum", true, BuildKitProbe{ServerVersion: "18.09.0-ce", BuilderHelp: help}, true, BuildKitSupported},
		{"disabled", false, BuildKitProbe{ServerVersion: "27.3.1", BuilderHelp: help}, false, BuildKitSecretsDisabled},
		{"too old", true, BuildKitProbe{ServerVersion: "17.12.1-ce", BuilderHelp: help}, false, BuildKitVersionTooOld},
		{"unknown version", true, BuildKitProbe{ServerVersion: "Error: cannot connect", BuilderHelp: help}, false, BuildKitVersionUnknown},
		{"no secret flag", true, BuildKitProbe{ServerVersion: "20.10.0", BuilderHelp: "Usage: docker build"}, false, BuildKitNoSecretSupport},
		{"probe error", true, BuildKitProbe{Err: errors.New("ssh: timeout")}, false, BuildKitProbeFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := DetectBuildKit(tt.enabled, tt.probe)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

// =============================================================================
// Secret Planning Tests
// =============================================================================

func TestPlanSecrets_BuildArgs(t *testing.T) {
	vars := []domain.EnvironmentVariable{{Key: "API_KEY", Value: "x", IsBuildTime: true}}

	plan := PlanSecrets(vars, false, []byte("k"))

	require.Len(t, plan.BuildArgs, 4)
	assert.Equal(t, []string{"--build-arg", "API_KEY=x"}, plan.BuildArgs[:2])
	assert.Equal(t, "--build-arg", plan.BuildArgs[2])
	assert.True(t, strings.HasPrefix(plan.BuildArgs[3], SecretsHashName+"="))
	assert.Regexp(t, hex64, strings.TrimPrefix(plan.BuildArgs[3], SecretsHashName+"="))
	assert.Contains(t, plan.BuildArgFlags(), "--build-arg API_KEY=x")
	assert.Contains(t, plan.BuildArgFlags(), "--build-arg "+SecretsHashName+"="+plan.Hash)
	assert.Empty(t, plan.SecretFlags)
	assert.Equal(t, plan.BuildArgs, plan.Flags())
}

func TestPlanSecrets_SecretMounts(t *testing.T) {
	vars := []domain.EnvironmentVariable{
		{Key: "TOKEN", Value: "a b"},
		{Key: "API_KEY", Value: "x"},
	}

	plan := PlanSecrets(vars, true, []byte("k"))

	assert.Empty(t, plan.BuildArgs)
	assert.Equal(t, []string{
		"--secret", "id=API_KEY,env=API_KEY",
		"--secret", "id=TOKEN,env=TOKEN",
		"--secret", "id=" + SecretsHashName + ",env=" + SecretsHashName,
	}, plan.Flags())
	assert.Equal(t, []string{"API_KEY=x", "'TOKEN=a b'", SecretsHashName + "=" + plan.Hash}, plan.Env)
	assert.Equal(t, []string{"API_KEY", SecretsHashName, "TOKEN"}, plan.Keys)
}

func TestPlanSecrets_NoVariables(t *testing.T) {
	plan := PlanSecrets(nil, true, []byte("k"))
	assert.True(t, plan.Empty())
	assert.Empty(t, plan.Flags())
}

func TestSecretsHash(t *testing.T) {
	a := []domain.EnvironmentVariable{{Key: "B", Value: "2"}, {Key: "A", Value: "1"}}
	b := []domain.EnvironmentVariable{{Key: "A", Value: "1"}, {Key: "B", Value: "2"}}

	h := SecretsHash(a, []byte("key"))
	assert.Regexp(t, hex64, h)
	assert.Equal(t, h, SecretsHash(b, []byte("key")), "order independent")
	assert.NotEqual(t, h, SecretsHash(a, []byte("other")))

	b[0].Value = "changed"
	assert.NotEqual(t, h, SecretsHash(b, []byte("key")))
}

func TestHashKey(t *testing.T) {
	r1, err := HashKey("", "app")
	require.NoError(t, err)
	r2, err := HashKey("", "app")
	require.NoError(t, err)
	assert.Len(t, r1, 32)
	assert.NotEqual(t, r1, r2, "random keys differ per run")

	s1, _ := HashKey("secret", "app")
	s2, _ := HashKey("secret", "app")
	s3, _ := HashKey("secret", "other")
	assert.Equal(t, s1, s2, "configured keys are stable per application")
	assert.NotEqual(t, s1, s3)
}

// =============================================================================
// Dockerfile Injection Tests
// =============================================================================

func TestInjectDockerfileArgs_MultiStage(t *testing.T) {
	in := strings.Join([]string{
		"FROM node:20 AS build",
		"ARG API_KEY",
		"RUN npm ci",
		"FROM nginx:alpine",
		"COPY --from=build /app/dist /usr/share/nginx/html",
	}, "\n")

	got := InjectDockerfileArgs(in, []string{"API_KEY", SecretsHashName}, false)

	assert.Equal(t, strings.Join([]string{
		"FROM node:20 AS build",
		"ARG " + SecretsHashName,
		"ARG API_KEY",
		"RUN npm ci",
		"FROM nginx:alpine",
		"ARG API_KEY",
		"ARG " + SecretsHashName,
		"COPY --from=build /app/dist /usr/share/nginx/html",
	}, "\n"), got)
}

func TestInjectDockerfileArgs_Secrets(t *testing.T) {
	in := "FROM node:20\nRUN npm ci\nRUN --mount=type=secret,id=X npm test\n  run npm run build"

	got := InjectDockerfileArgs(in, []string{"API_KEY"}, true)
	lines := strings.Split(got, "\n")

	require.Len(t, lines, 6)
	assert.Equal(t, SyntaxDirective, lines[0])
	assert.Equal(t, "FROM node:20", lines[1])
	assert.Equal(t, "ARG API_KEY", lines[2])
	assert.Equal(t, "RUN --mount=type=secret,id=API_KEY,env=API_KEY npm ci", lines[3])
	assert.Equal(t, "RUN --mount=type=secret,id=X npm test", lines[4], "existing mounts are kept")
	assert.Equal(t, "  RUN --mount=type=secret,id=API_KEY,env=API_KEY npm run build", lines[5])
}

func TestInjectDockerfileArgs_KeepsSyntaxDirective(t *testing.T) {
	in := "# syntax=docker/dockerfile:1.7\nFROM alpine\nRUN true"
	got := InjectDockerfileArgs(in, []string{"A"}, true)
	assert.Equal(t, 1, strings.Count(got, "syntax="))
	assert.True(t, strings.HasPrefix(got, "# syntax=docker/dockerfile:1.7\nFROM alpine\nARG A"))
}

func TestInjectDockerfileArgs_NoKeys(t *testing.T) {
	in := "FROM alpine\nRUN true"
	assert.Equal(t, in, InjectDockerfileArgs(in, nil, true))
}
