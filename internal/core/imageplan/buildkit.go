package imageplan

import (
	"strings"

	"github.com/docker/docker/api/types/versions"

	"github.com/artpar/keel/internal/core/command"
)

// MinBuildKitVersion is the first Docker server version with BuildKit.
const MinBuildKitVersion = "18.09"

// BuildKitReason explains a BuildKit capability decision.
type BuildKitReason string

const (
	BuildKitSupported       BuildKitReason = "supported"
	BuildKitSecretsDisabled BuildKitReason = "build secrets are disabled for this application"
	BuildKitVersionUnknown  BuildKitReason = "docker server version could not be determined"
	BuildKitVersionTooOld   BuildKitReason = "docker server version is older than " + MinBuildKitVersion
	BuildKitNoSecretSupport BuildKitReason = "the builder does not support --secret"
	BuildKitProbeFailed     BuildKitReason = "buildkit probe failed"
)

// BuildKitProbe is the raw result of probing a host.
type BuildKitProbe struct {
	// ServerVersion is the output of VersionProbe.
	ServerVersion string

	// BuilderHelp is the output of BuilderProbe.
	BuilderHelp string

	// Err is set when a probe command failed to run.
	Err error
}

// VersionProbe prints the Docker server version.
func VersionProbe() command.Command {
	return command.New("docker", "version", "--format", "{{.Server.Version}}").Hide().IgnoringErrors()
}

// BuilderProbe prints the build flags understood by the active builder.
func BuilderProbe() command.Command {
	return command.Shell("docker buildx build --help 2>/dev/null || docker build --help").Hide().IgnoringErrors()
}

// DetectBuildKit decides whether BuildKit secret mounts may be used. Any
// uncertainty answers false so the build degrades to --build-arg.
func DetectBuildKit(secretsEnabled bool, probe BuildKitProbe) (bool, BuildKitReason) {
	if !secretsEnabled {
		return false, BuildKitSecretsDisabled
	}
	if probe.Err != nil {
		return false, BuildKitProbeFailed
	}
	v := normalizeVersion(probe.ServerVersion)
	if v == "" {
		return false, BuildKitVersionUnknown
	}
	if !versions.GreaterThanOrEqualTo(v, MinBuildKitVersion) {
		return false, BuildKitVersionTooOld
	}
	if !strings.Contains(probe.BuilderHelp, "--secret") {
		return false, BuildKitNoSecretSupport
	}
	return true, BuildKitSupported
}

// normalizeVersion strips build metadata such as "-ce" or "+dfsg1" so the
// dotted numeric comparison works.
func normalizeVersion(raw string) string {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+~ \n"); i >= 0 {
		v = v[:i]
	}
	if v == "" || v[0] < '0' || v[0] > '9' {
		return ""
	}
	return v
}
