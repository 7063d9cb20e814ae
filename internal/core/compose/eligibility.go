package compose

import (
	"github.com/artpar/keel/internal/core/domain"
)

// Reasons a deployment cannot be swapped without downtime.
const (
	ReasonPortMappings  = "host port mappings are declared"
	ReasonFixedName     = "a consistent or custom container name is configured"
	ReasonPullRequest   = "pull request deployments replace their container in place"
	ReasonStaticIP      = "custom run options pin a static IP"
	ReasonBadRunOptions = "custom run options could not be parsed"
)

// RollingEligibility decides whether the new version may start before the
// old one stops. Two instances cannot share a host port, a container name
// or a static IP, so any of those forces stop-then-start.
func RollingEligibility(app *domain.Application, pullRequestID int) Eligibility {
	var reasons []string

	if len(app.PortMappings()) > 0 {
		reasons = append(reasons, ReasonPortMappings)
	}
	if app.Network.ConsistentContainerName || app.Network.CustomContainerName != "" {
		reasons = append(reasons, ReasonFixedName)
	}
	if pullRequestID != 0 {
		reasons = append(reasons, ReasonPullRequest)
	}
	opts, err := ParseRunOptions(app.Network.CustomDockerRunOptions)
	switch {
	case err != nil:
		reasons = append(reasons, ReasonBadRunOptions)
	case opts.HasStaticIP():
		reasons = append(reasons, ReasonStaticIP)
	}

	return Eligibility{Rolling: len(reasons) == 0, Reasons: reasons}
}
