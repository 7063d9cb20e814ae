// Package rollout decides how a new version replaces the running one and
// drives the health-check loop that gates the cutover.
// This is part of the Functional Core - waiting and polling are injected.
package rollout

import (
	"strings"
)

// =============================================================================
// Container Health
// =============================================================================

// HealthState is the health of a freshly started container.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStarting  HealthState = "starting"
	// HealthNone means the container declares no health check.
	HealthNone    HealthState = "none"
	HealthUnknown HealthState = "unknown"
)

// Terminal reports whether polling may stop at this state.
func (h HealthState) Terminal() bool {
	return h == HealthHealthy || h == HealthUnhealthy
}

// InspectFormat is the docker inspect template whose output ParseInspect reads:
// "<health>|<state>", with health "none" for containers without a check.
const InspectFormat = `{{if .State.Health}}{{.State.Health.Status}}{{else}}none{{end}}|{{.State.Status}}`

// ParseInspect maps inspect output to a health state.
// A container that is no longer running is unhealthy whatever its check says.
func ParseInspect(output string) HealthState {
	output = strings.TrimSpace(output)
	if output == "" {
		return HealthUnknown
	}
	health, status, _ := strings.Cut(output, "|")
	health = strings.Trim(strings.TrimSpace(health), `"`)
	status = strings.TrimSpace(status)

	switch status {
	case "exited", "dead", "removing":
		return HealthUnhealthy
	case "created", "restarting":
		return HealthStarting
	}

	switch health {
	case "healthy":
		return HealthHealthy
	case "unhealthy":
		return HealthUnhealthy
	case "starting":
		return HealthStarting
	case "none":
		if status == "running" {
			return HealthNone
		}
	}
	return HealthUnknown
}
