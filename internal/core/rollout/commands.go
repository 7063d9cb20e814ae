package rollout

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/artpar/keel/internal/core/command"
	"github.com/artpar/keel/internal/core/compose"
	"github.com/artpar/keel/internal/core/plan"
)

// DiagnosticLines is how many log lines are captured from a failed container.
const DiagnosticLines = 100

// Save names of captured command output.
const (
	SaveHealth   = "health"
	SavePrevious = "previous_containers"
	SaveLogs     = "container_logs"
)

// =============================================================================
// Commands
// =============================================================================

// Start brings the new version up from the compose file written for the plan.
func Start(p plan.BuildPlan, project string) command.Command {
	if p.Swarm {
		return command.New("docker", "stack", "deploy", "--detach=true", "--with-registry-auth",
			"-c", p.ComposePath(), project)
	}
	return command.New("docker", "compose", "--project-name", project,
		"-f", p.ComposePath(), "--env-file", p.EnvPath(), "up", "-d")
}

// Inspect prints the health and state of a container in InspectFormat.
func Inspect(container string) command.Command {
	return command.New("docker", "inspect", "--format", InspectFormat, container).
		Hide().IgnoringErrors().Saving(SaveHealth)
}

// Logs captures the last DiagnosticLines lines of a container.
func Logs(container string) command.Command {
	return command.New("docker", "logs", "-n", strconv.Itoa(DiagnosticLines), container).
		IgnoringErrors().Saving(SaveLogs)
}

// ListContainers prints the names of every container of the application
// and pull request, running or not.
func ListContainers(applicationUUID string, pullRequestID int) command.Command {
	return command.New("docker", "ps", "-a",
		"--filter", "label="+compose.LabelApplication+"="+applicationUUID,
		"--filter", "label="+compose.LabelPullRequest+"="+strconv.Itoa(pullRequestID),
		"--format", "{{.Names}}").Hide().IgnoringErrors().Saving(SavePrevious)
}

// Stop gracefully stops a container, then removes it.
func Stop(container string, grace time.Duration) command.Batch {
	secs := int(grace / time.Second)
	return command.Batch{
		command.New("docker", "stop", "--time", strconv.Itoa(secs), container).IgnoringErrors(),
		command.New("docker", "rm", "-f", container).IgnoringErrors(),
	}
}

// Remove force-removes a container without waiting.
func Remove(container string) command.Command {
	return command.New("docker", "rm", "-f", container).IgnoringErrors()
}

// StopAll stops every listed container.
func StopAll(containers []string, grace time.Duration) command.Batch {
	var out command.Batch
	for _, c := range containers {
		out = append(out, Stop(c, grace)...)
	}
	return out
}

// =============================================================================
// Output parsing
// =============================================================================

// Previous returns the container names of ListContainers output, excluding
// the container that was just started.
func Previous(output, current string) []string {
	var out []string
	for _, line := range strings.Split(output, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || name == current {
			continue
		}
		out = append(out, name)
	}
	return out
}

// AttemptLine is the deployment log line for one health poll.
func AttemptLine(attempt, total int, state HealthState) string {
	return fmt.Sprintf("Healthcheck attempt %d of %d: %s", attempt, total, state)
}
