package rollout

import (
	"github.com/artpar/keel/internal/core/compose"
)

// Mode is how the new version replaces the old one.
type Mode string

const (
	// ModeRolling starts the new container, waits for it to be healthy,
	// then stops the previous ones.
	ModeRolling Mode = "rolling"

	// ModeStopThenStart stops the previous version first. Used when two
	// versions cannot coexist.
	ModeStopThenStart Mode = "stop-then-start"

	// ModeSwarm hands the update to docker stack deploy.
	ModeSwarm Mode = "swarm"
)

// ChooseMode picks the mode for a deployment.
func ChooseMode(swarm bool, eligibility compose.Eligibility) Mode {
	switch {
	case swarm:
		return ModeSwarm
	case eligibility.Rolling:
		return ModeRolling
	default:
		return ModeStopThenStart
	}
}

// PollsHealth reports whether the mode waits on container health itself.
func (m Mode) PollsHealth() bool {
	return m != ModeSwarm
}
