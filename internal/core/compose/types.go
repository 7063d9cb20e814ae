package compose

import (
	"bytes"

	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Labels
// =============================================================================

// Identity labels attached to every container keel starts. The rollout
// engine finds previous versions through them.
const (
	LabelManaged     = "keel.managed"
	LabelApplication = "keel.application"
	LabelPullRequest = "keel.pull-request"
	LabelDeployment  = "keel.deployment"
)

// =============================================================================
// Document - Main Output Type
// =============================================================================

// Document is a synthesized compose file. Services use the compose-go model;
// top-level networks and volumes are references only.
type Document struct {
	Services types.Services        `yaml:"services"`
	Networks map[string]NetworkRef `yaml:"networks,omitempty"`
	Volumes  map[string]VolumeRef  `yaml:"volumes,omitempty"`
}

// NetworkRef declares a network created outside the compose project.
type NetworkRef struct {
	Name     string `yaml:"name"`
	External bool   `yaml:"external"`
}

// VolumeRef declares a named volume.
type VolumeRef struct {
	Name string `yaml:"name"`
}

// YAML renders the document. Map keys are sorted, so rendering the same
// document twice yields identical bytes.
func (d *Document) YAML() (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return "", NewParseError("", err.Error(), ErrInvalidYAML)
	}
	if err := enc.Close(); err != nil {
		return "", NewParseError("", err.Error(), ErrInvalidYAML)
	}
	return buf.String(), nil
}

// =============================================================================
// Rolling Update Eligibility
// =============================================================================

// Eligibility tells whether two versions of a deployment may run side by side.
type Eligibility struct {
	Rolling bool     `json:"rolling"`
	Reasons []string `json:"reasons,omitempty"`
}
