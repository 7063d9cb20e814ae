// Package domain contains the core domain types and validation logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// Application Errors
// =============================================================================

var (
	ErrApplicationNameRequired = errors.New("application name is required")
	ErrInvalidBuildPack        = errors.New("invalid build pack")
	ErrRepositoryRequired      = errors.New("git repository is required for this build pack")
	ErrRegistryImageRequired   = errors.New("registry image name is required for dockerimage applications")
	ErrDestinationRequired     = errors.New("destination is required")
	ErrInvalidEnvironmentKey   = errors.New("environment variable key must not be empty")
)

// =============================================================================
// Build Pack
// =============================================================================

// BuildPack is the declared build strategy of an application.
type BuildPack string

const (
	BuildPackDockerfile    BuildPack = "dockerfile"
	BuildPackDockerImage   BuildPack = "dockerimage"
	BuildPackDockerCompose BuildPack = "dockercompose"
	BuildPackNixpacks      BuildPack = "nixpacks"
	BuildPackStatic        BuildPack = "static"
)

// IsValid checks if the build pack is one of the supported values.
func (b BuildPack) IsValid() bool {
	switch b {
	case BuildPackDockerfile, BuildPackDockerImage, BuildPackDockerCompose, BuildPackNixpacks, BuildPackStatic:
		return true
	default:
		return false
	}
}

// =============================================================================
// Application
// =============================================================================

// Application is the declared, read-mostly description of something to deploy.
type Application struct {
	ID            int64     `json:"id"`
	UUID          string    `json:"uuid"`
	Name          string    `json:"name"`
	DestinationID int64     `json:"destination_id"`
	BuildPack     BuildPack `json:"build_pack"`

	Source      SourceSettings        `json:"source"`
	Image       ImageSettings         `json:"image"`
	Build       BuildSettings         `json:"build"`
	Network     NetworkSettings       `json:"network"`
	HealthCheck HealthCheck           `json:"health_check"`
	Limits      ResourceLimits        `json:"limits"`
	GPU         GPUSettings           `json:"gpu"`
	Swarm       SwarmSettings         `json:"swarm"`
	Storages    []PersistentStorage   `json:"storages,omitempty"`
	FileMounts  []FileMount           `json:"file_mounts,omitempty"`
	Environment []EnvironmentVariable `json:"environment,omitempty"`

	// ConfigHash is the configuration hash recorded by the last successful deployment.
	ConfigHash string `json:"config_hash,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SourceSettings describes where the application source comes from.
type SourceSettings struct {
	GitRepository         string `json:"git_repository,omitempty"`
	GitBranch             string `json:"git_branch,omitempty"`
	GitCommitSHA          string `json:"git_commit_sha,omitempty"`
	BaseDirectory         string `json:"base_directory,omitempty"`
	DockerfileLocation    string `json:"dockerfile_location,omitempty"`
	Dockerfile            string `json:"dockerfile,omitempty"`
	DockerComposeLocation string `json:"docker_compose_location,omitempty"`
	DockerComposeRaw      string `json:"docker_compose_raw,omitempty"`
}

// ImageSettings describes the registry image the application is published as
// (or, for dockerimage applications, pulled from).
type ImageSettings struct {
	RegistryImageName string `json:"registry_image_name,omitempty"`
	RegistryImageTag  string `json:"registry_image_tag,omitempty"`
}

// BuildSettings holds the knobs of the build stage.
type BuildSettings struct {
	InstallCommand      string `json:"install_command,omitempty"`
	BuildCommand        string `json:"build_command,omitempty"`
	StartCommand        string `json:"start_command,omitempty"`
	PublishDirectory    string `json:"publish_directory,omitempty"`
	StaticImage         string `json:"static_image,omitempty"`
	IsStatic            bool   `json:"is_static,omitempty"`
	UseBuildSecrets     bool   `json:"use_build_secrets,omitempty"`
	DisableBuildCache   bool   `json:"disable_build_cache,omitempty"`
	IncludeSourceCommit bool   `json:"include_source_commit,omitempty"`
}

// NetworkSettings holds routing and container identity settings.
type NetworkSettings struct {
	FQDN                    string `json:"fqdn,omitempty"`
	EnableTLS               bool   `json:"enable_tls,omitempty"`
	PortsExposes            string `json:"ports_exposes,omitempty"`
	PortsMappings           string `json:"ports_mappings,omitempty"`
	CustomLabels            string `json:"custom_labels,omitempty"`
	CustomDockerRunOptions  string `json:"custom_docker_run_options,omitempty"`
	ConsistentContainerName bool   `json:"consistent_container_name,omitempty"`
	CustomContainerName     string `json:"custom_container_name,omitempty"`
}

// HealthCheck describes how a running container is probed.
// Intervals, timeouts and start period are in seconds.
type HealthCheck struct {
	Enabled      bool   `json:"enabled"`
	Path         string `json:"path,omitempty"`
	Port         string `json:"port,omitempty"`
	Host         string `json:"host,omitempty"`
	Scheme       string `json:"scheme,omitempty"`
	Method       string `json:"method,omitempty"`
	ReturnCode   int    `json:"return_code,omitempty"`
	ResponseText string `json:"response_text,omitempty"`
	Interval     int    `json:"interval,omitempty"`
	Timeout      int    `json:"timeout,omitempty"`
	Retries      int    `json:"retries,omitempty"`
	StartPeriod  int    `json:"start_period,omitempty"`
}

// ResourceLimits holds container resource limits in docker notation ("512m", "1.5").
// "0" or empty means unlimited.
type ResourceLimits struct {
	Memory            string `json:"memory,omitempty"`
	MemorySwap        string `json:"memory_swap,omitempty"`
	MemoryReservation string `json:"memory_reservation,omitempty"`
	CPUs              string `json:"cpus,omitempty"`
	CPUSet            string `json:"cpuset,omitempty"`
	CPUShares         int64  `json:"cpu_shares,omitempty"`
}

// GPUSettings describes a device reservation. Count may be a number or "all";
// DeviceIDs, when set, takes precedence over Count.
type GPUSettings struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Driver    string `json:"driver,omitempty"`
	Count     string `json:"count,omitempty"`
	DeviceIDs string `json:"device_ids,omitempty"`
}

// SwarmSettings applies only when the destination is a Swarm.
type SwarmSettings struct {
	Replicas             int    `json:"replicas,omitempty"`
	PlacementConstraints string `json:"placement_constraints,omitempty"`
}

// PersistentStorage is a named volume or host bind.
type PersistentStorage struct {
	Name      string `json:"name"`
	HostPath  string `json:"host_path,omitempty"`
	MountPath string `json:"mount_path"`
}

// FileMount is a file (or directory) written on the host and bind-mounted.
type FileMount struct {
	FSPath      string `json:"fs_path"`
	MountPath   string `json:"mount_path"`
	Content     string `json:"content,omitempty"`
	IsDirectory bool   `json:"is_directory,omitempty"`
}

// EnvironmentVariable is one declared variable. Preview variables apply only
// to pull request deployments; the others only to production deployments.
type EnvironmentVariable struct {
	Key         string `json:"key"`
	Value       string `json:"value"`
	IsBuildTime bool   `json:"is_build_time"`
	IsRuntime   bool   `json:"is_runtime"`
	IsPreview   bool   `json:"is_preview"`
}

// ApplyDefaults fills unset settings with their defaults.
func (a *Application) ApplyDefaults() {
	if a.BuildPack == "" {
		a.BuildPack = BuildPackNixpacks
	}
	if a.Source.GitBranch == "" {
		a.Source.GitBranch = "main"
	}
	if a.Source.GitCommitSHA == "" {
		a.Source.GitCommitSHA = "HEAD"
	}
	if a.Source.BaseDirectory == "" {
		a.Source.BaseDirectory = "/"
	}
	if a.Source.DockerfileLocation == "" {
		a.Source.DockerfileLocation = "/Dockerfile"
	}
	if a.Source.DockerComposeLocation == "" {
		a.Source.DockerComposeLocation = "/docker-compose.yaml"
	}
	if a.Build.StaticImage == "" {
		a.Build.StaticImage = "nginx:alpine"
	}
	if a.Build.PublishDirectory == "" && a.BuildPack == BuildPackStatic {
		a.Build.PublishDirectory = "/dist"
	}
	if a.GPU.Enabled && a.GPU.Driver == "" {
		a.GPU.Driver = "nvidia"
	}
	hc := &a.HealthCheck
	if hc.Path == "" {
		hc.Path = "/"
	}
	if hc.Host == "" {
		hc.Host = "localhost"
	}
	if hc.Scheme == "" {
		hc.Scheme = "http"
	}
	if hc.Method == "" {
		hc.Method = "GET"
	}
	if hc.ReturnCode == 0 {
		hc.ReturnCode = 200
	}
	if hc.Interval <= 0 {
		hc.Interval = 5
	}
	if hc.Timeout <= 0 {
		hc.Timeout = 5
	}
	if hc.Retries <= 0 {
		hc.Retries = 10
	}
	if hc.StartPeriod < 0 {
		hc.StartPeriod = 0
	}
}

// Validate checks the application declaration.
func (a *Application) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return ErrApplicationNameRequired
	}
	if !a.BuildPack.IsValid() {
		return ErrInvalidBuildPack
	}
	if a.DestinationID == 0 {
		return ErrDestinationRequired
	}
	switch {
	case a.BuildPack == BuildPackDockerImage:
		if a.Image.RegistryImageName == "" {
			return ErrRegistryImageRequired
		}
	case a.HasInlineDockerfile():
	case a.BuildPack == BuildPackDockerCompose && a.Source.DockerComposeRaw != "" && a.Source.GitRepository == "":
	default:
		if a.Source.GitRepository == "" {
			return ErrRepositoryRequired
		}
	}
	for _, env := range a.Environment {
		if strings.TrimSpace(env.Key) == "" {
			return ErrInvalidEnvironmentKey
		}
	}
	return nil
}

// HasInlineDockerfile reports whether the application carries its Dockerfile as text.
func (a *Application) HasInlineDockerfile() bool {
	return strings.TrimSpace(a.Source.Dockerfile) != ""
}

// UsesRegistry reports whether built images are published to a registry.
func (a *Application) UsesRegistry() bool {
	return a.Image.RegistryImageName != ""
}

// ExposedPorts returns the declared container ports, in declaration order.
func (a *Application) ExposedPorts() []string {
	return splitList(a.Network.PortsExposes, ",")
}

// PortMappings returns the declared host:container mappings.
func (a *Application) PortMappings() []string {
	return splitList(a.Network.PortsMappings, ",")
}

// Domains returns the routed hostnames (scheme stripped).
func (a *Application) Domains() []string {
	var out []string
	for _, d := range splitList(a.Network.FQDN, ",") {
		d = strings.TrimPrefix(d, "https://")
		d = strings.TrimPrefix(d, "http://")
		d = strings.TrimSuffix(d, "/")
		if d != "" {
			out = append(out, d)
		}
	}
	return out
}

// HealthCheckPort returns the probed port: the declared one or the first exposed port.
func (a *Application) HealthCheckPort() string {
	if a.HealthCheck.Port != "" {
		return a.HealthCheck.Port
	}
	if ports := a.ExposedPorts(); len(ports) > 0 {
		return ports[0]
	}
	return "80"
}

// BuildTimeVariables returns build-time variables for a production (pr == 0)
// or preview deployment, sorted by key.
func (a *Application) BuildTimeVariables(pullRequestID int) []EnvironmentVariable {
	return a.variables(pullRequestID, func(v EnvironmentVariable) bool { return v.IsBuildTime })
}

// RuntimeVariables returns runtime variables for a production or preview
// deployment, sorted by key.
func (a *Application) RuntimeVariables(pullRequestID int) []EnvironmentVariable {
	return a.variables(pullRequestID, func(v EnvironmentVariable) bool { return v.IsRuntime })
}

func (a *Application) variables(pullRequestID int, keep func(EnvironmentVariable) bool) []EnvironmentVariable {
	preview := pullRequestID != 0
	out := make([]EnvironmentVariable, 0, len(a.Environment))
	for _, v := range a.Environment {
		if v.IsPreview != preview || !keep(v) {
			continue
		}
		out = append(out, v)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ConfigurationHash hashes every setting that affects the built image or the
// running container. Commit and bookkeeping fields are excluded.
func (a *Application) ConfigurationHash() string {
	snapshot := struct {
		BuildPack   BuildPack
		Source      SourceSettings
		Image       ImageSettings
		Build       BuildSettings
		Network     NetworkSettings
		HealthCheck HealthCheck
		Limits      ResourceLimits
		GPU         GPUSettings
		Swarm       SwarmSettings
		Storages    []PersistentStorage
		FileMounts  []FileMount
		Environment []EnvironmentVariable
	}{
		BuildPack:   a.BuildPack,
		Source:      a.Source,
		Image:       a.Image,
		Build:       a.Build,
		Network:     a.Network,
		HealthCheck: a.HealthCheck,
		Limits:      a.Limits,
		GPU:         a.GPU,
		Swarm:       a.Swarm,
		Storages:    a.Storages,
		FileMounts:  a.FileMounts,
		Environment: a.Environment,
	}
	snapshot.Source.GitCommitSHA = ""
	data, _ := json.Marshal(snapshot)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
