package compose

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/compose-spec/compose-go/v2/types"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/core/plan"
	"github.com/artpar/keel/internal/core/traefik"
)

var volumeNameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// =============================================================================
// Synthesis
// =============================================================================

// Synthesize builds the compose document that runs one deployment.
//
// The document has one service named after the container. Standalone
// destinations get container-level limits and a restart policy; Swarm
// destinations get a deploy block with start-first update and rollback
// ordering instead. Labels are merged as user labels, then identity labels,
// then proxy labels, so neither identity nor routing can be overridden.
func Synthesize(app *domain.Application, p plan.BuildPlan) (*Document, error) {
	opts, err := ParseRunOptions(app.Network.CustomDockerRunOptions)
	if err != nil {
		return nil, err
	}

	svc := types.ServiceConfig{
		Name:        p.ContainerName,
		Image:       p.Images.Production,
		Expose:      types.StringOrNumberList(app.ExposedPorts()),
		Labels:      mergeLabels(app, p),
		Environment: environment(app, p),
		Networks: map[string]*types.ServiceNetworkConfig{
			p.Network: {
				Aliases:     []string{traefik.RouterName(app.UUID, p.PullRequestID)},
				Ipv4Address: opts.IPv4,
				Ipv6Address: opts.IPv6,
			},
		},
		CapAdd:     opts.CapAdd,
		CapDrop:    opts.CapDrop,
		Privileged: opts.Privileged,
		Hostname:   opts.Hostname,
		ShmSize:    types.UnitBytes(opts.ShmSize),
	}
	if opts.Init {
		enabled := true
		svc.Init = &enabled
	}

	ports, err := portMappings(app)
	if err != nil {
		return nil, err
	}
	svc.Ports = ports

	if app.HealthCheck.Enabled {
		svc.HealthCheck = healthCheck(app)
	}

	volumes, namedVolumes := mounts(app)
	svc.Volumes = volumes

	limits, err := parseLimits(app.Limits)
	if err != nil {
		return nil, err
	}
	devices, err := gpuDevices(app.GPU)
	if err != nil {
		return nil, err
	}

	if p.Swarm {
		svc.Deploy = swarmDeploy(app, limits, devices, svc.Labels)
	} else {
		svc.ContainerName = p.ContainerName
		svc.Restart = types.RestartPolicyUnlessStopped
		svc.MemLimit = types.UnitBytes(limits.memory)
		svc.MemSwapLimit = types.UnitBytes(limits.memorySwap)
		svc.MemReservation = types.UnitBytes(limits.memoryReservation)
		svc.CPUS = limits.cpus
		svc.CPUSet = app.Limits.CPUSet
		svc.CPUShares = app.Limits.CPUShares
		if len(devices) > 0 {
			svc.Deploy = &types.DeployConfig{
				Resources: types.Resources{Reservations: &types.Resource{Devices: devices}},
			}
		}
	}

	doc := &Document{
		Services: types.Services{p.ContainerName: svc},
		Networks: map[string]NetworkRef{p.Network: {Name: p.Network, External: true}},
	}
	if len(namedVolumes) > 0 {
		doc.Volumes = namedVolumes
	}
	return doc, nil
}

// Render synthesizes and renders in one step.
func Render(app *domain.Application, p plan.BuildPlan) (string, error) {
	doc, err := Synthesize(app, p)
	if err != nil {
		return "", err
	}
	return doc.YAML()
}

// RenderEnvFile renders runtime variables in .env format, sorted by key.
func RenderEnvFile(vars []domain.EnvironmentVariable) string {
	sorted := make([]domain.EnvironmentVariable, len(vars))
	copy(sorted, vars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	var b strings.Builder
	for _, v := range sorted {
		b.WriteString(v.Key)
		b.WriteByte('=')
		if strings.ContainsAny(v.Value, " \t\n\"'#$\\") {
			b.WriteString(strconv.Quote(v.Value))
		} else {
			b.WriteString(v.Value)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// =============================================================================
// Labels and environment
// =============================================================================

// IdentityLabels returns the labels that tie a container to its application.
func IdentityLabels(applicationUUID string, pullRequestID int, deploymentUUID string) map[string]string {
	return map[string]string{
		LabelManaged:     "true",
		LabelApplication: applicationUUID,
		LabelPullRequest: strconv.Itoa(pullRequestID),
		LabelDeployment:  deploymentUUID,
	}
}

// ParseLabels parses "key=value" lines (or comma separated pairs). Blank
// lines and lines starting with # are skipped.
func ParseLabels(raw string) map[string]string {
	labels := make(map[string]string)
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == ',' }) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, _ := strings.Cut(line, "=")
		if k = strings.TrimSpace(k); k != "" {
			labels[k] = strings.TrimSpace(v)
		}
	}
	return labels
}

func mergeLabels(app *domain.Application, p plan.BuildPlan) types.Labels {
	labels := types.Labels{}
	for k, v := range ParseLabels(app.Network.CustomLabels) {
		labels[k] = v
	}
	for k, v := range IdentityLabels(app.UUID, p.PullRequestID, p.DeploymentUUID) {
		labels[k] = v
	}
	port, _ := strconv.Atoi(firstPort(app))
	proxy := traefik.GenerateLabels(traefik.LabelParams{
		ApplicationUUID: app.UUID,
		PullRequestID:   p.PullRequestID,
		Hostnames:       app.Domains(),
		Port:            port,
		Network:         p.Network,
		EnableTLS:       app.Network.EnableTLS,
	})
	for k, v := range proxy {
		labels[k] = v
	}
	return labels
}

func firstPort(app *domain.Application) string {
	if ports := app.ExposedPorts(); len(ports) > 0 {
		return ports[0]
	}
	return ""
}

func environment(app *domain.Application, p plan.BuildPlan) types.MappingWithEquals {
	env := types.MappingWithEquals{}
	for _, v := range p.RuntimeVariables {
		value := v.Value
		env[v.Key] = &value
	}
	if app.Build.IncludeSourceCommit {
		commit := p.Commit
		env["SOURCE_COMMIT"] = &commit
	}
	if len(env) == 0 {
		return nil
	}
	return env
}

// =============================================================================
// Ports and volumes
// =============================================================================

func portMappings(app *domain.Application) ([]types.ServicePortConfig, error) {
	var out []types.ServicePortConfig
	for i, raw := range app.PortMappings() {
		mappings, err := nat.ParsePortSpec(raw)
		if err != nil {
			return nil, NewParseError(fmt.Sprintf("ports_mappings[%d]", i), err.Error(), ErrInvalidPortMapping)
		}
		for _, m := range mappings {
			out = append(out, types.ServicePortConfig{
				Target:    uint32(m.Port.Int()),
				Published: m.Binding.HostPort,
				HostIP:    m.Binding.HostIP,
				Protocol:  m.Port.Proto(),
			})
		}
	}
	return out, nil
}

func mounts(app *domain.Application) ([]types.ServiceVolumeConfig, map[string]VolumeRef) {
	var volumes []types.ServiceVolumeConfig
	named := make(map[string]VolumeRef)

	for _, s := range app.Storages {
		if s.HostPath != "" {
			volumes = append(volumes, types.ServiceVolumeConfig{
				Type:   types.VolumeTypeBind,
				Source: s.HostPath,
				Target: s.MountPath,
			})
			continue
		}
		name := VolumeName(app.UUID, s.Name)
		named[name] = VolumeRef{Name: name}
		volumes = append(volumes, types.ServiceVolumeConfig{
			Type:   types.VolumeTypeVolume,
			Source: name,
			Target: s.MountPath,
		})
	}
	for _, f := range app.FileMounts {
		volumes = append(volumes, types.ServiceVolumeConfig{
			Type:   types.VolumeTypeBind,
			Source: f.FSPath,
			Target: f.MountPath,
		})
	}
	return volumes, named
}

// VolumeName returns the named volume of an application storage.
func VolumeName(applicationUUID, storage string) string {
	name := volumeNameSanitizer.ReplaceAllString(strings.ToLower(storage), "-")
	return applicationUUID + "-" + strings.Trim(name, "-")
}

// =============================================================================
// Health check, limits, GPU and Swarm
// =============================================================================

func healthCheck(app *domain.Application) *types.HealthCheckConfig {
	hc := app.HealthCheck
	interval := seconds(hc.Interval)
	timeout := seconds(hc.Timeout)
	start := seconds(hc.StartPeriod)
	retries := uint64(max(hc.Retries, 1))
	return &types.HealthCheckConfig{
		Test:        types.HealthCheckTest{"CMD-SHELL", HealthCheckCommand(app)},
		Interval:    &interval,
		Timeout:     &timeout,
		Retries:     &retries,
		StartPeriod: &start,
	}
}

func seconds(n int) types.Duration {
	return types.Duration(time.Duration(n) * time.Second)
}

type limits struct {
	memory            int64
	memorySwap        int64
	memoryReservation int64
	cpus              float32
}

func parseLimits(l domain.ResourceLimits) (limits, error) {
	var out limits
	var err error
	if out.memory, err = parseMemory("limits.memory", l.Memory); err != nil {
		return out, err
	}
	if out.memorySwap, err = parseMemory("limits.memory_swap", l.MemorySwap); err != nil {
		return out, err
	}
	if out.memoryReservation, err = parseMemory("limits.memory_reservation", l.MemoryReservation); err != nil {
		return out, err
	}
	if l.CPUs != "" && l.CPUs != "0" {
		cpus, err := strconv.ParseFloat(l.CPUs, 32)
		if err != nil || cpus < 0 {
			return out, NewParseError("limits.cpus", "invalid cpus "+l.CPUs, ErrInvalidCPU)
		}
		out.cpus = float32(cpus)
	}
	return out, nil
}

func parseMemory(field, v string) (int64, error) {
	if v == "" || v == "0" {
		return 0, nil
	}
	n, err := units.RAMInBytes(v)
	if err != nil || n < 0 {
		return 0, NewParseError(field, "invalid memory "+v, ErrInvalidMemory)
	}
	return n, nil
}

// gpuDevices returns the device reservation. A count of "all" (or no count)
// leaves Count unset, which reserves every matching device.
func gpuDevices(g domain.GPUSettings) ([]types.DeviceRequest, error) {
	if !g.Enabled {
		return nil, nil
	}
	req := types.DeviceRequest{Capabilities: []string{"gpu"}, Driver: g.Driver}
	if ids := strings.TrimSpace(g.DeviceIDs); ids != "" {
		for _, id := range strings.Split(ids, ",") {
			if id = strings.TrimSpace(id); id != "" {
				req.IDs = append(req.IDs, id)
			}
		}
		return []types.DeviceRequest{req}, nil
	}
	switch c := strings.ToLower(strings.TrimSpace(g.Count)); c {
	case "", "all":
	default:
		n, err := strconv.ParseInt(c, 10, 64)
		if err != nil || n < 1 {
			return nil, NewParseError("gpu.count", "count must be a positive number or all", ErrInvalidGPU)
		}
		req.Count = types.DeviceCount(n)
	}
	return []types.DeviceRequest{req}, nil
}

func swarmDeploy(app *domain.Application, l limits, devices []types.DeviceRequest, labels types.Labels) *types.DeployConfig {
	replicas := app.Swarm.Replicas
	if replicas < 1 {
		replicas = 1
	}
	parallelism := uint64(1)
	deploy := &types.DeployConfig{
		Mode:     "replicated",
		Replicas: &replicas,
		Labels:   labels,
		UpdateConfig: &types.UpdateConfig{
			Parallelism:   &parallelism,
			Delay:         types.Duration(10 * time.Second),
			FailureAction: "rollback",
			Order:         "start-first",
		},
		RollbackConfig: &types.UpdateConfig{
			Parallelism: &parallelism,
			Order:       "start-first",
		},
	}
	for _, c := range strings.Split(app.Swarm.PlacementConstraints, "\n") {
		if c = strings.TrimSpace(c); c != "" {
			deploy.Placement.Constraints = append(deploy.Placement.Constraints, c)
		}
	}
	if l.memory > 0 || l.cpus > 0 {
		deploy.Resources.Limits = &types.Resource{
			NanoCPUs:    types.NanoCPUs(l.cpus),
			MemoryBytes: types.UnitBytes(l.memory),
		}
	}
	if l.memoryReservation > 0 || len(devices) > 0 {
		deploy.Resources.Reservations = &types.Resource{
			MemoryBytes: types.UnitBytes(l.memoryReservation),
			Devices:     devices,
		}
	}
	return deploy
}
