package compose

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/compose-spec/compose-go/v2/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/core/plan"
)

// =============================================================================
// Test Fixtures
// =============================================================================

func testApp() *domain.Application {
	app := &domain.Application{
		ID:            1,
		UUID:          "app",
		Name:          "web",
		DestinationID: 1,
		BuildPack:     domain.BuildPackDockerfile,
		Network: domain.NetworkSettings{
			FQDN:         "https://web.example.com",
			PortsExposes: "3000",
			CustomLabels: "com.example.team=web\ntraefik.enable=false\nkeel.application=spoofed",
		},
		HealthCheck: domain.HealthCheck{Enabled: true, Path: "/health", StartPeriod: 5},
		Limits:      domain.ResourceLimits{Memory: "512m", CPUs: "1.5"},
		Environment: []domain.EnvironmentVariable{{Key: "PORT", Value: "3000", IsRuntime: true}},
	}
	app.ApplyDefaults()
	return app
}

func testPlan(app *domain.Application, kind domain.DestinationKind, pr int) plan.BuildPlan {
	dest := &domain.Destination{ID: 1, ServerID: 1, Network: "keel", Kind: kind}
	entry := &domain.QueueEntry{DeploymentUUID: "dep", Commit: "abc", PullRequestID: pr}
	return plan.New(app, dest, entry, "/data/keel", time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), "zz")
}

func only(t *testing.T, doc *Document) types.ServiceConfig {
	t.Helper()
	require.Len(t, doc.Services, 1)
	for _, svc := range doc.Services {
		return svc
	}
	return types.ServiceConfig{}
}

// =============================================================================
// Standalone Synthesis Tests
// =============================================================================

func TestSynthesize_Standalone(t *testing.T) {
	app := testApp()
	p := testPlan(app, domain.DestinationStandalone, 0)

	doc, err := Synthesize(app, p)
	require.NoError(t, err)

	svc := only(t, doc)
	assert.Equal(t, "app-120000zz", svc.ContainerName)
	assert.Equal(t, "app:abc", svc.Image)
	assert.Equal(t, types.RestartPolicyUnlessStopped, svc.Restart)
	assert.Equal(t, types.StringOrNumberList{"3000"}, svc.Expose)
	assert.Equal(t, types.UnitBytes(512*1024*1024), svc.MemLimit)
	assert.InDelta(t, 1.5, svc.CPUS, 0.001)
	assert.Nil(t, svc.Deploy)
	require.Contains(t, svc.Networks, "keel")
	assert.Equal(t, []string{"app"}, svc.Networks["keel"].Aliases)
	assert.Equal(t, NetworkRef{Name: "keel", External: true}, doc.Networks["keel"])
	require.NotNil(t, svc.Environment["PORT"])
	assert.Equal(t, "3000", *svc.Environment["PORT"])
}

func TestSynthesize_LabelPrecedence(t *testing.T) {
	app := testApp()
	doc, err := Synthesize(app, testPlan(app, domain.DestinationStandalone, 0))
	require.NoError(t, err)

	labels := only(t, doc).Labels
	assert.Equal(t, "web", labels["com.example.team"], "user labels are kept")
	assert.Equal(t, "true", labels["traefik.enable"], "proxy labels win over user labels")
	assert.Equal(t, "app", labels[LabelApplication], "identity labels win over user labels")
	assert.Equal(t, "0", labels[LabelPullRequest])
	assert.Equal(t, "Host(`web.example.com`)", labels["traefik.http.routers.app.rule"])
	assert.Equal(t, "3000", labels["traefik.http.services.app.loadbalancer.server.port"])
}

func TestSynthesize_HealthCheck(t *testing.T) {
	app := testApp()
	doc, err := Synthesize(app, testPlan(app, domain.DestinationStandalone, 0))
	require.NoError(t, err)

	hc := only(t, doc).HealthCheck
	require.NotNil(t, hc)
	require.Len(t, hc.Test, 2)
	assert.Equal(t, "CMD-SHELL", hc.Test[0])
	assert.Equal(t,
		"curl -s -X GET -f http://localhost:3000/health > /dev/null || wget -q -O- http://localhost:3000/health > /dev/null || exit 1",
		hc.Test[1])
	assert.Equal(t, types.Duration(5*time.Second), *hc.Interval)
	assert.Equal(t, types.Duration(5*time.Second), *hc.StartPeriod)
	assert.Equal(t, uint64(10), *hc.Retries)

	app.HealthCheck.Enabled = false
	doc, err = Synthesize(app, testPlan(app, domain.DestinationStandalone, 0))
	require.NoError(t, err)
	assert.Nil(t, only(t, doc).HealthCheck)
}

func TestSynthesize_PortMappings(t *testing.T) {
	app := testApp()
	app.Network.PortsMappings = "8080:80, 127.0.0.1:5353:53/udp"

	doc, err := Synthesize(app, testPlan(app, domain.DestinationStandalone, 0))
	require.NoError(t, err)

	ports := only(t, doc).Ports
	require.Len(t, ports, 2)
	assert.Equal(t, uint32(80), ports[0].Target)
	assert.Equal(t, "8080", ports[0].Published)
	assert.Equal(t, "tcp", ports[0].Protocol)
	assert.Equal(t, uint32(53), ports[1].Target)
	assert.Equal(t, "127.0.0.1", ports[1].HostIP)
	assert.Equal(t, "udp", ports[1].Protocol)

	app.Network.PortsMappings = "not-a-port"
	_, err = Synthesize(app, testPlan(app, domain.DestinationStandalone, 0))
	assert.True(t, errors.Is(err, ErrInvalidPortMapping))
}

func TestSynthesize_Volumes(t *testing.T) {
	app := testApp()
	app.Storages = []domain.PersistentStorage{
		{Name: "Data Dir", MountPath: "/data"},
		{Name: "logs", HostPath: "/srv/logs", MountPath: "/logs"},
	}
	app.FileMounts = []domain.FileMount{{FSPath: "/data/keel/app/nginx.conf", MountPath: "/etc/nginx/nginx.conf"}}

	doc, err := Synthesize(app, testPlan(app, domain.DestinationStandalone, 0))
	require.NoError(t, err)

	vols := only(t, doc).Volumes
	require.Len(t, vols, 3)
	assert.Equal(t, types.VolumeTypeVolume, vols[0].Type)
	assert.Equal(t, "app-data-dir", vols[0].Source)
	assert.Equal(t, types.VolumeTypeBind, vols[1].Type)
	assert.Equal(t, "/srv/logs", vols[1].Source)
	assert.Equal(t, "/etc/nginx/nginx.conf", vols[2].Target)
	assert.Equal(t, map[string]VolumeRef{"app-data-dir": {Name: "app-data-dir"}}, doc.Volumes)
}

func TestSynthesize_InvalidLimits(t *testing.T) {
	app := testApp()
	app.Limits.Memory = "lots"
	_, err := Synthesize(app, testPlan(app, domain.DestinationStandalone, 0))
	assert.ErrorIs(t, err, ErrInvalidMemory)

	app = testApp()
	app.Limits.CPUs = "-1"
	_, err = Synthesize(app, testPlan(app, domain.DestinationStandalone, 0))
	assert.ErrorIs(t, err, ErrInvalidCPU)
}

func TestSynthesize_RunOptions(t *testing.T) {
	app := testApp()
	app.Network.CustomDockerRunOptions = "--cap-add SYS_ADMIN --init --ip=10.0.0.5 --shm-size 64m"

	doc, err := Synthesize(app, testPlan(app, domain.DestinationStandalone, 0))
	require.NoError(t, err)

	svc := only(t, doc)
	assert.Equal(t, []string{"SYS_ADMIN"}, svc.CapAdd)
	require.NotNil(t, svc.Init)
	assert.True(t, *svc.Init)
	assert.Equal(t, "10.0.0.5", svc.Networks["keel"].Ipv4Address)
	assert.Equal(t, types.UnitBytes(64*1024*1024), svc.ShmSize)
}

// =============================================================================
// GPU Tests
// =============================================================================

func TestSynthesize_GPU(t *testing.T) {
	tests := []struct {
		name  string
		gpu   domain.GPUSettings
		count types.DeviceCount
		ids   []string
		err   error
	}{
		{"all", domain.GPUSettings{Enabled: true, Count: "all"}, 0, nil, nil},
		{"count", domain.GPUSettings{Enabled: true, Count: "2"}, 2, nil, nil},
		{"device ids win", domain.GPUSettings{Enabled: true, Count: "2", DeviceIDs: "0, 3"}, 0, []string{"0", "3"}, nil},
		{"invalid", domain.GPUSettings{Enabled: true, Count: "some"}, 0, nil, ErrInvalidGPU},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := testApp()
			app.GPU = tt.gpu
			app.ApplyDefaults()

			doc, err := Synthesize(app, testPlan(app, domain.DestinationStandalone, 0))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)

			deploy := only(t, doc).Deploy
			require.NotNil(t, deploy)
			require.NotNil(t, deploy.Resources.Reservations)
			dev := deploy.Resources.Reservations.Devices
			require.Len(t, dev, 1)
			assert.Equal(t, "nvidia", dev[0].Driver)
			assert.Equal(t, []string{"gpu"}, dev[0].Capabilities)
			assert.Equal(t, tt.count, dev[0].Count)
			assert.Equal(t, tt.ids, dev[0].IDs)
		})
	}
}

// =============================================================================
// Swarm Tests
// =============================================================================

func TestSynthesize_Swarm(t *testing.T) {
	app := testApp()
	app.Swarm = domain.SwarmSettings{Replicas: 3, PlacementConstraints: "node.role == worker\nnode.labels.zone == a"}

	doc, err := Synthesize(app, testPlan(app, domain.DestinationSwarm, 0))
	require.NoError(t, err)

	svc := only(t, doc)
	assert.Empty(t, svc.ContainerName)
	assert.Empty(t, svc.Restart)
	assert.Zero(t, svc.MemLimit, "limits move into deploy.resources")
	assert.Zero(t, svc.CPUS)

	d := svc.Deploy
	require.NotNil(t, d)
	assert.Equal(t, 3, *d.Replicas)
	assert.Equal(t, "start-first", d.UpdateConfig.Order)
	assert.Equal(t, "rollback", d.UpdateConfig.FailureAction)
	assert.Equal(t, "start-first", d.RollbackConfig.Order)
	assert.Equal(t, []string{"node.role == worker", "node.labels.zone == a"}, d.Placement.Constraints)
	require.NotNil(t, d.Resources.Limits)
	assert.Equal(t, types.UnitBytes(512*1024*1024), d.Resources.Limits.MemoryBytes)
	assert.Equal(t, "true", d.Labels["traefik.enable"])
}

// =============================================================================
// Rendering Tests
// =============================================================================

func TestRender_Idempotent(t *testing.T) {
	app := testApp()
	app.Storages = []domain.PersistentStorage{{Name: "data", MountPath: "/data"}}
	p := testPlan(app, domain.DestinationStandalone, 0)

	first, err := Render(app, p)
	require.NoError(t, err)
	second, err := Render(app, p)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Contains(t, first, "container_name: app-120000zz")
	assert.Contains(t, first, "external: true")
	assert.Contains(t, first, "CMD-SHELL")
	assert.NotContains(t, first, "\n    name: app-120000zz", "service name is the map key only")
}

func TestRenderEnvFile(t *testing.T) {
	out := RenderEnvFile([]domain.EnvironmentVariable{
		{Key: "B", Value: "two words"},
		{Key: "A", Value: "plain"},
	})
	assert.Equal(t, "A=plain\nB=\"two words\"\n", out)
	assert.Empty(t, RenderEnvFile(nil))
	assert.False(t, strings.Contains(out, "'"))
}
