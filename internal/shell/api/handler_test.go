package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/artpar/keel/internal/core/crypto"
	"github.com/artpar/keel/internal/core/domain"
	"github.com/artpar/keel/internal/shell/metrics"
	"github.com/artpar/keel/internal/shell/queue"
	"github.com/artpar/keel/internal/shell/store"
)

// =============================================================================
// Test Helpers
// =============================================================================

type testEnv struct {
	store   store.Store
	manager *queue.Manager
	handler *Handler
	router  http.Handler
	server  *domain.Server
	dest    *domain.Destination
	app     *domain.Application
}

type stubChecker struct {
	checked []int64
	err     error
}

func (c *stubChecker) CheckServerNow(_ context.Context, serverID int64) error {
	c.checked = append(c.checked, serverID)
	return c.err
}

func setupTest(t *testing.T, config Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	// The server is never reachable here, so entries stay queued.
	server := &domain.Server{Name: "build-1", IP: "10.0.0.9"}
	server.ApplyDefaults()
	require.NoError(t, s.SaveServer(ctx, server))

	dest := &domain.Destination{Name: "production", ServerID: server.ID, Network: "keel", Kind: domain.DestinationStandalone}
	require.NoError(t, s.SaveDestination(ctx, dest))

	app := &domain.Application{
		Name:          "shop",
		DestinationID: dest.ID,
		BuildPack:     domain.BuildPackDockerfile,
	}
	app.Source.GitRepository = "https://github.com/acme/shop.git"
	app.ApplyDefaults()
	require.NoError(t, s.SaveApplication(ctx, app))

	manager := queue.NewManager(s, queue.DispatcherFunc(func(context.Context, domain.QueueEntry) error {
		return nil
	}), nil)

	if config.LogPollInterval == 0 {
		config.LogPollInterval = 10 * time.Millisecond
	}
	h := NewHandler(s, manager, config, nil)
	return &testEnv{
		store:   s,
		manager: manager,
		handler: h,
		router:  h.Routes(),
		server:  server,
		dest:    dest,
		app:     app,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) enqueue(t *testing.T, commit string) queue.EnqueueResult {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/deployments", EnqueueRequest{ApplicationUUID: e.app.UUID, Commit: commit})
	require.Contains(t, []int{http.StatusAccepted, http.StatusOK}, rec.Code, rec.Body.String())

	var result queue.EnqueueResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	return result
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// =============================================================================
// Health and Middleware Tests
// =============================================================================

func TestHandleHealth(t *testing.T) {
	env := setupTest(t, Config{})

	rec := env.do(t, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "healthy", decode[HealthResponse](t, rec).Status)
}

func TestAuth(t *testing.T) {
	env := setupTest(t, Config{Token: "s3cret"})
	path := "/api/v1/deployments/unknown"

	t.Run("missing token", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "unauthorized", decode[ErrorResponse](t, rec).Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, path, nil, "Authorization", "Bearer nope")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("valid token", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, path, nil, "Authorization", "Bearer s3cret")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("health is open", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/healthz", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTest(t, Config{})
	reg := prometheus.NewRegistry()
	env.handler.SetMetrics(metrics.New(reg, reg))
	router := env.handler.Routes()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deployments/unknown", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "keel_api_http_requests_total")
	assert.Contains(t, body, `route="/api/v1/deployments/{uuid}"`)
	assert.NotContains(t, body, "unknown")
}

// =============================================================================
// Deployment Handler Tests
// =============================================================================

func TestHandleEnqueue(t *testing.T) {
	env := setupTest(t, Config{})

	first := env.enqueue(t, "abc123")
	assert.Equal(t, queue.EnqueueQueued, first.Status)
	require.NotNil(t, first.Entry)
	assert.Equal(t, domain.QueueStatusQueued, first.Entry.Status)
	assert.Equal(t, env.app.ID, first.Entry.ApplicationID)

	rec := env.do(t, http.MethodPost, "/api/v1/deployments", EnqueueRequest{ApplicationID: env.app.ID, Commit: "abc123"})
	assert.Equal(t, http.StatusOK, rec.Code)
	second := decode[queue.EnqueueResult](t, rec)
	assert.Equal(t, queue.EnqueueSkipped, second.Status)
	assert.Equal(t, first.Entry.DeploymentUUID, second.Entry.DeploymentUUID)

	rec = env.do(t, http.MethodPost, "/api/v1/deployments", EnqueueRequest{
		ApplicationID:   env.app.ID,
		Commit:          "abc123",
		DeploymentFlags: domain.DeploymentFlags{ForceRebuild: true},
	})
	assert.Equal(t, http.StatusAccepted, rec.Code, "override flags bypass dedupe")
}

func TestHandleEnqueue_Validation(t *testing.T) {
	env := setupTest(t, Config{})

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"no application", EnqueueRequest{Commit: "abc"}, http.StatusBadRequest},
		{"negative pull request", EnqueueRequest{ApplicationID: env.app.ID, PullRequestID: -1}, http.StatusBadRequest},
		{"unknown uuid", EnqueueRequest{ApplicationUUID: "nope"}, http.StatusNotFound},
		{"unknown id", EnqueueRequest{ApplicationID: 9999}, http.StatusNotFound},
		{"unknown field", map[string]any{"application_id": env.app.ID, "branch": "main"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/deployments", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}
}

func TestHandleGetDeployment(t *testing.T) {
	env := setupTest(t, Config{})
	result := env.enqueue(t, "abc123")

	rec := env.do(t, http.MethodGet, "/api/v1/deployments/"+result.Entry.DeploymentUUID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	entry := decode[domain.QueueEntry](t, rec)
	assert.Equal(t, "abc123", entry.Commit)

	rec = env.do(t, http.MethodGet, "/api/v1/deployments/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestHandleCancel(t *testing.T) {
	env := setupTest(t, Config{})
	result := env.enqueue(t, "abc123")
	path := "/api/v1/deployments/" + result.Entry.DeploymentUUID + "/cancel"

	rec := env.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.QueueStatusCancelled, decode[domain.QueueEntry](t, rec).Status)

	rec = env.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "a cancelled entry cannot be cancelled again")
}

func TestHandleForceStart(t *testing.T) {
	env := setupTest(t, Config{})
	result := env.enqueue(t, "abc123")
	require.Equal(t, domain.QueueStatusQueued, result.Entry.Status)
	path := "/api/v1/deployments/" + result.Entry.DeploymentUUID + "/force-start"

	rec := env.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.QueueStatusInProgress, decode[domain.QueueEntry](t, rec).Status)

	rec = env.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleLogs(t *testing.T) {
	env := setupTest(t, Config{})
	result := env.enqueue(t, "abc123")
	uuid := result.Entry.DeploymentUUID

	_, err := env.store.AppendLog(context.Background(), uuid, domain.LogEntry{Output: "secret step", Hidden: true, Type: domain.LogTypeStdout})
	require.NoError(t, err)
	_, err = env.store.AppendLog(context.Background(), uuid, domain.LogEntry{Output: "Cloning repository.", Type: domain.LogTypeStdout})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/v1/deployments/"+uuid+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[LogsResponse](t, rec)
	assert.Equal(t, domain.QueueStatusQueued, page.Status)
	require.Len(t, page.Logs, 2, "hidden lines are left out")
	assert.Contains(t, page.Logs[0].Output, "Deployment queued")
	assert.Equal(t, "Cloning repository.", page.Logs[1].Output)
	assert.Equal(t, page.Logs[1].Order, page.Next)

	rec = env.do(t, http.MethodGet, "/api/v1/deployments/"+uuid+"/logs?after="+strconv.Itoa(page.Next), nil)
	next := decode[LogsResponse](t, rec)
	assert.Empty(t, next.Logs)
	assert.Equal(t, page.Next, next.Next)

	rec = env.do(t, http.MethodGet, "/api/v1/deployments/"+uuid+"/logs?hidden=true", nil)
	assert.Len(t, decode[LogsResponse](t, rec).Logs, 3)

	rec = env.do(t, http.MethodGet, "/api/v1/deployments/"+uuid+"/logs?after=x", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/deployments/nope/logs", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleServerQueue(t *testing.T) {
	env := setupTest(t, Config{})
	env.enqueue(t, "abc123")
	env.enqueue(t, "def456")

	rec := env.do(t, http.MethodGet, "/api/v1/servers/"+strconv.FormatInt(env.server.ID, 10)+"/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[QueueResponse](t, rec)
	assert.Equal(t, env.server.ID, resp.ServerID)
	assert.Len(t, resp.Entries, 2)

	rec = env.do(t, http.MethodGet, "/api/v1/servers/abc/queue", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/servers/9999/queue", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// Log Stream Tests
// =============================================================================

func TestHandleLogStream(t *testing.T) {
	env := setupTest(t, Config{})
	result := env.enqueue(t, "abc123")
	uuid := result.Entry.DeploymentUUID

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/deployments/" + uuid + "/logs/ws"

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first domain.LogEntry
	require.NoError(t, conn.ReadJSON(&first))
	assert.Contains(t, first.Output, "Deployment queued")

	// Ending the entry makes the stream flush the last line and close.
	_, err = env.manager.Cancel(context.Background(), uuid)
	require.NoError(t, err)

	var lines []domain.LogEntry
	for {
		var line domain.LogEntry
		err := conn.ReadJSON(&line)
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "unexpected error: %v", err)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			assert.Equal(t, string(domain.QueueStatusCancelled), closeErr.Text)
			break
		}
		lines = append(lines, line)
	}
	require.NotEmpty(t, lines)
	assert.Equal(t, "Deployment cancelled by user.", lines[len(lines)-1].Output)
}

func TestHandleLogStream_UnknownDeployment(t *testing.T) {
	env := setupTest(t, Config{})

	srv := httptest.NewServer(env.router)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/deployments/nope/logs/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// =============================================================================
// Registration Handler Tests
// =============================================================================

func TestHandlePutApplication(t *testing.T) {
	env := setupTest(t, Config{})

	app := domain.Application{
		Name:          "api",
		DestinationID: env.dest.ID,
		BuildPack:     domain.BuildPackDockerImage,
	}
	app.Image.RegistryImageName = "ghcr.io/acme/api"

	rec := env.do(t, http.MethodPut, "/api/v1/applications", app)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[domain.Application](t, rec)
	assert.NotZero(t, saved.ID)
	assert.NotEmpty(t, saved.UUID)
	assert.Equal(t, "main", saved.Source.GitBranch, "defaults are applied")

	// Same uuid updates in place.
	saved.Name = "api-v2"
	rec = env.do(t, http.MethodPut, "/api/v1/applications", saved)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, saved.ID, decode[domain.Application](t, rec).ID)

	t.Run("invalid", func(t *testing.T) {
		bad := app
		bad.Image.RegistryImageName = ""
		rec := env.do(t, http.MethodPut, "/api/v1/applications", bad)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, decode[ErrorResponse](t, rec).Error, "registry image")
	})

	t.Run("unknown destination", func(t *testing.T) {
		bad := app
		bad.DestinationID = 9999
		rec := env.do(t, http.MethodPut, "/api/v1/applications", bad)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandlePutServer(t *testing.T) {
	key, err := crypto.RandomKey()
	require.NoError(t, err)
	env := setupTest(t, Config{ServerKeyKey: key})
	checker := &stubChecker{}
	env.handler.SetServerChecker(checker)
	router := env.handler.Routes()

	privateKey, publicKey, err := crypto.GenerateSSHKeyPair()
	require.NoError(t, err)
	authorized, _, _, _, err := ssh.ParseAuthorizedKey([]byte(publicKey))
	require.NoError(t, err)

	put := func(body any) *httptest.ResponseRecorder {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/api/v1/servers", bytes.NewReader(data)))
		return rec
	}

	rec := put(ServerRequest{
		Server:     domain.Server{Name: "edge-1", IP: "10.0.0.20", IsReachable: true},
		PrivateKey: string(privateKey),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[ServerResponse](t, rec)
	assert.Equal(t, 22, saved.Port)
	assert.Equal(t, ssh.FingerprintSHA256(authorized), saved.KeyFingerprint)
	assert.False(t, saved.IsReachable, "reachability is not taken from the request")
	assert.NotContains(t, rec.Body.String(), "PRIVATE KEY")
	assert.Equal(t, []int64{saved.ID}, checker.checked)

	stored, err := env.store.GetServer(context.Background(), saved.ID)
	require.NoError(t, err)
	_, err = crypto.OpenServerKey(stored.PrivateKeyEncrypted, key)
	assert.NoError(t, err, "the key is stored sealed")

	t.Run("invalid key", func(t *testing.T) {
		rec := put(ServerRequest{Server: domain.Server{Name: "edge-2", IP: "10.0.0.21"}, PrivateKey: "not a key"})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing host", func(t *testing.T) {
		rec := put(ServerRequest{Server: domain.Server{Name: "edge-3"}})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("check failure is not fatal", func(t *testing.T) {
		checker.err = errors.New("dial timeout")
		rec := put(ServerRequest{Server: domain.Server{Name: "edge-4", IP: "10.0.0.22"}})
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, decode[ServerResponse](t, rec).KeyFingerprint, "no key, no fingerprint")
	})
}

func TestHandlePutServer_KeyWithoutEncryption(t *testing.T) {
	env := setupTest(t, Config{})
	privateKey, _, err := crypto.GenerateSSHKeyPair()
	require.NoError(t, err)

	rec := env.do(t, http.MethodPut, "/api/v1/servers", ServerRequest{
		Server:     domain.Server{Name: "edge-1", IP: "10.0.0.20"},
		PrivateKey: string(privateKey),
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Error, "not configured")
}

func TestHandlePutDestination(t *testing.T) {
	env := setupTest(t, Config{})

	rec := env.do(t, http.MethodPut, "/api/v1/destinations", domain.Destination{
		Name: "staging", ServerID: env.server.ID, Network: "staging",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	saved := decode[domain.Destination](t, rec)
	assert.Equal(t, domain.DestinationStandalone, saved.Kind)
	assert.NotZero(t, saved.ID)

	rec = env.do(t, http.MethodPut, "/api/v1/destinations", domain.Destination{Name: "x", ServerID: env.server.ID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/destinations", domain.Destination{Name: "x", ServerID: 9999, Network: "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
