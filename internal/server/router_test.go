package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/servo/internal/registry"
	"github.com/loykin/servo/internal/supervisor"
)

func testDefs() []registry.Definition {
	return []registry.Definition{
		{
			ID:            "svc",
			Run:           registry.RunSpec{Command: "/bin/sh", Args: []string{"-c", "echo started; sleep 60"}},
			CheckInterval: 20 * time.Millisecond,
		},
	}
}

func setupRouter(t *testing.T, base string) (http.Handler, *supervisor.Orchestrator) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg, err := registry.New(testDefs())
	require.NoError(t, err)
	orch, err := supervisor.New(reg, supervisor.Options{
		Version: "test",
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return NewRouter(orch, base).Handler(), orch
}

func doReq(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	return m
}

func TestStatusAllEnvelope(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/status-all", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	m := decode(t, rec)
	assert.Equal(t, true, m["success"])
	orch := m["orchestrator"].(map[string]any)
	assert.Equal(t, "test", orch["version"])
	assert.Equal(t, float64(1), orch["servicesTotal"])
	services := m["services"].([]any)
	require.Len(t, services, 1)
	svc := services[0].(map[string]any)
	assert.Equal(t, "svc", svc["serviceId"])
	assert.Equal(t, "stopped", svc["state"])
}

func TestRegistryEndpoint(t *testing.T) {
	h, _ := setupRouter(t, "/api")
	rec := doReq(t, h, http.MethodGet, "/api/registry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, true, m["success"])
	assert.Len(t, m["services"], 1)
	assert.Equal(t, float64(1), m["count"])
}

func TestActionLifecycle(t *testing.T) {
	h, orch := setupRouter(t, "")

	rec := doReq(t, h, http.MethodPost, "/services/svc/actions", map[string]string{"action": "start"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st, err := orch.Status("svc")
	require.NoError(t, err)
	assert.Equal(t, supervisor.StateRunning, st.State)

	rec = doReq(t, h, http.MethodPost, "/services/svc/actions", map[string]string{"action": "stop"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	st, _ = orch.Status("svc")
	assert.Equal(t, supervisor.StateStopped, st.State)
}

func TestUnknownActionRejected(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/services/svc/actions", map[string]string{"action": "explode"})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnknownServiceIs404(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/services/nope/actions", map[string]string{"action": "start"})
	require.Equal(t, http.StatusNotFound, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, string(supervisor.CodeUnknownService), m["code"])
	assert.Equal(t, false, m["success"])
}

func TestUnsafeServiceIDRejected(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/services/a..b/logs", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStopWhileStoppedConflicts(t *testing.T) {
	h, _ := setupRouter(t, "")
	// stopping a stopped service is a no-op, but starting twice conflicts
	rec := doReq(t, h, http.MethodPost, "/services/svc/actions", map[string]string{"action": "start"})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doReq(t, h, http.MethodPost, "/services/svc/actions", map[string]string{"action": "start"})
	require.Equal(t, http.StatusConflict, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, string(supervisor.CodeInvalidState), m["code"])
}

func TestKillReturnsTracking(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/services/svc/actions", map[string]string{"action": "start"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodPost, "/services/svc/kill", map[string]bool{"force": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	m := decode(t, rec)
	track := m["killTracking"].(map[string]any)
	assert.Equal(t, "killed", track["phase"])
	assert.Equal(t, float64(1), track["killAttempts"])
}

func TestLogsEndpoint(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/services/svc/actions", map[string]string{"action": "start"})
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		rec := doReq(t, h, http.MethodGet, "/services/svc/logs?lines=10", nil)
		if rec.Code != http.StatusOK {
			return false
		}
		m := decode(t, rec)
		logs, _ := m["logs"].(map[string]any)
		out, _ := logs["stdout"].([]any)
		return len(out) == 1 && out[0] == "started"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestProcessesEndpoint(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/services/svc/actions", map[string]string{"action": "start"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doReq(t, h, http.MethodGet, "/services/svc/processes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	mp := m["mainProcess"].(map[string]any)
	assert.Equal(t, true, mp["alive"])
	assert.Greater(t, mp["pid"], float64(0))
	track := m["killTracking"].(map[string]any)
	assert.Equal(t, "idle", track["phase"])
}

func TestFullRestartAccepted(t *testing.T) {
	h, orch := setupRouter(t, "")
	rec := doReq(t, h, http.MethodPost, "/restart", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool { return !orch.Restarting() }, 15*time.Second, 20*time.Millisecond)

	rec = doReq(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	m := decode(t, rec)
	assert.Equal(t, "ok", m["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := setupRouter(t, "")
	rec := doReq(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
