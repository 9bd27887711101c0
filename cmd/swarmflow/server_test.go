package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/swarmflow/config"
	"github.com/BaSui01/swarmflow/testutil"
	"github.com/BaSui01/swarmflow/testutil/fixtures"
	"github.com/BaSui01/swarmflow/workflow"
)

// newTestServer 装配一个未监听端口的 Server，用于直接测试 Handler
func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	logger := zaptest.NewLogger(t)
	collector, _ := testCollector()

	s := NewServer(cfg, "", logger, zap.NewAtomicLevel())
	s.collector = collector
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	rt, err := newRuntime(context.Background(), cfg, logger, collector)
	require.NoError(t, err)
	s.rt = rt
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, body *bytes.Buffer) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(body.Bytes(), &env))
	return env
}

func startRunBody(t *testing.T, g *workflow.Graph) *bytes.Reader {
	t.Helper()
	def, err := workflow.DefinitionOf(g).ToJSON()
	require.NoError(t, err)
	return bytes.NewReader(testutil.MustJSON(map[string]any{"workflow": json.RawMessage(def)}))
}

func TestServerHandler_StartRunAndPoll(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", startRunBody(t, fixtures.LinearWorkflow("api", "a"))))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var started struct {
		RunID string `json:"runId"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec.Body).Data, &started))
	require.NotEmpty(t, started.RunID)

	snap := testutil.WaitForRun(t, s.rt.registry, started.RunID, workflow.RunCompleted)
	assert.Equal(t, "api", snap.WorkflowID)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+started.RunID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Status workflow.RunStatus `json:"status"`
	}
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec.Body).Data, &got))
	assert.Equal(t, workflow.RunCompleted, got.Status)
}

func TestServerHandler_UnknownRunIsNotFound(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerHandler_APIKeyAuth(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.APIKeys = []string{"secret-key"}
	h := newTestServer(t, cfg).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerHandler_ReadyReportsClosedQueue(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	s.rt.queue.Close()
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_StartAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.HTTPPort = 0
	cfg.Server.MetricsPort = 0
	cfg.Server.ShutdownTimeout = 2 * time.Second

	collector, _ := testCollector()
	s := NewServer(cfg, "", zaptest.NewLogger(t), zap.NewAtomicLevel())
	s.collector = collector
	require.NoError(t, s.Start(context.Background()))

	client := &http.Client{Timeout: 2 * time.Second}
	get := func(addr, path string) int {
		_, port, err := net.SplitHostPort(addr)
		require.NoError(t, err)
		resp, err := client.Get("http://127.0.0.1:" + port + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}
	assert.Equal(t, http.StatusOK, get(s.httpManager.Addr(), "/health"))
	assert.Equal(t, http.StatusOK, get(s.metricsManager.Addr(), "/metrics"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	s.Shutdown(context.Background())
	assert.False(t, s.httpManager.IsRunning())
	assert.False(t, s.metricsManager.IsRunning())
	assert.True(t, s.rt.queue.Status().Closed)
}
