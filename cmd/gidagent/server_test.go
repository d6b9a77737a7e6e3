package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ceyewan/gidkit/clog"
	"github.com/ceyewan/gidkit/coord/memstore"
	"github.com/ceyewan/gidkit/idregistry"
	"github.com/ceyewan/gidkit/uid"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	if err := clog.Init(context.Background(), clog.GetDefaultConfig("test")); err != nil {
		panic("Failed to initialize clog for tests: " + err.Error())
	}
	m.Run()
}

type testAgent struct {
	srv    *memstore.Server
	client *memstore.Client
	reg    idregistry.Registry
	router *gin.Engine
}

func newTestAgent(t *testing.T, identity string) *testAgent {
	t.Helper()
	ctx := context.Background()
	srv := memstore.NewServer()
	client := srv.Connect(memstore.ClientConfig{Logger: clog.Nop()})
	t.Cleanup(func() { _ = client.Close() })

	promReg := prometheus.NewRegistry()
	reg, err := idregistry.New(ctx, client, idregistry.GetDefaultConfig(idregistry.Reusable),
		idregistry.WithIdentitySource(idregistry.Static(identity)),
		idregistry.WithMetrics(idregistry.NewPrometheus(promReg, "gidkit")),
		idregistry.WithLogger(clog.Nop()),
		idregistry.WithClock(clock.NewMock()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Shutdown(ctx) })

	ids, err := uid.New(ctx, &uid.Config{ServiceName: "test", MaxInstanceID: 1023}, reg, uid.WithLogger(clog.Nop()))
	require.NoError(t, err)

	s := &server{
		reg:      reg,
		ids:      ids,
		health:   memBackend{Client: client}.Health,
		gatherer: promReg,
		logger:   clog.Nop(),
	}
	return &testAgent{srv: srv, client: client, reg: reg, router: s.router()}
}

func (a *testAgent) get(t *testing.T, path string, header ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var body map[string]any
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w, body
}

func TestHealthz(t *testing.T) {
	a := newTestAgent(t, "node-a")

	w, body := a.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])

	a.client.SetUnavailable(true)
	w, body = a.get(t, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", body["status"])
	a.client.SetUnavailable(false)
}

func TestGlobalID(t *testing.T) {
	a := newTestAgent(t, "node-a")

	w, body := a.get(t, "/v1/globalid")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["globalId"])
	assert.Equal(t, "node-a", body["identity"])
	assert.Equal(t, idregistry.DefaultReusableTopic, body["topic"])
	assert.Equal(t, "reusable", body["mode"])
	assert.Equal(t, (10 * time.Second).String(), body["sessionTimeout"])
	assert.Equal(t, (500 * time.Millisecond).String(), body["heartbeatInterval"])
}

func TestReady(t *testing.T) {
	a := newTestAgent(t, "node-a")

	w, body := a.get(t, "/v1/ready?expected=1")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ready"])

	w, body = a.get(t, "/v1/ready?expected=2")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, false, body["ready"])

	for _, q := range []string{"", "?expected=x", "?expected=-1"} {
		w, _ = a.get(t, "/v1/ready"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}

	require.NoError(t, a.reg.Shutdown(context.Background()))
	w, _ = a.get(t, "/v1/ready?expected=1")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestSnowflake(t *testing.T) {
	a := newTestAgent(t, "node-a")

	w, body := a.get(t, "/v1/snowflake?count=5")
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, body["instanceId"])
	assert.Len(t, body["ids"], 5)

	w, body = a.get(t, "/v1/snowflake")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["ids"], 1)

	for _, q := range []string{"?count=0", "?count=1001", "?count=abc"} {
		w, _ = a.get(t, "/v1/snowflake"+q)
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestTraceID(t *testing.T) {
	a := newTestAgent(t, "node-a")

	w, _ := a.get(t, "/healthz", "X-Trace-ID", "trace-123")
	assert.Equal(t, "trace-123", w.Header().Get("X-Trace-ID"))

	w, _ = a.get(t, "/healthz")
	assert.Len(t, w.Header().Get("X-Trace-ID"), 36)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestAgent(t, "node-a")

	w, _ := a.get(t, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `gidkit_idregistry_global_id{topic="default_sequential_reusable_id_registry"} 0`)
	assert.Contains(t, w.Body.String(), "gidkit_idregistry_registrations_total")
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("", "development")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, idregistry.Reusable, cfg.Registry.Mode)

	path := filepath.Join(t.TempDir(), "gidagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: ":9090"
identity: uuid
registry:
  mode: unique
  topic: orders
  maxGlobalId: 1023
uid:
  serviceName: orders
`), 0o600))

	cfg, err = loadConfig(path, "development")
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "uuid", cfg.Identity)
	assert.Equal(t, idregistry.Unique, cfg.Registry.Mode)
	assert.Equal(t, "orders", cfg.Registry.Topic)
	assert.Equal(t, 1023, cfg.Registry.MaxGlobalID)
	assert.Equal(t, 10*time.Second, cfg.Registry.LockTimeout, "unset fields keep defaults")
	assert.Equal(t, "orders", cfg.UID.ServiceName)

	require.NoError(t, os.WriteFile(path, []byte("registry:\n  mode: random\n"), 0o600))
	_, err = loadConfig(path, "development")
	assert.Error(t, err)

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.yaml"), "development")
	assert.Error(t, err)
}

func TestRun_MemoryBackendStopsOnSignal(t *testing.T) {
	cfg := defaultConfig("development")
	cfg.Listen = "127.0.0.1:0"
	cfg.Identity = "agent-test"
	cfg.Log = clog.GetDefaultConfig("test")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfg, "development", true) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancellation")
	}
}
