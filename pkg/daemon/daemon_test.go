package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/attune/pkg/brain"
	"github.com/nous-labs/attune/pkg/dream"
)

type stubModule struct {
	name     string
	inited   bool
	sweepers []dream.Sweeper
}

func (m *stubModule) Name() string                      { return m.name }
func (m *stubModule) Init(*Daemon) error                { m.inited = true; return nil }
func (m *stubModule) RegisterRoutes(mux *http.ServeMux) { mux.HandleFunc("/v1/stub", m.serve) }
func (m *stubModule) Start(context.Context) error       { return nil }
func (m *stubModule) Stop() error                       { return nil }
func (m *stubModule) Sweepers() []dream.Sweeper         { return m.sweepers }

func (m *stubModule) serve(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"module": m.name})
}

func newTestDaemon(t *testing.T, cfg *Config) *Daemon {
	t.Helper()
	b, err := brain.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	if cfg == nil {
		cfg = &Config{Name: "test"}
	}
	d, err := New(context.Background(), b, cfg)
	require.NoError(t, err)
	return d
}

func TestNewRequiresBrain(t *testing.T) {
	_, err := New(context.Background(), nil, &Config{})
	assert.Error(t, err)
}

func TestUnknownRealtimeBackendFallsBack(t *testing.T) {
	d := newTestDaemon(t, &Config{Realtime: RealtimeConfig{Backend: "carrier-pigeon"}})
	assert.Equal(t, "memory", d.Bus.Backend())
}

func TestRegisterModule(t *testing.T) {
	d := newTestDaemon(t, nil)
	require.NoError(t, d.RegisterModule(&stubModule{name: "stub"}))
	assert.Error(t, d.RegisterModule(&stubModule{name: "stub"}), "duplicate")
	assert.Error(t, d.RegisterModule(&stubModule{}), "empty name")
	assert.Error(t, d.RegisterModule(nil))
}

func TestModuleConfig(t *testing.T) {
	d := newTestDaemon(t, &Config{Modules: map[string]json.RawMessage{
		"stub": json.RawMessage(`{"greeting": "hi"}`),
		"bad":  json.RawMessage(`{"greeting": 1}`),
	}})
	var v struct {
		Greeting string `json:"greeting"`
	}
	require.NoError(t, d.ModuleConfig("stub", &v))
	assert.Equal(t, "hi", v.Greeting)

	v.Greeting = "kept"
	require.NoError(t, d.ModuleConfig("absent", &v))
	assert.Equal(t, "kept", v.Greeting)

	assert.Error(t, d.ModuleConfig("bad", &v))
}

func TestHostRoutes(t *testing.T) {
	d := newTestDaemon(t, nil)
	require.NoError(t, d.RegisterModule(&stubModule{name: "stub"}))
	h := d.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not healthy before Run")

	d.setHealthy(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"realtime":"memory"`)

	d.Metrics.Inc("test.counter")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test.counter")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/dream", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "no worker before Run")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/events", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stub", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"module": "stub"`)
}

func TestEventsStreamHeartbeatThenQueued(t *testing.T) {
	d := newTestDaemon(t, nil)
	d.Status(context.Background(), "hello")

	srv := httptest.NewServer(d.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events?user_id="+SystemUser, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	var frames, data []string
	for len(data) < 2 {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		switch {
		case strings.HasPrefix(line, "event: "):
			frames = append(frames, strings.TrimSpace(strings.TrimPrefix(line, "event: ")))
		case strings.HasPrefix(line, "data: "):
			data = append(data, line)
		}
	}
	assert.Equal(t, []string{"heartbeat", "status"}, frames)
	assert.Contains(t, data[1], "hello")
	cancel()
}

func TestSweepersIncludeModules(t *testing.T) {
	d := newTestDaemon(t, nil)
	require.NoError(t, d.RegisterModule(&stubModule{
		name:     "stub",
		sweepers: []dream.Sweeper{dream.Counter("stub_cache", func() int { return 3 })},
	}))

	var names []string
	for _, s := range d.sweepers() {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"brain_kv", "realtime_queues", "stub_cache"}, names)
}

func TestRunServesAndStops(t *testing.T) {
	cfg := &Config{Name: "test", HTTPAddr: "127.0.0.1:0", Dream: DreamConfig{Schedule: "@every 1h", RunOnStart: true}}
	d := newTestDaemon(t, cfg)
	mod := &stubModule{name: "stub"}
	require.NoError(t, d.RegisterModule(mod))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, d.isHealthy, 2*time.Second, 10*time.Millisecond)
	assert.True(t, mod.inited)
	require.Eventually(t, func() bool {
		return d.dreamer != nil && d.dreamer.LastReport() != nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, d.isHealthy())
}
