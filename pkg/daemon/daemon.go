package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nous-labs/attune/pkg/brain"
	"github.com/nous-labs/attune/pkg/dream"
	"github.com/nous-labs/attune/pkg/metrics"
	"github.com/nous-labs/attune/pkg/realtime"
)

// SystemUser is the realtime stream that carries host status events.
const SystemUser = "_system"

type Daemon struct {
	Brain   *brain.Brain
	Config  *Config
	Bus     *realtime.Bus
	Metrics *metrics.Recorder
	Modules map[string]Module

	startedAt  time.Time
	healthyMu  sync.RWMutex
	healthy    bool
	httpServer *http.Server
	handler    http.Handler

	dreamer *dream.Worker
}

// New creates the host. The realtime relay named in cfg is connected here;
// if it cannot be reached the bus runs in-process.
func New(ctx context.Context, b *brain.Brain, cfg *Config) (*Daemon, error) {
	if b == nil {
		return nil, fmt.Errorf("brain is required")
	}
	if cfg == nil {
		cfg = defaultConfig()
	}
	if cfg.Modules == nil {
		cfg.Modules = map[string]json.RawMessage{}
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}

	rec := metrics.New("attune")
	bus := realtime.NewBus(realtime.Config{
		QueueSize: cfg.Realtime.QueueSize,
		Heartbeat: ParseDuration(cfg.Realtime.Heartbeat, 15*time.Second),
	}, newRelay(ctx, cfg.Realtime), rec)

	return &Daemon{
		Brain:     b,
		Config:    cfg,
		Bus:       bus,
		Metrics:   rec,
		Modules:   map[string]Module{},
		startedAt: time.Now(),
	}, nil
}

func newRelay(ctx context.Context, rc RealtimeConfig) realtime.Relay {
	switch strings.ToLower(rc.Backend) {
	case "", "memory":
		return nil
	case "redis":
		relay, err := realtime.NewRedisRelay(ctx, rc.RedisURL, rc.SubjectPrefix)
		if err != nil {
			slog.Warn("realtime relay unavailable, using in-process bus", "backend", "redis", "reason", "relay_unavailable", "error", err)
			return nil
		}
		return relay
	case "nats":
		nc, err := realtime.Connect(rc.NATSURL)
		if err != nil {
			slog.Warn("realtime relay unavailable, using in-process bus", "backend", "nats", "reason", "relay_unavailable", "error", err)
			return nil
		}
		return realtime.NewNATSRelay(nc, rc.SubjectPrefix)
	default:
		slog.Warn("unknown realtime backend, using in-process bus", "backend", rc.Backend)
		return nil
	}
}

func (d *Daemon) RegisterModule(m Module) error {
	if m == nil {
		return fmt.Errorf("module is nil")
	}
	name := m.Name()
	if name == "" {
		return fmt.Errorf("module name is empty")
	}
	if _, exists := d.Modules[name]; exists {
		return fmt.Errorf("module already registered: %s", name)
	}
	d.Modules[name] = m
	return nil
}

// ModuleConfig decodes the raw config block of module name into v. A
// missing block leaves v unchanged.
func (d *Daemon) ModuleConfig(name string, v any) error {
	raw, ok := d.Config.Modules[name]
	if !ok || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s module config: %w", name, err)
	}
	return nil
}

// Status publishes a host status line on the system stream.
func (d *Daemon) Status(ctx context.Context, message string) {
	d.Bus.Publish(ctx, realtime.NewEvent(realtime.EventStatus, SystemUser, map[string]string{"message": message}))
}

func (d *Daemon) setHealthy(v bool) {
	d.healthyMu.Lock()
	d.healthy = v
	d.healthyMu.Unlock()
}

func (d *Daemon) isHealthy() bool {
	d.healthyMu.RLock()
	v := d.healthy
	d.healthyMu.RUnlock()
	return v
}

// Handler builds the HTTP mux: host routes plus every module's routes.
func (d *Daemon) Handler() http.Handler {
	if d.handler != nil {
		return d.handler
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", d.handleHealth)
	mux.HandleFunc("/v1/events", d.handleEvents)
	mux.HandleFunc("/v1/metrics", d.handleMetrics)
	mux.HandleFunc("/v1/dream", d.handleDream)
	for _, m := range d.Modules {
		m.RegisterRoutes(mux)
	}
	d.handler = mux
	return mux
}

func (d *Daemon) Run(ctx context.Context) error {
	if err := d.initModules(); err != nil {
		return err
	}
	busCtx, stopBus := context.WithCancel(ctx)
	d.Bus.Start(busCtx)
	defer func() {
		stopBus()
		d.Bus.Stop()
	}()
	d.startDreamWorker(ctx)

	d.httpServer = &http.Server{Addr: d.Config.HTTPAddr, Handler: d.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		err := d.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	for _, m := range d.Modules {
		mod := m
		go func() {
			if err := mod.Start(ctx); err != nil && ctx.Err() == nil {
				slog.Error("module start failed", "module", mod.Name(), "error", err)
			}
		}()
	}

	d.setHealthy(true)
	slog.Info("daemon running", "name", d.Config.Name, "addr", d.Config.HTTPAddr, "realtime", d.Bus.Backend(), "modules", len(d.Modules))
	d.Status(ctx, "daemon started")

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.setHealthy(false)
		return err
	}

	d.setHealthy(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if d.httpServer != nil {
		_ = d.httpServer.Shutdown(shutdownCtx)
	}

	for _, m := range d.Modules {
		if err := m.Stop(); err != nil {
			slog.Warn("module stop failed", "module", m.Name(), "error", err)
		}
	}
	return nil
}

func (d *Daemon) initModules() error {
	for _, m := range d.Modules {
		if err := m.Init(d); err != nil {
			return fmt.Errorf("init module %s: %w", m.Name(), err)
		}
	}
	return nil
}

// sweepers collects the host's own maintenance plus every module's.
func (d *Daemon) sweepers() []dream.Sweeper {
	idle := ParseDuration(d.Config.Realtime.IdleAfter, 30*time.Minute)
	out := []dream.Sweeper{
		dream.Func("brain_kv", d.Brain.PurgeExpired),
		dream.Counter("realtime_queues", func() int { return d.Bus.Prune(idle) }),
	}
	for _, m := range d.Modules {
		if mt, ok := m.(Maintainer); ok {
			out = append(out, mt.Sweepers()...)
		}
	}
	return out
}

func (d *Daemon) startDreamWorker(ctx context.Context) {
	if d.Config.Dream.Disabled {
		return
	}
	w, err := dream.NewWorker(dream.Config{
		Schedule:   d.Config.Dream.Schedule,
		RunOnStart: d.Config.Dream.RunOnStart,
	}, func(_, msg string) {
		d.Status(ctx, "[dream] "+msg)
	}, d.Metrics, d.sweepers()...)
	if err != nil {
		slog.Error("dream worker disabled", "reason", "bad_schedule", "error", err)
		return
	}
	d.dreamer = w
	go func() {
		if err := w.Run(ctx); err != nil {
			slog.Error("dream worker stopped", "error", err)
		}
	}()
}

func (d *Daemon) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if d.isHealthy() {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","uptime":"%s","realtime":%q}`, time.Since(d.startedAt).Round(time.Second), d.Bus.Backend())
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	fmt.Fprint(w, `{"status":"starting"}`)
}

// handleEvents streams one user's realtime events as SSE. The first event
// is always a heartbeat.
func (d *Daemon) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		http.Error(w, `{"error":"missing required parameter: user_id"}`, http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for evt := range d.Bus.Subscribe(r.Context(), userID) {
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Marshal())
		flusher.Flush()
	}
}

func (d *Daemon) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"metrics": d.Metrics.Snapshot()})
}

func (d *Daemon) handleDream(w http.ResponseWriter, _ *http.Request) {
	if d.dreamer == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "dream worker disabled"})
		return
	}
	report := d.dreamer.LastReport()
	if report == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "no cycle yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// WriteJSON is shared with modules so every endpoint encodes alike.
func WriteJSON(w http.ResponseWriter, status int, v any) { writeJSON(w, status, v) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}
