// Package dream runs periodic maintenance in the background.
//
// Each cycle calls every registered Sweeper in turn: expired key/value rows,
// stale history sessions, idle realtime queues, lapsed provider cooldowns,
// emotion logs and template rotations of users who went quiet. Sweepers
// only remove state that is already past its TTL, so a skipped or doubled
// cycle is harmless.
package dream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/nous-labs/attune/pkg/metrics"
)

// EventFunc publishes a status line about a cycle.
type EventFunc func(typ, message string)

// Sweeper removes expired state and reports how many entries went.
type Sweeper interface {
	Name() string
	Sweep(ctx context.Context) (int, error)
}

type sweepFunc struct {
	name string
	fn   func(ctx context.Context) (int, error)
}

func (s sweepFunc) Name() string                           { return s.name }
func (s sweepFunc) Sweep(ctx context.Context) (int, error) { return s.fn(ctx) }

// Func adapts fn into a Sweeper.
func Func(name string, fn func(ctx context.Context) (int, error)) Sweeper {
	return sweepFunc{name: name, fn: fn}
}

// Counter adapts a context-free prune call that cannot fail.
func Counter(name string, fn func() int) Sweeper {
	return sweepFunc{name: name, fn: func(context.Context) (int, error) { return fn(), nil }}
}

// Report holds the results of a single cycle.
type Report struct {
	CycleNumber int            `json:"cycle_number"`
	StartedAt   time.Time      `json:"started_at"`
	Duration    string         `json:"duration"`
	Swept       map[string]int `json:"swept"`
	Errors      []string       `json:"errors,omitempty"`
}

// Total is the number of entries removed across all sweepers.
func (r *Report) Total() int {
	n := 0
	for _, v := range r.Swept {
		n += v
	}
	return n
}

// Config holds worker configuration.
type Config struct {
	Schedule     string        `json:"schedule"`      // cron spec or @every descriptor
	SweepTimeout time.Duration `json:"sweep_timeout"` // per sweeper
	RunOnStart   bool          `json:"run_on_start"`
}

// DefaultConfig returns the standard schedule.
func DefaultConfig() Config {
	return Config{Schedule: "@every 1h", SweepTimeout: 30 * time.Second}
}

// Worker is the maintenance scheduler.
type Worker struct {
	cfg      Config
	sweepers []Sweeper
	onEvent  EventFunc
	metrics  *metrics.Recorder

	mu         sync.RWMutex
	lastReport *Report
	cycleCount int
}

// NewWorker creates a worker. The schedule is validated here so a bad
// config fails at startup rather than on the first tick.
func NewWorker(cfg Config, onEvent EventFunc, rec *metrics.Recorder, sweepers ...Sweeper) (*Worker, error) {
	def := DefaultConfig()
	if cfg.Schedule == "" {
		cfg.Schedule = def.Schedule
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = def.SweepTimeout
	}
	if _, err := rcron.ParseStandard(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("parse dream schedule %q: %w", cfg.Schedule, err)
	}
	return &Worker{cfg: cfg, sweepers: sweepers, onEvent: onEvent, metrics: rec}, nil
}

// Register adds sweepers. Call before Run.
func (w *Worker) Register(s ...Sweeper) {
	w.sweepers = append(w.sweepers, s...)
}

// Run schedules cycles and blocks until ctx is cancelled. An in-flight
// cycle is allowed to finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	c := rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	if _, err := c.AddFunc(w.cfg.Schedule, func() {
		w.logReport(w.DreamOnce(ctx))
	}); err != nil {
		return fmt.Errorf("schedule dream cycle: %w", err)
	}

	names := make([]string, 0, len(w.sweepers))
	for _, s := range w.sweepers {
		names = append(names, s.Name())
	}
	slog.Info("dream worker started", "schedule", w.cfg.Schedule, "sweepers", names)
	w.emit("status", "Dream worker started")

	if w.cfg.RunOnStart {
		w.logReport(w.DreamOnce(ctx))
	}
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()

	slog.Info("dream worker stopping")
	w.emit("status", "Dream worker stopped")
	return nil
}

// DreamOnce runs a single cycle. A failing sweeper is recorded and the
// rest still run.
func (w *Worker) DreamOnce(ctx context.Context) *Report {
	w.mu.Lock()
	w.cycleCount++
	cycle := w.cycleCount
	w.mu.Unlock()

	start := time.Now()
	report := &Report{CycleNumber: cycle, StartedAt: start, Swept: make(map[string]int, len(w.sweepers))}

	for _, s := range w.sweepers {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, "cycle cancelled")
			break
		}
		sctx, cancel := context.WithTimeout(ctx, w.cfg.SweepTimeout)
		n, err := s.Sweep(sctx)
		cancel()
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", s.Name(), err))
			w.metrics.Inc("dream.sweep_failed." + s.Name())
			slog.Warn("dream: sweep failed", "sweeper", s.Name(), "reason", "sweep_failed", "error", err)
			continue
		}
		report.Swept[s.Name()] = n
		w.metrics.Add("dream.swept."+s.Name(), int64(n))
	}

	report.Duration = time.Since(start).Round(time.Millisecond).String()
	w.metrics.Inc("dream.cycle")

	w.mu.Lock()
	w.lastReport = report
	w.mu.Unlock()
	return report
}

// LastReport returns the most recent report, or nil before the first cycle.
func (w *Worker) LastReport() *Report {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastReport
}

func (w *Worker) logReport(report *Report) {
	summary := fmt.Sprintf("Dream cycle %d complete (%s): %d entries swept", report.CycleNumber, report.Duration, report.Total())
	if len(report.Errors) > 0 {
		summary += fmt.Sprintf(", %d errors", len(report.Errors))
	}
	slog.Info("dream: cycle complete", "summary", summary, "swept", report.Swept)
	w.emit("status", summary)
}

func (w *Worker) emit(typ, message string) {
	if w.onEvent != nil {
		w.onEvent(typ, message)
	}
}
