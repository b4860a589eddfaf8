// Package metrics exposes the named counters and histograms emitted by each
// pipeline stage. Values are forwarded to the global OpenTelemetry meter and
// mirrored in-process so the daemon can serve a snapshot without an exporter.
package metrics

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Recorder is safe for concurrent use. A nil *Recorder discards everything.
type Recorder struct {
	meter otelmetric.Meter

	mu         sync.Mutex
	counters   map[string]otelmetric.Int64Counter
	histograms map[string]otelmetric.Float64Histogram
	counts     map[string]int64
	sums       map[string]float64
}

// New creates a recorder bound to otel.Meter(scope).
func New(scope string) *Recorder {
	return &Recorder{
		meter:      otel.Meter(scope),
		counters:   map[string]otelmetric.Int64Counter{},
		histograms: map[string]otelmetric.Float64Histogram{},
		counts:     map[string]int64{},
		sums:       map[string]float64{},
	}
}

// Inc adds one to the named counter.
func (r *Recorder) Inc(name string, attrs ...attribute.KeyValue) {
	r.Add(name, 1, attrs...)
}

// Add adds n to the named counter.
func (r *Recorder) Add(name string, n int64, attrs ...attribute.KeyValue) {
	if r == nil {
		return
	}
	name = Sanitize(name)

	r.mu.Lock()
	c, ok := r.counters[name]
	if !ok {
		var err error
		c, err = r.meter.Int64Counter(name)
		if err != nil {
			slog.Warn("metrics: counter registration failed", "name", name, "error", err)
		} else {
			r.counters[name] = c
		}
	}
	r.counts[name] += n
	r.mu.Unlock()

	if c != nil {
		c.Add(context.Background(), n, otelmetric.WithAttributes(attrs...))
	}
}

// Observe records a millisecond-valued sample on the named histogram.
func (r *Recorder) Observe(name string, ms float64, attrs ...attribute.KeyValue) {
	if r == nil {
		return
	}
	name = Sanitize(name)

	r.mu.Lock()
	h, ok := r.histograms[name]
	if !ok {
		var err error
		h, err = r.meter.Float64Histogram(name, otelmetric.WithUnit("ms"))
		if err != nil {
			slog.Warn("metrics: histogram registration failed", "name", name, "error", err)
		} else {
			r.histograms[name] = h
		}
	}
	r.counts[name]++
	r.sums[name] += ms
	r.mu.Unlock()

	if h != nil {
		h.Record(context.Background(), ms, otelmetric.WithAttributes(attrs...))
	}
}

// Count returns the in-process value of a counter, or the sample count of a histogram.
func (r *Recorder) Count(name string) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[Sanitize(name)]
}

// CountPrefix sums every counter whose name starts with prefix.
func (r *Recorder) CountPrefix(prefix string) int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var total int64
	for name, v := range r.counts {
		if strings.HasPrefix(name, prefix) {
			total += v
		}
	}
	return total
}

// Sample is one row of a Snapshot.
type Sample struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	Sum   float64 `json:"sum,omitempty"`
}

// Snapshot returns all in-process values sorted by name.
func (r *Recorder) Snapshot() []Sample {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Sample, 0, len(r.counts))
	for name, v := range r.counts {
		out = append(out, Sample{Name: name, Count: v, Sum: r.sums[name]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Sanitize lowercases a metric name and replaces characters OpenTelemetry
// rejects in instrument names.
func Sanitize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-', r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		s = "m" + s
	}
	if len(s) > 255 {
		s = s[:255]
	}
	return s
}
