package metrics

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrLabelCountMismatch is returned when the number of label values doesn't
// match the metric's defined labels.
var ErrLabelCountMismatch = errors.New("label count mismatch")

// ErrNegativeCounterValue is returned when attempting to add a negative
// value to a counter.
var ErrNegativeCounterValue = errors.New("counter cannot be decreased")

// ErrDuplicateMetric is returned when registering a metric name twice.
var ErrDuplicateMetric = errors.New("duplicate metric name")

// atomicFloat64 stores float64 bits in a uint64 for atomic access.
type atomicFloat64 struct {
	bits atomic.Uint64
}

func (a *atomicFloat64) Load() float64 {
	return math.Float64frombits(a.bits.Load())
}

func (a *atomicFloat64) Store(v float64) {
	a.bits.Store(math.Float64bits(v))
}

func (a *atomicFloat64) Add(delta float64) {
	for {
		old := a.bits.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if a.bits.CompareAndSwap(old, next) {
			return
		}
	}
}

// MetricType represents the type of a metric.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric is implemented by all metric types.
type Metric interface {
	Name() string
	Help() string
	Type() MetricType
	// Collect returns all samples for exposition.
	Collect() []Sample
}

// Sample is a single metric sample with labels.
type Sample struct {
	Name   string
	Labels map[string]string
	Value  float64
}

// vecMap holds per-label-combination values for a labelled metric.
type vecMap[V any] struct {
	labelNames []string
	mu         sync.RWMutex
	values     map[string]*labelled[V]
}

type labelled[V any] struct {
	labels map[string]string
	value  V
}

func newVecMap[V any](labelNames []string) *vecMap[V] {
	return &vecMap[V]{labelNames: labelNames, values: make(map[string]*labelled[V])}
}

// get returns the value for a label combination, creating it on first use.
func (m *vecMap[V]) get(name string, values []string) (*labelled[V], error) {
	if len(values) != len(m.labelNames) {
		return nil, fmt.Errorf("%w: %s expected %d labels, got %d",
			ErrLabelCountMismatch, name, len(m.labelNames), len(values))
	}

	key := strings.Join(values, "\x00")
	m.mu.RLock()
	lv, ok := m.values[key]
	m.mu.RUnlock()
	if ok {
		return lv, nil
	}

	labels := make(map[string]string, len(m.labelNames))
	for i, n := range m.labelNames {
		labels[n] = values[i]
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if lv, ok = m.values[key]; !ok {
		lv = &labelled[V]{labels: labels}
		m.values[key] = lv
	}
	return lv, nil
}

func (m *vecMap[V]) each(fn func(*labelled[V])) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, lv := range m.values {
		fn(lv)
	}
}

// Counter is a monotonically increasing metric.
type Counter struct {
	name string
	help string
	vals *vecMap[atomicFloat64]
}

func (c *Counter) Name() string     { return c.name }
func (c *Counter) Help() string     { return c.help }
func (c *Counter) Type() MetricType { return MetricTypeCounter }

// WithLabels returns a CounterVec for the given label values.
func (c *Counter) WithLabels(values ...string) (*CounterVec, error) {
	lv, err := c.vals.get(c.name, values)
	if err != nil {
		return nil, err
	}
	return &CounterVec{v: &lv.value}, nil
}

// Inc increments an unlabelled counter by 1.
func (c *Counter) Inc() error { return c.Add(1) }

// Add adds delta to an unlabelled counter. delta must not be negative.
func (c *Counter) Add(delta float64) error {
	vec, err := c.WithLabels()
	if err != nil {
		return err
	}
	return vec.Add(delta)
}

// Collect returns all samples.
func (c *Counter) Collect() []Sample {
	var samples []Sample
	c.vals.each(func(lv *labelled[atomicFloat64]) {
		samples = append(samples, Sample{Name: c.name, Labels: lv.labels, Value: lv.value.Load()})
	})
	return samples
}

// CounterVec operates on one label combination of a Counter.
type CounterVec struct {
	v *atomicFloat64
}

// Inc increments the counter by 1.
func (v *CounterVec) Inc() error { return v.Add(1) }

// Add adds delta to the counter. delta must not be negative.
func (v *CounterVec) Add(delta float64) error {
	if delta < 0 {
		return ErrNegativeCounterValue
	}
	v.v.Add(delta)
	return nil
}

// Gauge is a metric that can go up and down.
type Gauge struct {
	name string
	help string
	vals *vecMap[atomicFloat64]
}

func (g *Gauge) Name() string     { return g.name }
func (g *Gauge) Help() string     { return g.help }
func (g *Gauge) Type() MetricType { return MetricTypeGauge }

// WithLabels returns a GaugeVec for the given label values.
func (g *Gauge) WithLabels(values ...string) (*GaugeVec, error) {
	lv, err := g.vals.get(g.name, values)
	if err != nil {
		return nil, err
	}
	return &GaugeVec{v: &lv.value}, nil
}

// Set sets an unlabelled gauge.
func (g *Gauge) Set(value float64) error {
	vec, err := g.WithLabels()
	if err != nil {
		return err
	}
	vec.Set(value)
	return nil
}

// Inc increments an unlabelled gauge by 1.
func (g *Gauge) Inc() error { return g.Add(1) }

// Dec decrements an unlabelled gauge by 1.
func (g *Gauge) Dec() error { return g.Add(-1) }

// Add adds delta to an unlabelled gauge.
func (g *Gauge) Add(delta float64) error {
	vec, err := g.WithLabels()
	if err != nil {
		return err
	}
	vec.Add(delta)
	return nil
}

// Collect returns all samples.
func (g *Gauge) Collect() []Sample {
	var samples []Sample
	g.vals.each(func(lv *labelled[atomicFloat64]) {
		samples = append(samples, Sample{Name: g.name, Labels: lv.labels, Value: lv.value.Load()})
	})
	return samples
}

// GaugeVec operates on one label combination of a Gauge.
type GaugeVec struct {
	v *atomicFloat64
}

// Set sets the gauge.
func (v *GaugeVec) Set(value float64) { v.v.Store(value) }

// Inc increments the gauge by 1.
func (v *GaugeVec) Inc() { v.v.Add(1) }

// Dec decrements the gauge by 1.
func (v *GaugeVec) Dec() { v.v.Add(-1) }

// Add adds delta to the gauge.
func (v *GaugeVec) Add(delta float64) { v.v.Add(delta) }

// histogramState holds the per-label-combination histogram counters.
type histogramState struct {
	counts []atomic.Uint64 // one per bucket upper bound
	sum    atomicFloat64
	count  atomic.Uint64
}

// Histogram tracks the distribution of observed values across fixed
// buckets.
type Histogram struct {
	name    string
	help    string
	buckets []float64
	vals    *vecMap[*histogramState]
	mu      sync.Mutex // guards lazy state init inside labelled values
}

func (h *Histogram) Name() string     { return h.name }
func (h *Histogram) Help() string     { return h.help }
func (h *Histogram) Type() MetricType { return MetricTypeHistogram }

// WithLabels returns a HistogramVec for the given label values.
func (h *Histogram) WithLabels(values ...string) (*HistogramVec, error) {
	lv, err := h.vals.get(h.name, values)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	if lv.value == nil {
		lv.value = &histogramState{counts: make([]atomic.Uint64, len(h.buckets))}
	}
	h.mu.Unlock()
	return &HistogramVec{buckets: h.buckets, st: lv.value}, nil
}

// Observe records a value in an unlabelled histogram.
func (h *Histogram) Observe(value float64) error {
	vec, err := h.WithLabels()
	if err != nil {
		return err
	}
	vec.Observe(value)
	return nil
}

// Collect returns bucket, sum and count samples.
func (h *Histogram) Collect() []Sample {
	var samples []Sample
	h.vals.each(func(lv *labelled[*histogramState]) {
		st := lv.value
		if st == nil {
			return
		}
		cumulative := uint64(0)
		for i, bound := range h.buckets {
			cumulative += st.counts[i].Load()
			labels := make(map[string]string, len(lv.labels)+1)
			for k, v := range lv.labels {
				labels[k] = v
			}
			labels["le"] = formatFloat(bound)
			samples = append(samples, Sample{Name: h.name + "_bucket", Labels: labels, Value: float64(cumulative)})
		}
		samples = append(samples, Sample{Name: h.name + "_sum", Labels: lv.labels, Value: st.sum.Load()})
		samples = append(samples, Sample{Name: h.name + "_count", Labels: lv.labels, Value: float64(st.count.Load())})
	})
	return samples
}

// HistogramVec operates on one label combination of a Histogram.
type HistogramVec struct {
	buckets []float64
	st      *histogramState
}

// Observe records a value.
func (v *HistogramVec) Observe(value float64) {
	for i, bound := range v.buckets {
		if value <= bound {
			v.st.counts[i].Add(1)
			break
		}
	}
	v.st.sum.Add(value)
	v.st.count.Add(1)
}

// Registry holds all registered metrics.
type Registry struct {
	mu      sync.RWMutex
	metrics []Metric
	names   map[string]struct{}
}

// NewRegistry creates a new metric registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// NewCounter creates and registers a new counter.
func (r *Registry) NewCounter(name, help string, labels ...string) *Counter {
	c := &Counter{name: name, help: help, vals: newVecMap[atomicFloat64](labels)}
	r.register(c)
	return c
}

// NewGauge creates and registers a new gauge.
func (r *Registry) NewGauge(name, help string, labels ...string) *Gauge {
	g := &Gauge{name: name, help: help, vals: newVecMap[atomicFloat64](labels)}
	r.register(g)
	return g
}

// NewHistogram creates and registers a new histogram with the given bucket
// upper bounds. A +Inf bucket is appended if missing.
func (r *Registry) NewHistogram(name, help string, buckets []float64, labels ...string) *Histogram {
	sorted := make([]float64, len(buckets))
	copy(sorted, buckets)
	sort.Float64s(sorted)
	if len(sorted) == 0 || !math.IsInf(sorted[len(sorted)-1], 1) {
		sorted = append(sorted, math.Inf(1))
	}
	h := &Histogram{name: name, help: help, buckets: sorted, vals: newVecMap[*histogramState](labels)}
	r.register(h)
	return h
}

// register panics on duplicate names, since duplicates would produce
// invalid exposition output.
func (r *Registry) register(m Metric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.names[m.Name()]; exists {
		panic(fmt.Sprintf("%s: %s", ErrDuplicateMetric, m.Name()))
	}
	r.names[m.Name()] = struct{}{}
	r.metrics = append(r.metrics, m)
}

// WriteText renders all metrics in Prometheus text exposition format.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.RLock()
	ms := make([]Metric, len(r.metrics))
	copy(ms, r.metrics)
	r.mu.RUnlock()

	for _, m := range ms {
		samples := m.Collect()
		if len(samples) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n", m.Name(), escapeHelp(m.Help())); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "# TYPE %s %s\n", m.Name(), m.Type()); err != nil {
			return err
		}
		for _, s := range samples {
			if err := writeSample(w, s); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeSample(w io.Writer, s Sample) error {
	var err error
	if len(s.Labels) == 0 {
		_, err = fmt.Fprintf(w, "%s %s\n", s.Name, formatFloat(s.Value))
	} else {
		_, err = fmt.Fprintf(w, "%s{%s} %s\n", s.Name, formatLabels(s.Labels), formatFloat(s.Value))
	}
	return err
}

// formatLabels formats labels as key="value",key="value" with sorted keys
// for deterministic output.
func formatLabels(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, escapeLabelValue(labels[k]))
	}
	return strings.Join(parts, ",")
}

func formatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "+Inf"
	case math.IsInf(v, -1):
		return "-Inf"
	}
	s := fmt.Sprintf("%g", v)
	if v == float64(int64(v)) && !strings.ContainsAny(s, ".e") {
		return fmt.Sprintf("%.0f", v)
	}
	return s
}

func escapeHelp(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "\n", "\\n")
}

func escapeLabelValue(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	return strings.ReplaceAll(s, "\n", "\\n")
}

// DefaultBuckets are the default histogram buckets for listener invocation
// durations, in seconds.
var DefaultBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}
