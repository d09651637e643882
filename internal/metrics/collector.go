// Package metrics keeps process-wide counters for the chat connection and
// renders them in Prometheus text exposition format.
package metrics

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the global metrics collector.
var Collector = NewCollector()

// Registry aggregates counters, gauges, and histograms.
type Registry struct {
	counters   sync.Map // key -> *Counter
	gauges     sync.Map // key -> *Gauge
	histograms sync.Map // key -> *Histogram
	startTime  time.Time
}

// NewCollector creates an empty registry.
func NewCollector() *Registry {
	return &Registry{startTime: time.Now()}
}

// Uptime returns how long the registry has existed.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startTime)
}

// Counter is a monotonically increasing counter.
type Counter struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (c *Counter) Inc()         { c.value.Add(1) }
func (c *Counter) Add(n int64)  { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	name   string
	help   string
	labels string
	value  atomic.Int64
}

func (g *Gauge) Set(v int64)   { g.value.Store(v) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values.
type Histogram struct {
	name    string
	help    string
	labels  string
	mu      sync.Mutex
	count   int64
	sum     float64
	buckets []histBucket
}

type histBucket struct {
	le    float64
	count int64
}

// Observe records a value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i := range h.buckets {
		if v <= h.buckets[i].le {
			h.buckets[i].count++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns or creates a counter.
func (r *Registry) Counter(name, help, labels string) *Counter {
	key := name + "{" + labels + "}"
	if v, ok := r.counters.Load(key); ok {
		return v.(*Counter)
	}
	actual, _ := r.counters.LoadOrStore(key, &Counter{name: name, help: help, labels: labels})
	return actual.(*Counter)
}

// Gauge returns or creates a gauge.
func (r *Registry) Gauge(name, help, labels string) *Gauge {
	key := name + "{" + labels + "}"
	if v, ok := r.gauges.Load(key); ok {
		return v.(*Gauge)
	}
	actual, _ := r.gauges.LoadOrStore(key, &Gauge{name: name, help: help, labels: labels})
	return actual.(*Gauge)
}

// Histogram returns or creates a histogram with the given upper bounds.
func (r *Registry) Histogram(name, help, labels string, buckets []float64) *Histogram {
	key := name + "{" + labels + "}"
	if v, ok := r.histograms.Load(key); ok {
		return v.(*Histogram)
	}
	sort.Float64s(buckets)
	hb := make([]histBucket, len(buckets))
	for i, b := range buckets {
		hb[i] = histBucket{le: b}
	}
	actual, _ := r.histograms.LoadOrStore(key, &Histogram{name: name, help: help, labels: labels, buckets: hb})
	return actual.(*Histogram)
}

// Render writes every metric in Prometheus text format, sorted by key so
// the output is stable.
func (r *Registry) Render() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP farmchat_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE farmchat_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "farmchat_uptime_seconds %d\n\n", int64(r.Uptime().Seconds()))

	helpWritten := make(map[string]bool)
	for _, v := range sortedValues(&r.counters) {
		c := v.(*Counter)
		writeScalar(&sb, helpWritten, c.name, c.help, "counter", c.labels, c.Value())
	}
	for _, v := range sortedValues(&r.gauges) {
		g := v.(*Gauge)
		writeScalar(&sb, helpWritten, g.name, g.help, "gauge", g.labels, g.Value())
	}
	for _, v := range sortedValues(&r.histograms) {
		writeHistogram(&sb, v.(*Histogram))
	}
	return sb.String()
}

// Handler serves Render over HTTP.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		fmt.Fprint(w, r.Render())
	}
}

func sortedValues(m *sync.Map) []any {
	var keys []string
	values := make(map[string]any)
	m.Range(func(k, v any) bool {
		keys = append(keys, k.(string))
		values[k.(string)] = v
		return true
	})
	sort.Strings(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = values[k]
	}
	return out
}

func writeScalar(sb *strings.Builder, helpWritten map[string]bool, name, help, typ, labels string, v int64) {
	if !helpWritten[name] {
		fmt.Fprintf(sb, "# HELP %s %s\n", name, help)
		fmt.Fprintf(sb, "# TYPE %s %s\n", name, typ)
		helpWritten[name] = true
	}
	if labels != "" {
		fmt.Fprintf(sb, "%s{%s} %d\n", name, labels, v)
	} else {
		fmt.Fprintf(sb, "%s %d\n", name, v)
	}
}

func writeHistogram(sb *strings.Builder, h *Histogram) {
	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(sb, "# HELP %s %s\n", h.name, h.help)
	fmt.Fprintf(sb, "# TYPE %s histogram\n", h.name)
	prefix := h.name + "_bucket{"
	if h.labels != "" {
		prefix += h.labels + ","
	}
	for _, b := range h.buckets {
		le := fmt.Sprintf("%g", b.le)
		if math.IsInf(b.le, 1) {
			le = "+Inf"
		}
		fmt.Fprintf(sb, "%sle=\"%s\"} %d\n", prefix, le, b.count)
	}
	suffix := ""
	if h.labels != "" {
		suffix = "{" + h.labels + "}"
	}
	fmt.Fprintf(sb, "%s_count%s %d\n", h.name, suffix, h.count)
	fmt.Fprintf(sb, "%s_sum%s %f\n", h.name, suffix, h.sum)
}

// --- Pre-defined metrics used across the application ---

var (
	MessagesDispatched   = Collector.Counter("farmchat_messages_dispatched_total", "Chat messages fanned out to subscribers", "")
	UpdatesDispatched    = Collector.Counter("farmchat_conversation_updates_total", "Conversation updates fanned out to subscribers", "")
	SubscriberPanics     = Collector.Counter("farmchat_subscriber_panics_total", "Subscriber callbacks that panicked", "")
	ReconnectAttempts    = Collector.Counter("farmchat_reconnects_total", "Times the hub connection entered reconnecting", "")
	OpenFailures         = Collector.Counter("farmchat_open_failures_total", "Hub connection opens that failed", "")
	CapabilityDowngrades = Collector.Counter("farmchat_capability_downgrades_total", "Optional hub operations disabled after the server rejected them", "")
	HubErrors            = Collector.Counter("farmchat_hub_errors_total", "Error events pushed by the hub", "")
	ReadReceipts         = Collector.Counter("farmchat_read_receipts_total", "MessagesRead events pushed by the hub", "")
	ConnectionState      = Collector.Gauge("farmchat_connection_state", "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 reconnecting)", "")

	InvokeLatency = Collector.Histogram("farmchat_invoke_latency_seconds", "Hub invocation round trip in seconds", "",
		[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10})
)
