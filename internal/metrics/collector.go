// Package metrics keeps process-wide counters, gauges and histograms and
// renders them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
)

type kind string

const (
	kindCounter   kind = "counter"
	kindGauge     kind = "gauge"
	kindHistogram kind = "histogram"
)

// Collector is the registry shared by every package.
var Collector = NewMetricsCollector()

// family groups every labelled series of one metric name.
type family struct {
	name   string
	help   string
	kind   kind
	series map[string]any // labels -> *Counter | *Gauge | *Histogram
}

// MetricsCollector is a registry of metric families.
type MetricsCollector struct {
	mu       sync.RWMutex
	families map[string]*family
	started  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{families: make(map[string]*family), started: time.Now()}
}

// Uptime is the time since the registry was created.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.started)
}

// Counter only goes up.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc() { c.v.Add(1) }
func (c *Counter) Add(n int64) { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge holds a value that can move both ways.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(v int64) { g.v.Store(v) }
func (g *Gauge) Inc() { g.v.Add(1) }
func (g *Gauge) Dec() { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into cumulative buckets.
type Histogram struct {
	mu     sync.Mutex
	bounds []float64
	counts []int64
	total  int64
	sum    float64
}

func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total++
	h.sum += v
	if i, _ := slices.BinarySearch(h.bounds, v); i < len(h.bounds) {
		h.counts[i]++
	}
}

func (h *Histogram) snapshot() (cumulative []int64, total int64, sum float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cumulative = make([]int64, len(h.counts))
	var running int64
	for i, n := range h.counts {
		running += n
		cumulative[i] = running
	}
	return cumulative, h.total, h.sum
}

// lookup returns the series for (name, labels), creating it with mk when
// absent. Registering one name under two kinds panics.
func (c *MetricsCollector) lookup(name, help, labels string, k kind, mk func() any) any {
	c.mu.RLock()
	if f, ok := c.families[name]; ok {
		if s, ok := f.series[labels]; ok {
			c.mu.RUnlock()
			return s
		}
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.families[name]
	if !ok {
		f = &family{name: name, help: help, kind: k, series: make(map[string]any)}
		c.families[name] = f
	}
	if f.kind != k {
		panic(fmt.Sprintf("metrics: %s registered as %s, requested as %s", name, f.kind, k))
	}
	s, ok := f.series[labels]
	if !ok {
		s = mk()
		f.series[labels] = s
	}
	return s
}

func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	return c.lookup(name, help, labels, kindCounter, func() any { return &Counter{} }).(*Counter)
}

func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	return c.lookup(name, help, labels, kindGauge, func() any { return &Gauge{} }).(*Gauge)
}

// Histogram buckets are upper bounds; +Inf is implicit.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	return c.lookup(name, help, labels, kindHistogram, func() any {
		bounds := slices.Clone(buckets)
		slices.Sort(bounds)
		bounds = slices.DeleteFunc(bounds, func(b float64) bool { return math.IsInf(b, 1) })
		return &Histogram{bounds: bounds, counts: make([]int64, len(bounds))}
	}).(*Histogram)
}

// Handler serves the registry as Prometheus text, families and series sorted.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		c.WriteTo(w)
	}
}

// WriteTo renders every family to w.
func (c *MetricsCollector) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	fmt.Fprintf(cw, "# HELP filebot_uptime_seconds Seconds since the process started\n")
	fmt.Fprintf(cw, "# TYPE filebot_uptime_seconds gauge\n")
	fmt.Fprintf(cw, "filebot_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.RLock()
	names := lo.Keys(c.families)
	c.mu.RUnlock()
	slices.Sort(names)

	for _, name := range names {
		c.mu.RLock()
		f := c.families[name]
		labels := lo.Keys(f.series)
		c.mu.RUnlock()
		slices.Sort(labels)

		fmt.Fprintf(cw, "# HELP %s %s\n", f.name, f.help)
		fmt.Fprintf(cw, "# TYPE %s %s\n", f.name, f.kind)
		for _, l := range labels {
			c.mu.RLock()
			s := f.series[l]
			c.mu.RUnlock()
			switch m := s.(type) {
			case *Counter:
				fmt.Fprintf(cw, "%s%s %d\n", f.name, braces(l), m.Value())
			case *Gauge:
				fmt.Fprintf(cw, "%s%s %d\n", f.name, braces(l), m.Value())
			case *Histogram:
				writeHistogram(cw, f.name, l, m)
			}
		}
	}
	return cw.n, cw.err
}

func writeHistogram(w io.Writer, name, labels string, h *Histogram) {
	cumulative, total, sum := h.snapshot()
	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	for i, bound := range h.bounds {
		le := strconv.FormatFloat(bound, 'g', -1, 64)
		fmt.Fprintf(w, "%s_bucket{%sle=%q} %d\n", name, prefix, le, cumulative[i])
	}
	fmt.Fprintf(w, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(w, "%s_sum%s %g\n", name, braces(labels), sum)
	fmt.Fprintf(w, "%s_count%s %d\n", name, braces(labels), total)
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

type countingWriter struct {
	w   io.Writer
	n   int64
	err error
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	if cw.err != nil {
		return 0, cw.err
	}
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	cw.err = err
	return n, err
}

var (
	UpdatesUnsupported = Collector.Counter("filebot_updates_unsupported_total", "Inbound updates with an unsupported payload", "")
	AnswersSent        = Collector.Counter("filebot_answers_sent_total", "Answers delivered to the chat platform", "")
	AnswersFailed      = Collector.Counter("filebot_answers_failed_total", "Answers dropped after a transport failure", "")
	MailsSent          = Collector.Counter("filebot_mails_sent_total", "Activation mails sent", "")
	MailsFailed        = Collector.Counter("filebot_mails_failed_total", "Activation mails that failed to send", "")
	UploadsFailed      = Collector.Counter("filebot_uploads_failed_total", "File ingestions that failed", "")
	VersionConflicts   = Collector.Counter("filebot_user_version_conflicts_total", "Optimistic update conflicts on user records", "")
	Activations        = Collector.Counter("filebot_activations_total", "Accounts activated through the activation link", "")
	DownloadsNotFound  = Collector.Counter("filebot_downloads_not_found_total", "Download requests with an unknown or foreign token", "")

	IngestLatency = Collector.Histogram("filebot_ingest_latency_seconds", "File ingestion latency in seconds", "",
		[]float64{0.1, 0.5, 1, 2, 5, 10, 30})
	IngestBytes = Collector.Histogram("filebot_ingest_bytes", "Size of ingested files in bytes", "",
		[]float64{1 << 10, 64 << 10, 1 << 20, 5 << 20, 20 << 20})
)

// UpdatesRouted counts inbound updates per classified queue.
func UpdatesRouted(queue string) *Counter {
	return Collector.Counter("filebot_updates_routed_total", "Inbound updates published per queue", fmt.Sprintf("queue=%q", queue))
}

// Transitions counts conversation state changes.
func Transitions(from, to string) *Counter {
	return Collector.Counter("filebot_state_transitions_total", "User state transitions", fmt.Sprintf("from=%q,to=%q", from, to))
}

// QueueDepth reports the number of deliveries waiting on a broker queue.
func QueueDepth(queue string) *Gauge {
	return Collector.Gauge("filebot_queue_depth", "Deliveries waiting on a broker queue", fmt.Sprintf("queue=%q", queue))
}
