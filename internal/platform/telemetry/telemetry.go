// Package telemetry keeps in-process counters, gauges and histograms for the
// form engine and serves them in the Prometheus text exposition format.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// Default histogram boundaries, in seconds.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	changeDurationBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}
	submitDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
)

// Metric names, in their exported form.
const (
	metricHTTPDuration   = "http_server_request_duration_seconds"
	metricHTTPActive     = "http_server_active_requests"
	metricOpened         = "form_sessions_opened_total"
	metricClosed         = "form_sessions_closed_total"
	metricOpen           = "form_sessions_open"
	metricChangeDuration = "form_field_change_duration_seconds"
	metricSubmits        = "form_submissions_total"
	metricSubmitDuration = "form_submission_duration_seconds"
)

// histogram is a thread-safe histogram. Bucket counts are stored
// non-cumulative; cumulative counts are computed at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
	// above every boundary: only the +Inf bucket, which is count
}

func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// series is one metric with a rendered label set, e.g.
// form_submissions_total{outcome="ok"}.
type series struct {
	name   string
	labels string
}

func labelSet(pairs ...string) string {
	var b strings.Builder
	for i := 0; i+1 < len(pairs); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%s=%q", pairs[i], pairs[i+1])
	}
	return b.String()
}

// Provider holds every metric the process records.
type Provider struct {
	service string

	mu         sync.RWMutex
	counters   map[series]*int64
	gauges     map[string]*int64
	histograms map[series]*histogram
}

func NewProvider(service string) *Provider {
	if service == "" {
		service = "form-engine"
	}
	return &Provider{
		service:    service,
		counters:   make(map[series]*int64),
		gauges:     make(map[string]*int64),
		histograms: make(map[series]*histogram),
	}
}

func (p *Provider) counter(s series) *int64 {
	p.mu.RLock()
	c, ok := p.counters[s]
	p.mu.RUnlock()
	if ok {
		return c
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok = p.counters[s]; !ok {
		c = new(int64)
		p.counters[s] = c
	}
	return c
}

func (p *Provider) gauge(name string) *int64 {
	p.mu.RLock()
	g, ok := p.gauges[name]
	p.mu.RUnlock()
	if ok {
		return g
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if g, ok = p.gauges[name]; !ok {
		g = new(int64)
		p.gauges[name] = g
	}
	return g
}

func (p *Provider) histogram(s series, boundaries []float64) *histogram {
	p.mu.RLock()
	h, ok := p.histograms[s]
	p.mu.RUnlock()
	if ok {
		return h
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok = p.histograms[s]; !ok {
		h = newHistogram(boundaries)
		p.histograms[s] = h
	}
	return h
}

// Counter returns the value of a counter; labels are name/value pairs.
func (p *Provider) Counter(name string, labels ...string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if c, ok := p.counters[series{name, labelSet(labels...)}]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

func (p *Provider) Gauge(name string) int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if g, ok := p.gauges[name]; ok {
		return atomic.LoadInt64(g)
	}
	return 0
}

// -- form session events --

func (p *Provider) SessionOpened(mode string) {
	atomic.AddInt64(p.counter(series{metricOpened, labelSet("mode", mode)}), 1)
	atomic.AddInt64(p.gauge(metricOpen), 1)
}

func (p *Provider) SessionClosed(reason string) {
	atomic.AddInt64(p.counter(series{metricClosed, labelSet("reason", reason)}), 1)
	atomic.AddInt64(p.gauge(metricOpen), -1)
}

func (p *Provider) FieldChanged(d time.Duration) {
	p.histogram(series{name: metricChangeDuration}, changeDurationBuckets).Observe(d.Seconds())
}

// Submitted counts a submission attempt. Validation failures never reach the
// record store and carry no duration.
func (p *Provider) Submitted(outcome string, d time.Duration) {
	atomic.AddInt64(p.counter(series{metricSubmits, labelSet("outcome", outcome)}), 1)
	if d > 0 {
		p.histogram(series{name: metricSubmitDuration}, submitDurationBuckets).Observe(d.Seconds())
	}
}

// MetricsMiddleware records request durations by method, route and status,
// and the number of requests in flight.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			active := p.gauge(metricHTTPActive)
			atomic.AddInt64(active, 1)
			start := time.Now()

			err := next(c)

			atomic.AddInt64(active, -1)
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			s := series{metricHTTPDuration, labelSet("method", c.Request().Method, "route", route, "status_code", strconv.Itoa(status))}
			p.histogram(s, httpDurationBuckets).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

var help = map[string]string{
	metricHTTPDuration:   "Duration of HTTP requests in seconds.",
	metricHTTPActive:     "Number of HTTP requests in flight.",
	metricOpened:         "Form sessions opened, by mode.",
	metricClosed:         "Form sessions closed, by reason.",
	metricOpen:           "Form sessions currently open.",
	metricChangeDuration: "Time to commit a field change and re-evaluate its dependents.",
	metricSubmits:        "Form submissions, by outcome.",
	metricSubmitDuration: "Time spent waiting on the record store per submission.",
}

// PrometheusHandler serves every metric in text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder
		fmt.Fprintf(&b, "# HELP form_engine_info Service identity.\n# TYPE form_engine_info gauge\n")
		fmt.Fprintf(&b, "form_engine_info{service=%q} 1\n", p.service)

		p.mu.RLock()
		gauges := make(map[string]int64, len(p.gauges))
		for name, g := range p.gauges {
			gauges[name] = atomic.LoadInt64(g)
		}
		counters := make(map[series]int64, len(p.counters))
		for s, c := range p.counters {
			counters[s] = atomic.LoadInt64(c)
		}
		histograms := make(map[series]*histogram, len(p.histograms))
		for s, h := range p.histograms {
			histograms[s] = h
		}
		p.mu.RUnlock()

		for _, name := range sortedKeys(gauges) {
			writeHeader(&b, name, "gauge")
			fmt.Fprintf(&b, "%s %d\n", name, gauges[name])
		}

		byName := map[string][]series{}
		for s := range counters {
			byName[s.name] = append(byName[s.name], s)
		}
		for _, name := range sortedKeys(byName) {
			writeHeader(&b, name, "counter")
			for _, s := range sortSeries(byName[name]) {
				fmt.Fprintf(&b, "%s%s %d\n", name, braces(s.labels), counters[s])
			}
		}

		byName = map[string][]series{}
		for s := range histograms {
			byName[s.name] = append(byName[s.name], s)
		}
		for _, name := range sortedKeys(byName) {
			writeHeader(&b, name, "histogram")
			for _, s := range sortSeries(byName[name]) {
				writeHistogram(&b, name, s.labels, histograms[s])
			}
		}

		return c.String(http.StatusOK, b.String())
	}
}

func writeHeader(b *strings.Builder, name, typ string) {
	if h, ok := help[name]; ok {
		fmt.Fprintf(b, "# HELP %s %s\n", name, h)
	}
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	prefix := ""
	if labels != "" {
		prefix = labels + ","
	}
	cum := h.cumulativeBuckets()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, h.Count())
	fmt.Fprintf(b, "%s_sum%s %g\n", name, braces(labels), h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, braces(labels), h.Count())
}

func braces(labels string) string {
	if labels == "" {
		return ""
	}
	return "{" + labels + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortSeries(s []series) []series {
	sort.Slice(s, func(i, j int) bool { return s[i].labels < s[j].labels })
	return s
}
