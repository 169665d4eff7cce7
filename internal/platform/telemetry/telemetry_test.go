package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func histogramOf(p *Provider, name string, labels ...string) *histogram {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.histograms[series{name, labelSet(labels...)}]
}

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

func TestHistogram_Observation(t *testing.T) {
	h := newHistogram([]float64{0.010, 0.025, 0.050, 0.100, 1.0, 5.0})

	h.Observe(0.005)
	h.Observe(0.015)
	h.Observe(3.0)
	h.Observe(30.0)

	if h.Count() != 4 {
		t.Fatalf("expected count=4, got %d", h.Count())
	}
	if math.Abs(h.Sum()-33.02) > 1e-9 {
		t.Errorf("expected sum=33.02, got %g", h.Sum())
	}
	// non-cumulative in storage
	if h.bucketCounts[0] != 1 || h.bucketCounts[1] != 1 || h.bucketCounts[5] != 1 {
		t.Fatalf("unexpected buckets: %v", h.bucketCounts)
	}
	cum := h.cumulativeBuckets()
	if cum[0] != 1 || cum[1] != 2 || cum[4] != 2 || cum[5] != 3 {
		t.Errorf("unexpected cumulative buckets: %v", cum)
	}
}

func TestLabelSet(t *testing.T) {
	if got := labelSet("method", "GET", "route", "/api/v1/forms"); got != `method="GET",route="/api/v1/forms"` {
		t.Errorf("labelSet = %s", got)
	}
	if labelSet() != "" {
		t.Error("expected empty label set")
	}
}

// ---------------------------------------------------------------------------
// Form session events
// ---------------------------------------------------------------------------

func TestProvider_SessionLifecycle(t *testing.T) {
	p := NewProvider("")
	p.SessionOpened("enter")
	p.SessionOpened("edit")
	p.SessionOpened("enter")
	p.SessionClosed("submitted")

	if got := p.Counter(metricOpened, "mode", "enter"); got != 2 {
		t.Errorf("opened{enter} = %d", got)
	}
	if got := p.Counter(metricClosed, "reason", "submitted"); got != 1 {
		t.Errorf("closed{submitted} = %d", got)
	}
	if got := p.Gauge(metricOpen); got != 2 {
		t.Errorf("open = %d", got)
	}
}

func TestProvider_Submissions(t *testing.T) {
	p := NewProvider("")
	p.Submitted("invalid", 0)
	p.Submitted("ok", 200*time.Millisecond)
	p.Submitted("failed", 3*time.Second)

	if p.Counter(metricSubmits, "outcome", "ok") != 1 || p.Counter(metricSubmits, "outcome", "invalid") != 1 {
		t.Errorf("unexpected submission counters: %v", p.counters)
	}
	h := histogramOf(p, metricSubmitDuration)
	if h == nil || h.Count() != 2 {
		t.Fatalf("expected two timed submissions, got %+v", h)
	}
}

func TestProvider_FieldChanged(t *testing.T) {
	p := NewProvider("")
	p.FieldChanged(2 * time.Millisecond)
	if h := histogramOf(p, metricChangeDuration); h == nil || h.Count() != 1 {
		t.Fatalf("expected one change observation, got %+v", h)
	}
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

func TestMetricsMiddleware_ActiveRequests(t *testing.T) {
	p := NewProvider("")
	activeObserved := make(chan int64, 1)

	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/form-sessions/:id", func(c echo.Context) error {
		activeObserved <- p.Gauge(metricHTTPActive)
		return c.String(http.StatusOK, "ok")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/form-sessions/s1", nil))

	if active := <-activeObserved; active != 1 {
		t.Fatalf("expected active_requests=1 during handling, got %d", active)
	}
	if val := p.Gauge(metricHTTPActive); val != 0 {
		t.Fatalf("expected active_requests=0 after request, got %d", val)
	}
}

func TestMetricsMiddleware_Labels(t *testing.T) {
	p := NewProvider("")
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.PUT("/api/v1/form-sessions/:id/fields/:fieldId", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	e.GET("/api/v1/form-sessions/:id", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/api/v1/form-sessions/s1/fields/weight", strings.NewReader(`{"value":1}`)))
	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/form-sessions/missing", nil))

	h := histogramOf(p, metricHTTPDuration, "method", "PUT", "route", "/api/v1/form-sessions/:id/fields/:fieldId", "status_code", "200")
	if h == nil || h.Count() != 1 {
		t.Fatalf("expected a route-labeled histogram, got %+v", h)
	}
	h = histogramOf(p, metricHTTPDuration, "method", "GET", "route", "/api/v1/form-sessions/:id", "status_code", "404")
	if h == nil || h.Count() != 1 {
		t.Fatalf("expected the error status to be recorded, got %+v", h)
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

func TestPrometheusHandler_ValidFormat(t *testing.T) {
	p := NewProvider("form-engine-test")
	p.SessionOpened("enter")
	p.FieldChanged(time.Millisecond)
	p.Submitted("ok", time.Second)

	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), rec)
	if err := p.PrometheusHandler()(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := rec.Body.String()

	for _, want := range []string{
		`form_engine_info{service="form-engine-test"} 1`,
		"# TYPE form_sessions_open gauge",
		"form_sessions_open 1",
		"# TYPE form_sessions_opened_total counter",
		`form_sessions_opened_total{mode="enter"} 1`,
		`form_submissions_total{outcome="ok"} 1`,
		"# TYPE form_field_change_duration_seconds histogram",
		`form_field_change_duration_seconds_bucket{le="+Inf"} 1`,
		"form_field_change_duration_seconds_count 1",
		`form_submission_duration_seconds_bucket{le="1"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in:\n%s", want, body)
		}
	}
}

// ---------------------------------------------------------------------------
// Concurrency
// ---------------------------------------------------------------------------

func TestMetrics_ConcurrentSafe(t *testing.T) {
	p := NewProvider("")
	e := echo.New()
	e.Use(p.MetricsMiddleware())
	e.GET("/api/v1/form-sessions/:id", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	var wg sync.WaitGroup
	goroutines, perGoroutine := 20, 25
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perGoroutine; i++ {
				e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/form-sessions/%d", i), nil))
				p.SessionOpened("enter")
				p.SessionClosed("discarded")
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/metrics", nil), httptest.NewRecorder())
			p.PrometheusHandler()(c)
		}
	}()
	wg.Wait()

	total := int64(goroutines * perGoroutine)
	h := histogramOf(p, metricHTTPDuration, "method", "GET", "route", "/api/v1/form-sessions/:id", "status_code", "200")
	if h == nil || h.Count() != total {
		t.Fatalf("expected %d observations, got %+v", total, h)
	}
	if p.Gauge(metricOpen) != 0 || p.Counter(metricOpened, "mode", "enter") != total {
		t.Errorf("unexpected session metrics: open=%d opened=%d", p.Gauge(metricOpen), p.Counter(metricOpened, "mode", "enter"))
	}
}
