package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCollector_CounterIsShared(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("test_total", "help", `queue="a"`)
	a.Inc()
	a.Add(2)

	again := c.Counter("test_total", "help", `queue="a"`)
	if again.Value() != 3 {
		t.Errorf("expected 3, got %d", again.Value())
	}
	if other := c.Counter("test_total", "help", `queue="b"`); other.Value() != 0 {
		t.Errorf("labels must separate counters, got %d", other.Value())
	}
}

func TestCollector_Gauge(t *testing.T) {
	c := NewMetricsCollector()
	g := c.Gauge("depth", "help", "")
	g.Set(5)
	g.Inc()
	g.Dec()
	g.Dec()
	if g.Value() != 4 {
		t.Errorf("expected 4, got %d", g.Value())
	}
}

func TestCollector_HandlerRendersPrometheusText(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("filebot_test_total", "A test counter", `queue="text-update"`).Inc()
	c.Gauge("filebot_test_depth", "A test gauge", "").Set(7)
	h := c.Histogram("filebot_test_seconds", "A test histogram", "", []float64{1, 0.1})
	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(3)

	rec := httptest.NewRecorder()
	c.Handler()(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		"# TYPE filebot_test_total counter",
		`filebot_test_total{queue="text-update"} 1`,
		"filebot_test_depth 7",
		`filebot_test_seconds_bucket{le="0.1"} 1`,
		`filebot_test_seconds_bucket{le="1"} 2`,
		`filebot_test_seconds_bucket{le="+Inf"} 3`,
		"filebot_test_seconds_count 3",
		"filebot_uptime_seconds",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("missing %q in output:\n%s", want, body)
		}
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestLabeledHelpers(t *testing.T) {
	UpdatesRouted("photo-update").Inc()
	if UpdatesRouted("photo-update").Value() < 1 {
		t.Error("UpdatesRouted should return the same counter")
	}
	Transitions("BASIC", "WAIT_FOR_EMAIL").Inc()
	QueueDepth("answer-message").Set(2)
	if QueueDepth("answer-message").Value() != 2 {
		t.Error("QueueDepth should return the same gauge")
	}
}

func TestCollector_SortedOutputAndKindClash(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("b_total", "b", "").Inc()
	c.Counter("a_total", "a", `queue="z"`).Inc()
	c.Counter("a_total", "a", `queue="y"`).Add(2)

	var sb strings.Builder
	if _, err := c.WriteTo(&sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	ia, ib := strings.Index(out, "# TYPE a_total"), strings.Index(out, "# TYPE b_total")
	if ia < 0 || ib < 0 || ia > ib {
		t.Fatalf("families not sorted:\n%s", out)
	}
	if strings.Index(out, `a_total{queue="y"} 2`) > strings.Index(out, `a_total{queue="z"} 1`) {
		t.Fatalf("series not sorted:\n%s", out)
	}

	defer func() {
		if recover() == nil {
			t.Fatal("registering a counter name as a gauge must panic")
		}
	}()
	c.Gauge("a_total", "a", "")
}
