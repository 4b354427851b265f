package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/3cpo-dev/valrun/pkg/api"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(true)
	c.Counter("tasks_finished_total", 1, map[string]string{"status": "failed"})
	c.Counter("tasks_finished_total", 1, map[string]string{"status": "failed"})
	c.Counter("tasks_finished_total", 1, map[string]string{"status": "finished"})
	c.Gauge("tasks_running", 4, nil)
	c.Gauge("tasks_running", 2, nil)
	c.Timer("task_wall_time_seconds", 1500*time.Millisecond, map[string]string{"task": "a_py"})

	if v := c.Value("tasks_finished_total", map[string]string{"status": "failed"}); v != 2 {
		t.Fatalf("failed counter = %v", v)
	}
	if v := c.Value("tasks_running", nil); v != 2 {
		t.Fatalf("gauge = %v", v)
	}
	if v := c.Value("task_wall_time_seconds", map[string]string{"task": "a_py"}); v != 1.5 {
		t.Fatalf("timer = %v", v)
	}
	if n := len(c.GetMetrics()); n != 4 {
		t.Fatalf("expected 4 series, got %d", n)
	}
}

func TestDisabledAndNilCollector(t *testing.T) {
	c := NewCollector(false)
	c.Counter("x", 1, nil)
	if len(c.GetMetrics()) != 0 {
		t.Fatalf("disabled collector recorded metrics")
	}
	var nilc *Collector
	nilc.Counter("x", 1, nil)
	if nilc.Value("x", nil) != 0 || nilc.GetMetrics() != nil {
		t.Fatalf("nil collector should be inert")
	}
}

type staticSource struct{ s api.RunSummary }

func (s staticSource) Report() api.RunSummary { return s.s }

func TestMonitoringEndpoints(t *testing.T) {
	c := NewCollector(true)
	c.Counter("tasks_dispatched_total", 3, map[string]string{"backend": "local"})
	src := staticSource{api.RunSummary{
		Status:   api.RunRunning,
		Total:    4,
		Finished: 1,
		Failed:   1,
		Tasks: []api.TaskReport{
			{Name: "a_py", Status: "finished"},
			{Name: "b_py", Status: "failed", ReturnCode: 2},
			{Name: "c_py", Status: "running"},
			{Name: "d_py", Status: "waiting"},
		},
	}}
	h := NewMonitoringServer("127.0.0.1:0", c, src).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	var health map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["percent"].(float64) != 50 || health["status"] != "running" {
		t.Fatalf("unexpected health %v", health)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/tasks?status=failed", nil))
	var summary api.RunSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(summary.Tasks) != 1 || summary.Tasks[0].Name != "b_py" {
		t.Fatalf("filter failed: %+v", summary.Tasks)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "# TYPE tasks_dispatched_total counter") ||
		!strings.Contains(body, `tasks_dispatched_total{backend="local"} 3`) {
		t.Fatalf("unexpected metrics output:\n%s", body)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/metrics", nil))
	var metrics []Metric
	if err := json.Unmarshal(rec.Body.Bytes(), &metrics); err != nil || len(metrics) != 1 {
		t.Fatalf("api metrics: %v %v", metrics, err)
	}
}
