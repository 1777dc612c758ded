package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// findMetricFamily は名前でメトリクスファミリーを探す。
func findMetricFamily(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf
		}
	}
	t.Fatalf("%s metric not found", name)
	return nil
}

// labelValue はメトリクスから指定ラベルの値を返す。
func labelValue(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}

func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestRecordMirrorReplaced_UpdatesCounterAndGauge は置き換え回数と件数ゲージが更新されることを検証する。
func TestRecordMirrorReplaced_UpdatesCounterAndGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMirrorReplaced(5)
	c.RecordMirrorReplaced(3)

	replaced := findMetricFamily(t, reg, "taskman_mirror_replaced_total")
	if val := replaced.GetMetric()[0].GetCounter().GetValue(); val != 2 {
		t.Errorf("mirror_replaced_total = %v, want 2", val)
	}

	gauge := findMetricFamily(t, reg, "taskman_mirror_tasks")
	if val := gauge.GetMetric()[0].GetGauge().GetValue(); val != 3 {
		t.Errorf("mirror_tasks = %v, want 3", val)
	}
}

func TestRecordStaleEventDropped_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStaleEventDropped()

	mf := findMetricFamily(t, reg, "taskman_stale_events_dropped_total")
	if val := mf.GetMetric()[0].GetCounter().GetValue(); val != 1 {
		t.Errorf("stale_events_dropped_total = %v, want 1", val)
	}
}

func TestSetActiveSubscriptions_SetsGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SetActiveSubscriptions(1)
	c.SetActiveSubscriptions(0)

	mf := findMetricFamily(t, reg, "taskman_active_subscriptions")
	if val := mf.GetMetric()[0].GetGauge().GetValue(); val != 0 {
		t.Errorf("active_subscriptions = %v, want 0", val)
	}
}

// TestRecordStoreMutation_LabelsByOpAndResult は操作と結果のラベルで集計されることを検証する。
func TestRecordStoreMutation_LabelsByOpAndResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordStoreMutation("create", nil, 10*time.Millisecond)
	c.RecordStoreMutation("create", nil, 20*time.Millisecond)
	c.RecordStoreMutation("delete", errors.New("boom"), time.Millisecond)

	mf := findMetricFamily(t, reg, "taskman_store_mutations_total")
	counts := map[string]float64{}
	for _, m := range mf.GetMetric() {
		counts[labelValue(m, "op")+"/"+labelValue(m, "result")] = m.GetCounter().GetValue()
	}

	if counts["create/success"] != 2 {
		t.Errorf("create/success = %v, want 2", counts["create/success"])
	}
	if counts["delete/failure"] != 1 {
		t.Errorf("delete/failure = %v, want 1", counts["delete/failure"])
	}

	latency := findMetricFamily(t, reg, "taskman_store_mutation_latency_seconds")
	var createSamples uint64
	for _, m := range latency.GetMetric() {
		if labelValue(m, "op") == "create" {
			createSamples = m.GetHistogram().GetSampleCount()
		}
	}
	if createSamples != 2 {
		t.Errorf("create latency samples = %d, want 2", createSamples)
	}
}

func TestRecordAuthAttempt_LabelsByModeAndResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordAuthAttempt("login", nil)
	c.RecordAuthAttempt("register", errors.New("email exists"))

	mf := findMetricFamily(t, reg, "taskman_auth_attempts_total")
	counts := map[string]float64{}
	for _, m := range mf.GetMetric() {
		counts[labelValue(m, "mode")+"/"+labelValue(m, "result")] = m.GetCounter().GetValue()
	}

	if counts["login/success"] != 1 {
		t.Errorf("login/success = %v, want 1", counts["login/success"])
	}
	if counts["register/failure"] != 1 {
		t.Errorf("register/failure = %v, want 1", counts["register/failure"])
	}
}

func TestRecordHTTPStatus_IncrementsCounterWithLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(422)

	mf := findMetricFamily(t, reg, "taskman_http_status_total")
	for _, m := range mf.GetMetric() {
		switch labelValue(m, "status_code") {
		case "200":
			if val := m.GetCounter().GetValue(); val != 2 {
				t.Errorf("status 200 count = %v, want 2", val)
			}
		case "422":
			if val := m.GetCounter().GetValue(); val != 1 {
				t.Errorf("status 422 count = %v, want 1", val)
			}
		default:
			t.Errorf("unexpected status label %q", labelValue(m, "status_code"))
		}
	}
}

func TestMetricsHandler_ReturnsPrometheusFormat(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMirrorReplaced(1)
	c.RecordStoreMutation("update", nil, time.Millisecond)
	c.RecordAuthAttempt("login", nil)
	c.RecordHTTPStatus(200)

	handler := Handler(reg)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	body, _ := io.ReadAll(resp.Body)
	bodyStr := string(body)

	for _, name := range []string{
		"taskman_mirror_replaced_total",
		"taskman_mirror_tasks",
		"taskman_store_mutations_total",
		"taskman_store_mutation_latency_seconds",
		"taskman_auth_attempts_total",
		"taskman_http_status_total",
	} {
		if !strings.Contains(bodyStr, name) {
			t.Errorf("response should contain %s", name)
		}
	}
}

func TestCollector_ImplementsMetricsCollectorInterface(t *testing.T) {
	var _ MetricsCollector = (*Collector)(nil)
	var _ MetricsCollector = Nop{}
}

func TestNop_DoesNotPanic(t *testing.T) {
	var c MetricsCollector = Nop{}
	c.RecordMirrorReplaced(1)
	c.RecordStaleEventDropped()
	c.SetActiveSubscriptions(1)
	c.RecordStoreMutation("create", nil, time.Millisecond)
	c.RecordAuthAttempt("login", nil)
	c.RecordHTTPStatus(200)
}

// TestMultipleCollectors_IndependentRegistries はレジストリごとに独立して集計されることを検証する。
func TestMultipleCollectors_IndependentRegistries(t *testing.T) {
	reg1 := prometheus.NewRegistry()
	reg2 := prometheus.NewRegistry()
	c1 := NewCollector(reg1)
	_ = NewCollector(reg2)

	c1.RecordStaleEventDropped()

	mf1 := findMetricFamily(t, reg1, "taskman_stale_events_dropped_total")
	if val := mf1.GetMetric()[0].GetCounter().GetValue(); val != 1 {
		t.Errorf("reg1 = %v, want 1", val)
	}
	mf2 := findMetricFamily(t, reg2, "taskman_stale_events_dropped_total")
	if val := mf2.GetMetric()[0].GetCounter().GetValue(); val != 0 {
		t.Errorf("reg2 = %v, want 0", val)
	}
}
