// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値。
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 同期処理・認証・HTTP層から利用する。
type MetricsCollector interface {
	RecordMirrorReplaced(size int)
	RecordStaleEventDropped()
	SetActiveSubscriptions(n int)
	RecordStoreMutation(op string, err error, duration time.Duration)
	RecordAuthAttempt(mode string, err error)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	mirrorReplaced      prometheus.Counter
	mirrorTasks         prometheus.Gauge
	staleEvents         prometheus.Counter
	activeSubscriptions prometheus.Gauge
	storeMutations      *prometheus.CounterVec
	mutationLatency     *prometheus.HistogramVec
	authAttempts        *prometheus.CounterVec
	httpStatus          *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		mirrorReplaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_mirror_replaced_total",
			Help: "変更イベントによるタスクミラー置き換えの合計数",
		}),
		mirrorTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskman_mirror_tasks",
			Help: "現在のタスクミラーの件数",
		}),
		staleEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskman_stale_events_dropped_total",
			Help: "解除済みの購読から届き破棄された変更イベントの合計数",
		}),
		activeSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskman_active_subscriptions",
			Help: "開いているライブ購読の数",
		}),
		storeMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskman_store_mutations_total",
			Help: "ストア書き込みの操作別・結果別の合計数",
		}, []string{"op", "result"}),
		mutationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskman_store_mutation_latency_seconds",
			Help:    "ストア書き込みのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskman_auth_attempts_total",
			Help: "認証試行のモード別・結果別の合計数",
		}, []string{"mode", "result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskman_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.mirrorReplaced,
		c.mirrorTasks,
		c.staleEvents,
		c.activeSubscriptions,
		c.storeMutations,
		c.mutationLatency,
		c.authAttempts,
		c.httpStatus,
	)

	return c
}

func result(err error) string {
	if err != nil {
		return ResultFailure
	}
	return ResultSuccess
}

// RecordMirrorReplaced はミラーの置き換えと置き換え後の件数を記録する。
func (c *Collector) RecordMirrorReplaced(size int) {
	c.mirrorReplaced.Inc()
	c.mirrorTasks.Set(float64(size))
}

// RecordStaleEventDropped は破棄した古い変更イベントを記録する。
func (c *Collector) RecordStaleEventDropped() {
	c.staleEvents.Inc()
}

// SetActiveSubscriptions は開いている購読数を設定する。
func (c *Collector) SetActiveSubscriptions(n int) {
	c.activeSubscriptions.Set(float64(n))
}

// RecordStoreMutation はストア書き込みの結果とレイテンシを記録する。
func (c *Collector) RecordStoreMutation(op string, err error, duration time.Duration) {
	c.storeMutations.WithLabelValues(op, result(err)).Inc()
	c.mutationLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordAuthAttempt は認証試行の結果を記録する。
func (c *Collector) RecordAuthAttempt(mode string, err error) {
	c.authAttempts.WithLabelValues(mode, result(err)).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordMirrorReplaced(int)                          {}
func (Nop) RecordStaleEventDropped()                          {}
func (Nop) SetActiveSubscriptions(int)                        {}
func (Nop) RecordStoreMutation(string, error, time.Duration) {}
func (Nop) RecordAuthAttempt(string, error)                   {}
func (Nop) RecordHTTPStatus(int)                              {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
