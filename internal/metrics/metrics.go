// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SyncMetricsCollector はメトリクス収集のインターフェース。
// フィードオーケストレータ、ミューテーション、メッセージング同期から利用する。
type SyncMetricsCollector interface {
	RecordPageFetchSuccess(source string)
	RecordPageFetchFailure(source string, code string)
	RecordPageFetchLatency(source string, duration time.Duration)
	RecordFallbackUsed(source string)
	RecordMutationRollback(kind string)
	RecordReconnectAttempt()
	RecordDuplicateMessageDropped()
	RecordDebounceSuppressed()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	pageFetchSuccess *prometheus.CounterVec
	pageFetchFail    *prometheus.CounterVec
	pageFetchLatency *prometheus.HistogramVec
	fallbackUsed     *prometheus.CounterVec
	mutationRollback *prometheus.CounterVec
	reconnectAttempt prometheus.Counter
	duplicateDropped prometheus.Counter
	debounceDropped  prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		pageFetchSuccess: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mogusync_page_fetch_success_total",
			Help: "フィードページ取得成功の合計数",
		}, []string{"source"}),
		pageFetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mogusync_page_fetch_fail_total",
			Help: "フィードページ取得失敗の合計数（エラーコード別）",
		}, []string{"source", "code"}),
		pageFetchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mogusync_page_fetch_latency_seconds",
			Help:    "フィードページ取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		fallbackUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mogusync_feed_fallback_total",
			Help: "パーソナライズフィードのフォールバック発動回数",
		}, []string{"source"}),
		mutationRollback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mogusync_mutation_rollback_total",
			Help: "楽観的ミューテーションのロールバック回数（種別別）",
		}, []string{"kind"}),
		reconnectAttempt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mogusync_reconnect_attempt_total",
			Help: "メッセージング接続の再接続試行回数",
		}),
		duplicateDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mogusync_duplicate_message_dropped_total",
			Help: "重複配送により破棄した受信メッセージ数",
		}),
		debounceDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mogusync_debounce_suppressed_total",
			Help: "デバウンスにより抑制したスクロールトリガー数",
		}),
	}

	reg.MustRegister(
		c.pageFetchSuccess,
		c.pageFetchFail,
		c.pageFetchLatency,
		c.fallbackUsed,
		c.mutationRollback,
		c.reconnectAttempt,
		c.duplicateDropped,
		c.debounceDropped,
	)

	return c
}

// RecordPageFetchSuccess はページ取得成功を記録する。
func (c *Collector) RecordPageFetchSuccess(source string) {
	c.pageFetchSuccess.WithLabelValues(source).Inc()
}

// RecordPageFetchFailure はページ取得失敗をエラーコード付きで記録する。
func (c *Collector) RecordPageFetchFailure(source string, code string) {
	c.pageFetchFail.WithLabelValues(source, code).Inc()
}

// RecordPageFetchLatency はページ取得のレイテンシを記録する。
func (c *Collector) RecordPageFetchLatency(source string, duration time.Duration) {
	c.pageFetchLatency.WithLabelValues(source).Observe(duration.Seconds())
}

// RecordFallbackUsed はフォールバック発動を記録する。
func (c *Collector) RecordFallbackUsed(source string) {
	c.fallbackUsed.WithLabelValues(source).Inc()
}

// RecordMutationRollback はミューテーションのロールバックを記録する。
func (c *Collector) RecordMutationRollback(kind string) {
	c.mutationRollback.WithLabelValues(kind).Inc()
}

// RecordReconnectAttempt は再接続試行を記録する。
func (c *Collector) RecordReconnectAttempt() {
	c.reconnectAttempt.Inc()
}

// RecordDuplicateMessageDropped は重複メッセージの破棄を記録する。
func (c *Collector) RecordDuplicateMessageDropped() {
	c.duplicateDropped.Inc()
}

// RecordDebounceSuppressed はデバウンスによるトリガー抑制を記録する。
func (c *Collector) RecordDebounceSuppressed() {
	c.debounceDropped.Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Noop は何も記録しないSyncMetricsCollector実装。テスト用。
type Noop struct{}

// RecordPageFetchSuccess は何もしない。
func (Noop) RecordPageFetchSuccess(source string) {}

// RecordPageFetchFailure は何もしない。
func (Noop) RecordPageFetchFailure(source string, code string) {}

// RecordPageFetchLatency は何もしない。
func (Noop) RecordPageFetchLatency(source string, duration time.Duration) {}

// RecordFallbackUsed は何もしない。
func (Noop) RecordFallbackUsed(source string) {}

// RecordMutationRollback は何もしない。
func (Noop) RecordMutationRollback(kind string) {}

// RecordReconnectAttempt は何もしない。
func (Noop) RecordReconnectAttempt() {}

// RecordDuplicateMessageDropped は何もしない。
func (Noop) RecordDuplicateMessageDropped() {}

// RecordDebounceSuppressed は何もしない。
func (Noop) RecordDebounceSuppressed() {}
