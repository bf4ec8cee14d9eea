// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// エンジンやワーカーから利用する。
type MetricsCollector interface {
	RecordIncomingReceived()
	RecordIncomingAccepted()
	RecordIncomingRejected(reason string)
	RecordOutgoingSent()
	RecordOutgoingRetracted()
	RecordOutgoingUnsupported()
	RecordOutgoingFailed()
	RecordCallbackFailure(event string)
	RecordDiscovery(result string)
	RecordProcessingDuration(direction string, duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	incomingReceived    prometheus.Counter
	incomingAccepted    prometheus.Counter
	incomingRejected    *prometheus.CounterVec
	outgoingSent        prometheus.Counter
	outgoingRetracted   prometheus.Counter
	outgoingUnsupported prometheus.Counter
	outgoingFailed      prometheus.Counter
	callbackFailure     *prometheus.CounterVec
	discoveryResult     *prometheus.CounterVec
	processingDuration  *prometheus.HistogramVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		incomingReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentiond_incoming_received_total",
			Help: "受信したWebmention通知の合計数",
		}),
		incomingAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentiond_incoming_accepted_total",
			Help: "検証を通過して記録されたWebmentionの合計数",
		}),
		incomingRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentiond_incoming_rejected_total",
			Help: "拒否された受信Webmentionの理由別合計数",
		}, []string{"reason"}),
		outgoingSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentiond_outgoing_sent_total",
			Help: "送信に成功したWebmentionの合計数",
		}),
		outgoingRetracted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentiond_outgoing_retracted_total",
			Help: "撤回したWebmentionの合計数",
		}),
		outgoingUnsupported: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentiond_outgoing_unsupported_total",
			Help: "エンドポイント未対応でスキップしたターゲットの合計数",
		}),
		outgoingFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mentiond_outgoing_failed_total",
			Help: "一時的な失敗で送信できなかったターゲットの合計数",
		}),
		callbackFailure: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentiond_callback_failure_total",
			Help: "コールバック失敗のイベント種別合計数",
		}, []string{"event"}),
		discoveryResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mentiond_discovery_result_total",
			Help: "エンドポイント探索の結果別合計数",
		}, []string{"result"}),
		processingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mentiond_processing_duration_seconds",
			Help:    "Webmention処理のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"direction"}),
	}

	reg.MustRegister(
		c.incomingReceived,
		c.incomingAccepted,
		c.incomingRejected,
		c.outgoingSent,
		c.outgoingRetracted,
		c.outgoingUnsupported,
		c.outgoingFailed,
		c.callbackFailure,
		c.discoveryResult,
		c.processingDuration,
	)

	return c
}

// RecordIncomingReceived は受信通知を記録する。
func (c *Collector) RecordIncomingReceived() {
	c.incomingReceived.Inc()
}

// RecordIncomingAccepted は受信の受理を記録する。
func (c *Collector) RecordIncomingAccepted() {
	c.incomingAccepted.Inc()
}

// RecordIncomingRejected は受信の拒否を理由付きで記録する。
func (c *Collector) RecordIncomingRejected(reason string) {
	c.incomingRejected.WithLabelValues(reason).Inc()
}

// RecordOutgoingSent は送信成功を記録する。
func (c *Collector) RecordOutgoingSent() {
	c.outgoingSent.Inc()
}

// RecordOutgoingRetracted は撤回を記録する。
func (c *Collector) RecordOutgoingRetracted() {
	c.outgoingRetracted.Inc()
}

// RecordOutgoingUnsupported は未対応ターゲットのスキップを記録する。
func (c *Collector) RecordOutgoingUnsupported() {
	c.outgoingUnsupported.Inc()
}

// RecordOutgoingFailed は送信の一時的失敗を記録する。
func (c *Collector) RecordOutgoingFailed() {
	c.outgoingFailed.Inc()
}

// RecordCallbackFailure はコールバック失敗をイベント種別付きで記録する。
func (c *Collector) RecordCallbackFailure(event string) {
	c.callbackFailure.WithLabelValues(event).Inc()
}

// RecordDiscovery はエンドポイント探索の結果を記録する。
// resultは supported / unsupported / error のいずれか。
func (c *Collector) RecordDiscovery(result string) {
	c.discoveryResult.WithLabelValues(result).Inc()
}

// RecordProcessingDuration はWebmention処理のレイテンシを方向別に記録する。
func (c *Collector) RecordProcessingDuration(direction string, duration time.Duration) {
	c.processingDuration.WithLabelValues(direction).Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
