// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// コールバック処理から利用する。
type MetricsCollector interface {
	RecordCallback(flow, result string)
	RecordStateValidation(result string)
	RecordExchangeFailure()
	RecordExchangeLatency(duration time.Duration)
	RecordAccountCreated()
	RecordAccountLinked()
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	callbacks        *prometheus.CounterVec
	stateValidations *prometheus.CounterVec
	exchangeFail     prometheus.Counter
	exchangeLatency  prometheus.Histogram
	accountsCreated  prometheus.Counter
	accountsLinked   prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accountlink_oauth_callbacks_total",
			Help: "フロー・結果別のOAuthコールバック処理数",
		}, []string{"flow", "result"}),
		stateValidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "accountlink_state_validations_total",
			Help: "結果別のstate検証数",
		}, []string{"result"}),
		exchangeFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accountlink_oauth_exchange_failures_total",
			Help: "認可コード交換失敗の合計数",
		}),
		exchangeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "accountlink_exchange_latency_seconds",
			Help:    "認可コード交換のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		accountsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accountlink_accounts_created_total",
			Help: "Googleログインで作成されたアカウントの合計数",
		}),
		accountsLinked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "accountlink_accounts_linked_total",
			Help: "既存アカウントへのGoogle連携の合計数",
		}),
	}

	reg.MustRegister(
		c.callbacks,
		c.stateValidations,
		c.exchangeFail,
		c.exchangeLatency,
		c.accountsCreated,
		c.accountsLinked,
	)

	return c
}

// RecordCallback はコールバックの結果（success, failed, duplicate）を記録する。
func (c *Collector) RecordCallback(flow, result string) {
	c.callbacks.WithLabelValues(flow, result).Inc()
}

// RecordStateValidation はstate検証の結果を記録する。
func (c *Collector) RecordStateValidation(result string) {
	c.stateValidations.WithLabelValues(result).Inc()
}

// RecordExchangeFailure は認可コード交換の失敗を記録する。
func (c *Collector) RecordExchangeFailure() {
	c.exchangeFail.Inc()
}

// RecordExchangeLatency は認可コード交換のレイテンシを記録する。
func (c *Collector) RecordExchangeLatency(duration time.Duration) {
	c.exchangeLatency.Observe(duration.Seconds())
}

// RecordAccountCreated はアカウント作成を記録する。
func (c *Collector) RecordAccountCreated() {
	c.accountsCreated.Inc()
}

// RecordAccountLinked はアカウント連携を記録する。
func (c *Collector) RecordAccountLinked() {
	c.accountsLinked.Inc()
}

// Nop は何も記録しないMetricsCollector。
type Nop struct{}

func (Nop) RecordCallback(string, string)       {}
func (Nop) RecordStateValidation(string)        {}
func (Nop) RecordExchangeFailure()              {}
func (Nop) RecordExchangeLatency(time.Duration) {}
func (Nop) RecordAccountCreated()               {}
func (Nop) RecordAccountLinked()                {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface checks
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
