// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー・サービス層・ワーカーから利用する。
type MetricsCollector interface {
	RecordHTTPRequest(method, route string, statusCode int, duration time.Duration)
	CheckoutStatusChanged(status string)
	OrderCreated(total float64)
	PaymentProviderFailed(operation string)
	TokenIssued(kind string)
	TokenRejected(reason string)
	RecordCleanup(expiredCheckouts int, deactivatedCoupons int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	httpRequests       *prometheus.CounterVec
	httpLatency        *prometheus.HistogramVec
	checkoutStatus     *prometheus.CounterVec
	ordersCreated      prometheus.Counter
	orderAmount        prometheus.Histogram
	providerFailures   *prometheus.CounterVec
	tokensIssued       *prometheus.CounterVec
	tokensRejected     *prometheus.CounterVec
	expiredCheckouts   prometheus.Counter
	deactivatedCoupons prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_http_requests_total",
			Help: "ルート・ステータスコード別のHTTPリクエスト数",
		}, []string{"method", "route", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		checkoutStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_checkout_transitions_total",
			Help: "遷移先の状態別のチェックアウト状態遷移数",
		}, []string{"status"}),
		ordersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_orders_created_total",
			Help: "作成された注文の合計数",
		}),
		orderAmount: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storefront_order_amount",
			Help:    "注文金額の分布",
			Buckets: []float64{10, 25, 50, 100, 200, 500, 1000, 5000},
		}),
		providerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_payment_provider_failures_total",
			Help: "操作別の決済事業者API呼び出し失敗数",
		}, []string{"operation"}),
		tokensIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_tokens_issued_total",
			Help: "発行種別ごとのトークン発行数",
		}, []string{"kind"}),
		tokensRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_tokens_rejected_total",
			Help: "理由別のトークン拒否数",
		}, []string{"reason"}),
		expiredCheckouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_checkouts_expired_total",
			Help: "クリーンアップで期限切れにしたチェックアウトの合計数",
		}),
		deactivatedCoupons: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_coupons_deactivated_total",
			Help: "クリーンアップで無効化したクーポンの合計数",
		}),
	}

	reg.MustRegister(
		c.httpRequests,
		c.httpLatency,
		c.checkoutStatus,
		c.ordersCreated,
		c.orderAmount,
		c.providerFailures,
		c.tokensIssued,
		c.tokensRejected,
		c.expiredCheckouts,
		c.deactivatedCoupons,
	)

	return c
}

// RecordHTTPRequest はHTTPリクエストの結果と処理時間を記録する。
func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.httpLatency.WithLabelValues(route).Observe(duration.Seconds())
}

// CheckoutStatusChanged はチェックアウトの状態遷移を記録する。
func (c *Collector) CheckoutStatusChanged(status string) {
	c.checkoutStatus.WithLabelValues(status).Inc()
}

// OrderCreated は注文作成と金額を記録する。
func (c *Collector) OrderCreated(total float64) {
	c.ordersCreated.Inc()
	c.orderAmount.Observe(total)
}

// PaymentProviderFailed は決済事業者API呼び出しの失敗を記録する。
func (c *Collector) PaymentProviderFailed(operation string) {
	c.providerFailures.WithLabelValues(operation).Inc()
}

// TokenIssued はトークン発行を記録する。
func (c *Collector) TokenIssued(kind string) {
	c.tokensIssued.WithLabelValues(kind).Inc()
}

// TokenRejected はトークン拒否を記録する。
func (c *Collector) TokenRejected(reason string) {
	c.tokensRejected.WithLabelValues(reason).Inc()
}

// RecordCleanup はクリーンアップジョブの処理件数を記録する。
func (c *Collector) RecordCleanup(expiredCheckouts int, deactivatedCoupons int64) {
	c.expiredCheckouts.Add(float64(expiredCheckouts))
	c.deactivatedCoupons.Add(float64(deactivatedCoupons))
}

// statusWriter はステータスコードを記録するResponseWriter。
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Middleware はHTTPリクエストをchiのルートパターン単位で記録するミドルウェア。
// パスパラメータでラベルが増えないよう、URLではなくパターンを使う。
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		c.RecordHTTPRequest(r.Method, route, sw.status, time.Since(start))
	})
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
