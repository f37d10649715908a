package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 模型查询结果分类。
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

var (
	registry = prometheus.NewRegistry()

	modelQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "council",
		Name:      "model_queries_total",
		Help:      "Total number of chat-completion queries sent to council models.",
	}, []string{"model", "outcome"})

	modelLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "council",
		Name:      "model_query_duration_seconds",
		Help:      "Chat-completion query duration in seconds.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"model"})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "council",
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "council",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 120},
	}, []string{"handler", "method"})
)

func init() {
	registry.MustRegister(modelQueries, modelLatency, httpRequests, httpLatency)
}

// ObserveModelQuery 记录一次模型查询。
func ObserveModelQuery(model, outcome string, duration time.Duration) {
	modelQueries.WithLabelValues(model, outcome).Inc()
	modelLatency.WithLabelValues(model).Observe(duration.Seconds())
}

// ObserveHTTPRequest 记录一次 HTTP 请求。
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler 以 Prometheus 文本格式暴露指标。
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
