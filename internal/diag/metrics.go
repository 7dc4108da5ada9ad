package diag

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 指标（私有注册表，不污染全局默认注册表）：
// - ragstream_op_total{comp,stage,result}
// - ragstream_error_total{comp,code}
// - ragstream_op_duration_ms{comp,stage}
// - ragstream_header_latency_ms{mode}
var (
	registry = prometheus.NewRegistry()

	opTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragstream_op_total",
		Help: "Operations by component, stage and result.",
	}, []string{"comp", "stage", "result"})

	errorTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ragstream_error_total",
		Help: "Classified errors by component.",
	}, []string{"comp", "code"})

	opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragstream_op_duration_ms",
		Help:    "Stage duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	}, []string{"comp", "stage"})

	headerLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ragstream_header_latency_ms",
		Help:    "Time from request start to context header ready, in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"mode"})
)

func init() {
	registry.MustRegister(opTotal, errorTotal, opDuration, headerLatency)
}

// IncOp 累加操作计数（result=success|error|cancel）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errorTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// ObserveHeaderLatency 记录头部就绪耗时。
func ObserveHeaderLatency(mode string, d time.Duration) {
	headerLatency.WithLabelValues(mode).Observe(float64(d) / float64(time.Millisecond))
}

// Registry 返回本进程的指标注册表。
func Registry() *prometheus.Registry { return registry }

// MetricsHandler 返回 /metrics 处理器。
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
