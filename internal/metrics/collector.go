// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/livehead/pipeline"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器，同时实现 pipeline.Observer
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 会话指标
	sessionsActive       prometheus.Gauge
	sessionStarts        *prometheus.CounterVec
	sessionTerminations  *prometheus.CounterVec
	historyLookups       *prometheus.CounterVec
	liveChannelsActive   prometheus.Gauge
	audioSamplesReceived prometheus.Counter

	// 流水线指标
	stageLatency      *prometheus.HistogramVec
	stageItemFailures *prometheus.CounterVec
	stageOverBudget   *prometheus.CounterVec
	queueDrops        *prometheus.CounterVec
	framesDelivered   prometheus.Counter
	endToEndLatency   prometheus.Histogram

	logger *zap.Logger
}

var _ pipeline.Observer = (*Collector)(nil)

// 推理阶段耗时多在毫秒级
var stageBuckets = []float64{0.001, 0.0025, 0.005, 0.01, 0.02, 0.04, 0.08, 0.16, 0.32, 0.64, 1.28}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 会话指标
	c.sessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of registered streaming sessions",
		},
	)

	c.sessionStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_starts_total",
			Help:      "Total number of session start attempts",
		},
		[]string{"result"},
	)

	c.sessionTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_terminations_total",
			Help:      "Total number of sessions that reached a terminal state",
		},
		[]string{"state", "reason"},
	)

	c.historyLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_lookups_total",
			Help:      "Total number of terminal summary lookups",
		},
		[]string{"backend", "result"},
	)

	c.liveChannelsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_channels_active",
			Help:      "Number of open live channel connections",
		},
	)

	c.audioSamplesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_samples_received_total",
			Help:      "Total number of audio samples received over the live channel",
		},
	)

	// 流水线指标
	c.stageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_latency_seconds",
			Help:      "Inference stage call latency in seconds",
			Buckets:   stageBuckets,
		},
		[]string{"stage"},
	)

	c.stageItemFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_item_failures_total",
			Help:      "Total number of skipped items per stage",
		},
		[]string{"stage"},
	)

	c.stageOverBudget = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_over_budget_total",
			Help:      "Total number of stage calls exceeding the latency budget",
		},
		[]string{"stage"},
	)

	c.queueDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drops_total",
			Help:      "Total number of items dropped by bounded queues",
		},
		[]string{"queue", "policy"},
	)

	c.framesDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_delivered_total",
			Help:      "Total number of frames handed to egress",
		},
	)

	c.endToEndLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "end_to_end_latency_seconds",
			Help:      "Latency from audio capture to frame delivery in seconds",
			Buckets:   []float64{0.02, 0.05, 0.1, 0.2, 0.3, 0.5, 0.75, 1, 2, 5},
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🎬 会话指标记录
// =============================================================================

// SetSessionsActive 设置当前会话数
func (c *Collector) SetSessionsActive(n int) {
	c.sessionsActive.Set(float64(n))
}

// RecordSessionStart 记录会话启动结果（ok 或错误码）
func (c *Collector) RecordSessionStart(result string) {
	c.sessionStarts.WithLabelValues(result).Inc()
}

// RecordSessionTermination 记录会话终态
func (c *Collector) RecordSessionTermination(state, reason string) {
	c.sessionTerminations.WithLabelValues(state, reason).Inc()
}

// RecordHistoryLookup 记录历史摘要查询
func (c *Collector) RecordHistoryLookup(backend string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	c.historyLookups.WithLabelValues(backend, result).Inc()
}

// LiveChannelOpened 实时通道连接建立
func (c *Collector) LiveChannelOpened() { c.liveChannelsActive.Inc() }

// LiveChannelClosed 实时通道连接关闭
func (c *Collector) LiveChannelClosed() { c.liveChannelsActive.Dec() }

// RecordAudioSamples 记录实时通道收到的采样数
func (c *Collector) RecordAudioSamples(n int) {
	c.audioSamplesReceived.Add(float64(n))
}

// =============================================================================
// 🎞️ 流水线指标记录（pipeline.Observer）
// =============================================================================

// ObserveStage 记录阶段调用耗时
func (c *Collector) ObserveStage(stage string, latency time.Duration, overBudget bool) {
	c.stageLatency.WithLabelValues(stage).Observe(latency.Seconds())
	if overBudget {
		c.stageOverBudget.WithLabelValues(stage).Inc()
	}
}

// ObserveItemFailure 记录单条失败
func (c *Collector) ObserveItemFailure(stage string) {
	c.stageItemFailures.WithLabelValues(stage).Inc()
}

// ObserveDrop 记录队列丢弃
func (c *Collector) ObserveDrop(queue string, policy pipeline.DropPolicy) {
	c.queueDrops.WithLabelValues(queue, string(policy)).Inc()
}

// ObserveDelivered 记录交付帧与端到端延迟
func (c *Collector) ObserveDelivered(endToEnd time.Duration) {
	c.framesDelivered.Inc()
	if endToEnd > 0 {
		c.endToEndLatency.Observe(endToEnd.Seconds())
	}
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
