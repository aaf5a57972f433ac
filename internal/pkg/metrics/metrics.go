// Package metrics 定义管道各阶段的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// IngestMessagesTotal 按结果统计收到的消息（saved / skipped / duplicate / error）。
	IngestMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_ingest_messages_total",
		Help: "Messages handled by the ingester, by outcome.",
	}, []string{"outcome"})

	// MediaSkippedTotal 按原因统计未下载的媒体。
	MediaSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_media_skipped_total",
		Help: "Media not downloaded, by reason.",
	}, []string{"reason"})

	// StageRunsTotal 按阶段和状态统计单条处理次数。
	StageRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_stage_runs_total",
		Help: "Per-item stage executions, by stage and status.",
	}, []string{"stage", "status"})

	// StageDuration 单条处理耗时。
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketfeed_stage_duration_seconds",
		Help:    "Per-item stage execution time.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"stage"})

	// StagePending 最近一次扫描得到的待处理数量。
	StagePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketfeed_stage_pending",
		Help: "Items lacking a current output at the last scan.",
	}, []string{"stage"})

	// ChopQueueDepth 去抖队列中的条目数。
	ChopQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketfeed_chop_queue_depth",
		Help: "Posts waiting in the chop debounce queue.",
	})

	// ProviderCallsTotal 按模型和状态统计外部模型调用。
	ProviderCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_provider_calls_total",
		Help: "External model calls, by model and status.",
	}, []string{"model", "status"})

	// RetentionDeletedTotal 按实体类型统计保留清理删除数量。
	RetentionDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_retention_deleted_total",
		Help: "Files removed by retention, by kind.",
	}, []string{"kind"})

	// RateLimitWaitDuration 等待共享令牌桶的时间。
	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketfeed_rate_limit_wait_seconds",
		Help:    "Time spent waiting for a provider token.",
		Buckets: prometheus.DefBuckets,
	})

	// RateLimitTimeoutTotal 等待令牌超时次数。
	RateLimitTimeoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_rate_limit_timeout_total",
		Help: "Provider token waits that ended with a context error.",
	})

	// StageQueueDepth Redis 阶段队列长度。
	StageQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "marketfeed_stage_queue_depth",
		Help: "Items waiting in the Redis stage queue.",
	}, []string{"stage"})

	// StageQueueTotal 按阶段和动作（pushed / skipped / popped / rescued）统计队列操作。
	StageQueueTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_stage_queue_ops_total",
		Help: "Redis stage queue operations, by stage and action.",
	}, []string{"stage", "action"})

	// EventDLQTotal 进入死信流的事件数量。
	EventDLQTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_event_dlq_total",
		Help: "Published-lot events moved to the dead letter stream.",
	})

	// EventAutoClaimTotal 通过 XAUTOCLAIM 接管的事件数量。
	EventAutoClaimTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketfeed_event_autoclaim_total",
		Help: "Published-lot events reclaimed from idle consumers.",
	})

	// CatalogLotsTotal 按动作（created / updated / removed）统计目录同步。
	CatalogLotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_catalog_lots_total",
		Help: "Catalog mirror changes made by the publish stage, by action.",
	}, []string{"action"})

	// AlertsTotal 按结果统计订阅提醒。
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_alerts_total",
		Help: "Subscription alerts, by outcome.",
	}, []string{"status"})

	// HTTPRequestsTotal API 请求计数。
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketfeed_http_requests_total",
		Help: "Catalog API requests, by route and status.",
	}, []string{"route", "status"})

	// WorkerPoolSize 当前进程的 worker 数量。
	WorkerPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketfeed_worker_pool_size",
		Help: "Configured worker count.",
	})
)

// InitMetrics 设置启动时已知的指标值。
func InitMetrics(workers int) {
	WorkerPoolSize.Set(float64(workers))
}
