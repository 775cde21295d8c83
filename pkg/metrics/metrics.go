package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 任务处理计数（status: completed, retried, failed, exhausted, invalid, continued, released, lease_lost）
	JobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_jobs_processed_total",
			Help: "Total number of mail jobs processed by outcome",
		},
		[]string{"job_type", "status"},
	)

	// 任务执行耗时（秒）
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mail_job_duration_seconds",
			Help:    "Mail job execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
		},
		[]string{"job_type"},
	)

	// 队列深度（pending 数量）
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mail_queue_pending_jobs",
			Help: "Number of pending jobs per job type",
		},
		[]string{"job_type"},
	)

	// 租约过期被回收的任务
	LeaseExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_job_lease_expired_total",
			Help: "Reserved jobs returned by the lease sweep",
		},
		[]string{"outcome"}, // released, failed
	)

	// 外发邮件计数（status: sent, failed, deferred）
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_sends_total",
			Help: "Outbound sends by outcome",
		},
		[]string{"status", "classification"},
	)

	// 投递守卫拒绝计数
	GuardRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_guard_rejections_total",
			Help: "Recipients rejected by the delivery guard",
		},
		[]string{"rule"},
	)

	// 限流计数
	Throttled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_rate_limit_throttled_total",
			Help: "Admission requests that were granted fewer sends than requested",
		},
		[]string{"account_id"},
	)

	// 同步的邮件（result: created, updated, skipped, malformed）
	SyncMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_sync_messages_total",
			Help: "Messages handled by mailbox synchronization",
		},
		[]string{"result"},
	)

	// 慢查询计数
	SlowQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Database queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

// RecordJob 记录一次任务执行结果
func RecordJob(jobType, status string, duration time.Duration) {
	JobsProcessed.WithLabelValues(jobType, status).Inc()
	if duration > 0 {
		JobDuration.WithLabelValues(jobType).Observe(duration.Seconds())
	}
}

// SetQueueDepth 更新队列深度
func SetQueueDepth(jobType string, depth int) {
	QueueDepth.WithLabelValues(jobType).Set(float64(depth))
}

// IncrementLeaseExpired 记录租约回收
func IncrementLeaseExpired(outcome string, n int) {
	LeaseExpired.WithLabelValues(outcome).Add(float64(n))
}

// IncrementSend 记录外发结果
func IncrementSend(status, classification string) {
	SendsTotal.WithLabelValues(status, classification).Inc()
}

// IncrementGuardRejection 记录守卫拒绝
func IncrementGuardRejection(rule string) {
	GuardRejections.WithLabelValues(rule).Inc()
}

// IncrementThrottled 记录限流
func IncrementThrottled(accountID string) {
	Throttled.WithLabelValues(accountID).Inc()
}

// IncrementSyncMessage 记录同步结果
func IncrementSyncMessage(result string) {
	SyncMessages.WithLabelValues(result).Inc()
}

// IncrementSlowQuery 记录慢查询，按 SQL 首个关键字聚合避免标签爆炸
func IncrementSlowQuery(sql string, duration time.Duration) {
	op := sqlOperation(sql)
	SlowQueries.WithLabelValues(op).Inc()
	DBQueryDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

func sqlOperation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return "unknown"
	}
	op := strings.ToLower(fields[0])
	switch op {
	case "select", "insert", "update", "delete", "with":
		return op
	default:
		return "other"
	}
}
