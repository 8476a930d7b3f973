package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 写入路径指标
var (
	// RecordsTotal 审计记录写入总数
	RecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_records_total",
			Help: "审计记录写入总数",
		},
		[]string{"tenant_id", "action"},
	)

	// RecordingFailuresTotal 审计写入失败总数
	RecordingFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_recording_failures_total",
			Help: "审计写入失败总数（业务操作不受影响）",
		},
		[]string{"reason"},
	)

	// RecordWriteDuration 审计记录写入耗时（含链尾竞争重试）
	RecordWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "audit_record_write_duration_seconds",
			Help:    "审计记录写入耗时分布",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
	)

	// ChainTailRetriesTotal 链尾 CAS 重试总数
	ChainTailRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_chain_tail_retries_total",
			Help: "链尾 CAS 失败后的重试总数",
		},
	)
)

// 批处理指标
var (
	// ChainViolationsTotal 检出的哈希链完整性破坏总数
	ChainViolationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_chain_violations_total",
			Help: "检出的哈希链完整性破坏总数",
		},
		[]string{"stage"}, // seal, verify
	)

	// RecordsSealedTotal 封存记录总数
	RecordsSealedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_sealed_total",
			Help: "封存记录总数",
		},
	)

	// RecordsArchivedTotal 归档记录总数
	RecordsArchivedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_archived_total",
			Help: "导出归档的记录总数",
		},
	)

	// RecordsDeletedTotal 物理删除记录总数
	RecordsDeletedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_records_deleted_total",
			Help: "保留期满后物理删除的记录总数",
		},
	)
)

// 登录事件指标
var (
	// LoginEventsTotal 登录事件总数
	LoginEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "audit_login_events_total",
			Help: "登录事件总数",
		},
		[]string{"outcome"},
	)

	// SuspiciousLoginsTotal 标记为可疑的登录事件总数
	SuspiciousLoginsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "audit_suspicious_logins_total",
			Help: "异常检测扫描标记为可疑的登录事件总数",
		},
	)
)
