package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grantflow_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grantflow_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// APIRequestSize API 请求体大小（字节）
	APIRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grantflow_api_request_size_bytes",
			Help:    "API 请求体大小分布",
			Buckets: prometheus.ExponentialBuckets(128, 4, 8),
		},
		[]string{"method", "path"},
	)

	// APIResponseSize API 响应体大小（字节）
	APIResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grantflow_api_response_size_bytes",
			Help:    "API 响应体大小分布",
			Buckets: prometheus.ExponentialBuckets(128, 4, 8),
		},
		[]string{"method", "path"},
	)
)

// 审批引擎指标
var (
	// ApprovalPendingGauge 各实体类型的待审批请求数
	ApprovalPendingGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "grantflow_approval_pending_requests",
			Help: "待审批请求数量",
		},
		[]string{"entity_type"},
	)

	// ApprovalDecisionsTotal 审批决策总数
	ApprovalDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grantflow_approval_decisions_total",
			Help: "审批决策总数",
		},
		[]string{"entity_type", "action"},
	)

	// ApprovalEscalationsTotal 超时升级触发总数
	ApprovalEscalationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "grantflow_approval_escalations_total",
			Help: "超时升级触发总数",
		},
		[]string{"entity_type"},
	)

	// ApprovalCycleHours 请求从提交到终态的周期（小时）
	ApprovalCycleHours = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "grantflow_approval_cycle_hours",
			Help:    "审批请求完成周期分布",
			Buckets: []float64{1, 4, 8, 24, 48, 72, 168, 336},
		},
		[]string{"entity_type", "status"},
	)

	// EscalationSweepDuration 升级扫描耗时（秒）
	EscalationSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "grantflow_escalation_sweep_duration_seconds",
			Help:    "升级扫描批次耗时分布",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)
)
