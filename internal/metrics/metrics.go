package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vaultgate"

var (
	// RouteTotal 路由执行次数
	// Labels: route, outcome (ok, strategy_failed, rejected, snapshot_error)
	RouteTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ward",
		Name:      "route_total",
		Help:      "Total routed executions by route and outcome",
	}, []string{"route", "outcome"})

	// PolicyReasonTotal 策略升级原因计数
	PolicyReasonTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ward",
		Name:      "policy_reason_total",
		Help:      "Policy escalation reasons emitted by the policy engine",
	}, []string{"reason"})

	// FacilitatorResultTotal verify/settle 结果
	// Labels: op (verify, settle), status, reason_code
	FacilitatorResultTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "x402",
		Name:      "facilitator_result_total",
		Help:      "Facilitator outcomes by operation, status and reason code",
	}, []string{"op", "status", "reason_code"})

	// ChallengesIssued 签发的挑战数
	ChallengesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "x402",
		Name:      "challenges_issued_total",
		Help:      "Total payment challenges issued",
	})

	// SettlementCheckTotal 链上结算查询结果
	SettlementCheckTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "check_total",
		Help:      "Settlement hash checks by resulting state and reason code",
	}, []string{"state", "reason_code"})

	// SettlementCheckLatency 链上查询延迟
	SettlementCheckLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "settlement",
		Name:      "check_latency_seconds",
		Help:      "Latency of settlement receipt lookups in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	// ReconcileTotal 对账结果
	// Labels: phase (payments, runs), outcome
	ReconcileTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "records_total",
		Help:      "Records processed by the reconciliation worker by phase and outcome",
	}, []string{"phase", "outcome"})

	// ReconcileRunsSkipped 因上一轮未结束而跳过的对账
	ReconcileRunsSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "overlap_skipped_total",
		Help:      "Worker invocations skipped because a previous pass was still running",
	})

	// EventsPublished 事件发送结果
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events published by type and result",
	}, []string{"type", "result"})

	// HTTPRequests HTTP 请求计数
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"path", "code"})
)

// Handler 返回 /metrics 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}
