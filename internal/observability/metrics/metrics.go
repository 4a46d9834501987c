package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentplane"

// Metrics 汇集守护进程的全部指标采集器。
type Metrics struct {
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	policyDecisions *prometheus.CounterVec
	policyDuration  prometheus.Histogram

	sessionsActive prometheus.Gauge
	sessionLogins  *prometheus.CounterVec

	tasksDispatched prometheus.Counter
	taskRetries     prometheus.Counter
	tasksCompleted  *prometheus.CounterVec
	taskDuration    prometheus.Histogram

	workflowsSubmitted prometheus.Counter
	workflowsCompleted *prometheus.CounterVec

	approvalsResolved *prometheus.CounterVec
	alertsEmitted     *prometheus.CounterVec
}

// New 在给定的注册表上创建指标集。重复注册时复用已有采集器，
// 进程内多次初始化不会报错。
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{}
	m.httpRequests = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests processed.",
	}, []string{"handler", "method", "code"})).(*prometheus.CounterVec)
	m.httpDuration = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"handler", "method"})).(*prometheus.HistogramVec)
	m.policyDecisions = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_decisions_total",
		Help:      "Authorization decisions grouped by final effect.",
	}, []string{"effect"})).(*prometheus.CounterVec)
	m.policyDuration = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "policy_decision_duration_seconds",
		Help:      "Latency of a single policy evaluation.",
		Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
	})).(prometheus.Histogram)
	m.sessionsActive = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live agent sessions.",
	})).(prometheus.Gauge)
	m.sessionLogins = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "session_logins_total",
		Help:      "Agent login attempts grouped by result.",
	}, []string{"result"})).(*prometheus.CounterVec)
	m.tasksDispatched = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_dispatched_total",
		Help:      "Tasks handed to an executor.",
	})).(prometheus.Counter)
	m.taskRetries = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_retries_total",
		Help:      "Task attempts scheduled after a failure.",
	})).(prometheus.Counter)
	m.tasksCompleted = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_completed_total",
		Help:      "Tasks that reached a terminal state, grouped by status.",
	}, []string{"status"})).(*prometheus.CounterVec)
	m.taskDuration = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "task_execution_duration_seconds",
		Help:      "Wall time of a single task execution attempt.",
		Buckets:   prometheus.DefBuckets,
	})).(prometheus.Histogram)
	m.workflowsSubmitted = register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_submitted_total",
		Help:      "Workflows accepted by the orchestrator.",
	})).(prometheus.Counter)
	m.workflowsCompleted = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflows_completed_total",
		Help:      "Workflows that reached a terminal state, grouped by status.",
	}, []string{"status"})).(*prometheus.CounterVec)
	m.approvalsResolved = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approvals_resolved_total",
		Help:      "Escalation approvals resolved by operators, grouped by outcome.",
	}, []string{"status"})).(*prometheus.CounterVec)
	m.alertsEmitted = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_emitted_total",
		Help:      "Alert events pushed to notifiers, grouped by severity.",
	}, []string{"severity"})).(*prometheus.CounterVec)
	return m
}

func register(reg prometheus.Registerer, collector prometheus.Collector) prometheus.Collector {
	if err := reg.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return already.ExistingCollector
		}
		panic(err)
	}
	return collector
}

var (
	defaultMetrics *Metrics
	defaultOnce    sync.Once
)

// Default 返回注册在全局注册表上的指标集。
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// Handler 暴露 Prometheus 抓取端点。
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveHTTPRequest 记录一次 HTTP 请求的结果与耗时。
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObservePolicyDecision 记录一次授权判定。
func (m *Metrics) ObservePolicyDecision(effect string, duration time.Duration) {
	if m == nil {
		return
	}
	m.policyDecisions.WithLabelValues(effect).Inc()
	m.policyDuration.Observe(duration.Seconds())
}

// SessionOpened 增加活跃会话计数。
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

// SessionClosed 减少活跃会话计数。
func (m *Metrics) SessionClosed() {
	m.SessionsClosed(1)
}

// SessionsClosed 批量减少活跃会话计数。
func (m *Metrics) SessionsClosed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.sessionsActive.Sub(float64(n))
}

// ObserveLogin 记录一次登录尝试。
func (m *Metrics) ObserveLogin(result string) {
	if m == nil {
		return
	}
	m.sessionLogins.WithLabelValues(result).Inc()
}

// TaskDispatched 记录一次任务派发。
func (m *Metrics) TaskDispatched() {
	if m == nil {
		return
	}
	m.tasksDispatched.Inc()
}

// TaskRetried 记录一次失败后的重试排期。
func (m *Metrics) TaskRetried() {
	if m == nil {
		return
	}
	m.taskRetries.Inc()
}

// TaskCompleted 记录任务进入终态。
func (m *Metrics) TaskCompleted(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.tasksCompleted.WithLabelValues(status).Inc()
	if duration > 0 {
		m.taskDuration.Observe(duration.Seconds())
	}
}

// WorkflowSubmitted 记录一次工作流提交。
func (m *Metrics) WorkflowSubmitted() {
	if m == nil {
		return
	}
	m.workflowsSubmitted.Inc()
}

// WorkflowCompleted 记录工作流进入终态。
func (m *Metrics) WorkflowCompleted(status string) {
	if m == nil {
		return
	}
	m.workflowsCompleted.WithLabelValues(status).Inc()
}

// ApprovalResolved 记录一次审批处理结果。
func (m *Metrics) ApprovalResolved(status string) {
	if m == nil {
		return
	}
	m.approvalsResolved.WithLabelValues(status).Inc()
}

// AlertEmitted 记录一次告警分发。
func (m *Metrics) AlertEmitted(severity string) {
	if m == nil {
		return
	}
	m.alertsEmitted.WithLabelValues(severity).Inc()
}
