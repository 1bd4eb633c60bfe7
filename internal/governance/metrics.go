package governance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: решения по стадиям (policy, rate_limit, budget, approval, allowed)
	Decisions *prometheus.CounterVec

	// Latency: сколько заняла каждая проверка
	CheckDuration *prometheus.HistogramVec

	// Cost: фактические траты по агентам
	BudgetSpend *prometheus.CounterVec

	// HITL: сколько запросов ждут решения
	ApprovalsPending prometheus.Gauge

	// Notify: исходы доставки по каналам
	Notifications *prometheus.CounterVec

	// Saturation: заполненность очередей (backpressure)
	NotifyQueueFill prometheus.Gauge
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		Decisions: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "governance_decisions_total",
			Help: "Total number of governance decisions by stage and outcome.",
		}, []string{"stage", "outcome"}), // outcome: allowed, denied, degraded, pending

		CheckDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "governance_check_duration_seconds",
			Help:    "Histogram of governance check latencies.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"stage"}),

		BudgetSpend: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "governance_budget_spend_usd_total",
			Help: "Actual spend recorded per external agent, USD.",
		}, []string{"agent_id"}),

		ApprovalsPending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "governance_approvals_pending",
			Help: "Approval requests created and not yet decided by this instance.",
		}),

		Notifications: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "governance_notifications_total",
			Help: "Notification deliveries by channel and outcome.",
		}, []string{"channel", "outcome"}),

		NotifyQueueFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "governance_notify_queue_utilization",
			Help: "Fraction of the notification queue in use.",
		}),

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "governance_audit_buffer_utilization",
			Help: "Fraction of the audit buffer in use.",
		}),
	}
}

// ObserveNotification подходит как notify.DeliveryObserver (через адаптер в cmd)
func (m *Metrics) ObserveNotification(channel string, ok bool) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.Notifications.WithLabelValues(channel, outcome).Inc()
}
