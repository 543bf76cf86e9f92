package syncengine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's prometheus collectors. A nil *Metrics is valid
// and records nothing, so components can be built without a registry.
type Metrics struct {
	syncAttempts      *prometheus.CounterVec
	syncDuration      *prometheus.HistogramVec
	webhooks          *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	intentQueueDepth  prometheus.Gauge
	targetHealthy     *prometheus.GaugeVec
	credentialRefresh *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		syncAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubsync",
			Name:      "sync_attempts_total",
			Help:      "Adapter calls by target, action and outcome.",
		}, []string{"target", "action", "outcome"}),
		syncDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clubsync",
			Name:      "sync_attempt_duration_seconds",
			Help:      "Latency of adapter calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubsync",
			Name:      "webhook_total",
			Help:      "Inbound webhooks by provider and result.",
		}, []string{"provider", "result"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubsync",
			Name:      "notifications_total",
			Help:      "Notification delivery attempts by kind and outcome.",
		}, []string{"kind", "outcome"}),
		intentQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "clubsync",
			Name:      "intent_queue_depth",
			Help:      "Sync intents waiting for a worker.",
		}),
		targetHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "clubsync",
			Name:      "target_healthy",
			Help:      "1 when the last health check of a target passed.",
		}, []string{"target"}),
		credentialRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clubsync",
			Name:      "credential_refresh_total",
			Help:      "Credential refreshes by target and outcome.",
		}, []string{"target", "outcome"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.syncAttempts,
			m.syncDuration,
			m.webhooks,
			m.notifications,
			m.intentQueueDepth,
			m.targetHealthy,
			m.credentialRefresh,
		)
	}
	return m
}

func (m *Metrics) observeSync(target SyncTarget, action LogAction, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.syncAttempts.WithLabelValues(string(target), string(action), outcome).Inc()
	m.syncDuration.WithLabelValues(string(target)).Observe(elapsed.Seconds())
}

func (m *Metrics) observeWebhook(provider string, result WebhookStatus) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, string(result)).Inc()
}

func (m *Metrics) observeNotification(kind NotificationKind, outcome string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) setQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.intentQueueDepth.Set(float64(depth))
}

func (m *Metrics) setTargetHealth(target SyncTarget, healthy bool) {
	if m == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1
	}
	m.targetHealthy.WithLabelValues(string(target)).Set(value)
}

func (m *Metrics) observeCredentialRefresh(target SyncTarget, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.credentialRefresh.WithLabelValues(string(target), outcome).Inc()
}
