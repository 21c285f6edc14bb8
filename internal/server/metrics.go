package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the control plane's collectors on a private registry,
// so parallel server instances never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	SessionsOpened prometheus.Counter
	SessionsActive prometheus.Gauge
	ScriptsRun     *prometheus.CounterVec
	StepsExecuted  *prometheus.CounterVec
	WSConnections  prometheus.Gauge
	VisionCalls    prometheus.Counter
	TierSuccesses  *prometheus.CounterVec
}

// NewMetrics registers the control-plane collectors. backlog reports
// the artifact uploader's pending job count; nil reads as zero.
func NewMetrics(backlog func() int64) *Metrics {
	if backlog == nil {
		backlog = func() int64 { return 0 }
	}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		SessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browsernerd",
			Name:      "sessions_opened_total",
			Help:      "Sessions opened since process start.",
		}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "browsernerd",
			Name:      "sessions_active",
			Help:      "Currently live browser sessions.",
		}),
		ScriptsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browsernerd",
			Name:      "scripts_total",
			Help:      "Script runs by terminal status.",
		}, []string{"status"}),
		StepsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browsernerd",
			Name:      "steps_total",
			Help:      "Out-of-band steps by status.",
		}, []string{"status"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "browsernerd",
			Name:      "ws_connections",
			Help:      "Open WebSocket observer connections.",
		}),
		VisionCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "browsernerd",
			Name:      "vision_calls_total",
			Help:      "Paid vision escalation calls across all scripts.",
		}),
		TierSuccesses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "browsernerd",
			Name:      "escalation_tier_successes_total",
			Help:      "Escalations resolved, by the tier that won.",
		}, []string{"tier"}),
	}
	uploadBacklog := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "browsernerd",
		Name:      "upload_backlog",
		Help:      "Artifacts submitted but not yet settled.",
	}, func() float64 { return float64(backlog()) })

	reg.MustRegister(m.SessionsOpened, m.SessionsActive, m.ScriptsRun,
		m.StepsExecuted, m.WSConnections, m.VisionCalls, m.TierSuccesses,
		uploadBacklog)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
