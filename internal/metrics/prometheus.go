package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors holds the Prometheus instruments for the engine. A nil
// *Collectors is valid and records nothing.
type Collectors struct {
	registry *prometheus.Registry

	EventsIngested      *prometheus.CounterVec
	ThreatsDetected     *prometheus.CounterVec
	IncidentTransitions *prometheus.CounterVec
	StepDuration        *prometheus.HistogramVec
	ResponseActions     *prometheus.CounterVec
	SecurityScore       prometheus.Gauge
	MTTDMinutes         prometheus.Gauge
	MTTRMinutes         prometheus.Gauge
	ActiveThreats       prometheus.Gauge
	OpenIncidents       prometheus.Gauge
}

// NewCollectors registers all instruments on a fresh registry
func NewCollectors() *Collectors {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Collectors{
		registry: reg,
		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "secops_events_ingested_total",
			Help: "Total number of security events ingested",
		}, []string{"severity"}),
		ThreatsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "secops_threats_detected_total",
			Help: "Total number of threat detections created",
		}, []string{"threat_type"}),
		IncidentTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "secops_incident_transitions_total",
			Help: "Incident state transitions by resulting status",
		}, []string{"status"}),
		StepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "secops_step_duration_seconds",
			Help:    "Duration of automated playbook steps",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"action", "outcome"}),
		ResponseActions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "secops_response_actions_total",
			Help: "Response action invocations by action and result",
		}, []string{"action", "result"}),
		SecurityScore: f.NewGauge(prometheus.GaugeOpts{
			Name: "secops_security_score",
			Help: "Current security score (0-100)",
		}),
		MTTDMinutes: f.NewGauge(prometheus.GaugeOpts{
			Name: "secops_mttd_minutes",
			Help: "Mean time to detection in minutes",
		}),
		MTTRMinutes: f.NewGauge(prometheus.GaugeOpts{
			Name: "secops_mttr_minutes",
			Help: "Mean time to response in minutes",
		}),
		ActiveThreats: f.NewGauge(prometheus.GaugeOpts{
			Name: "secops_active_threats",
			Help: "Number of threats in active status",
		}),
		OpenIncidents: f.NewGauge(prometheus.GaugeOpts{
			Name: "secops_open_incidents",
			Help: "Number of non-terminal incidents",
		}),
	}
}

// Registry returns the registry the collectors are registered on
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collectors) EventIngested(severity string) {
	if c == nil {
		return
	}
	c.EventsIngested.WithLabelValues(severity).Inc()
}

func (c *Collectors) ThreatDetected(threatType string) {
	if c == nil {
		return
	}
	c.ThreatsDetected.WithLabelValues(threatType).Inc()
}

func (c *Collectors) IncidentTransition(status string) {
	if c == nil {
		return
	}
	c.IncidentTransitions.WithLabelValues(status).Inc()
}

func (c *Collectors) ObserveStep(action, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.StepDuration.WithLabelValues(action, outcome).Observe(d.Seconds())
}

func (c *Collectors) ResponseAction(action, result string) {
	if c == nil {
		return
	}
	c.ResponseActions.WithLabelValues(action, result).Inc()
}

// SetKPIs publishes a computed snapshot on the gauges
func (c *Collectors) SetKPIs(m *Metrics) {
	if c == nil || m == nil {
		return
	}
	c.SecurityScore.Set(float64(m.SecurityScore))
	c.MTTDMinutes.Set(m.MTTD)
	c.MTTRMinutes.Set(m.MTTR)
	c.ActiveThreats.Set(float64(m.ActiveThreats))
	c.OpenIncidents.Set(float64(m.OpenIncidents))
}
