package central

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the coordinator core.
type Metrics struct {
	// Connection metrics
	ConnectedAgents *prometheus.GaugeVec

	// Session metrics
	ActiveSessions prometheus.Gauge
	SessionsTotal  *prometheus.CounterVec
	DeniesTotal    *prometheus.CounterVec

	// Delivery metrics
	EnergyDelivered prometheus.Counter
	RevenueTotal    prometheus.Counter

	// Health metrics
	FaultsTotal         *prometheus.CounterVec
	WeatherAlertsActive prometheus.Gauge

	// Registry reconciliation metrics
	RegistryCPsAdded   prometheus.Counter
	RegistryCPsRemoved prometheus.Counter

	// Wire metrics, recorded by the TCP front end
	FramesReceived *prometheus.CounterVec
	FrameErrors    prometheus.Counter
	SendsFailed    *prometheus.CounterVec
}

// NewMetrics creates and registers all coordinator metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectedAgents: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "central_connected_agents",
				Help: "Number of live agent connections by kind",
			},
			[]string{"kind"}, // kind: cp, driver, monitor
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "central_active_sessions",
				Help: "Number of charging sessions currently supplying",
			},
		),

		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "central_sessions_total",
				Help: "Total charging sessions terminated, by cause",
			},
			[]string{"cause"}, // cause: normal, end_charge, fault, weather, operator_stop
		),

		DeniesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "central_denies_total",
				Help: "Total charge requests denied, by reason",
			},
			[]string{"reason"},
		),

		EnergyDelivered: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "central_energy_delivered_kwh_total",
				Help: "Total energy delivered across all sessions in kWh",
			},
		),

		RevenueTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "central_revenue_euro_total",
				Help: "Total ticketed revenue across all sessions in euro",
			},
		),

		FaultsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "central_faults_total",
				Help: "Total fault notifications received, by charging point",
			},
			[]string{"cp_id"},
		),

		WeatherAlertsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "central_weather_alerts_active",
				Help: "Number of charging points currently held by a weather alert",
			},
		),

		RegistryCPsAdded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "central_registry_cps_added_total",
				Help: "Charging points inserted by registry reconciliation",
			},
		),

		RegistryCPsRemoved: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "central_registry_cps_removed_total",
				Help: "Charging points removed by registry reconciliation",
			},
		),

		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "central_frames_received_total",
				Help: "Total protocol frames decoded, by message type",
			},
			[]string{"type"},
		),

		FrameErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "central_frame_errors_total",
				Help: "Total frames rejected by checksum or payload validation",
			},
		),

		SendsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "central_sends_failed_total",
				Help: "Total outbound frames that could not be delivered",
			},
			[]string{"kind"},
		),
	}
}

// RecordSessionEnd records a terminated session with its delivered totals.
func (m *Metrics) RecordSessionEnd(cause string, kwh, amount float64) {
	m.SessionsTotal.WithLabelValues(cause).Inc()
	if kwh > 0 {
		m.EnergyDelivered.Add(kwh)
	}
	if amount > 0 {
		m.RevenueTotal.Add(amount)
	}
}

// RecordDeny records a denied charge request.
func (m *Metrics) RecordDeny(reason string) {
	m.DeniesTotal.WithLabelValues(reason).Inc()
}

// RecordFault records a fault notification for a charging point.
func (m *Metrics) RecordFault(cpID string) {
	m.FaultsTotal.WithLabelValues(cpID).Inc()
}

// RecordFrame records one decoded inbound frame.
func (m *Metrics) RecordFrame(msgType string) {
	m.FramesReceived.WithLabelValues(msgType).Inc()
}

// RecordFrameError records one rejected inbound frame.
func (m *Metrics) RecordFrameError() {
	m.FrameErrors.Inc()
}

// RecordSendFailure records an undeliverable outbound frame.
func (m *Metrics) RecordSendFailure(kind string) {
	m.SendsFailed.WithLabelValues(kind).Inc()
}
