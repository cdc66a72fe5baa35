// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reject reasons for the readings_rejected_total counter.
const (
	ReasonOwnership = "ownership"
	ReasonInvalid   = "invalid"
)

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	ReadingsIngested prometheus.Counter
	ReadingsRejected *prometheus.CounterVec
	HistoryEvictions prometheus.Counter
	SyntheticPoints  prometheus.Counter
	Reconnects       prometheus.Counter
	IdentitySwitches prometheus.Counter
	Connected        prometheus.Gauge
}

// New builds and registers the engine collectors. A nil registerer gets
// a private registry, which keeps tests and optional wiring simple.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		ReadingsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_readings_ingested_total",
			Help: "Readings accepted into the telemetry store.",
		}),
		ReadingsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_readings_rejected_total",
			Help: "Readings dropped at the ingestion boundary.",
		}, []string{"reason"}),
		HistoryEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_history_evictions_total",
			Help: "Readings evicted from the bounded history buffer.",
		}),
		SyntheticPoints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_synthetic_points_total",
			Help: "Backfill points fabricated for newly seen sensors.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_reconnects_total",
			Help: "Reconnection attempts issued by the supervisor.",
		}),
		IdentitySwitches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_identity_switches_total",
			Help: "Identity changes that reset the telemetry store.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_connected",
			Help: "1 when the transport reports a live connection.",
		}),
	}

	reg.MustRegister(
		m.ReadingsIngested,
		m.ReadingsRejected,
		m.HistoryEvictions,
		m.SyntheticPoints,
		m.Reconnects,
		m.IdentitySwitches,
		m.Connected,
	)
	return m
}
