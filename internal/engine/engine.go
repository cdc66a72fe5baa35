// Package engine implements the telemetry synchronization engine: it
// owns the push channel lifecycle, ingests sensor readings, enforces
// per-user ownership, keeps bounded in-memory views, persists state per
// identity and exposes a read-only query surface to consumers.
package engine

import (
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrisense/telemetry-sync/internal/identity"
	"github.com/agrisense/telemetry-sync/internal/metrics"
	"github.com/agrisense/telemetry-sync/internal/models"
)

// Config tunes the engine.
type Config struct {
	Supervisor SupervisorConfig

	// SimulateNoise perturbs ~20% of incoming values for known sensors,
	// a demo affordance. Leave off in production.
	SimulateNoise bool

	// Rand overrides the ambient random source for synthetic history;
	// inject a seeded source in tests. Nil gets a time-seeded source.
	Rand *rand.Rand
}

// Engine is the long-lived service object consumers talk to. Construct
// once per session, Start it, and Stop it on teardown.
type Engine struct {
	store      *Store
	views      *Views
	supervisor *Supervisor
	resolver   *identity.Resolver
	logger     zerolog.Logger
}

// New assembles the engine from its collaborators. alerts may be nil.
func New(cfg Config, transport Transport, session identity.Session, cache SnapshotCache, alerts AlertSink, m *metrics.Metrics, logger zerolog.Logger) *Engine {
	if m == nil {
		m = metrics.New(nil)
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	resolver := identity.NewResolver(session)
	synth := NewSynthesizer(rng, cfg.SimulateNoise)
	store := NewStore(cache, synth, m, logger)
	supervisor := NewSupervisor(transport, store, resolver, alerts, cfg.Supervisor, m, logger)

	return &Engine{
		store:      store,
		views:      NewViews(store),
		supervisor: supervisor,
		resolver:   resolver,
		logger:     logger,
	}
}

// Start loads persisted state for the current identity and brings the
// channel up.
func (e *Engine) Start() error {
	return e.supervisor.Start()
}

// Stop tears down the channel, subscriptions and timers together.
func (e *Engine) Stop() {
	e.supervisor.Stop()
}

// Latest returns a copy of the latest reading per sensor.
func (e *Engine) Latest() map[string]models.Reading {
	return e.store.Latest()
}

// History returns a copy of the rolling history buffer, oldest first.
func (e *Engine) History() []models.Reading {
	return e.store.History()
}

// SensorHistory returns the buffered trend for one sensor, oldest first.
func (e *Engine) SensorHistory(sensorID string) []models.Reading {
	return e.store.SensorHistory(sensorID)
}

// Counts returns the distinct-sensor count per sensor type.
func (e *Engine) Counts() map[models.SensorType]int {
	return e.store.Counts()
}

// ByType returns the latest readings grouped by type (memoized).
func (e *Engine) ByType() map[models.SensorType][]models.Reading {
	return e.views.ByType()
}

// ByLocation returns the latest readings grouped by location (memoized).
func (e *Engine) ByLocation() map[string][]models.Reading {
	return e.views.ByLocation()
}

// OfType returns the latest readings of one type.
func (e *Engine) OfType(t models.SensorType) []models.Reading {
	return e.views.OfType(t)
}

// AtLocation returns the latest readings at one location.
func (e *Engine) AtLocation(locationID string) []models.Reading {
	return e.views.AtLocation(locationID)
}

// Thresholds returns the threshold set received from the server.
func (e *Engine) Thresholds() []models.Threshold {
	return e.store.Thresholds()
}

// IsConnected reports whether the channel is up.
func (e *Engine) IsConnected() bool {
	return e.supervisor.IsConnected()
}

// ConnectionError returns the transient connection error, or "".
func (e *Engine) ConnectionError() string {
	return e.supervisor.ConnectionError()
}

// Refresh re-requests current sensor data, subject to throttling.
func (e *Engine) Refresh() {
	e.supervisor.Refresh()
}

// ToggleConnection connects or disconnects on consumer demand.
func (e *Engine) ToggleConnection() {
	e.supervisor.ToggleConnection()
}

// Stats returns store counters for diagnostics endpoints.
func (e *Engine) Stats() StoreStats {
	return e.store.Stats()
}
