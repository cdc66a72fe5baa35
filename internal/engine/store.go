package engine

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/agrisense/telemetry-sync/internal/metrics"
	"github.com/agrisense/telemetry-sync/internal/models"
)

// HistoryCapacity bounds the rolling history buffer across all sensors.
const HistoryCapacity = 500

// SnapshotCache persists and reloads engine state per identity.
// cache.SnapshotStore implements this interface.
type SnapshotCache interface {
	LoadLatest(userKey string) map[string]models.Reading
	LoadHistory(userKey string) []models.Reading
	SaveLatest(userKey string, latest map[string]models.Reading)
	SaveHistory(userKey string, history []models.Reading)
}

// Store is the in-memory telemetry state machine: one latest reading per
// sensor, a bounded history ring across all sensors, and per-type
// distinct-sensor counts. It owns these structures exclusively;
// consumers only ever receive copies or memoized derived views.
type Store struct {
	mu         sync.RWMutex
	latest     map[string]models.Reading
	history    []models.Reading
	counts     map[models.SensorType]int
	seen       map[string]struct{}
	thresholds []models.Threshold

	// version increments on every latest-map mutation and drives the
	// memoized query facade.
	version uint64

	userID  int64
	hasUser bool
	userKey string

	cache   SnapshotCache
	synth   *Synthesizer
	logger  zerolog.Logger
	metrics *metrics.Metrics

	totalIngested int64
	totalRejected int64
}

// NewStore creates a store bound to a snapshot cache and synthesizer.
// Call Reset to load the initial identity's state.
func NewStore(cache SnapshotCache, synth *Synthesizer, m *metrics.Metrics, logger zerolog.Logger) *Store {
	if m == nil {
		m = metrics.New(nil)
	}
	return &Store{
		latest:  make(map[string]models.Reading),
		history: make([]models.Reading, 0, HistoryCapacity),
		counts:  make(map[models.SensorType]int),
		seen:    make(map[string]struct{}),
		cache:   cache,
		synth:   synth,
		logger:  logger,
		metrics: m,
	}
}

// Ingest runs one pushed reading through validation and the ownership
// filter, then mutates the latest map and history buffer and persists
// both snapshots best-effort. Returns true when the reading was
// accepted. Calls are serialized; each completes, including the
// persistence write, before the next begins.
func (s *Store) Ingest(reading models.Reading) bool {
	if err := reading.Validate(); err != nil {
		s.logger.Warn().Err(err).Str("sensor_id", reading.SensorID).Msg("Reading rejected: malformed")
		s.metrics.ReadingsRejected.WithLabelValues(metrics.ReasonInvalid).Inc()
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !acceptReading(&reading, s.userID, s.hasUser) {
		s.totalRejected++
		s.metrics.ReadingsRejected.WithLabelValues(metrics.ReasonOwnership).Inc()
		s.logger.Debug().Str("sensor_id", reading.SensorID).Msg("Reading rejected: foreign owner")
		return false
	}

	if _, ok := s.seen[reading.SensorID]; !ok {
		backfill := s.synth.Backfill(reading)
		s.history = append(s.history, backfill...)
		s.seen[reading.SensorID] = struct{}{}
		s.metrics.SyntheticPoints.Add(float64(len(backfill)))
		s.logger.Debug().Str("sensor_id", reading.SensorID).Int("points", len(backfill)).Msg("Backfilled new sensor")
	} else {
		reading.Value = s.synth.Jitter(reading.Value)
	}

	s.history = append(s.history, reading)
	if over := len(s.history) - HistoryCapacity; over > 0 {
		s.history = s.history[over:]
		s.metrics.HistoryEvictions.Add(float64(over))
	}

	s.latest[reading.SensorID] = reading
	s.recountLocked()
	s.version++
	s.totalIngested++
	s.metrics.ReadingsIngested.Inc()

	s.persistLocked()
	return true
}

// Reset replaces all state with the snapshot persisted for the new
// identity, or empty defaults. Called on start and on identity change.
func (s *Store) Reset(userID int64, hasUser bool, userKey string) {
	latest := s.cache.LoadLatest(userKey)
	history := s.cache.LoadHistory(userKey)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = userID
	s.hasUser = hasUser
	s.userKey = userKey
	s.latest = latest
	s.history = history
	s.seen = make(map[string]struct{}, len(latest))
	for sensorID := range latest {
		s.seen[sensorID] = struct{}{}
	}
	for _, r := range history {
		s.seen[r.SensorID] = struct{}{}
	}
	s.recountLocked()
	s.version++

	s.logger.Info().
		Str("user_key", userKey).
		Int("sensors", len(latest)).
		Int("history", len(history)).
		Msg("Telemetry store reset")
}

// recountLocked rebuilds the per-type distinct-sensor counts from the
// latest map. Callers must hold s.mu.
func (s *Store) recountLocked() {
	counts := make(map[models.SensorType]int, len(s.counts))
	for _, r := range s.latest {
		counts[r.Type]++
	}
	s.counts = counts
}

// persistLocked writes both snapshots for the current identity.
// Synthetic backfill points never leave the transient buffer. Callers
// must hold s.mu; the cache swallows write failures.
func (s *Store) persistLocked() {
	s.cache.SaveLatest(s.userKey, s.latest)

	durable := make([]models.Reading, 0, len(s.history))
	for _, r := range s.history {
		if !r.Synthetic {
			durable = append(durable, r)
		}
	}
	s.cache.SaveHistory(s.userKey, durable)
}

// Latest returns a copy of the latest-by-sensor map.
func (s *Store) Latest() map[string]models.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.Reading, len(s.latest))
	for k, v := range s.latest {
		out[k] = v
	}
	return out
}

// History returns a copy of the history buffer, oldest first.
func (s *Store) History() []models.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Reading, len(s.history))
	copy(out, s.history)
	return out
}

// SensorHistory returns the history entries for one sensor, oldest first.
func (s *Store) SensorHistory(sensorID string) []models.Reading {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Reading
	for _, r := range s.history {
		if r.SensorID == sensorID {
			out = append(out, r)
		}
	}
	return out
}

// Counts returns a copy of the per-type distinct-sensor counts.
func (s *Store) Counts() map[models.SensorType]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[models.SensorType]int, len(s.counts))
	for k, v := range s.counts {
		out[k] = v
	}
	return out
}

// Version returns the latest-map version, bumped on every mutation.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SetThresholds stores the threshold set received from the server.
func (s *Store) SetThresholds(thresholds []models.Threshold) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds = thresholds
}

// Thresholds returns a copy of the known threshold set.
func (s *Store) Thresholds() []models.Threshold {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Threshold, len(s.thresholds))
	copy(out, s.thresholds)
	return out
}

// StoreStats contains counters about the store.
type StoreStats struct {
	TotalIngested  int64 `json:"total_ingested"`
	TotalRejected  int64 `json:"total_rejected"`
	TrackedSensors int   `json:"tracked_sensors"`
	HistoryLength  int   `json:"history_length"`
}

// Stats returns current store statistics.
func (s *Store) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return StoreStats{
		TotalIngested:  s.totalIngested,
		TotalRejected:  s.totalRejected,
		TrackedSensors: len(s.latest),
		HistoryLength:  len(s.history),
	}
}
