package engine

import (
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrisense/telemetry-sync/internal/models"
)

func testReading(sensorID string, value float64) models.Reading {
	return models.Reading{
		ID:         1,
		SensorID:   sensorID,
		Type:       models.SensorHumidity,
		Value:      value,
		Unit:       "%",
		LocationID: "loc1",
		Status:     models.StatusNormal,
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

// memCache is an in-memory SnapshotCache for store tests.
type memCache struct {
	latest  map[string]map[string]models.Reading
	history map[string][]models.Reading
}

func newMemCache() *memCache {
	return &memCache{
		latest:  make(map[string]map[string]models.Reading),
		history: make(map[string][]models.Reading),
	}
}

func (c *memCache) LoadLatest(userKey string) map[string]models.Reading {
	out := make(map[string]models.Reading)
	for k, v := range c.latest[userKey] {
		out[k] = v
	}
	return out
}

func (c *memCache) LoadHistory(userKey string) []models.Reading {
	out := make([]models.Reading, len(c.history[userKey]))
	copy(out, c.history[userKey])
	return out
}

func (c *memCache) SaveLatest(userKey string, latest map[string]models.Reading) {
	cp := make(map[string]models.Reading, len(latest))
	for k, v := range latest {
		cp[k] = v
	}
	c.latest[userKey] = cp
}

func (c *memCache) SaveHistory(userKey string, history []models.Reading) {
	cp := make([]models.Reading, len(history))
	copy(cp, history)
	c.history[userKey] = cp
}

func newTestStore(cache SnapshotCache) *Store {
	synth := NewSynthesizer(rand.New(rand.NewSource(1)), false)
	return NewStore(cache, synth, nil, zerolog.Nop())
}

func TestStore_Ingest_GuestScenario(t *testing.T) {
	store := newTestStore(newMemCache())
	store.Reset(0, false, "guest")

	reading := models.Reading{
		ID:         1,
		SensorID:   "humidity_loc1",
		Type:       models.SensorHumidity,
		Value:      55,
		Unit:       "%",
		LocationID: "loc1",
		Status:     models.StatusNormal,
		Timestamp:  time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	if !store.Ingest(reading) {
		t.Fatal("guest ingest rejected")
	}

	latest := store.Latest()
	if got := latest["humidity_loc1"].Value; got != 55 {
		t.Errorf("latest value = %.1f, want 55", got)
	}

	// 1 real + 5 synthetic backfill points.
	history := store.History()
	if len(history) != 6 {
		t.Fatalf("history length = %d, want 6", len(history))
	}
	for i := 0; i < 5; i++ {
		if !history[i].Synthetic {
			t.Errorf("history[%d] should be synthetic", i)
		}
	}
	if history[5].Synthetic || history[5].Value != 55 {
		t.Errorf("history[5] = %+v, want the real reading", history[5])
	}
}

func TestStore_Ingest_OwnershipNoOp(t *testing.T) {
	store := newTestStore(newMemCache())
	store.Reset(42, true, "42")

	foreign := testReading("7_humidity_1", 60)
	foreign.OwnerID = int64p(7)

	if store.Ingest(foreign) {
		t.Fatal("foreign reading accepted")
	}
	if len(store.Latest()) != 0 {
		t.Error("rejected reading mutated latest map")
	}
	if len(store.History()) != 0 {
		t.Error("rejected reading mutated history")
	}
	if v := store.Version(); v != 1 {
		t.Errorf("version = %d, want 1 (only the reset)", v)
	}
}

func TestStore_Ingest_OwnerInference(t *testing.T) {
	store := newTestStore(newMemCache())
	store.Reset(42, true, "42")

	r := testReading("42_soil_01", 33)
	if !store.Ingest(r) {
		t.Fatal("owned reading rejected")
	}

	got := store.Latest()["42_soil_01"]
	if got.OwnerID == nil || *got.OwnerID != 42 {
		t.Errorf("owner not stamped: %v", got.OwnerID)
	}
}

func TestStore_Ingest_BoundedHistory(t *testing.T) {
	store := newTestStore(newMemCache())
	store.Reset(0, false, "guest")

	base := testReading("humidity_loc1", 50)
	for i := 1; i <= 600; i++ {
		r := base
		r.ID = int64(i)
		r.Timestamp = base.Timestamp.Add(time.Duration(i) * time.Second)
		if !store.Ingest(r) {
			t.Fatalf("reading %d rejected", i)
		}
	}

	history := store.History()
	if len(history) != HistoryCapacity {
		t.Fatalf("history length = %d, want %d", len(history), HistoryCapacity)
	}

	// 5 synthetic + 600 real appended; the retained window is the 500
	// most recent by arrival order, ending at the last real reading.
	if last := history[len(history)-1]; last.ID != 600 {
		t.Errorf("newest id = %d, want 600", last.ID)
	}
	if first := history[0]; first.ID != 101 || first.Synthetic {
		t.Errorf("oldest retained = %+v, want real reading 101", first)
	}
}

func TestStore_Ingest_RejectsMalformed(t *testing.T) {
	store := newTestStore(newMemCache())
	store.Reset(0, false, "guest")

	tests := []struct {
		name   string
		mutate func(*models.Reading)
	}{
		{"nan value", func(r *models.Reading) { r.Value = math.NaN() }},
		{"zero timestamp", func(r *models.Reading) { r.Timestamp = time.Time{} }},
		{"empty sensor id", func(r *models.Reading) { r.SensorID = "" }},
		{"unknown type", func(r *models.Reading) { r.Type = "vibration" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := testReading("humidity_loc1", 50)
			tt.mutate(&r)
			if store.Ingest(r) {
				t.Error("malformed reading accepted")
			}
		})
	}

	if len(store.History()) != 0 {
		t.Error("malformed readings reached the history buffer")
	}
}

func TestStore_Counts(t *testing.T) {
	store := newTestStore(newMemCache())
	store.Reset(0, false, "guest")

	for i, id := range []string{"humidity_a", "humidity_b", "temp_a"} {
		r := testReading(id, 50)
		r.ID = int64(i + 1)
		if id == "temp_a" {
			r.Type = models.SensorTemperature
		}
		store.Ingest(r)
	}

	counts := store.Counts()
	if counts[models.SensorHumidity] != 2 {
		t.Errorf("humidity count = %d, want 2", counts[models.SensorHumidity])
	}
	if counts[models.SensorTemperature] != 1 {
		t.Errorf("temperature count = %d, want 1", counts[models.SensorTemperature])
	}

	// Re-ingesting an existing sensor must not inflate the count.
	store.Ingest(testReading("humidity_a", 51))
	if got := store.Counts()[models.SensorHumidity]; got != 2 {
		t.Errorf("humidity count after update = %d, want 2", got)
	}
}

func TestStore_Reset_IdentityIsolation(t *testing.T) {
	cache := newMemCache()
	store := newTestStore(cache)

	store.Reset(42, true, "42")
	store.Ingest(testReading("42_humidity_1", 60))

	// Switch to user 43: nothing of 42's state may remain.
	store.Reset(43, true, "43")
	if len(store.Latest()) != 0 {
		t.Fatal("user 43 sees user 42's latest map")
	}
	if len(store.History()) != 0 {
		t.Fatal("user 43 sees user 42's history")
	}

	// Switching back restores 42's own persisted view.
	store.Reset(42, true, "42")
	latest := store.Latest()
	if len(latest) != 1 {
		t.Fatalf("restored latest has %d entries, want 1", len(latest))
	}
	if latest["42_humidity_1"].Value != 60 {
		t.Errorf("restored value = %.1f, want 60", latest["42_humidity_1"].Value)
	}
}

func TestStore_PersistExcludesSynthetic(t *testing.T) {
	cache := newMemCache()
	store := newTestStore(cache)
	store.Reset(0, false, "guest")

	store.Ingest(testReading("humidity_loc1", 55))

	if got := len(store.History()); got != 6 {
		t.Fatalf("in-memory history = %d, want 6", got)
	}
	if got := len(cache.history["guest"]); got != 1 {
		t.Errorf("persisted history = %d entries, want 1 (synthetic excluded)", got)
	}
	if got := len(cache.latest["guest"]); got != 1 {
		t.Errorf("persisted latest = %d entries, want 1", got)
	}
}

func TestStore_Reset_KnownSensorsNotBackfilledAgain(t *testing.T) {
	cache := newMemCache()
	store := newTestStore(cache)

	store.Reset(0, false, "guest")
	store.Ingest(testReading("humidity_loc1", 55))

	// Simulate a reload: state comes back from the cache.
	store.Reset(0, false, "guest")
	r := testReading("humidity_loc1", 56)
	r.ID = 2
	store.Ingest(r)

	// 1 persisted real + 1 new real, no second backfill.
	if got := len(store.History()); got != 2 {
		t.Errorf("history after reload = %d entries, want 2", got)
	}
}

func TestStore_StatsAndVersion(t *testing.T) {
	store := newTestStore(newMemCache())
	store.Reset(0, false, "guest")
	v0 := store.Version()

	for i := 0; i < 3; i++ {
		store.Ingest(testReading(fmt.Sprintf("humidity_%d", i), 50))
	}
	foreign := testReading("9_humidity_1", 50)
	foreign.OwnerID = int64p(9)
	store.userID, store.hasUser = 42, true
	store.Ingest(foreign)

	stats := store.Stats()
	if stats.TotalIngested != 3 {
		t.Errorf("TotalIngested = %d, want 3", stats.TotalIngested)
	}
	if stats.TotalRejected != 1 {
		t.Errorf("TotalRejected = %d, want 1", stats.TotalRejected)
	}
	if stats.TrackedSensors != 3 {
		t.Errorf("TrackedSensors = %d, want 3", stats.TrackedSensors)
	}
	if store.Version() != v0+3 {
		t.Errorf("version advanced by %d, want 3", store.Version()-v0)
	}
}
