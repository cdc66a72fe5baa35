package engine

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

func TestSynthesizer_Backfill(t *testing.T) {
	synth := NewSynthesizer(rand.New(rand.NewSource(1)), false)

	base := testReading("42_soil_01", 20)
	base.ID = 100
	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	base.Timestamp = ts

	points := synth.Backfill(base)
	if len(points) != 5 {
		t.Fatalf("Backfill produced %d points, want 5", len(points))
	}

	// Oldest first: ids 95..99, timestamps T-50m..T-10m.
	for i, p := range points {
		wantID := int64(95 + i)
		if p.ID != wantID {
			t.Errorf("point %d: id = %d, want %d", i, p.ID, wantID)
		}
		wantTS := ts.Add(-time.Duration(5-i) * 10 * time.Minute)
		if !p.Timestamp.Equal(wantTS) {
			t.Errorf("point %d: timestamp = %v, want %v", i, p.Timestamp, wantTS)
		}
		if math.Abs(p.Value-20) > 20*0.15 {
			t.Errorf("point %d: value %.2f outside ±15%% of 20", i, p.Value)
		}
		if !p.Synthetic {
			t.Errorf("point %d: not flagged synthetic", i)
		}
		if p.SensorID != base.SensorID {
			t.Errorf("point %d: sensor id = %q", i, p.SensorID)
		}
	}
}

func TestSynthesizer_Backfill_Deterministic(t *testing.T) {
	base := testReading("42_soil_01", 20)
	base.ID = 100

	a := NewSynthesizer(rand.New(rand.NewSource(7)), false).Backfill(base)
	b := NewSynthesizer(rand.New(rand.NewSource(7)), false).Backfill(base)

	for i := range a {
		if a[i].Value != b[i].Value {
			t.Fatalf("same seed produced different values at %d: %f vs %f", i, a[i].Value, b[i].Value)
		}
	}
}

func TestSynthesizer_Backfill_ClampsAtZero(t *testing.T) {
	synth := NewSynthesizer(rand.New(rand.NewSource(3)), false)

	base := testReading("42_rainfall_1", 0.001)
	for _, p := range synth.Backfill(base) {
		if p.Value < 0 {
			t.Errorf("backfill value %.5f below zero", p.Value)
		}
	}
}

func TestSynthesizer_Jitter_Disabled(t *testing.T) {
	synth := NewSynthesizer(rand.New(rand.NewSource(1)), false)
	for i := 0; i < 100; i++ {
		if got := synth.Jitter(50); got != 50 {
			t.Fatalf("Jitter changed value with noise disabled: %f", got)
		}
	}
}

func TestSynthesizer_Jitter_Enabled(t *testing.T) {
	synth := NewSynthesizer(rand.New(rand.NewSource(1)), true)

	changed := 0
	for i := 0; i < 1000; i++ {
		got := synth.Jitter(50)
		if got != 50 {
			changed++
			if math.Abs(got-50) > 50*0.05 {
				t.Fatalf("jittered value %.2f outside ±5%% of 50", got)
			}
		}
	}

	// ~20% of updates should be perturbed.
	if changed < 100 || changed > 350 {
		t.Errorf("jitter applied to %d/1000 updates, expected roughly 200", changed)
	}
}
