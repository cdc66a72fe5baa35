package engine

import (
	"math/rand"
	"time"

	"github.com/agrisense/telemetry-sync/internal/models"
)

const (
	backfillPoints   = 5
	backfillStep     = 10 * time.Minute
	backfillSpread   = 0.15
	noiseProbability = 0.2
	noiseSpread      = 0.05
)

// Synthesizer fabricates a short historical trend for sensors seen for
// the first time, so charts render immediately instead of waiting for
// real samples to accumulate. The points are presentation affordances,
// not measured data: they are flagged Synthetic and never persisted.
type Synthesizer struct {
	rng   *rand.Rand
	noise bool
}

// NewSynthesizer creates a synthesizer. The random source is injected so
// backfill tests are deterministic. simulateNoise additionally perturbs
// ~20% of real updates for already-known sensors, modeling sensor noise
// for demo setups; leave it off in production.
func NewSynthesizer(rng *rand.Rand, simulateNoise bool) *Synthesizer {
	return &Synthesizer{rng: rng, noise: simulateNoise}
}

// Backfill produces exactly 5 synthetic points preceding the reading,
// oldest first: timestamps stepping back 10 minutes per point, values
// within ±15% of the real value (clamped at 0), ids counting down.
func (s *Synthesizer) Backfill(r models.Reading) []models.Reading {
	points := make([]models.Reading, 0, backfillPoints)
	for i := backfillPoints; i >= 1; i-- {
		p := r
		p.ID = r.ID - int64(i)
		p.Timestamp = r.Timestamp.Add(-time.Duration(i) * backfillStep)
		p.Value = perturb(r.Value, backfillSpread, s.rng)
		p.Status = models.StatusNormal
		p.Synthetic = true
		points = append(points, p)
	}
	return points
}

// Jitter perturbs a known sensor's incoming value on ~20% of updates
// when noise simulation is enabled; otherwise it returns v unchanged.
func (s *Synthesizer) Jitter(v float64) float64 {
	if !s.noise || s.rng.Float64() >= noiseProbability {
		return v
	}
	return perturb(v, noiseSpread, s.rng)
}

// perturb applies a uniform relative perturbation in [-spread, +spread)
// and clamps the result at zero.
func perturb(v, spread float64, rng *rand.Rand) float64 {
	u := (rng.Float64()*2 - 1) * spread
	out := v * (1 + u)
	if out < 0 {
		return 0
	}
	return out
}
