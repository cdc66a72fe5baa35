// Package simulator generates realistic per-user sensor fleets for the
// demo push server: bounded random-walk values with diurnal patterns
// and threshold-based status classification.
package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/agrisense/telemetry-sync/internal/models"
)

// Range bounds a sensor type's simulated values.
type Range struct {
	Min       float64
	Max       float64
	Unit      string
	MaxChange float64 // largest step between consecutive samples
}

// Ranges holds the value band, unit and walk step per sensor type.
var Ranges = map[models.SensorType]Range{
	models.SensorTemperature:     {Min: 15, Max: 35, Unit: "°C", MaxChange: 0.5},
	models.SensorHumidity:        {Min: 40, Max: 95, Unit: "%", MaxChange: 2},
	models.SensorSoilMoisture:    {Min: 20, Max: 80, Unit: "%", MaxChange: 1.5},
	models.SensorSoilTemperature: {Min: 12, Max: 30, Unit: "°C", MaxChange: 0.3},
	models.SensorLight:           {Min: 0, Max: 100000, Unit: "lux", MaxChange: 5000},
	models.SensorPH:              {Min: 5.5, Max: 8, Unit: "pH", MaxChange: 0.1},
	models.SensorWindSpeed:       {Min: 0, Max: 20, Unit: "m/s", MaxChange: 2},
	models.SensorWindDirection:   {Min: 0, Max: 359, Unit: "degrees", MaxChange: 20},
	models.SensorRainfall:        {Min: 0, Max: 50, Unit: "mm", MaxChange: 5},
	models.SensorCO2:             {Min: 300, Max: 1500, Unit: "ppm", MaxChange: 50},
}

// DefaultThresholds derives one threshold per sensor type from Ranges.
func DefaultThresholds() []models.Threshold {
	thresholds := make([]models.Threshold, 0, len(models.SensorTypes))
	for _, st := range models.SensorTypes {
		r := Ranges[st]
		thresholds = append(thresholds, models.Threshold{
			SensorType: st,
			MinValue:   r.Min,
			MaxValue:   r.Max,
			Unit:       r.Unit,
		})
	}
	return thresholds
}

// hourPattern returns the diurnal offset for a sensor type at the given
// hour. Temperature peaks at noon, humidity dips at noon, light only
// exists during the day.
func hourPattern(st models.SensorType, hour int) float64 {
	switch st {
	case models.SensorTemperature:
		return math.Sin(float64(hour)*math.Pi/12) * 5
	case models.SensorHumidity:
		return -math.Sin(float64(hour)*math.Pi/12) * 10
	case models.SensorLight:
		if hour >= 6 && hour <= 18 {
			return math.Sin(float64(hour)*math.Pi/12) * 40000
		}
		return 100
	default:
		return 0
	}
}

type simSensor struct {
	id         string
	sensorType models.SensorType
	locationID string
	value      float64
}

// Fleet simulates one user's set of sensors.
type Fleet struct {
	userID int64
	rng    *rand.Rand

	mu      sync.Mutex
	sensors []*simSensor
	seq     int64
}

// NewFleet builds a fleet of perType sensors for each type, capped at
// total. Sensor ids follow the <userID>_<type>_<n> convention the
// ownership filter relies on.
func NewFleet(userID int64, perType, total int, rng *rand.Rand) *Fleet {
	f := &Fleet{userID: userID, rng: rng}

	created := 0
	for _, st := range models.SensorTypes {
		if created >= total {
			break
		}
		count := perType
		if remaining := total - created; count > remaining {
			count = remaining
		}
		r := Ranges[st]
		for i := 1; i <= count; i++ {
			f.sensors = append(f.sensors, &simSensor{
				id:         fmt.Sprintf("%d_%s_%d", userID, st, i),
				sensorType: st,
				locationID: fmt.Sprintf("location_%d_%d", userID, i%3+1),
				value:      r.Min + rng.Float64()*(r.Max-r.Min),
			})
			created++
		}
	}
	return f
}

// Size returns the number of simulated sensors.
func (f *Fleet) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sensors)
}

// Generate advances every sensor's random walk one step and returns the
// resulting readings, status-classified against the default thresholds.
func (f *Fleet) Generate(now time.Time) []models.Reading {
	f.mu.Lock()
	defer f.mu.Unlock()

	readings := make([]models.Reading, 0, len(f.sensors))
	for _, sensor := range f.sensors {
		r := Ranges[sensor.sensorType]

		step := (f.rng.Float64()*2 - 1) * r.MaxChange
		target := sensor.value + step + hourPattern(sensor.sensorType, now.Hour())*0.01
		sensor.value = clamp(target, r.Min-r.MaxChange*2, r.Max+r.MaxChange*2)

		threshold := models.Threshold{SensorType: sensor.sensorType, MinValue: r.Min, MaxValue: r.Max, Unit: r.Unit}
		f.seq++
		owner := f.userID

		readings = append(readings, models.Reading{
			ID:         f.seq,
			SensorID:   sensor.id,
			Type:       sensor.sensorType,
			Value:      round2(sensor.value),
			Unit:       r.Unit,
			LocationID: sensor.locationID,
			Status:     threshold.Classify(sensor.value),
			Timestamp:  now.UTC(),
			OwnerID:    &owner,
		})
	}
	return readings
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
