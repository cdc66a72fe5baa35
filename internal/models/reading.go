package models

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

// SensorType identifies what a sensor measures.
type SensorType string

const (
	SensorTemperature     SensorType = "temperature"
	SensorHumidity        SensorType = "humidity"
	SensorSoilMoisture    SensorType = "soil_moisture"
	SensorSoilTemperature SensorType = "soil_temperature"
	SensorLight           SensorType = "light"
	SensorPH              SensorType = "ph"
	SensorWindSpeed       SensorType = "wind_speed"
	SensorWindDirection   SensorType = "wind_direction"
	SensorRainfall        SensorType = "rainfall"
	SensorCO2             SensorType = "co2"
)

// SensorTypes lists every supported sensor type.
var SensorTypes = []SensorType{
	SensorTemperature,
	SensorHumidity,
	SensorSoilMoisture,
	SensorSoilTemperature,
	SensorLight,
	SensorPH,
	SensorWindSpeed,
	SensorWindDirection,
	SensorRainfall,
	SensorCO2,
}

// Known reports whether t is one of the supported sensor types.
func (t SensorType) Known() bool {
	for _, st := range SensorTypes {
		if t == st {
			return true
		}
	}
	return false
}

// Status classifies a reading against its thresholds.
type Status string

const (
	StatusNormal   Status = "normal"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Reading represents one telemetry sample pushed by the server.
type Reading struct {
	ID         int64          `json:"id"`
	SensorID   string         `json:"sensor_id" validate:"required"`
	Type       SensorType     `json:"type" validate:"required"`
	Value      float64        `json:"value" validate:"finite"`
	Unit       string         `json:"unit"`
	LocationID string         `json:"location_id"`
	DeviceID   string         `json:"device_id,omitempty"`
	Status     Status         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OwnerID    *int64         `json:"user_id,omitempty"`

	// Synthetic marks a fabricated backfill point. Synthetic readings stay
	// in the transient history buffer and are never persisted.
	Synthetic bool `json:"synthetic,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	return v
}

// Validate rejects malformed readings at the ingestion boundary: empty
// sensor id, unknown type, non-finite value or zero timestamp.
func (r *Reading) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid reading: %w", err)
	}
	if !r.Type.Known() {
		return fmt.Errorf("invalid reading: unknown sensor type %q", r.Type)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("invalid reading: zero timestamp")
	}
	return nil
}

func (r *Reading) String() string {
	return fmt.Sprintf("Reading{%s %s=%.2f%s at %s}",
		r.SensorID, r.Type, r.Value, r.Unit, r.Timestamp.Format(time.RFC3339))
}

// Copy returns a deep copy of the Reading.
func (r *Reading) Copy() *Reading {
	if r == nil {
		return nil
	}
	cp := *r
	if r.OwnerID != nil {
		owner := *r.OwnerID
		cp.OwnerID = &owner
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
