package models

// Threshold defines the acceptable value band for one sensor type.
type Threshold struct {
	SensorType SensorType `json:"sensor_type"`
	MinValue   float64    `json:"min_value"`
	MaxValue   float64    `json:"max_value"`
	Unit       string     `json:"unit"`
}

// Contains reports whether v falls inside the threshold band.
func (t Threshold) Contains(v float64) bool {
	return v >= t.MinValue && v <= t.MaxValue
}

// Classify maps a value to a status. Values outside the band are a
// warning; values beyond a 20% margin of the band width are critical.
func (t Threshold) Classify(v float64) Status {
	if t.Contains(v) {
		return StatusNormal
	}
	margin := (t.MaxValue - t.MinValue) * 0.2
	if v < t.MinValue-margin || v > t.MaxValue+margin {
		return StatusCritical
	}
	return StatusWarning
}
