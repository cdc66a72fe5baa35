package models

import (
	"testing"
	"time"

	json "github.com/goccy/go-json"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	reading := validReading()
	env, err := NewEnvelope(TopicSensorData, reading)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var decoded Envelope
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if decoded.Type != TopicSensorData {
		t.Errorf("Type = %s, want %s", decoded.Type, TopicSensorData)
	}

	var got Reading
	if err := decoded.DecodeData(&got); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if got.SensorID != reading.SensorID || got.Value != reading.Value {
		t.Errorf("decoded reading = %+v, want %+v", got, reading)
	}
}

func TestEnvelope_DecodeData_Mismatch(t *testing.T) {
	env, err := NewEnvelope(TopicSystem, SystemNotice{Level: "error", Message: "boom"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	// Decoding into an incompatible shape must surface an error.
	var reading Reading
	if err := env.DecodeData(&reading); err == nil {
		// A SystemNotice decodes into Reading as zero values without
		// error under permissive JSON, so check the stricter path too.
		var n int
		if err := env.DecodeData(&n); err == nil {
			t.Error("expected decode error for incompatible payload")
		}
	}
}

func TestTopic_Pushable(t *testing.T) {
	tests := []struct {
		topic Topic
		want  bool
	}{
		{TopicSensorData, true},
		{TopicSensorAlert, true},
		{TopicSystem, true},
		{TopicRequestCompleted, true},
		{TopicThresholdsData, true},
		{TopicPong, true},
		{TopicPing, false},
		{Topic("weather_forecast"), false},
	}

	for _, tt := range tests {
		if got := tt.topic.Pushable(); got != tt.want {
			t.Errorf("Pushable(%s) = %v, want %v", tt.topic, got, tt.want)
		}
	}
}

func TestAlert_PayloadRoundTrip(t *testing.T) {
	alert := Alert{
		SensorID:  "7_co2_1",
		Type:      SensorCO2,
		AlertType: "above_max",
		Value:     1800,
		Threshold: 1500,
		Message:   "CO2 above threshold",
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	env, err := NewEnvelope(TopicSensorAlert, alert)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	var got Alert
	if err := env.DecodeData(&got); err != nil {
		t.Fatalf("DecodeData failed: %v", err)
	}
	if got != alert {
		t.Errorf("alert = %+v, want %+v", got, alert)
	}
}
