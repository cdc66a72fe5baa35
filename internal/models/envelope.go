package models

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
)

// Topic identifies the kind of message carried by an Envelope.
type Topic string

// Server push topics.
const (
	TopicSensorData       Topic = "sensor_data"
	TopicSensorAlert      Topic = "sensor_alert"
	TopicSystem           Topic = "system"
	TopicRequestCompleted Topic = "request_completed"
	TopicThresholdsData   Topic = "thresholds_data"
	TopicPong             Topic = "pong"
	TopicSubscribed       Topic = "subscribed"
)

// Client frame topics.
const (
	TopicPing        Topic = "ping"
	TopicSubscribe   Topic = "subscribe"
	TopicRequestData Topic = "request_data"
)

// PushTopics are the server topics consumers may subscribe to. Anything
// else is rejected at the subscription boundary.
var PushTopics = []Topic{
	TopicSensorData,
	TopicSensorAlert,
	TopicSystem,
	TopicRequestCompleted,
	TopicThresholdsData,
	TopicPong,
	TopicSubscribed,
}

// Pushable reports whether t is a recognized server push topic.
func (t Topic) Pushable() bool {
	for _, pt := range PushTopics {
		if t == pt {
			return true
		}
	}
	return false
}

// Envelope is the wire format for every message on the channel.
type Envelope struct {
	Type Topic           `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope wraps a payload into an Envelope for the given topic.
func NewEnvelope(topic Topic, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", topic, err)
	}
	return &Envelope{Type: topic, Data: data}, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e *Envelope) DecodeData(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Alert is the payload for TopicSensorAlert, fed to the alerting
// subsystem without further interpretation by the engine.
type Alert struct {
	SensorID  string     `json:"sensor_id"`
	Type      SensorType `json:"type"`
	AlertType string     `json:"alert_type"`
	Value     float64    `json:"value"`
	Threshold float64    `json:"threshold"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}

// SystemNotice is the payload for TopicSystem.
type SystemNotice struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// RequestCompleted is the payload for TopicRequestCompleted.
type RequestCompleted struct {
	Target  string `json:"target"`
	Message string `json:"message,omitempty"`
	Count   int    `json:"count"`
}

// ThresholdsPayload is the payload for TopicThresholdsData.
type ThresholdsPayload struct {
	Thresholds []Threshold `json:"thresholds"`
}

// PingFrame is the payload for TopicPing.
type PingFrame struct {
	Timestamp time.Time `json:"timestamp"`
}

// SubscribeFrame is the payload for TopicSubscribe.
type SubscribeFrame struct {
	Groups []string `json:"groups"`
}

// Request targets for TopicRequestData.
const (
	RequestTargetSensorData = "sensor_data"
	RequestTargetThresholds = "get_thresholds"
)

// RequestDataFrame is the payload for TopicRequestData.
type RequestDataFrame struct {
	Target string `json:"target"`
	Manual bool   `json:"is_manual_request,omitempty"`
}
