package simserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agrisense/telemetry-sync/internal/models"
)

func newTestHandler(pushInterval time.Duration) (*Handler, *httptest.Server) {
	h := NewHandler(HandlerConfig{
		AuthToken:      "secret",
		PushInterval:   pushInterval,
		SensorsPerType: 1,
		MaxSensors:     3,
		Seed:           7,
	}, zerolog.Nop())
	return h, httptest.NewServer(h)
}

func dial(t *testing.T, server *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

// readEnvelope reads frames until one with the wanted topic arrives.
func readEnvelope(t *testing.T, conn *websocket.Conn, topic models.Topic) *models.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed waiting for %s: %v", topic, err)
		}
		var env models.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.Fatalf("malformed server frame: %v", err)
		}
		if env.Type == topic {
			return &env
		}
	}
}

func sendFrame(t *testing.T, conn *websocket.Conn, topic models.Topic, payload any) {
	t.Helper()
	env, err := models.NewEnvelope(topic, payload)
	if err != nil {
		t.Fatalf("build frame: %v", err)
	}
	data, _ := json.Marshal(env)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestHandler_RejectsBadToken(t *testing.T) {
	_, server := newTestHandler(time.Hour)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "?token=wrong"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial with wrong token should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("response = %v, want 401", resp)
	}
}

func TestHandler_PushesSensorData(t *testing.T) {
	handler, server := newTestHandler(20 * time.Millisecond)
	defer server.Close()

	conn := dial(t, server, "secret")
	defer conn.Close()

	env := readEnvelope(t, conn, models.TopicSensorData)

	var reading models.Reading
	if err := env.DecodeData(&reading); err != nil {
		t.Fatalf("decode reading: %v", err)
	}
	if err := reading.Validate(); err != nil {
		t.Errorf("pushed reading invalid: %v", err)
	}
	if reading.OwnerID == nil {
		t.Error("pushed reading has no owner")
	}

	if handler.ClientCount() != 1 {
		t.Errorf("client count = %d, want 1", handler.ClientCount())
	}
}

func TestHandler_PingPong(t *testing.T) {
	_, server := newTestHandler(time.Hour)
	defer server.Close()

	conn := dial(t, server, "secret")
	defer conn.Close()

	sendFrame(t, conn, models.TopicPing, models.PingFrame{Timestamp: time.Now().UTC()})
	readEnvelope(t, conn, models.TopicPong)
}

func TestHandler_SubscribeAck(t *testing.T) {
	_, server := newTestHandler(time.Hour)
	defer server.Close()

	conn := dial(t, server, "secret")
	defer conn.Close()

	sendFrame(t, conn, models.TopicSubscribe, models.SubscribeFrame{Groups: []string{"sensor_data"}})
	env := readEnvelope(t, conn, models.TopicSubscribed)

	var ack models.SubscribeFrame
	if err := env.DecodeData(&ack); err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if len(ack.Groups) != 1 || ack.Groups[0] != "sensor_data" {
		t.Errorf("ack groups = %v", ack.Groups)
	}
}

func TestHandler_RequestSensorData(t *testing.T) {
	_, server := newTestHandler(time.Hour)
	defer server.Close()

	conn := dial(t, server, "secret")
	defer conn.Close()

	sendFrame(t, conn, models.TopicRequestData, models.RequestDataFrame{
		Target: models.RequestTargetSensorData,
		Manual: true,
	})

	readEnvelope(t, conn, models.TopicSensorData)
	env := readEnvelope(t, conn, models.TopicRequestCompleted)

	var done models.RequestCompleted
	if err := env.DecodeData(&done); err != nil {
		t.Fatalf("decode completion: %v", err)
	}
	if done.Target != models.RequestTargetSensorData {
		t.Errorf("completion target = %q", done.Target)
	}
}

func TestHandler_RequestThresholds(t *testing.T) {
	_, server := newTestHandler(time.Hour)
	defer server.Close()

	conn := dial(t, server, "secret")
	defer conn.Close()

	sendFrame(t, conn, models.TopicRequestData, models.RequestDataFrame{Target: models.RequestTargetThresholds})
	env := readEnvelope(t, conn, models.TopicThresholdsData)

	var payload models.ThresholdsPayload
	if err := env.DecodeData(&payload); err != nil {
		t.Fatalf("decode thresholds: %v", err)
	}
	if len(payload.Thresholds) != len(models.SensorTypes) {
		t.Errorf("thresholds = %d, want %d", len(payload.Thresholds), len(models.SensorTypes))
	}
}

func TestHandler_DisconnectRemovesClient(t *testing.T) {
	handler, server := newTestHandler(time.Hour)
	defer server.Close()

	conn := dial(t, server, "secret")
	if handler.ClientCount() != 1 {
		t.Fatalf("client count = %d, want 1", handler.ClientCount())
	}

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for handler.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if handler.ClientCount() != 0 {
		t.Error("client not removed after disconnect")
	}
}

func TestUserIDFromToken(t *testing.T) {
	if got := userIDFromToken("42"); got != 42 {
		t.Errorf("numeric token = %d, want 42", got)
	}
	if got := userIDFromToken("dev-token-42"); got != 42 {
		t.Errorf("suffixed token = %d, want 42", got)
	}
	a := userIDFromToken("alpha-token")
	if b := userIDFromToken("alpha-token"); a != b {
		t.Error("token mapping not stable")
	}
	if a <= 0 {
		t.Errorf("derived id = %d, want positive", a)
	}
}
