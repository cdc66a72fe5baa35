// Package simserver implements the demo telemetry push server. Each
// authenticated websocket connection gets its own simulated sensor
// fleet whose readings are pushed on a fixed interval.
package simserver

import (
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/agrisense/telemetry-sync/internal/models"
	"github.com/agrisense/telemetry-sync/internal/simulator"
)

const (
	writeWait = 10 * time.Second
	readWait  = 120 * time.Second
)

// HandlerConfig controls authentication and fleet shape.
type HandlerConfig struct {
	AuthToken      string
	AllowedOrigins []string
	PushInterval   time.Duration
	SensorsPerType int
	MaxSensors     int
	Seed           int64
}

// ApplyDefaults fills unset fields with working demo values.
func (c *HandlerConfig) ApplyDefaults() {
	if c.PushInterval == 0 {
		c.PushInterval = 2 * time.Second
	}
	if c.SensorsPerType == 0 {
		c.SensorsPerType = 2
	}
	if c.MaxSensors == 0 {
		c.MaxSensors = 20
	}
}

// Handler accepts websocket connections from telemetry clients and
// pushes simulated readings to each.
type Handler struct {
	upgrader websocket.Upgrader
	config   HandlerConfig
	logger   zerolog.Logger

	mutex   sync.RWMutex
	clients map[string]*clientConn
}

// clientConn is one connected telemetry client with its own fleet.
type clientConn struct {
	id        string
	userID    int64
	conn      *websocket.Conn
	fleet     *simulator.Fleet
	writeMu   sync.Mutex
	connected time.Time
}

// NewHandler creates the push handler.
func NewHandler(config HandlerConfig, logger zerolog.Logger) *Handler {
	config.ApplyDefaults()
	h := &Handler{
		config:  config,
		logger:  logger,
		clients: make(map[string]*clientConn),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin validates the Origin header against the allowlist.
// Same-origin requests carry no Origin header and always pass.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	h.logger.Warn().Str("origin", origin).Msg("Rejected connection: origin not in allowlist")
	return false
}

// ServeHTTP upgrades the request and runs the connection until it drops.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if h.config.AuthToken != "" && token != h.config.AuthToken {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	userID := userIDFromToken(token)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	seed := h.config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	client := &clientConn{
		id:        clientID,
		userID:    userID,
		conn:      conn,
		fleet:     simulator.NewFleet(userID, h.config.SensorsPerType, h.config.MaxSensors, rand.New(rand.NewSource(seed))),
		connected: time.Now(),
	}

	h.mutex.Lock()
	h.clients[clientID] = client
	h.mutex.Unlock()

	h.logger.Info().
		Str("client_id", clientID).
		Int64("user_id", userID).
		Int("sensors", client.fleet.Size()).
		Msg("Client connected")

	h.handleConnection(client)
}

// userIDFromToken derives a stable numeric identity from the token so
// every client of the demo server owns a distinct fleet. A trailing
// numeric segment wins, so "dev-token-42" maps to user 42. Anything
// else hashes to a stable id.
func userIDFromToken(token string) int64 {
	digits := token
	if i := strings.LastIndexFunc(token, func(r rune) bool { return r < '0' || r > '9' }); i >= 0 {
		digits = token[i+1:]
	}
	if id, err := strconv.ParseInt(digits, 10, 64); err == nil && id > 0 {
		return id
	}
	var sum int64
	for _, b := range []byte(token) {
		sum = sum*31 + int64(b)
	}
	if sum < 0 {
		sum = -sum
	}
	return sum%9000 + 1000
}

// handleConnection runs the read loop and the push ticker for a client.
func (h *Handler) handleConnection(client *clientConn) {
	defer client.conn.Close()
	defer h.removeClient(client.id)

	done := make(chan struct{})
	defer close(done)
	go h.pushLoop(client, done)

	client.conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Str("client_id", client.id).Msg("WebSocket error")
			}
			return
		}
		client.conn.SetReadDeadline(time.Now().Add(readWait))

		var env models.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			h.logger.Warn().Err(err).Str("client_id", client.id).Msg("Malformed frame")
			continue
		}
		h.handleFrame(client, &env)
	}
}

// handleFrame processes one client frame.
func (h *Handler) handleFrame(client *clientConn, env *models.Envelope) {
	h.logger.Debug().Str("type", string(env.Type)).Str("client_id", client.id).Msg("Received frame")

	switch env.Type {
	case models.TopicPing:
		h.send(client, models.TopicPong, models.PingFrame{Timestamp: time.Now().UTC()})

	case models.TopicSubscribe:
		var frame models.SubscribeFrame
		if err := env.DecodeData(&frame); err != nil {
			h.logger.Warn().Err(err).Msg("Bad subscribe frame")
			return
		}
		h.send(client, models.TopicSubscribed, frame)

	case models.TopicRequestData:
		var frame models.RequestDataFrame
		if err := env.DecodeData(&frame); err != nil {
			h.logger.Warn().Err(err).Msg("Bad request frame")
			return
		}
		h.handleRequest(client, frame)

	default:
		h.logger.Warn().Str("type", string(env.Type)).Msg("Unknown frame type")
	}
}

// handleRequest serves an explicit data request from the client.
func (h *Handler) handleRequest(client *clientConn, frame models.RequestDataFrame) {
	switch frame.Target {
	case models.RequestTargetSensorData:
		count := client.fleet.Size()
		h.pushReadings(client)
		h.send(client, models.TopicRequestCompleted, models.RequestCompleted{
			Target: frame.Target,
			Count:  count,
		})

	case models.RequestTargetThresholds:
		h.send(client, models.TopicThresholdsData, models.ThresholdsPayload{
			Thresholds: simulator.DefaultThresholds(),
		})

	default:
		h.logger.Warn().Str("target", frame.Target).Msg("Unknown request target")
	}
}

// pushLoop pushes a fresh batch of readings on every tick.
func (h *Handler) pushLoop(client *clientConn, done <-chan struct{}) {
	ticker := time.NewTicker(h.config.PushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			h.pushReadings(client)
		}
	}
}

// pushReadings generates one reading per sensor and sends each as its
// own sensor_data envelope. Non-normal readings also raise an alert.
func (h *Handler) pushReadings(client *clientConn) {
	now := time.Now()
	for _, reading := range client.fleet.Generate(now) {
		if !h.send(client, models.TopicSensorData, reading) {
			return
		}
		if reading.Status != models.StatusNormal {
			h.send(client, models.TopicSensorAlert, models.Alert{
				SensorID:  reading.SensorID,
				Type:      reading.Type,
				AlertType: string(reading.Status),
				Value:     reading.Value,
				Message:   string(reading.Type) + " out of range",
				Timestamp: reading.Timestamp,
			})
		}
	}
}

// send writes one envelope to the client. Returns false once the
// connection is unusable.
func (h *Handler) send(client *clientConn, topic models.Topic, payload any) bool {
	env, err := models.NewEnvelope(topic, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("topic", string(topic)).Msg("Failed to build envelope")
		return true
	}
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal envelope")
		return true
	}

	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	client.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		h.logger.Debug().Err(err).Str("client_id", client.id).Msg("Write failed")
		return false
	}
	return true
}

// removeClient drops a client from the registry.
func (h *Handler) removeClient(clientID string) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.clients, clientID)
	h.logger.Info().Str("client_id", clientID).Msg("Client disconnected")
}

// ClientCount returns the number of connected clients.
func (h *Handler) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}
