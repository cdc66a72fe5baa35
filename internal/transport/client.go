// Package transport implements the duplex channel to the telemetry
// server over a websocket. It owns framing, the auth handshake, its own
// connect-attempt policy with exponential backoff, topic-based handler
// dispatch and request throttling. Reconnection across sessions is the
// caller's concern (the engine's connection supervisor).
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agrisense/telemetry-sync/internal/models"
)

// State represents the current state of the connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned for requests on a down channel.
	ErrNotConnected = errors.New("not connected")
	// ErrThrottled is returned when a request exceeds the rate budget.
	ErrThrottled = errors.New("request throttled")
	// ErrUnknownTopic is returned for subscriptions to topics the
	// server never pushes.
	ErrUnknownTopic = errors.New("unknown push topic")
)

// Config holds configuration for the websocket client.
type Config struct {
	URL                  string
	Token                string
	HandshakeTimeout     time.Duration
	MaxConnectAttempts   int
	ReconnectInterval    time.Duration // initial backoff between attempts
	MaxReconnectInterval time.Duration
	PingInterval         time.Duration
	PongTimeout          time.Duration
	RequestInterval      time.Duration // min gap between state requests
	RequestBurst         int
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.MaxConnectAttempts == 0 {
		c.MaxConnectAttempts = 3
	}
	if c.ReconnectInterval == 0 {
		c.ReconnectInterval = 1 * time.Second
	}
	if c.MaxReconnectInterval == 0 {
		c.MaxReconnectInterval = 30 * time.Second
	}
	if c.PingInterval == 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 90 * time.Second
	}
	if c.RequestInterval == 0 {
		c.RequestInterval = 10 * time.Second
	}
	if c.RequestBurst == 0 {
		c.RequestBurst = 2
	}
}

// Client manages the websocket connection to the telemetry server.
type Client struct {
	cfg      Config
	logger   zerolog.Logger
	clientID string

	stateMutex sync.RWMutex
	state      State
	conn       *websocket.Conn

	writeMutex sync.Mutex

	handlersMutex sync.RWMutex
	handlers      map[models.Topic]map[int]func(data json.RawMessage)
	nextHandlerID int

	limiter *rate.Limiter

	lastPongMutex sync.RWMutex
	lastPong      time.Time

	loopCancel context.CancelFunc
	loopWG     sync.WaitGroup

	currentBackoff time.Duration
}

// NewClient creates a new websocket client. The connection is not
// opened until Initialize.
func NewClient(cfg Config, logger zerolog.Logger) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:            cfg,
		logger:         logger,
		clientID:       uuid.NewString(),
		state:          StateDisconnected,
		handlers:       make(map[models.Topic]map[int]func(data json.RawMessage)),
		limiter:        rate.NewLimiter(rate.Every(cfg.RequestInterval), cfg.RequestBurst),
		currentBackoff: cfg.ReconnectInterval,
	}
}

func (c *Client) setState(state State) {
	c.stateMutex.Lock()
	c.state = state
	c.stateMutex.Unlock()
	c.logger.Debug().Str("state", state.String()).Msg("Connection state updated")
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMutex.RLock()
	defer c.stateMutex.RUnlock()
	return c.state
}

// IsConnected returns true if currently connected.
func (c *Client) IsConnected() bool {
	return c.State() == StateConnected
}

// Initialize performs the auth handshake and dials the server,
// retrying with exponential backoff up to MaxConnectAttempts. On
// success it starts the read and ping loops; registered handlers keep
// receiving pushes until the connection drops or Disconnect is called.
func (c *Client) Initialize(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}
	c.setState(StateConnecting)

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxConnectAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			c.setState(StateDisconnected)
			return err
		}

		if err := c.dial(ctx); err != nil {
			lastErr = err
			c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Dial failed")
			if attempt < c.cfg.MaxConnectAttempts {
				c.waitBackoff(ctx)
			}
			continue
		}

		c.setState(StateConnected)
		c.currentBackoff = c.cfg.ReconnectInterval
		c.startLoops()
		if err := c.sendSubscribe(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to send subscribe frame")
		}
		c.logger.Info().Str("url", c.cfg.URL).Msg("Connected to server")
		return nil
	}

	c.setState(StateDisconnected)
	return fmt.Errorf("connect failed after %d attempts: %w", c.cfg.MaxConnectAttempts, lastErr)
}

// dial opens the websocket with the auth token and client id attached.
func (c *Client) dial(ctx context.Context) error {
	endpoint, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	query := endpoint.Query()
	if c.cfg.Token != "" {
		query.Set("token", c.cfg.Token)
	}
	query.Set("client_id", c.clientID)
	endpoint.RawQuery = query.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	defer resp.Body.Close()

	c.stateMutex.Lock()
	c.conn = conn
	c.stateMutex.Unlock()
	return nil
}

// waitBackoff sleeps before the next attempt, doubling up to the cap.
func (c *Client) waitBackoff(ctx context.Context) {
	c.logger.Debug().Dur("delay", c.currentBackoff).Msg("Waiting before next attempt")
	select {
	case <-time.After(c.currentBackoff):
	case <-ctx.Done():
		return
	}
	c.currentBackoff *= 2
	if c.currentBackoff > c.cfg.MaxReconnectInterval {
		c.currentBackoff = c.cfg.MaxReconnectInterval
	}
}

// startLoops launches the read and ping loops for the live connection.
func (c *Client) startLoops() {
	ctx, cancel := context.WithCancel(context.Background())
	c.loopCancel = cancel
	c.updateLastPong()

	c.loopWG.Add(2)
	go func() {
		defer c.loopWG.Done()
		c.readLoop(ctx)
	}()
	go func() {
		defer c.loopWG.Done()
		c.pingLoop(ctx)
	}()
}

// Disconnect closes the connection and stops the loops.
func (c *Client) Disconnect() {
	c.stateMutex.Lock()
	if c.state == StateDisconnected {
		c.stateMutex.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	cancel := c.loopCancel
	c.loopCancel = nil
	c.stateMutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		conn.Close()
	}
	c.logger.Info().Msg("Disconnected from server")
}

// markConnectionLost transitions to disconnected after a read/ping
// failure without issuing a close handshake.
func (c *Client) markConnectionLost() {
	c.stateMutex.Lock()
	if c.state == StateDisconnected {
		c.stateMutex.Unlock()
		return
	}
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	cancel := c.loopCancel
	c.loopCancel = nil
	c.stateMutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	c.logger.Warn().Msg("Connection lost")
}

// Subscribe registers a handler for a push topic and returns an
// unsubscribe function. Unrecognized topics are rejected here, at the
// subscription boundary, instead of surfacing as dead handlers.
func (c *Client) Subscribe(topic models.Topic, handler func(data json.RawMessage)) (func(), error) {
	if !topic.Pushable() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTopic, topic)
	}

	c.handlersMutex.Lock()
	defer c.handlersMutex.Unlock()

	if c.handlers[topic] == nil {
		c.handlers[topic] = make(map[int]func(data json.RawMessage))
	}
	id := c.nextHandlerID
	c.nextHandlerID++
	c.handlers[topic][id] = handler

	return func() {
		c.handlersMutex.Lock()
		defer c.handlersMutex.Unlock()
		delete(c.handlers[topic], id)
	}, nil
}

// RequestSensorData asks the server to generate and push fresh sensor
// data, subject to throttling.
func (c *Client) RequestSensorData() error {
	return c.request(models.RequestTargetSensorData)
}

// RequestThresholds asks the server for the current threshold set,
// subject to throttling.
func (c *Client) RequestThresholds() error {
	return c.request(models.RequestTargetThresholds)
}

func (c *Client) request(target string) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if !c.limiter.Allow() {
		return fmt.Errorf("%w: %s", ErrThrottled, target)
	}
	env, err := models.NewEnvelope(models.TopicRequestData, models.RequestDataFrame{Target: target, Manual: true})
	if err != nil {
		return err
	}
	return c.send(env)
}

// sendSubscribe announces the groups this client wants pushed.
func (c *Client) sendSubscribe() error {
	env, err := models.NewEnvelope(models.TopicSubscribe, models.SubscribeFrame{
		Groups: []string{string(models.TopicSensorData), string(models.TopicSensorAlert)},
	})
	if err != nil {
		return err
	}
	return c.send(env)
}

// send writes one envelope to the connection.
func (c *Client) send(env *models.Envelope) error {
	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readLoop reads envelopes from the server and dispatches them by
// topic until the connection fails.
func (c *Client) readLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting read loop")
	defer c.logger.Debug().Msg("Read loop stopped")

	c.stateMutex.RLock()
	conn := c.conn
	c.stateMutex.RUnlock()
	if conn == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Msg("Read error")
				c.markConnectionLost()
			}
			return
		}

		var env models.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			c.logger.Warn().Err(err).Msg("Undecodable frame")
			continue
		}
		c.dispatch(&env)
	}
}

// dispatch routes one envelope to the topic's handlers. Topics nothing
// subscribed to and unknown topics are dropped here.
func (c *Client) dispatch(env *models.Envelope) {
	if env.Type == models.TopicPong {
		c.updateLastPong()
	}
	if !env.Type.Pushable() {
		c.logger.Warn().Str("topic", string(env.Type)).Msg("Dropping unrecognized topic")
		return
	}

	c.handlersMutex.RLock()
	handlers := make([]func(data json.RawMessage), 0, len(c.handlers[env.Type]))
	for _, h := range c.handlers[env.Type] {
		handlers = append(handlers, h)
	}
	c.handlersMutex.RUnlock()

	for _, handler := range handlers {
		handler(env.Data)
	}
}

func (c *Client) updateLastPong() {
	c.lastPongMutex.Lock()
	c.lastPong = time.Now()
	c.lastPongMutex.Unlock()
}

func (c *Client) timeSinceLastPong() time.Duration {
	c.lastPongMutex.RLock()
	defer c.lastPongMutex.RUnlock()
	return time.Since(c.lastPong)
}

// pingLoop sends periodic pings and watches for a dead connection.
func (c *Client) pingLoop(ctx context.Context) {
	c.logger.Debug().Msg("Starting ping loop")
	defer c.logger.Debug().Msg("Ping loop stopped")

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, err := models.NewEnvelope(models.TopicPing, models.PingFrame{Timestamp: time.Now().UTC()})
			if err != nil {
				continue
			}
			if err := c.send(env); err != nil {
				c.logger.Warn().Err(err).Msg("Failed to send ping")
				c.markConnectionLost()
				return
			}
			if c.timeSinceLastPong() > c.cfg.PongTimeout {
				c.logger.Warn().Msg("No pong received, connection appears dead")
				c.markConnectionLost()
				return
			}
		}
	}
}
