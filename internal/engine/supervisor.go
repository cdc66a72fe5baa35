package engine

import (
	"context"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/agrisense/telemetry-sync/internal/identity"
	"github.com/agrisense/telemetry-sync/internal/metrics"
	"github.com/agrisense/telemetry-sync/internal/models"
)

// Transport is the duplex channel collaborator. Authentication, token
// refresh, framing and its own max-attempt connect policy live behind
// this interface; transport.Client implements it.
type Transport interface {
	// Initialize performs the auth handshake and connects the channel.
	Initialize(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	// Subscribe registers a handler for a push topic and returns an
	// unsubscribe function. Registrations survive reconnects.
	Subscribe(topic models.Topic, handler func(data json.RawMessage)) (func(), error)
	RequestSensorData() error
	RequestThresholds() error
}

// AlertSink receives sensor alert events. The alerting subsystem is an
// external collaborator; the supervisor only forwards.
type AlertSink interface {
	Notify(alert models.Alert)
}

// SupervisorConfig tunes the connection supervisor's timers.
type SupervisorConfig struct {
	HealthInterval  time.Duration // health poll period (default 5s)
	ErrorClearAfter time.Duration // transient error visibility (default 30s)
	ReconnectGrace  time.Duration // pause between identity switch and reconnect (default 1s)
	ConnectTimeout  time.Duration // per-attempt budget for Initialize (default 10s)
}

func (c *SupervisorConfig) applyDefaults() {
	if c.HealthInterval == 0 {
		c.HealthInterval = 5 * time.Second
	}
	if c.ErrorClearAfter == 0 {
		c.ErrorClearAfter = 30 * time.Second
	}
	if c.ReconnectGrace == 0 {
		c.ReconnectGrace = 1 * time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

// Supervisor owns the channel lifecycle: initial connect, periodic
// health polling, reconnection, identity-change resets and the
// transient connection error surfaced to consumers.
type Supervisor struct {
	transport Transport
	store     *Store
	resolver  *identity.Resolver
	alerts    AlertSink
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	cfg       SupervisorConfig

	mu          sync.Mutex
	connErr     string
	errAt       time.Time
	enabled     bool
	lastUserKey string

	unsubs   []func()
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewSupervisor wires the supervisor. alerts may be nil.
func NewSupervisor(transport Transport, store *Store, resolver *identity.Resolver, alerts AlertSink, cfg SupervisorConfig, m *metrics.Metrics, logger zerolog.Logger) *Supervisor {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.New(nil)
	}
	return &Supervisor{
		transport: transport,
		store:     store,
		resolver:  resolver,
		alerts:    alerts,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		enabled:   true,
		stopChan:  make(chan struct{}),
	}
}

// Start loads the current identity's state, subscribes the store to the
// push topics, connects if authenticated, and launches the health loop.
func (s *Supervisor) Start() error {
	userID, hasUser := s.resolver.CurrentUserID()
	userKey := s.resolver.UserKey()
	s.store.Reset(userID, hasUser, userKey)

	s.mu.Lock()
	s.lastUserKey = userKey
	s.mu.Unlock()

	if err := s.subscribeAll(); err != nil {
		return err
	}

	if s.resolver.IsAuthenticated() {
		s.connect()
	}

	s.wg.Add(1)
	go s.healthLoop()

	s.logger.Info().Str("user_key", userKey).Msg("Connection supervisor started")
	return nil
}

// Stop tears everything down together: the health loop, all topic
// subscriptions and the channel. Leaving a stale handler subscribed
// after an identity switch would mutate a superseded user's cache.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.transport.Disconnect()
		s.metrics.Connected.Set(0)
		s.logger.Info().Msg("Connection supervisor stopped")
	})
}

// subscribeAll attaches the engine's handlers to every push topic it
// consumes. Unrecognized topics never reach the engine; the transport
// rejects them at the subscription boundary.
func (s *Supervisor) subscribeAll() error {
	subs := []struct {
		topic   models.Topic
		handler func(data json.RawMessage)
	}{
		{models.TopicSensorData, s.handleSensorData},
		{models.TopicThresholdsData, s.handleThresholds},
		{models.TopicSensorAlert, s.handleAlert},
		{models.TopicSystem, s.handleSystem},
		{models.TopicRequestCompleted, s.handleRequestCompleted},
	}

	for _, sub := range subs {
		unsub, err := s.transport.Subscribe(sub.topic, sub.handler)
		if err != nil {
			return err
		}
		s.unsubs = append(s.unsubs, unsub)
	}
	return nil
}

func (s *Supervisor) handleSensorData(data json.RawMessage) {
	var reading models.Reading
	if err := json.Unmarshal(data, &reading); err != nil {
		s.logger.Warn().Err(err).Msg("Undecodable sensor_data payload")
		return
	}
	s.store.Ingest(reading)
}

func (s *Supervisor) handleThresholds(data json.RawMessage) {
	var payload models.ThresholdsPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		s.logger.Warn().Err(err).Msg("Undecodable thresholds_data payload")
		return
	}
	s.store.SetThresholds(payload.Thresholds)
	s.logger.Debug().Int("count", len(payload.Thresholds)).Msg("Thresholds updated")
}

func (s *Supervisor) handleAlert(data json.RawMessage) {
	if s.alerts == nil {
		return
	}
	var alert models.Alert
	if err := json.Unmarshal(data, &alert); err != nil {
		s.logger.Warn().Err(err).Msg("Undecodable sensor_alert payload")
		return
	}
	s.alerts.Notify(alert)
}

func (s *Supervisor) handleSystem(data json.RawMessage) {
	var notice models.SystemNotice
	if err := json.Unmarshal(data, &notice); err != nil {
		return
	}
	s.logger.Info().Str("level", notice.Level).Str("message", notice.Message).Msg("System notice")
}

func (s *Supervisor) handleRequestCompleted(data json.RawMessage) {
	var done models.RequestCompleted
	if err := json.Unmarshal(data, &done); err != nil {
		return
	}
	s.logger.Debug().Str("target", done.Target).Int("count", done.Count).Msg("Request completed")
}

// healthLoop polls connection health, expires stale errors and watches
// for identity changes.
func (s *Supervisor) healthLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.checkIdentity()
			s.expireError()
			s.checkHealth()
		}
	}
}

// checkHealth reconnects when the transport is down, reconnection is
// enabled and the user is still authenticated. Connection errors are
// transient; the loop keeps retrying on failure.
func (s *Supervisor) checkHealth() {
	s.mu.Lock()
	enabled := s.enabled
	s.mu.Unlock()

	if !enabled || s.transport.IsConnected() || !s.resolver.IsAuthenticated() {
		if !s.transport.IsConnected() {
			s.metrics.Connected.Set(0)
		}
		return
	}
	s.logger.Info().Msg("Transport disconnected, attempting reconnect")
	s.connect()
}

// checkIdentity detects a user switch: disconnect, reload the store for
// the new identity, wait a short grace period, then reconnect if the
// new user is authenticated.
func (s *Supervisor) checkIdentity() {
	userKey := s.resolver.UserKey()

	s.mu.Lock()
	changed := userKey != s.lastUserKey
	if changed {
		s.lastUserKey = userKey
	}
	enabled := s.enabled
	s.mu.Unlock()

	if !changed {
		return
	}

	s.logger.Info().Str("user_key", userKey).Msg("Identity changed, resetting state")
	s.metrics.IdentitySwitches.Inc()
	s.transport.Disconnect()
	s.metrics.Connected.Set(0)

	userID, hasUser := s.resolver.CurrentUserID()
	s.store.Reset(userID, hasUser, userKey)

	select {
	case <-s.stopChan:
		return
	case <-time.After(s.cfg.ReconnectGrace):
	}

	if enabled && s.resolver.IsAuthenticated() {
		s.connect()
	}
}

// connect performs one supervised connection attempt and primes state
// on success. The transport applies its own attempt cap and backoff.
func (s *Supervisor) connect() {
	s.metrics.Reconnects.Inc()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	if err := s.transport.Initialize(ctx); err != nil {
		s.setError(err.Error())
		s.logger.Warn().Err(err).Msg("Connection attempt failed")
		return
	}

	s.clearError()
	s.metrics.Connected.Set(1)
	s.prime()
}

// prime issues the one-shot state requests after a (re)connection. The
// transport throttles them; a throttled primer is not an error.
func (s *Supervisor) prime() {
	if err := s.transport.RequestThresholds(); err != nil {
		s.logger.Debug().Err(err).Msg("Threshold primer skipped")
	}
	if err := s.transport.RequestSensorData(); err != nil {
		s.logger.Debug().Err(err).Msg("Sensor data primer skipped")
	}
}

// Refresh re-requests current sensor data, subject to throttling.
func (s *Supervisor) Refresh() {
	if !s.transport.IsConnected() {
		return
	}
	if err := s.transport.RequestSensorData(); err != nil {
		s.logger.Debug().Err(err).Msg("Refresh skipped")
	}
}

// ToggleConnection flips between connected and intentionally
// disconnected. A manual toggle also works for guests.
func (s *Supervisor) ToggleConnection() {
	if s.transport.IsConnected() {
		s.mu.Lock()
		s.enabled = false
		s.mu.Unlock()
		s.transport.Disconnect()
		s.metrics.Connected.Set(0)
		s.logger.Info().Msg("Connection disabled by consumer")
		return
	}

	s.mu.Lock()
	s.enabled = true
	s.mu.Unlock()
	s.connect()
}

// IsConnected reports the transport's connection state.
func (s *Supervisor) IsConnected() bool {
	return s.transport.IsConnected()
}

// ConnectionError returns the current transient error message, or ""
// when healthy or after the error has expired.
func (s *Supervisor) ConnectionError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connErr
}

func (s *Supervisor) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connErr = msg
	s.errAt = time.Now()
}

func (s *Supervisor) clearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connErr = ""
}

// expireError auto-clears the transient error message once it has been
// visible long enough with no newer failure.
func (s *Supervisor) expireError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connErr != "" && time.Since(s.errAt) >= s.cfg.ErrorClearAfter {
		s.connErr = ""
	}
}
