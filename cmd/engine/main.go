package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/agrisense/telemetry-sync/internal/cache"
	"github.com/agrisense/telemetry-sync/internal/config"
	"github.com/agrisense/telemetry-sync/internal/engine"
	"github.com/agrisense/telemetry-sync/internal/identity"
	"github.com/agrisense/telemetry-sync/internal/metrics"
	"github.com/agrisense/telemetry-sync/internal/models"
	"github.com/agrisense/telemetry-sync/internal/transport"
)

const version = "v0.1.0"

// logAlerts is the default alert sink: alerts land in the log stream.
type logAlerts struct {
	logger zerolog.Logger
}

func (a *logAlerts) Notify(alert models.Alert) {
	a.logger.Warn().
		Str("sensor_id", alert.SensorID).
		Str("type", string(alert.Type)).
		Float64("value", alert.Value).
		Str("message", alert.Message).
		Msg("Sensor alert")
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
}

func main() {
	configPath := flag.String("config", "configs/engine.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging)
	logger.Info().
		Str("version", version).
		Str("server", cfg.Server.URL).
		Msg("Starting telemetry sync engine")

	if err := os.MkdirAll(filepath.Dir(cfg.Cache.Path), 0755); err != nil {
		log.Fatalf("Failed to create cache directory: %v", err)
	}
	snapshots, err := cache.NewSnapshotStore(cfg.Cache.Path, logger)
	if err != nil {
		log.Fatalf("Failed to open snapshot cache: %v", err)
	}

	var user *identity.User
	if cfg.Identity.UserID != "" {
		user = &identity.User{ID: cfg.Identity.UserID, Username: cfg.Identity.Username}
	}
	session := identity.NewStaticSession(user)

	client := transport.NewClient(transport.Config{
		URL:                  cfg.Server.URL,
		Token:                cfg.Server.AuthToken,
		HandshakeTimeout:     cfg.Server.ConnectTimeout,
		MaxConnectAttempts:   cfg.Server.MaxConnectAttempts,
		ReconnectInterval:    cfg.Server.ReconnectInterval,
		MaxReconnectInterval: cfg.Server.MaxReconnectInterval,
		PingInterval:         cfg.Server.PingInterval,
		PongTimeout:          cfg.Server.PongTimeout,
		RequestInterval:      cfg.Server.RequestInterval,
		RequestBurst:         cfg.Server.RequestBurst,
	}, logger)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	eng := engine.New(engine.Config{
		Supervisor: engine.SupervisorConfig{
			HealthInterval:  cfg.Engine.HealthInterval,
			ErrorClearAfter: cfg.Engine.ErrorClearAfter,
			ReconnectGrace:  cfg.Engine.ReconnectGrace,
			ConnectTimeout:  cfg.Server.ConnectTimeout,
		},
		SimulateNoise: cfg.Engine.SimulateNoise,
	}, client, session, snapshots, &logAlerts{logger: logger}, m, logger)

	if err := eng.Start(); err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s","connected":%t}`, version, eng.IsConnected())
	})
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/state/latest", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.Latest())
	})
	mux.HandleFunc("/state/history", func(w http.ResponseWriter, r *http.Request) {
		if sensorID := r.URL.Query().Get("sensor_id"); sensorID != "" {
			writeJSON(w, eng.SensorHistory(sensorID))
			return
		}
		writeJSON(w, eng.History())
	})
	mux.HandleFunc("/state/counts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.Counts())
	})
	mux.HandleFunc("/state/by-type", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.ByType())
	})
	mux.HandleFunc("/state/by-location", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.ByLocation())
	})
	mux.HandleFunc("/state/thresholds", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.Thresholds())
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, eng.Stats())
	})
	mux.HandleFunc("/refresh", func(w http.ResponseWriter, r *http.Request) {
		eng.Refresh()
		w.WriteHeader(http.StatusAccepted)
	})

	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler: mux,
	}

	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Status endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Status endpoint failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info().Msg("Shutting down engine...")

	eng.Stop()
	if err := snapshots.Close(); err != nil {
		logger.Error().Err(err).Msg("Snapshot cache close error")
	}
	server.Close()

	logger.Info().Msg("Engine stopped")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Write(data)
}
