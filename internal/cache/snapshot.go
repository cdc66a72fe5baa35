// Package cache persists engine state snapshots per identity so the
// latest-value map and history survive restarts. Snapshots are keyed by
// (kind, user key); "guest" is a valid pseudo-identity. Writes are best
// effort: failures are logged and swallowed, the in-memory view stays
// authoritative for the session.
package cache

import (
	"database/sql"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/agrisense/telemetry-sync/internal/models"
)

// Kind names a snapshot family.
type Kind string

const (
	KindLatest  Kind = "latest"
	KindHistory Kind = "history"
)

// SnapshotStore is a SQLite-backed key-value store for JSON snapshots.
type SnapshotStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewSnapshotStore opens (or creates) the snapshot database at path.
func NewSnapshotStore(path string, logger zerolog.Logger) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	// SQLite allows a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &SnapshotStore{db: db, logger: logger}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	logger.Info().Str("path", path).Msg("Snapshot store initialized")
	return store, nil
}

// Close closes the database connection.
func (s *SnapshotStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate creates the snapshot schema if it doesn't exist.
func (s *SnapshotStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		kind TEXT NOT NULL,
		user_key TEXT NOT NULL,
		payload BLOB NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (kind, user_key)
	);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	s.logger.Debug().Msg("Snapshot schema migrated")
	return nil
}

// LoadLatest returns the persisted latest-by-sensor map for userKey, or
// an empty map on absence or decode failure. Never returns an error.
func (s *SnapshotStore) LoadLatest(userKey string) map[string]models.Reading {
	latest := make(map[string]models.Reading)
	payload, ok := s.load(KindLatest, userKey)
	if !ok {
		return latest
	}
	if err := json.Unmarshal(payload, &latest); err != nil {
		s.logger.Warn().Err(err).Str("user_key", userKey).Msg("Discarding undecodable latest snapshot")
		return make(map[string]models.Reading)
	}
	return latest
}

// LoadHistory returns the persisted history for userKey, or an empty
// slice on absence or decode failure. Never returns an error.
func (s *SnapshotStore) LoadHistory(userKey string) []models.Reading {
	payload, ok := s.load(KindHistory, userKey)
	if !ok {
		return []models.Reading{}
	}
	var history []models.Reading
	if err := json.Unmarshal(payload, &history); err != nil {
		s.logger.Warn().Err(err).Str("user_key", userKey).Msg("Discarding undecodable history snapshot")
		return []models.Reading{}
	}
	return history
}

// SaveLatest persists the latest-by-sensor map for userKey. Failures are
// logged and swallowed.
func (s *SnapshotStore) SaveLatest(userKey string, latest map[string]models.Reading) {
	s.save(KindLatest, userKey, latest)
}

// SaveHistory persists the history for userKey. Failures are logged and
// swallowed.
func (s *SnapshotStore) SaveHistory(userKey string, history []models.Reading) {
	s.save(KindHistory, userKey, history)
}

// Delete removes both snapshot kinds for userKey.
func (s *SnapshotStore) Delete(userKey string) error {
	_, err := s.db.Exec("DELETE FROM snapshots WHERE user_key = ?", userKey)
	if err != nil {
		return fmt.Errorf("failed to delete snapshots: %w", err)
	}
	return nil
}

// load reads the raw payload for (kind, userKey).
func (s *SnapshotStore) load(kind Kind, userKey string) ([]byte, bool) {
	var payload []byte
	err := s.db.QueryRow(
		"SELECT payload FROM snapshots WHERE kind = ? AND user_key = ?",
		string(kind), userKey,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Str("user_key", userKey).Msg("Snapshot read failed")
		return nil, false
	}
	return payload, true
}

// save encodes and upserts the payload for (kind, userKey).
func (s *SnapshotStore) save(kind Kind, userKey string, value any) {
	payload, err := json.Marshal(value)
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Str("user_key", userKey).Msg("Snapshot encode failed")
		return
	}

	_, err = s.db.Exec(`
		INSERT INTO snapshots (kind, user_key, payload, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (kind, user_key) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, string(kind), userKey, payload, time.Now().UTC().Format("2006-01-02 15:04:05"))
	if err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Str("user_key", userKey).Msg("Snapshot write failed")
	}
}
