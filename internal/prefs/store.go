// Package prefs persists the process-wide voice preferences in SQLite.
package prefs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Preference keys
const (
	KeyBackend    = "tts.backend"
	KeyRate       = "tts.rate"
	KeyAutoListen = "voice.auto_listen"
	KeyEnabled    = "voice.enabled"
)

// ErrUnknownKey is returned for keys outside the known set
var ErrUnknownKey = errors.New("unknown preference key")

// Keys lists every known preference key in display order
func Keys() []string {
	return []string{KeyBackend, KeyRate, KeyAutoListen, KeyEnabled}
}

// Prefs is the typed view of the stored preferences
type Prefs struct {
	Backend    string  // local, remote
	Rate       float64 // synthesis rate multiplier
	AutoListen bool    // restart capture after each reply
	Enabled    bool    // voice mode on
}

// Defaults returns the preferences used for missing keys
func Defaults() Prefs {
	return Prefs{Backend: "local", Rate: 1.0, AutoListen: true, Enabled: true}
}

// Validate checks a raw value for key
func Validate(key, value string) error {
	switch key {
	case KeyBackend:
		if value != "local" && value != "remote" {
			return fmt.Errorf("%s must be local or remote, got %q", key, value)
		}
	case KeyRate:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%s must be a number: %w", key, err)
		}
		if f <= 0 {
			return fmt.Errorf("%s must be positive, got %v", key, f)
		}
	case KeyAutoListen, KeyEnabled:
		if _, err := strconv.ParseBool(value); err != nil {
			return fmt.Errorf("%s must be a boolean: %w", key, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return nil
}

// Store is a SQLite-backed key/value table
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	clock  func() time.Time
}

// Open opens or creates the store at path
func Open(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger.With().Str("component", "prefs").Logger(),
		clock:  time.Now,
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS prefs (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Close releases the database
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the raw value of key and whether it was stored
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// Set validates and writes value for key
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := Validate(key, value); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO prefs (key, value, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, s.clock().UTC())
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	s.logger.Debug().Str("key", key).Str("value", value).Msg("Preference saved")
	return nil
}

// Delete removes key so it falls back to its default
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM prefs WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// List returns all stored key/value pairs sorted by key
func (s *Store) List(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM prefs`)
	if err != nil {
		return nil, fmt.Errorf("list prefs: %w", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var kv [2]string
		if err := rows.Scan(&kv[0], &kv[1]); err != nil {
			return nil, fmt.Errorf("scan pref: %w", err)
		}
		out = append(out, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list prefs: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out, nil
}

// Load reads every known key over def. Missing or unparseable values keep
// their default.
func (s *Store) Load(ctx context.Context, def Prefs) (Prefs, error) {
	p := def
	rows, err := s.List(ctx)
	if err != nil {
		return def, err
	}
	for _, kv := range rows {
		key, value := kv[0], kv[1]
		if err := Validate(key, value); err != nil {
			s.logger.Warn().Err(err).Msg("Ignoring stored preference")
			continue
		}
		switch key {
		case KeyBackend:
			p.Backend = value
		case KeyRate:
			p.Rate, _ = strconv.ParseFloat(value, 64)
		case KeyAutoListen:
			p.AutoListen, _ = strconv.ParseBool(value)
		case KeyEnabled:
			p.Enabled, _ = strconv.ParseBool(value)
		}
	}
	return p, nil
}

// Values renders p as raw key/value strings
func (p Prefs) Values() map[string]string {
	return map[string]string{
		KeyBackend:    p.Backend,
		KeyRate:       strconv.FormatFloat(p.Rate, 'f', -1, 64),
		KeyAutoListen: strconv.FormatBool(p.AutoListen),
		KeyEnabled:    strconv.FormatBool(p.Enabled),
	}
}
