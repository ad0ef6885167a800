// Package localstate keeps the client's sign-in between runs in a small
// SQLite file.
package localstate

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is swapped in tests.
var openDB = sql.Open

const (
	keyToken        = "token"
	keyRefreshToken = "refresh_token"
	keyProfile      = "profile"
)

var ErrNotFound = errors.New("not found")

// Profile is the cached signed-in user.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
}

type Store struct {
	db *sql.DB
}

// Open creates the file and its parent directory when missing.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("localstate: create dir: %w", err)
		}
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("localstate: open database: %w", err)
	}
	for _, p := range []string{"PRAGMA journal_mode = WAL", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("localstate: pragma %q: %w", p, err)
		}
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstate: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("localstate: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) get(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("localstate: get %s: %w", key, err)
	}
	return value, nil
}

// SaveSession stores the tokens and the profile in one transaction.
func (s *Store) SaveSession(accessToken, refreshToken string, profile Profile) error {
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("localstate: encode profile: %w", err)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("localstate: begin: %w", err)
	}
	defer tx.Rollback()
	now := time.Now().UTC().Format(time.RFC3339)
	for _, kv := range [][2]string{{keyToken, accessToken}, {keyRefreshToken, refreshToken}, {keyProfile, string(raw)}} {
		if _, err := tx.Exec(
			`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			kv[0], kv[1], now,
		); err != nil {
			return fmt.Errorf("localstate: put %s: %w", kv[0], err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstate: commit: %w", err)
	}
	return nil
}

// SetToken replaces the access token, e.g. after a refresh.
func (s *Store) SetToken(token string) error {
	return s.put(keyToken, token)
}

func (s *Store) Token() (string, error) {
	return s.get(keyToken)
}

func (s *Store) RefreshToken() (string, error) {
	return s.get(keyRefreshToken)
}

func (s *Store) Profile() (Profile, error) {
	raw, err := s.get(keyProfile)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Profile{}, fmt.Errorf("localstate: decode profile: %w", err)
	}
	return p, nil
}

// Clear forgets the signed-in user.
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM kv`); err != nil {
		return fmt.Errorf("localstate: clear: %w", err)
	}
	return nil
}
