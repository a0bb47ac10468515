package persist

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - cache_snapshots table
const currentSchemaVersion = 1

const keyPrefix = "session-cache:"

// Key returns the namespaced storage key of a user's snapshot.
func Key(userID string) string { return keyPrefix + userID }

// SQLite stores snapshots in a single-writer SQLite database.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite creates or opens the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("snapshot db path is required")
	}
	db, err := sql.Open("sqlite", filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

// Save overwrites the user's snapshot.
func (s *SQLite) Save(ctx context.Context, userID string, snap model.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cache_snapshots (storage_key, user_id, payload, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(storage_key) DO UPDATE SET
			user_id = excluded.user_id,
			payload = excluded.payload,
			saved_at = excluded.saved_at`,
		Key(userID), snap.UserID, string(payload), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the user's snapshot, or nil if none is stored or the stored
// document belongs to someone else.
func (s *SQLite) Load(ctx context.Context, userID string) (*model.Snapshot, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM cache_snapshots WHERE storage_key = ?`, Key(userID)).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return decode(userID, []byte(payload))
}

func (s *SQLite) Delete(ctx context.Context, userID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_snapshots WHERE storage_key = ?`, Key(userID)); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func decode(userID string, payload []byte) (*model.Snapshot, error) {
	var snap model.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if snap.UserID != userID {
		return nil, nil
	}
	return &snap, nil
}
