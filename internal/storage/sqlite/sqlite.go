// Package sqlite is the default ledger store, backed by an embedded SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yegors/sessionpay/internal/ledger"
	"github.com/yegors/sessionpay/pkg/logger"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width UTC so stored timestamps compare correctly as text
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store is a SQLite-based session ledger and key store
type Store struct {
	db     *sql.DB
	logger *logger.Logger
}

var (
	_ ledger.Store    = (*Store)(nil)
	_ ledger.KeyStore = (*Store)(nil)
)

// Open opens (or creates) the database at dbPath and initializes its schema
func Open(dbPath string, log *logger.Logger) (*Store, error) {
	storageLogger := log.Named("sqlite")

	storageLogger.Info("Initializing SQLite ledger",
		logger.String("path", dbPath))

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection also serializes the
	// conditional updates the ledger relies on
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", p, err)
		}
	}

	if err := initDB(db, storageLogger); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, logger: storageLogger}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the handle for read-only tooling
func (s *Store) DB() *sql.DB {
	return s.db
}

func initDB(db *sql.DB, log *logger.Logger) error {
	log.Info("Initializing database schema")

	statements := []struct {
		name string
		sql  string
	}{
		{"sessions table", `
			CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				owner_wallet TEXT NOT NULL,
				smart_account_address TEXT NOT NULL,
				session_public_key TEXT NOT NULL,
				key_id TEXT NOT NULL,
				allowed_target_address TEXT NOT NULL,
				per_call_ceiling INTEGER NOT NULL,
				cumulative_budget INTEGER NOT NULL,
				not_before TEXT,
				not_after TEXT,
				enablement_proof BLOB,
				status TEXT NOT NULL,
				total_amount INTEGER NOT NULL,
				remaining_amount INTEGER NOT NULL CHECK (remaining_amount >= 0),
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				expires_at TEXT NOT NULL,
				CHECK (remaining_amount <= total_amount)
			)`},
		{"owner index", `CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_wallet, status, created_at)`},
		{"expiry index", `CREATE INDEX IF NOT EXISTS idx_sessions_expiry ON sessions(status, expires_at)`},
		{"reconciliations table", `
			CREATE TABLE IF NOT EXISTS reconciliations (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id),
				kind TEXT NOT NULL,
				amount INTEGER NOT NULL,
				withdrawal_tx TEXT,
				settlement_tx TEXT,
				reason TEXT NOT NULL,
				created_at TEXT NOT NULL,
				resolved_at TEXT,
				resolution TEXT
			)`},
		{"reconciliation index", `CREATE INDEX IF NOT EXISTS idx_reconciliations_open ON reconciliations(resolved_at, created_at)`},
		{"session_keys table", `
			CREATE TABLE IF NOT EXISTS session_keys (
				key_id TEXT PRIMARY KEY,
				address TEXT NOT NULL,
				sealed BLOB NOT NULL,
				created_at TEXT NOT NULL
			)`},
	}
	for _, st := range statements {
		if _, err := db.Exec(st.sql); err != nil {
			return fmt.Errorf("failed to create %s: %w", st.name, err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}

// KeyStore

// PutKey stores sealed key material
func (s *Store) PutKey(ctx context.Context, keyID, address string, sealed []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_keys (key_id, address, sealed, created_at) VALUES (?, ?, ?, ?)`,
		keyID, address, sealed, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to insert session key: %w", err)
	}
	return nil
}

// GetKey loads sealed key material
func (s *Store) GetKey(ctx context.Context, keyID string) (string, []byte, error) {
	var address string
	var sealed []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT address, sealed FROM session_keys WHERE key_id = ?`, keyID).Scan(&address, &sealed)
	if err == sql.ErrNoRows {
		return "", nil, ledger.ErrKeyNotFound
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to query session key: %w", err)
	}
	return address, sealed, nil
}

// DeleteKey removes key material; deleting a missing key is not an error
func (s *Store) DeleteKey(ctx context.Context, keyID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_keys WHERE key_id = ?`, keyID); err != nil {
		return fmt.Errorf("failed to delete session key: %w", err)
	}
	return nil
}
