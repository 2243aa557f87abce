// Package db is the SQLite store behind the tchatd development service.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tOgg1/toolchat/internal/logging"
)

// timeLayout is fixed width so stored timestamps sort lexicographically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const defaultBusyTimeout = 5 * time.Second

// Config configures Open.
type Config struct {
	// Path is the database file. Parent directories are created.
	Path string

	// BusyTimeout is how long SQLite waits on a locked database.
	BusyTimeout time.Duration

	// MaxOpenConns caps the connection pool (0 keeps the driver default).
	MaxOpenConns int
}

// DB wraps the SQLite handle.
type DB struct {
	*sql.DB
	path   string
	logger zerolog.Logger
}

// Open opens the database and applies the schema.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=synchronous(NORMAL)",
		path, busy.Milliseconds())

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		conn.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: conn, path: path, logger: logging.Component("db")}
	if err := db.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	db.logger.Debug().Str("path", path).Msg("database ready")
	return db, nil
}

// Path is the database file.
func (db *DB) Path() string { return db.path }

// Close closes the handle. Safe on nil.
func (db *DB) Close() error {
	if db == nil || db.DB == nil {
		return nil
	}
	return db.DB.Close()
}

// Transaction runs fn in a transaction, committing when fn returns nil.
func (db *DB) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			db.logger.Warn().Err(rbErr).Msg("rollback failed")
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (db *DB) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS communities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			image_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS community_members (
			community_id TEXT NOT NULL REFERENCES communities(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			joined_at TEXT NOT NULL,
			PRIMARY KEY (community_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conv_key TEXT NOT NULL,
			type TEXT NOT NULL CHECK (type IN ('private', 'community', 'general')),
			sender_id TEXT NOT NULL,
			recipient_id TEXT NOT NULL DEFAULT '',
			community_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			images_json TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS message_reads (
			user_id TEXT NOT NULL,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			read_at TEXT NOT NULL,
			PRIMARY KEY (user_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS messages_conv_idx ON messages(conv_key, seq)`,
		`CREATE INDEX IF NOT EXISTS messages_sender_idx ON messages(sender_id)`,
		`CREATE INDEX IF NOT EXISTS community_members_user_idx ON community_members(user_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Parse(time.RFC3339Nano, value)
	}
	return t, nil
}
