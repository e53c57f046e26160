// Package store persists the Slack archive in SQLite.
//
// It owns the schema (messages, users, channels, last_query) and the
// transaction boundary used by the event loop: a transaction opened with
// WithTx travels in the context, so every store call made with that
// context joins it.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
)

func init() {
	// SQLite's lower() only folds ASCII.
	if err := sqlite.RegisterDeterministicScalarFunction("ulower", 1, unicodeLower); err != nil {
		panic(fmt.Sprintf("store: register ulower: %v", err))
	}
}

func unicodeLower(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

// ─── Types ───────────────────────────────────────────────────────────────────

type Message struct {
	Text            string  `json:"message"`
	UserID          string  `json:"user"`
	ChannelID       string  `json:"channel"`
	Timestamp       string  `json:"timestamp"`
	ThreadTimestamp *string `json:"thread_timestamp,omitempty"`
}

type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar"`
}

type Channel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// MessageView is a search hit: the stored message plus the text of its
// thread root, when the root is archived.
type MessageView struct {
	Message
	ThreadTitle *string `json:"thread_title,omitempty"`
}

type Stats struct {
	Count    int64     `json:"count"`
	Earliest time.Time `json:"earliest"`
	Latest   time.Time `json:"latest"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

type Config struct {
	Path        string
	BusyTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Path:        filepath.Join("data", "slack.sqlite"),
		BusyTimeout: 5 * time.Second,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

type Store struct {
	db  *sql.DB
	cfg Config
}

func New(cfg Config) (*Store, error) {
	if dir := filepath.Dir(cfg.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// One connection keeps pragmas and the per-event transaction on the
	// same handle.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()),
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.cfg.Path
}

// ─── Transactions ────────────────────────────────────────────────────────────

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction. If ctx already carries one, fn joins
// it and the outermost caller decides commit or rollback.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}

	// the store has a single connection; a leaked tx would block every caller
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("store: rollback: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// ─── Migrations ──────────────────────────────────────────────────────────────

type migration struct {
	version int
	name    string
	apply   func(ctx context.Context, q querier) error
}

var migrations = []migration{
	{1, "base tables", func(ctx context.Context, q querier) error {
		_, err := q.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS messages (
				message   TEXT,
				user      TEXT,
				channel   TEXT,
				timestamp TEXT,
				UNIQUE(channel, timestamp) ON CONFLICT REPLACE
			);

			CREATE TABLE IF NOT EXISTS users (
				name   TEXT,
				id     TEXT,
				avatar TEXT,
				UNIQUE(id) ON CONFLICT REPLACE
			);

			CREATE TABLE IF NOT EXISTS channels (
				name TEXT,
				id   TEXT,
				UNIQUE(id) ON CONFLICT REPLACE
			);

			CREATE TABLE IF NOT EXISTS last_query (
				channel   TEXT,
				timestamp INT,
				UNIQUE(channel) ON CONFLICT REPLACE
			);
		`)
		return err
	}},
	{2, "thread timestamps", func(ctx context.Context, q querier) error {
		return addColumnIfNotExists(ctx, q, "messages", "thread_timestamp", "TEXT")
	}},
	{3, "search indexes", func(ctx context.Context, q querier) error {
		_, err := q.ExecContext(ctx, `
			CREATE INDEX IF NOT EXISTS idx_messages_user   ON messages(user);
			CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(channel, thread_timestamp);
		`)
		return err
	}},
}

// migrate brings the schema up to the latest version. Archives written
// before versioning existed have the tables but no schema_version row;
// every step is idempotent, so they upgrade in place.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return err
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.WithTx(ctx, func(ctx context.Context) error {
			q := s.conn(ctx)
			if err := m.apply(ctx, q); err != nil {
				return err
			}
			_, err := q.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("version %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.conn(ctx).QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	return v, err
}

func addColumnIfNotExists(ctx context.Context, q querier, tableName, columnName, definition string) error {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return err
		}
		if name == columnName {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	_, err = q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", tableName, columnName, definition))
	return err
}
