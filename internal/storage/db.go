package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
	now    func() time.Time
}

func Open(ctx context.Context, driver, dsn string, autoMigrate bool) (*Store, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	sqlDriver := driver
	if driver == "postgres" {
		sqlDriver = "pgx"
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if autoMigrate {
		switch driver {
		case "postgres":
			goose.SetBaseFS(migrationsFS)
			if err := goose.SetDialect("postgres"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set goose dialect: %w", err)
			}
			if err := goose.UpContext(ctx, db, "migrations"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		case "sqlite":
			if err := initSQLiteSchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init sqlite schema: %w", err)
			}
		default:
			_ = db.Close()
			return nil, fmt.Errorf("unsupported driver %q", driver)
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &Store{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetClock overrides the write timestamp source. Timestamps are always
// stored in UTC so range filters compare consistently on sqlite.
func (s *Store) SetClock(now func() time.Time) {
	s.now = func() time.Time { return now().UTC() }
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS bots (
    id TEXT PRIMARY KEY,
    owner_id TEXT NOT NULL,
    name TEXT NOT NULL,
    provider TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL,
    enc_api_key TEXT,
    instructions TEXT NOT NULL DEFAULT '',
    starters_json TEXT NOT NULL DEFAULT '[]',
    avatar TEXT NOT NULL DEFAULT '',
    params_json TEXT NOT NULL DEFAULT '{}',
    memory_enabled INTEGER NOT NULL DEFAULT 0,
    memory_bot_id TEXT,
    access_type TEXT NOT NULL DEFAULT 'private',
    published INTEGER NOT NULL DEFAULT 0,
    share_key TEXT,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS shared_bots (
    share_key TEXT PRIMARY KEY,
    bot_id TEXT NOT NULL,
    enc_api_key TEXT,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS profiles (
    user_id TEXT PRIMARY KEY,
    role TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS subscription_limits (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_or_model TEXT NOT NULL,
    user_role TEXT NOT NULL,
    units_per_period INTEGER NOT NULL,
    limit_type TEXT NOT NULL,
    reset_period TEXT NOT NULL,
    reset_amount INTEGER NOT NULL DEFAULT 1,
    lifetime_max_units INTEGER,
    UNIQUE(bot_or_model, user_role)
);
CREATE TABLE IF NOT EXISTS chat_history (
    id TEXT PRIMARY KEY,
    bot_id TEXT NOT NULL,
    messages_json TEXT NOT NULL DEFAULT '[]',
    user_id TEXT,
    session_token TEXT,
    client_id TEXT,
    share_key TEXT,
    sequence_number INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    deleted TEXT NOT NULL DEFAULT 'no',
    tokens_used INTEGER NOT NULL DEFAULT 0,
    messages_used INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS usage_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id TEXT NOT NULL,
    identity_key TEXT NOT NULL,
    messages INTEGER NOT NULL DEFAULT 0,
    tokens INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS user_contexts (
    bot_id TEXT NOT NULL,
    identity_key TEXT NOT NULL,
    user_id TEXT,
    session_token TEXT,
    client_id TEXT,
    kind TEXT NOT NULL DEFAULT 'facts',
    context_json TEXT NOT NULL DEFAULT '{}',
    last_updated DATETIME NOT NULL,
    PRIMARY KEY (bot_id, identity_key)
);
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id TEXT NOT NULL,
    actor TEXT NOT NULL,
    action TEXT NOT NULL,
    meta_json TEXT NOT NULL DEFAULT '{}',
    created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chat_history_bot_user ON chat_history(bot_id, user_id);
CREATE INDEX IF NOT EXISTS idx_chat_history_bot_session ON chat_history(bot_id, session_token);
CREATE INDEX IF NOT EXISTS idx_chat_history_bot_client ON chat_history(bot_id, client_id, share_key);
CREATE INDEX IF NOT EXISTS idx_usage_events_window ON usage_events(bot_id, identity_key, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_log_bot_id_created_at ON audit_log(bot_id, created_at DESC);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}
