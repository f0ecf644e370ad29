package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	sqlLoadValue = `SELECT value FROM kv WHERE key = ?`

	sqlUpsertValue = `INSERT INTO kv (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		 value = excluded.value,
		 updated_at = excluded.updated_at`
)

// SQLite is a Durable backed by a single SQLite file.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and applies
// the schema migrations. WAL mode with synchronous=FULL makes every
// committed snapshot crash-safe.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: opening sqlite %s: %w", path, err)
	}

	// Sole-writer: flush goroutines share one connection.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("sqlite storage opened", slog.String("path", path))

	return &SQLite{db: db, logger: logger}, nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("store: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Debug("applied migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (s *SQLite) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte

	err := s.db.QueryRowContext(ctx, sqlLoadValue, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: sqlite load %s: %w", key, err)
	}

	return data, nil
}

func (s *SQLite) Save(ctx context.Context, key string, data []byte) error {
	if _, err := s.db.ExecContext(ctx, sqlUpsertValue, key, data, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("store: sqlite save %s: %w", key, err)
	}

	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
