package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgCreateKV = `CREATE TABLE IF NOT EXISTS kv (
		key        TEXT        PRIMARY KEY,
		value      BYTEA       NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`

	pgLoadValue = `SELECT value FROM kv WHERE key = $1`

	pgUpsertValue = `INSERT INTO kv (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET
		 value = EXCLUDED.value,
		 updated_at = EXCLUDED.updated_at`
)

// Postgres is a Durable backed by a kv table in PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects a pool and creates the kv table if it is missing.
func OpenPostgres(ctx context.Context, url string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("store: connecting postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, pgCreateKV); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: creating kv table: %w", err)
	}

	if logger != nil {
		logger.Info("postgres storage opened", slog.String("host", pool.Config().ConnConfig.Host))
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Load(ctx context.Context, key string) ([]byte, error) {
	var data []byte

	err := p.pool.QueryRow(ctx, pgLoadValue, key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("store: postgres load %s: %w", key, err)
	}

	return data, nil
}

func (p *Postgres) Save(ctx context.Context, key string, data []byte) error {
	if _, err := p.pool.Exec(ctx, pgUpsertValue, key, data); err != nil {
		return fmt.Errorf("store: postgres save %s: %w", key, err)
	}

	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
