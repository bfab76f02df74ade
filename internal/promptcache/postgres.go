package promptcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares the cache across processes through one upserted table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmt := `CREATE TABLE IF NOT EXISTS prompt_cache (
		kind TEXT NOT NULL,
		label TEXT NOT NULL,
		summary TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (kind, label)
	);`
	if _, err := pool.Exec(ctx, stmt); err != nil {
		return fmt.Errorf("init prompt_cache schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, kind Kind, label string) (string, bool, error) {
	label = normalizeLabel(label)
	if label == "" {
		return "", false, nil
	}
	var summary string
	err := s.pool.QueryRow(ctx,
		`SELECT summary FROM prompt_cache WHERE kind=$1 AND label=$2`,
		string(kind), label,
	).Scan(&summary)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s %q: %w", kind, label, err)
	}
	return summary, true, nil
}

func (s *PostgresStore) Put(ctx context.Context, kind Kind, label, summary string) error {
	label = normalizeLabel(label)
	if label == "" || summary == "" {
		return nil
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO prompt_cache (kind, label, summary, updated_at)
		 VALUES ($1, $2, $3, now())
		 ON CONFLICT (kind, label) DO UPDATE SET summary = EXCLUDED.summary, updated_at = EXCLUDED.updated_at`,
		string(kind), label, summary,
	)
	if err != nil {
		return fmt.Errorf("put %s %q: %w", kind, label, err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
