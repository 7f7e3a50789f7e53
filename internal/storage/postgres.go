package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// PostgresBackend stores objects as rows in the gtm_objects table.
// Bodies are kept as bytea so reads return exactly the bytes written.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresBackend creates a connection pool for dsn and verifies connectivity.
func NewPostgresBackend(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresBackend, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse pool DSN: %w", err)
	}

	// pgvector registration is best-effort: the extension is created by a
	// migration, so the first connections may predate it.
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("storage: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &PostgresBackend{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages.
func (p *PostgresBackend) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresBackend) Name() string { return "postgres" }

func (p *PostgresBackend) Put(ctx context.Context, key string, body []byte) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO gtm_objects (key, body, content_type, size_bytes, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (key) DO UPDATE
		SET body = EXCLUDED.body,
		    content_type = EXCLUDED.content_type,
		    size_bytes = EXCLUDED.size_bytes,
		    updated_at = now()`,
		key, body, ContentType, len(body),
	)
	return classify("store", key, err, pgKind)
}

func (p *PostgresBackend) Get(ctx context.Context, key string) ([]byte, error) {
	var body []byte
	err := p.pool.QueryRow(ctx, `SELECT body FROM gtm_objects WHERE key = $1`, key).Scan(&body)
	if err != nil {
		return nil, classify("read", key, err, pgKind)
	}
	return body, nil
}

func (p *PostgresBackend) ListPage(ctx context.Context, prefix, after string, limit int) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT key FROM gtm_objects
		WHERE starts_with(key, $1) AND key > $2
		ORDER BY key
		LIMIT $3`,
		prefix, after, limit,
	)
	if err != nil {
		return nil, classify("list", prefix, err, pgKind)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify("list", prefix, err, pgKind)
	}
	return keys, nil
}

func (p *PostgresBackend) Delete(ctx context.Context, key string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM gtm_objects WHERE key = $1`, key)
	return classify("delete", key, err, pgKind)
}

func (p *PostgresBackend) Ping(ctx context.Context) error {
	return classify("ping", "", p.pool.Ping(ctx), pgKind)
}

func (p *PostgresBackend) Close() error {
	p.pool.Close()
	return nil
}

// pgKind maps Postgres errors onto storage failure kinds.
func pgKind(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001", pgErr.Code == "40P01": // serialization_failure, deadlock_detected
			return ErrUnavailable
		case pgErr.Code == "42501", pgErr.Code[:2] == "28": // insufficient_privilege, invalid authorization
			return ErrAccessDenied
		case pgErr.Code[:2] == "08", pgErr.Code[:2] == "53", pgErr.Code[:2] == "57": // connection, resources, operator intervention
			return ErrUnavailable
		}
		// Other server errors (missing table, constraint violations) will not
		// succeed on retry.
		return ErrAccessDenied
	}
	// Dial failures, timeouts and closed connections.
	return ErrUnavailable
}
