package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPostgresPool connects to Postgres. It does not ping: readiness is
// checked separately so startup can wait for the database.
func NewPostgresPool(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

func ClosePool(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
		slog.Info("Postgres connection pool is closed")
	}
}

// isAlreadyExists matches the errors Postgres raises when two sessions
// race on CREATE ... IF NOT EXISTS.
func isAlreadyExists(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "42P07", "42710", "23505":
		return true
	}
	return false
}
