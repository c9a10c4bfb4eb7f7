package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"askpdf/config"
)

// Backends bundles the stores selected by the configuration. Pool is nil
// when neither backend lives in Postgres.
type Backends struct {
	Pool  *pgxpool.Pool
	Index VectorIndex
	Queue JobQueue
}

func (b *Backends) Close() {
	ClosePool(b.Pool)
}

// Open builds the vector index and the job queue named in cfg. The
// Postgres queue table is created here; the vector collection is not,
// the ingestion worker bootstraps it once the store is reachable.
func Open(ctx context.Context, cfg *config.Config) (*Backends, error) {
	b := &Backends{}
	if cfg.NeedsPostgres() {
		pool, err := NewPostgresPool(ctx, cfg.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		b.Pool = pool
	}

	switch cfg.VectorBackend {
	case "pgvector":
		b.Index = NewPgVectorIndex(b.Pool)
	case "qdrant":
		b.Index = NewQdrantIndex(QdrantConfig{URL: cfg.QdrantURL, APIKey: cfg.QdrantAPIKey})
	case "memory":
		b.Index = NewMemoryIndex()
	default:
		b.Close()
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}

	qcfg := QueueConfig{Lease: cfg.JobLease, MaxAttempts: cfg.MaxJobAttempts}
	switch cfg.QueueBackend {
	case "postgres":
		if err := WaitReady(ctx, b.Pool, cfg.ReadyAttempts, cfg.ReadyDelay, nil); err != nil {
			b.Close()
			return nil, err
		}
		q := NewPostgresQueue(b.Pool, qcfg)
		if err := q.Init(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.Queue = q
	case "memory":
		b.Queue = NewMemoryQueue(qcfg)
	default:
		b.Close()
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
	return b, nil
}
