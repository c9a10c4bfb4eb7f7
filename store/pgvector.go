package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	"golang.org/x/sync/singleflight"

	"askpdf/types"
)

// PgVectorIndex keeps one table per collection plus a registry table
// recording each collection's dimensionality and distance.
type PgVectorIndex struct {
	pool   *pgxpool.Pool
	flight singleflight.Group
	mu     sync.RWMutex
	specs  map[string]types.CollectionSpec
}

var _ VectorIndex = (*PgVectorIndex)(nil)

type distanceOps struct {
	operator string
	opclass  string
	score    string
}

var pgDistances = map[types.Distance]distanceOps{
	types.DistanceCosine: {operator: "<=>", opclass: "vector_cosine_ops", score: "1 - (embedding <=> $1)"},
	types.DistanceDot:    {operator: "<#>", opclass: "vector_ip_ops", score: "-(embedding <#> $1)"},
	types.DistanceEuclid: {operator: "<->", opclass: "vector_l2_ops", score: "-(embedding <-> $1)"},
}

func NewPgVectorIndex(pool *pgxpool.Pool) *PgVectorIndex {
	return &PgVectorIndex{
		pool:  pool,
		specs: make(map[string]types.CollectionSpec),
	}
}

func (p *PgVectorIndex) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func tableName(collection string) string {
	return pgx.Identifier{"collection_" + collection}.Sanitize()
}

func indexName(collection string) string {
	return pgx.Identifier{"idx_collection_" + collection + "_embedding"}.Sanitize()
}

func (p *PgVectorIndex) EnsureCollection(ctx context.Context, spec types.CollectionSpec) error {
	return ensureOnce(&p.flight, spec, func() error {
		if err := p.createRegistry(ctx); err != nil {
			return err
		}
		existing, found, err := p.lookup(ctx, spec.Name)
		if err != nil {
			return err
		}
		if !found {
			if err := p.createCollection(ctx, spec); err != nil {
				if !isAlreadyExists(err) {
					return fmt.Errorf("create collection %s: %w", spec.Name, err)
				}
			}
			if existing, found, err = p.lookup(ctx, spec.Name); err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("collection %s missing after creation", spec.Name)
			}
		}
		if existing.Dimensions != spec.Dimensions {
			return fmt.Errorf("%w: collection %s has %d dimensions, want %d",
				types.ErrDimensionMismatch, spec.Name, existing.Dimensions, spec.Dimensions)
		}
		p.remember(existing)
		return nil
	})
}

func (p *PgVectorIndex) createRegistry(ctx context.Context) error {
	query := `
	CREATE EXTENSION IF NOT EXISTS vector;

	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		dimensions INTEGER NOT NULL,
		distance TEXT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
	);
	`
	if _, err := p.pool.Exec(ctx, query); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("create collections registry: %w", err)
	}
	return nil
}

func (p *PgVectorIndex) createCollection(ctx context.Context, spec types.CollectionSpec) error {
	ops := pgDistances[spec.Distance]
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`INSERT INTO collections (name, dimensions, distance) VALUES ($1, $2, $3) ON CONFLICT (name) DO NOTHING`,
		spec.Name, spec.Dimensions, string(spec.Distance))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Another process registered it first.
		return tx.Commit(ctx)
	}

	table := tableName(spec.Name)
	ddl := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS %s (
		id UUID PRIMARY KEY,
		embedding vector(%d) NOT NULL,
		content TEXT NOT NULL,
		filename TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		total_chunks INTEGER NOT NULL,
		uploaded_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (embedding %s);
	`, table, spec.Dimensions, indexName(spec.Name), table, ops.opclass)
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *PgVectorIndex) lookup(ctx context.Context, name string) (types.CollectionSpec, bool, error) {
	spec := types.CollectionSpec{Name: name}
	var distance string
	err := p.pool.QueryRow(ctx,
		`SELECT dimensions, distance FROM collections WHERE name = $1`, name,
	).Scan(&spec.Dimensions, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.CollectionSpec{}, false, nil
	}
	if err != nil {
		return types.CollectionSpec{}, false, fmt.Errorf("lookup collection %s: %w", name, err)
	}
	spec.Distance = types.Distance(distance)
	return spec, true, nil
}

func (p *PgVectorIndex) remember(spec types.CollectionSpec) {
	p.mu.Lock()
	p.specs[spec.Name] = spec
	p.mu.Unlock()
}

func (p *PgVectorIndex) spec(ctx context.Context, name string) (types.CollectionSpec, error) {
	p.mu.RLock()
	spec, ok := p.specs[name]
	p.mu.RUnlock()
	if ok {
		return spec, nil
	}
	spec, found, err := p.lookup(ctx, name)
	if err != nil {
		return types.CollectionSpec{}, err
	}
	if !found {
		return types.CollectionSpec{}, fmt.Errorf("collection %s does not exist", name)
	}
	p.remember(spec)
	return spec, nil
}

// Upsert writes the whole batch in one transaction.
func (p *PgVectorIndex) Upsert(ctx context.Context, collection string, vectors []types.IndexedVector) error {
	if len(vectors) == 0 {
		return nil
	}
	spec, err := p.spec(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDimensions(spec, vectors); err != nil {
		return err
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`
	INSERT INTO %s (id, embedding, content, filename, chunk_index, total_chunks, uploaded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (id) DO UPDATE SET
		embedding = EXCLUDED.embedding,
		content = EXCLUDED.content
	`, tableName(collection))

	batch := &pgx.Batch{}
	for _, v := range vectors {
		batch.Queue(query,
			v.ID,
			pgvector.NewVector(v.Vector),
			v.Payload.Content,
			v.Payload.SourceFilename,
			v.Payload.ChunkIndex,
			v.Payload.TotalChunks,
			v.Payload.UploadedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert into %s: %w", collection, err)
	}
	return tx.Commit(ctx)
}

func (p *PgVectorIndex) Query(ctx context.Context, collection string, vector []float32, k int) ([]types.ScoredChunk, error) {
	if k <= 0 {
		return []types.ScoredChunk{}, nil
	}
	spec, err := p.spec(ctx, collection)
	if err != nil {
		return nil, err
	}
	ops := pgDistances[spec.Distance]

	query := fmt.Sprintf(`
		SELECT content, filename, chunk_index, total_chunks, uploaded_at, %s AS score
		FROM %s
		ORDER BY embedding %s $1
		LIMIT $2
	`, ops.score, tableName(collection), ops.operator)

	rows, err := p.pool.Query(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	defer rows.Close()

	hits := make([]types.ScoredChunk, 0, k)
	for rows.Next() {
		var hit types.ScoredChunk
		if err := rows.Scan(
			&hit.Payload.Content,
			&hit.Payload.SourceFilename,
			&hit.Payload.ChunkIndex,
			&hit.Payload.TotalChunks,
			&hit.Payload.UploadedAt,
			&hit.Score,
		); err != nil {
			return nil, err
		}
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}
