package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"askpdf/types"
)

// VectorIndex is the narrow protocol to the external vector store.
type VectorIndex interface {
	Ping(ctx context.Context) error
	// EnsureCollection creates the collection if it does not exist yet.
	// An existing collection with another dimensionality yields
	// types.ErrDimensionMismatch.
	EnsureCollection(ctx context.Context, spec types.CollectionSpec) error
	// Upsert stores all vectors or reports an error.
	Upsert(ctx context.Context, collection string, vectors []types.IndexedVector) error
	// Query returns at most k payloads, best first.
	Query(ctx context.Context, collection string, vector []float32, k int) ([]types.ScoredChunk, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// WaitReady pings p up to attempts times with a linearly growing delay
// (attempt*delay, capped at 4*delay).
func WaitReady(ctx context.Context, p Pinger, attempts int, delay time.Duration, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := p.Ping(ctx)
		if err == nil {
			logger.Info("vector store is ready", "attempt", attempt)
			return nil
		}
		lastErr = err
		logger.Warn("waiting for vector store", "attempt", attempt, "of", attempts, "error", lastErr)
		if attempt == attempts {
			break
		}
		wait := time.Duration(min(attempt, 4)) * delay
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return fmt.Errorf("%w after %d attempts: %w", types.ErrNotReady, attempts, lastErr)
}

// ensureOnce collapses concurrent EnsureCollection calls for the same
// collection spec into one backend round trip. Callers asking for the same
// name with other parameters run separately and see their own mismatch.
func ensureOnce(g *singleflight.Group, spec types.CollectionSpec, fn func() error) error {
	if spec.Name == "" {
		return errors.New("collection name is required")
	}
	if spec.Dimensions <= 0 {
		return fmt.Errorf("invalid dimensionality %d", spec.Dimensions)
	}
	if !spec.Distance.Valid() {
		return fmt.Errorf("unsupported distance %q", spec.Distance)
	}
	key := fmt.Sprintf("%s/%d/%s", spec.Name, spec.Dimensions, spec.Distance)
	_, err, _ := g.Do(key, func() (any, error) {
		return nil, fn()
	})
	return err
}

func checkDimensions(spec types.CollectionSpec, vectors []types.IndexedVector) error {
	for i, v := range vectors {
		if len(v.Vector) != spec.Dimensions {
			return fmt.Errorf("%w: vector %d has %d dimensions, collection %s expects %d",
				types.ErrDimensionMismatch, i, len(v.Vector), spec.Name, spec.Dimensions)
		}
	}
	return nil
}
