package store

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"askpdf/types"
)

// MemoryIndex is a brute-force in-process VectorIndex.
type MemoryIndex struct {
	flight      singleflight.Group
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	spec    types.CollectionSpec
	vectors []types.IndexedVector
}

var _ VectorIndex = (*MemoryIndex)(nil)

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]*memCollection)}
}

func (m *MemoryIndex) Ping(context.Context) error { return nil }

func (m *MemoryIndex) EnsureCollection(_ context.Context, spec types.CollectionSpec) error {
	return ensureOnce(&m.flight, spec, func() error {
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.collections[spec.Name]; ok {
			if c.spec.Dimensions != spec.Dimensions {
				return fmt.Errorf("%w: collection %s has %d dimensions, want %d",
					types.ErrDimensionMismatch, spec.Name, c.spec.Dimensions, spec.Dimensions)
			}
			return nil
		}
		m.collections[spec.Name] = &memCollection{spec: spec}
		return nil
	})
}

func (m *MemoryIndex) Upsert(_ context.Context, collection string, vectors []types.IndexedVector) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[collection]
	if !ok {
		return fmt.Errorf("collection %s does not exist", collection)
	}
	if err := checkDimensions(c.spec, vectors); err != nil {
		return err
	}
	for _, v := range vectors {
		v.Vector = append([]float32(nil), v.Vector...)
		c.vectors = append(c.vectors, v)
	}
	return nil
}

func (m *MemoryIndex) Query(_ context.Context, collection string, vector []float32, k int) ([]types.ScoredChunk, error) {
	if k <= 0 {
		return []types.ScoredChunk{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[collection]
	if !ok {
		return nil, fmt.Errorf("collection %s does not exist", collection)
	}
	if len(vector) != c.spec.Dimensions {
		return nil, fmt.Errorf("%w: query has %d dimensions, collection %s expects %d",
			types.ErrDimensionMismatch, len(vector), collection, c.spec.Dimensions)
	}

	hits := make([]types.ScoredChunk, len(c.vectors))
	for i, v := range c.vectors {
		hits[i] = types.ScoredChunk{Payload: v.Payload, Score: similarity(c.spec.Distance, v.Vector, vector)}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// Len reports how many vectors a collection holds.
func (m *MemoryIndex) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.collections[collection]; ok {
		return len(c.vectors)
	}
	return 0
}

func similarity(d types.Distance, a, b []float32) float64 {
	switch d {
	case types.DistanceDot:
		return dot(a, b)
	case types.DistanceEuclid:
		var sum float64
		for i := range a {
			diff := float64(a[i]) - float64(b[i])
			sum += diff * diff
		}
		return -math.Sqrt(sum)
	default:
		na, nb := math.Sqrt(dot(a, a)), math.Sqrt(dot(b, b))
		if na == 0 || nb == 0 {
			return 0
		}
		return dot(a, b) / (na * nb)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
