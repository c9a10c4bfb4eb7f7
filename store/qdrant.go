package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"askpdf/types"
)

// QdrantIndex is a minimal REST client to Qdrant. Payloads use the
// {content, metadata} layout so collections stay readable by other
// Qdrant tooling.
type QdrantIndex struct {
	baseURL string
	apiKey  string
	client  *http.Client

	flight singleflight.Group
	mu     sync.RWMutex
	specs  map[string]types.CollectionSpec
}

type QdrantConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

var _ VectorIndex = (*QdrantIndex)(nil)

type qdrantPayload struct {
	Content  string         `json:"content"`
	Metadata qdrantMetadata `json:"metadata"`
}

type qdrantMetadata struct {
	Filename    string    `json:"filename"`
	ChunkIndex  int       `json:"chunkIndex"`
	TotalChunks int       `json:"totalChunks"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

type qdrantPoint struct {
	ID      string        `json:"id"`
	Vector  []float32     `json:"vector"`
	Payload qdrantPayload `json:"payload"`
}

type qdrantCollectionInfo struct {
	Result struct {
		Config struct {
			Params struct {
				Vectors struct {
					Size     int    `json:"size"`
					Distance string `json:"distance"`
				} `json:"vectors"`
			} `json:"params"`
		} `json:"config"`
	} `json:"result"`
}

type qdrantUpdateResponse struct {
	Status string `json:"status"`
	Result struct {
		Status string `json:"status"`
	} `json:"result"`
}

type qdrantSearchResponse struct {
	Result []struct {
		Score   float64       `json:"score"`
		Payload qdrantPayload `json:"payload"`
	} `json:"result"`
}

func NewQdrantIndex(cfg QdrantConfig) *QdrantIndex {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &QdrantIndex{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		specs:   make(map[string]types.CollectionSpec),
	}
}

func (q *QdrantIndex) Ping(ctx context.Context) error {
	status, body, err := q.do(ctx, http.MethodGet, "/collections", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("qdrant GET /collections: status %d: %s", status, body)
	}
	return nil
}

func (q *QdrantIndex) EnsureCollection(ctx context.Context, spec types.CollectionSpec) error {
	return ensureOnce(&q.flight, spec, func() error {
		existing, found, err := q.collectionInfo(ctx, spec.Name)
		if err != nil {
			return err
		}
		if !found {
			body := map[string]any{
				"vectors": map[string]any{
					"size":     spec.Dimensions,
					"distance": string(spec.Distance),
				},
			}
			status, resp, err := q.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(spec.Name), body)
			if err != nil {
				return err
			}
			switch {
			case status == http.StatusOK:
				q.remember(spec)
				return nil
			case status == http.StatusConflict || strings.Contains(string(resp), "already exists"):
				// Lost a creation race; re-read what the winner created.
				existing, found, err = q.collectionInfo(ctx, spec.Name)
				if err != nil {
					return err
				}
				if !found {
					return fmt.Errorf("qdrant reported %s as existing but it cannot be read", spec.Name)
				}
			default:
				return fmt.Errorf("qdrant create collection %s: status %d: %s", spec.Name, status, resp)
			}
		}
		if existing.Dimensions != spec.Dimensions {
			return fmt.Errorf("%w: collection %s has %d dimensions, want %d",
				types.ErrDimensionMismatch, spec.Name, existing.Dimensions, spec.Dimensions)
		}
		q.remember(existing)
		return nil
	})
}

func (q *QdrantIndex) Upsert(ctx context.Context, collection string, vectors []types.IndexedVector) error {
	if len(vectors) == 0 {
		return nil
	}
	spec, err := q.spec(ctx, collection)
	if err != nil {
		return err
	}
	if err := checkDimensions(spec, vectors); err != nil {
		return err
	}

	points := make([]qdrantPoint, len(vectors))
	for i, v := range vectors {
		points[i] = qdrantPoint{
			ID:     v.ID.String(),
			Vector: v.Vector,
			Payload: qdrantPayload{
				Content: v.Payload.Content,
				Metadata: qdrantMetadata{
					Filename:    v.Payload.SourceFilename,
					ChunkIndex:  v.Payload.ChunkIndex,
					TotalChunks: v.Payload.TotalChunks,
					UploadedAt:  v.Payload.UploadedAt,
				},
			},
		}
	}

	path := "/collections/" + url.PathEscape(collection) + "/points?wait=true"
	status, body, err := q.do(ctx, http.MethodPut, path, map[string]any{"points": points})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("qdrant upsert into %s: status %d: %s", collection, status, body)
	}
	var resp qdrantUpdateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("qdrant upsert: decode response: %w", err)
	}
	if resp.Result.Status != "completed" && resp.Result.Status != "acknowledged" {
		return fmt.Errorf("qdrant upsert into %s: operation status %q", collection, resp.Result.Status)
	}
	return nil
}

func (q *QdrantIndex) Query(ctx context.Context, collection string, vector []float32, k int) ([]types.ScoredChunk, error) {
	if k <= 0 {
		return []types.ScoredChunk{}, nil
	}
	spec, err := q.spec(ctx, collection)
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"vector":       vector,
		"limit":        k,
		"with_payload": true,
	}
	status, body, err := q.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/search", req)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("qdrant search in %s: status %d: %s", collection, status, body)
	}

	var resp qdrantSearchResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("qdrant search: decode response: %w", err)
	}
	hits := make([]types.ScoredChunk, 0, len(resp.Result))
	for _, r := range resp.Result {
		score := r.Score
		if spec.Distance == types.DistanceEuclid {
			score = -score
		}
		hits = append(hits, types.ScoredChunk{
			Score: score,
			Payload: types.DocumentChunk{
				Content:        r.Payload.Content,
				SourceFilename: r.Payload.Metadata.Filename,
				ChunkIndex:     r.Payload.Metadata.ChunkIndex,
				TotalChunks:    r.Payload.Metadata.TotalChunks,
				UploadedAt:     r.Payload.Metadata.UploadedAt,
			},
		})
		if len(hits) == k {
			break
		}
	}
	return hits, nil
}

func (q *QdrantIndex) remember(spec types.CollectionSpec) {
	q.mu.Lock()
	q.specs[spec.Name] = spec
	q.mu.Unlock()
}

func (q *QdrantIndex) spec(ctx context.Context, name string) (types.CollectionSpec, error) {
	q.mu.RLock()
	spec, ok := q.specs[name]
	q.mu.RUnlock()
	if ok {
		return spec, nil
	}
	spec, found, err := q.collectionInfo(ctx, name)
	if err != nil {
		return types.CollectionSpec{}, err
	}
	if !found {
		return types.CollectionSpec{}, fmt.Errorf("collection %s does not exist", name)
	}
	q.remember(spec)
	return spec, nil
}

func (q *QdrantIndex) collectionInfo(ctx context.Context, name string) (types.CollectionSpec, bool, error) {
	status, body, err := q.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(name), nil)
	if err != nil {
		return types.CollectionSpec{}, false, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return types.CollectionSpec{}, false, nil
	default:
		return types.CollectionSpec{}, false, fmt.Errorf("qdrant GET collection %s: status %d: %s", name, status, body)
	}
	var info qdrantCollectionInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return types.CollectionSpec{}, false, fmt.Errorf("qdrant collection info: %w", err)
	}
	vectors := info.Result.Config.Params.Vectors
	return types.CollectionSpec{
		Name:       name,
		Dimensions: vectors.Size,
		Distance:   types.Distance(vectors.Distance),
	}, true, nil
}

func (q *QdrantIndex) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("qdrant: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, q.baseURL+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("qdrant: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if q.apiKey != "" {
		req.Header.Set("api-key", q.apiKey)
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("qdrant %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("qdrant: read response: %w", err)
	}
	return resp.StatusCode, data, nil
}
