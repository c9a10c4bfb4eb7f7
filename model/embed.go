package model

import (
	"context"

	"askpdf/types"
)

// Embedder maps text to a fixed-length vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Generator streams a chat completion. onDelta is called once per
// increment; a non-nil return stops generation and is returned as is.
type Generator interface {
	GenerateStream(ctx context.Context, messages []types.Message, onDelta func(string) error) error
}

// ModelLister is the health-check view of the generator backend.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}
