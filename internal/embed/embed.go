// Package embed turns chunk text into dense vectors for the vector backend.
package embed

import (
	"context"
	"math"
)

// Embedder produces fixed-size vectors for text.
type Embedder interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per text, in order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions is the length of every returned vector.
	Dimensions() int
	// ModelName identifies the embedding model in cache keys and payloads.
	ModelName() string
	Close() error
}

// normalize scales v to unit length in place. Zero vectors are left as is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
