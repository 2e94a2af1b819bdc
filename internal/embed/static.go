package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"unicode"
)

// DefaultStaticDimensions is the vector size of NewStaticEmbedder(0).
const DefaultStaticDimensions = 256

const (
	wordWeight    = 0.7
	trigramWeight = 0.3
)

// stopWords are dropped before hashing words; trigrams still see them.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {},
	"that": {}, "the": {}, "this": {}, "to": {}, "was": {}, "with": {},
}

// StaticEmbedder is a deterministic feature-hashing embedder. It needs no
// model files or network, which makes index contents reproducible in tests.
type StaticEmbedder struct {
	dims int

	mu     sync.RWMutex
	closed bool
}

// NewStaticEmbedder returns an embedder producing dims-sized vectors.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = DefaultStaticDimensions
	}
	return &StaticEmbedder{dims: dims}
}

// Embed implements Embedder.
func (e *StaticEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := e.check(ctx); err != nil {
		return nil, err
	}

	vec := make([]float32, e.dims)
	words := Words(text)
	for _, w := range words {
		if _, stop := stopWords[w]; stop {
			continue
		}
		vec[e.bucket(w)] += wordWeight
	}
	for _, w := range words {
		for _, g := range trigrams(w) {
			vec[e.bucket("#"+g)] += trigramWeight
		}
	}
	return normalize(vec), nil
}

// EmbedBatch implements Embedder.
func (e *StaticEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dimensions implements Embedder.
func (e *StaticEmbedder) Dimensions() int { return e.dims }

// ModelName implements Embedder.
func (e *StaticEmbedder) ModelName() string { return fmt.Sprintf("static-%d", e.dims) }

// Close implements Embedder.
func (e *StaticEmbedder) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *StaticEmbedder) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return fmt.Errorf("embedder is closed")
	}
	return nil
}

func (e *StaticEmbedder) bucket(s string) int {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(e.dims))
}

// Words lowercases text and splits it on anything that is not a letter or digit.
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func trigrams(word string) []string {
	runes := []rune(word)
	if len(runes) < 3 {
		return nil
	}
	grams := make([]string, 0, len(runes)-2)
	for i := 0; i+3 <= len(runes); i++ {
		grams = append(grams, string(runes[i:i+3]))
	}
	return grams
}
