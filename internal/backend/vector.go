package backend

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coder/hnsw"
	"github.com/goccy/go-json"

	"github.com/Aman-CERP/amanidx/internal/embed"
	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

// VectorConfig configures the vector backend.
type VectorConfig struct {
	// Path of the graph file; empty keeps the index in memory only.
	Path string
	// Metric is "cosine" or "euclidean".
	Metric string
	M      int
	EfSize int
}

// VectorHit is one nearest-neighbour match.
type VectorHit struct {
	ChunkID    string
	DocumentID string
	Distance   float32
}

// vectorMeta is the sidecar persisted next to the HNSW graph.
type vectorMeta struct {
	Keys      map[string]uint64   `json:"keys"`
	Docs      map[string][]string `json:"docs"`
	NextKey   uint64              `json:"next_key"`
	Dims      int                 `json:"dims"`
	Metric    string              `json:"metric"`
	ModelName string              `json:"model"`
}

// VectorBackend embeds prepared chunks and stores them in an HNSW graph.
// Replaced or deleted chunks are removed lazily: their graph nodes stay but
// lose their key mapping, so they never surface in search results.
type VectorBackend struct {
	cfg      VectorConfig
	embedder embed.Embedder

	mu      sync.RWMutex
	graph   *hnsw.Graph[uint64]
	keys    map[string]uint64 // chunk id -> graph key
	owners  map[uint64]string // graph key -> chunk id
	docs    map[string][]string
	nextKey uint64
	closed  bool
}

// NewVectorBackend opens or creates the vector index.
func NewVectorBackend(cfg VectorConfig, embedder embed.Embedder) (*VectorBackend, error) {
	if cfg.Metric == "" {
		cfg.Metric = "cosine"
	}
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfSize == 0 {
		cfg.EfSize = 20
	}

	v := &VectorBackend{
		cfg:      cfg,
		embedder: embedder,
		graph:    newGraph(cfg),
		keys:     make(map[string]uint64),
		owners:   make(map[uint64]string),
		docs:     make(map[string][]string),
	}

	if cfg.Path != "" {
		if err := v.load(); err != nil {
			slog.Warn("vector_index_reset",
				slog.String("path", cfg.Path),
				slog.String("error", err.Error()))
			v.graph = newGraph(cfg)
			v.keys = make(map[string]uint64)
			v.owners = make(map[uint64]string)
			v.docs = make(map[string][]string)
			v.nextKey = 0
		}
	}
	return v, nil
}

func newGraph(cfg VectorConfig) *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	if strings.EqualFold(cfg.Metric, "euclidean") {
		g.Distance = hnsw.EuclideanDistance
	} else {
		g.Distance = hnsw.CosineDistance
	}
	g.M = cfg.M
	g.EfSearch = cfg.EfSize
	g.Ml = 0.25
	return g
}

// Type implements Backend.
func (v *VectorBackend) Type() model.IndexType { return model.IndexTypeVector }

// Create implements Backend.
func (v *VectorBackend) Create(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return v.upsert(ctx, docID, prepared)
}

// Update implements Backend. Old chunks of the document are replaced.
func (v *VectorBackend) Update(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return v.upsert(ctx, docID, prepared)
}

func (v *VectorBackend) upsert(ctx context.Context, docID string, prepared *model.Prepared) Result {
	if prepared == nil {
		return Failed(errors.Permanent(errors.ValidationError("vector: nothing prepared for "+docID, nil)))
	}

	texts := make([]string, len(prepared.Chunks))
	for i, c := range prepared.Chunks {
		texts[i] = embedText(prepared.Title, c)
	}
	vectors, err := v.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return Failed(errors.New(errors.ErrCodeEmbeddingFailed, "embed chunks of "+docID, err))
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return Failed(errors.BackendUnavailable("vector index is closed", nil))
	}

	v.forget(docID)
	ids := make([]string, 0, len(prepared.Chunks))
	for i, c := range prepared.Chunks {
		if len(vectors[i]) != v.embedder.Dimensions() {
			return Failed(errors.Permanent(errors.InternalError(
				fmt.Sprintf("vector: got %d dimensions, want %d", len(vectors[i]), v.embedder.Dimensions()), nil)))
		}
		if isZero(vectors[i]) {
			continue
		}
		key := v.nextKey
		v.nextKey++
		v.graph.Add(hnsw.MakeNode(key, vectors[i]))
		v.keys[c.ID] = key
		v.owners[key] = c.ID
		ids = append(ids, c.ID)
	}
	if len(ids) > 0 {
		v.docs[docID] = ids
	}

	if err := v.save(); err != nil {
		return Failed(errors.BackendUnavailable("vector: persist index", err))
	}
	return Succeeded(encodePayload(map[string]any{
		"chunks":     len(ids),
		"dimensions": v.embedder.Dimensions(),
		"model":      v.embedder.ModelName(),
	}))
}

// Delete implements Backend.
func (v *VectorBackend) Delete(ctx context.Context, docID string) Result {
	if err := ctx.Err(); err != nil {
		return Failed(err)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return Failed(errors.BackendUnavailable("vector index is closed", nil))
	}

	removed := v.forget(docID)
	if removed > 0 {
		if err := v.save(); err != nil {
			return Failed(errors.BackendUnavailable("vector: persist index", err))
		}
	}
	return Succeeded(encodePayload(map[string]int{"removed": removed}))
}

// forget drops the key mappings of docID's chunks. Caller holds v.mu.
func (v *VectorBackend) forget(docID string) int {
	ids := v.docs[docID]
	for _, id := range ids {
		if key, ok := v.keys[id]; ok {
			delete(v.owners, key)
			delete(v.keys, id)
		}
	}
	delete(v.docs, docID)
	return len(ids)
}

// Search returns up to k chunks nearest to text.
func (v *VectorBackend) Search(ctx context.Context, text string, k int) ([]VectorHit, error) {
	query, err := v.embedder.Embed(ctx, text)
	if err != nil {
		return nil, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed || v.graph.Len() == 0 || isZero(query) {
		return nil, nil
	}

	// Lazily deleted nodes still occupy result slots, so over-fetch.
	nodes := v.graph.Search(query, k+v.graph.Len()-len(v.owners))
	hits := make([]VectorHit, 0, k)
	for _, n := range nodes {
		chunkID, ok := v.owners[n.Key]
		if !ok {
			continue
		}
		hits = append(hits, VectorHit{
			ChunkID:    chunkID,
			DocumentID: documentOf(chunkID),
			Distance:   v.graph.Distance(query, n.Value),
		})
		if len(hits) == k {
			break
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })
	return hits, nil
}

// Count returns the number of live chunk vectors.
func (v *VectorBackend) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.keys)
}

// Close implements Backend.
func (v *VectorBackend) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	return v.save()
}

// save writes the graph then its sidecar, each through a temp file. Caller holds v.mu.
func (v *VectorBackend) save() error {
	if v.cfg.Path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(v.cfg.Path), 0o755); err != nil {
		return err
	}

	if err := writeAtomic(v.cfg.Path, func(f *os.File) error { return v.graph.Export(f) }); err != nil {
		return fmt.Errorf("export graph: %w", err)
	}
	meta := vectorMeta{
		Keys:      v.keys,
		Docs:      v.docs,
		NextKey:   v.nextKey,
		Dims:      v.embedder.Dimensions(),
		Metric:    v.cfg.Metric,
		ModelName: v.embedder.ModelName(),
	}
	return writeAtomic(v.cfg.Path+".meta", func(f *os.File) error {
		return json.NewEncoder(f).Encode(meta)
	})
}

func (v *VectorBackend) load() error {
	raw, err := os.ReadFile(v.cfg.Path + ".meta")
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var meta vectorMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("decode vector metadata: %w", err)
	}
	if meta.Dims != v.embedder.Dimensions() || meta.ModelName != v.embedder.ModelName() {
		return fmt.Errorf("index built with %s/%d, embedder is %s/%d",
			meta.ModelName, meta.Dims, v.embedder.ModelName(), v.embedder.Dimensions())
	}

	f, err := os.Open(v.cfg.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := v.graph.Import(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	v.keys = meta.Keys
	v.docs = meta.Docs
	if v.keys == nil {
		v.keys = make(map[string]uint64)
	}
	v.nextKey = meta.NextKey
	for id, key := range v.keys {
		v.owners[key] = id
	}
	if v.docs == nil {
		v.docs = make(map[string][]string)
	}
	return nil
}

func writeAtomic(path string, write func(*os.File) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func embedText(title string, c model.PreparedChunk) string {
	var b strings.Builder
	if title != "" {
		b.WriteString(title)
		b.WriteString("\n")
	}
	if c.Heading != "" {
		b.WriteString(c.Heading)
		b.WriteString("\n")
	}
	b.WriteString(c.Text)
	return b.String()
}

// documentOf recovers the document id from a chunk id of the form "<doc>#<hash>".
func documentOf(chunkID string) string {
	if i := strings.LastIndexByte(chunkID, '#'); i >= 0 {
		return chunkID[:i]
	}
	return chunkID
}

func isZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

var _ Backend = (*VectorBackend)(nil)
