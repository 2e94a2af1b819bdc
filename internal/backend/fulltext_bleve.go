package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"

	"github.com/Aman-CERP/amanidx/internal/chunk"
	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

const (
	proseStopFilterName = "amanidx_prose_stop"
	proseAnalyzerName   = "amanidx_prose"
)

func init() {
	_ = registry.RegisterTokenFilter(proseStopFilterName, func(map[string]interface{}, *registry.Cache) (analysis.TokenFilter, error) {
		return proseStopFilter{}, nil
	})
}

// proseStopFilter drops the same stop words the preparer ignores for terms.
type proseStopFilter struct{}

func (proseStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	out := input[:0]
	for _, tok := range input {
		if !chunk.IsStopWord(string(tok.Term)) {
			out = append(out, tok)
		}
	}
	return out
}

// FulltextHit is one keyword search match.
type FulltextHit struct {
	ChunkID    string
	DocumentID string
	Score      float64
}

// bleveChunk is the indexed shape of one prepared chunk.
type bleveChunk struct {
	DocID   string `json:"doc_id"`
	Title   string `json:"title"`
	Heading string `json:"heading"`
	Content string `json:"content"`
}

// BleveBackend indexes prepared chunks in a bleve index scored with BM25.
type BleveBackend struct {
	mu     sync.RWMutex
	index  bleve.Index
	path   string
	closed bool
}

// NewBleveBackend opens the bleve index at path, creating it if missing.
// An empty path creates an in-memory index. An unreadable index is removed
// and recreated empty.
func NewBleveBackend(path string) (*BleveBackend, error) {
	m, err := newChunkMapping()
	if err != nil {
		return nil, fmt.Errorf("build fulltext mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(m)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create fulltext directory: %w", err)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, m)
		} else if err != nil {
			slog.Warn("fulltext_index_corrupted",
				slog.String("path", path),
				slog.String("error", err.Error()))
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return nil, fmt.Errorf("fulltext index at %s unreadable and cannot be removed: %w", path, rmErr)
			}
			idx, err = bleve.New(path, m)
		}
	}
	if err != nil {
		return nil, errors.New(errors.ErrCodeBackendUnavailable, "open fulltext index", err)
	}
	return &BleveBackend{index: idx, path: path}, nil
}

func newChunkMapping() (*mapping.IndexMappingImpl, error) {
	m := bleve.NewIndexMapping()
	if err := m.AddCustomAnalyzer(proseAnalyzerName, map[string]interface{}{
		"type":          custom.Name,
		"tokenizer":     unicode.Name,
		"token_filters": []string{lowercase.Name, proseStopFilterName},
	}); err != nil {
		return nil, err
	}
	m.DefaultAnalyzer = proseAnalyzerName

	docID := bleve.NewTextFieldMapping()
	docID.Analyzer = keyword.Name
	docID.IncludeInAll = false

	chunkMapping := bleve.NewDocumentMapping()
	chunkMapping.AddFieldMappingsAt("doc_id", docID)
	m.DefaultMapping = chunkMapping
	return m, nil
}

// Type implements Backend.
func (b *BleveBackend) Type() model.IndexType { return model.IndexTypeFulltext }

// Create implements Backend.
func (b *BleveBackend) Create(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return b.upsert(ctx, docID, prepared)
}

// Update implements Backend.
func (b *BleveBackend) Update(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return b.upsert(ctx, docID, prepared)
}

func (b *BleveBackend) upsert(ctx context.Context, docID string, prepared *model.Prepared) Result {
	if prepared == nil {
		return Failed(errors.Permanent(errors.ValidationError("fulltext: nothing prepared for "+docID, nil)))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Failed(errors.BackendUnavailable("fulltext index is closed", nil))
	}

	stale, err := b.chunkIDs(ctx, docID)
	if err != nil {
		return Failed(err)
	}

	batch := b.index.NewBatch()
	fresh := make(map[string]struct{}, len(prepared.Chunks))
	for _, c := range prepared.Chunks {
		fresh[c.ID] = struct{}{}
		if err := batch.Index(c.ID, bleveChunk{
			DocID:   docID,
			Title:   prepared.Title,
			Heading: c.Heading,
			Content: c.Text,
		}); err != nil {
			return Failed(errors.Permanent(errors.InternalError("fulltext: index chunk "+c.ID, err)))
		}
	}
	for _, id := range stale {
		if _, keep := fresh[id]; !keep {
			batch.Delete(id)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return Failed(errors.BackendUnavailable("fulltext: apply batch", err))
	}
	return Succeeded(encodePayload(map[string]int{"chunks": len(prepared.Chunks)}))
}

// Delete implements Backend.
func (b *BleveBackend) Delete(ctx context.Context, docID string) Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Failed(errors.BackendUnavailable("fulltext index is closed", nil))
	}

	ids, err := b.chunkIDs(ctx, docID)
	if err != nil {
		return Failed(err)
	}
	if len(ids) > 0 {
		batch := b.index.NewBatch()
		for _, id := range ids {
			batch.Delete(id)
		}
		if err := b.index.Batch(batch); err != nil {
			return Failed(errors.BackendUnavailable("fulltext: delete batch", err))
		}
	}
	return Succeeded(encodePayload(map[string]int{"removed": len(ids)}))
}

// chunkIDs lists the indexed chunk ids of docID. Caller holds b.mu.
func (b *BleveBackend) chunkIDs(ctx context.Context, docID string) ([]string, error) {
	q := bleve.NewTermQuery(docID)
	q.SetField("doc_id")

	var ids []string
	const page = 500
	for from := 0; ; from += page {
		req := bleve.NewSearchRequestOptions(q, page, from, false)
		res, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return nil, errors.BackendUnavailable("fulltext: list chunks of "+docID, err)
		}
		for _, hit := range res.Hits {
			ids = append(ids, hit.ID)
		}
		if len(res.Hits) < page {
			return ids, nil
		}
	}
}

// Search runs a BM25 match query over chunk content.
func (b *BleveBackend) Search(ctx context.Context, query string, limit int) ([]FulltextHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.BackendUnavailable("fulltext index is closed", nil)
	}

	mq := bleve.NewMatchQuery(query)
	mq.SetField("content")
	req := bleve.NewSearchRequest(mq)
	req.Size = limit
	req.Fields = []string{"doc_id"}

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fulltext search: %w", err)
	}
	hits := make([]FulltextHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		docID, _ := h.Fields["doc_id"].(string)
		hits = append(hits, FulltextHit{ChunkID: h.ID, DocumentID: docID, Score: h.Score})
	}
	return hits, nil
}

// Close implements Backend.
func (b *BleveBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

var _ Backend = (*BleveBackend)(nil)
