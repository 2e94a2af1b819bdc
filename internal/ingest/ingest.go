// Package ingest is the collaborator that writes desired state: it turns
// document files into document rows and index requests. It never touches
// index backends; the reconciler picks up what it records.
package ingest

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/watcher"
)

// DefaultMaxFileSize caps the size of an ingested file.
const DefaultMaxFileSize int64 = 16 * 1024 * 1024

// Store is the state store surface ingestion writes to.
type Store interface {
	SaveDocument(ctx context.Context, doc *model.Document) (bool, error)
	RequestIndexes(ctx context.Context, docID string, types []model.IndexType) ([]*model.IndexSpec, error)
	ListSpecs(ctx context.Context, docID string) ([]*model.IndexSpec, error)
	DeleteDocument(ctx context.Context, id string) (int, error)
}

// Options configures an Ingester.
type Options struct {
	// Types are requested for every ingested document.
	Types []model.IndexType
	// MaxFileSize defaults to DefaultMaxFileSize.
	MaxFileSize int64
	// OnChange runs after any write that created drift.
	OnChange func()
}

// Result describes one ingested document.
type Result struct {
	DocumentID string
	// Changed is false when the content hash matched the stored document.
	Changed bool
	// Requested lists the index types whose rows were inserted or bumped.
	Requested []model.IndexType
}

// Ingester records documents and their desired indexes.
type Ingester struct {
	store  Store
	opts   Options
	logger *slog.Logger
}

// New returns an Ingester.
func New(store Store, opts Options) (*Ingester, error) {
	if store == nil {
		return nil, errors.ValidationError("ingest: store is required", nil)
	}
	if len(opts.Types) == 0 {
		return nil, errors.ValidationError("ingest: at least one index type is required", nil)
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	return &Ingester{store: store, opts: opts, logger: slog.Default()}, nil
}

// HashContent returns the hex sha256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DocumentID derives a stable id from a path relative to the ingest root.
func DocumentID(relPath string) string {
	return strings.TrimPrefix(filepath.ToSlash(filepath.Clean(relPath)), "./")
}

// IngestFile reads root/relPath and records it under DocumentID(relPath).
func (i *Ingester) IngestFile(ctx context.Context, root, relPath string) (*Result, error) {
	path := filepath.Join(root, relPath)
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", relPath, err)
	}
	if info.IsDir() {
		return nil, errors.ValidationError(relPath+" is a directory", nil)
	}
	if info.Size() > i.opts.MaxFileSize {
		return nil, errors.ValidationError(
			fmt.Sprintf("%s is %d bytes, limit is %d", relPath, info.Size(), i.opts.MaxFileSize), nil)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", relPath, err)
	}
	if !utf8.Valid(content) || bytes.IndexByte(content, 0) >= 0 {
		return nil, errors.ValidationError(relPath+" is not a text document", nil)
	}

	return i.Ingest(ctx, &model.Document{
		ID:         DocumentID(relPath),
		Title:      deriveTitle(relPath, content),
		SourcePath: path,
		Content:    string(content),
	})
}

// Ingest records doc and requests its index types. An unchanged document
// only gets rows for types it does not have yet, so re-ingesting the same
// content creates no drift.
func (i *Ingester) Ingest(ctx context.Context, doc *model.Document) (*Result, error) {
	if doc.ContentHash == "" {
		doc.ContentHash = HashContent([]byte(doc.Content))
	}
	changed, err := i.store.SaveDocument(ctx, doc)
	if err != nil {
		return nil, fmt.Errorf("save document %s: %w", doc.ID, err)
	}

	types := i.opts.Types
	if !changed {
		types, err = i.missingTypes(ctx, doc.ID)
		if err != nil {
			return nil, err
		}
	}
	res := &Result{DocumentID: doc.ID, Changed: changed}
	if len(types) == 0 {
		return res, nil
	}
	if _, err := i.store.RequestIndexes(ctx, doc.ID, types); err != nil {
		return nil, fmt.Errorf("request indexes for %s: %w", doc.ID, err)
	}
	res.Requested = model.SortIndexTypes(append([]model.IndexType(nil), types...))

	i.logger.Info("document_ingested",
		slog.String("document_id", doc.ID),
		slog.Bool("changed", changed),
		slog.Any("index_types", res.Requested))
	i.notify()
	return res, nil
}

func (i *Ingester) missingTypes(ctx context.Context, docID string) ([]model.IndexType, error) {
	rows, err := i.store.ListSpecs(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("list specs of %s: %w", docID, err)
	}
	have := make(map[model.IndexType]bool, len(rows))
	for _, r := range rows {
		have[r.IndexType] = true
	}
	var missing []model.IndexType
	for _, t := range i.opts.Types {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// Remove marks the document deleted. Unknown documents return errors.ErrNotFound.
func (i *Ingester) Remove(ctx context.Context, docID string) (int, error) {
	n, err := i.store.DeleteDocument(ctx, docID)
	if err != nil {
		return 0, fmt.Errorf("delete document %s: %w", docID, err)
	}
	i.logger.Info("document_removed", slog.String("document_id", docID), slog.Int("rows", n))
	if n > 0 {
		i.notify()
	}
	return n, nil
}

// DirSummary counts the outcome of IngestDir.
type DirSummary struct {
	Seen    int
	Changed int
	Failed  int
}

// IngestDir ingests every document below dir accepted by opts, with ids
// relative to root. Failures are logged and counted; the walk continues.
func (i *Ingester) IngestDir(ctx context.Context, root, dir string, opts watcher.Options) (DirSummary, error) {
	var sum DirSummary
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if opts.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !opts.IsDocument(rel) {
			return nil
		}
		sum.Seen++
		res, err := i.IngestFile(ctx, root, rel)
		if err != nil {
			sum.Failed++
			i.logger.Warn("ingest_failed", slog.String("path", rel), slog.String("error", err.Error()))
			return nil
		}
		if res.Changed {
			sum.Changed++
		}
		return nil
	})
	return sum, err
}

// HandleEvents applies a batch of watcher events under root. Each event is
// handled on its own; failures are logged and the rest of the batch proceeds.
func (i *Ingester) HandleEvents(ctx context.Context, root string, events []watcher.FileEvent) int {
	applied := 0
	for _, ev := range events {
		var err error
		switch ev.Operation {
		case watcher.OpCreate, watcher.OpModify:
			_, err = i.IngestFile(ctx, root, ev.Path)
		case watcher.OpDelete:
			_, err = i.Remove(ctx, DocumentID(ev.Path))
			if errors.Is(err, errors.ErrNotFound) {
				err = nil
			}
		}
		if err != nil {
			i.logger.Warn("watch_event_failed",
				slog.String("path", ev.Path),
				slog.String("operation", ev.Operation.String()),
				slog.String("error", err.Error()))
			continue
		}
		applied++
	}
	return applied
}

func (i *Ingester) notify() {
	if i.opts.OnChange != nil {
		i.opts.OnChange()
	}
}

// deriveTitle uses the first markdown heading, else the file name.
func deriveTitle(relPath string, content []byte) string {
	sc := bufio.NewScanner(bytes.NewReader(content))
	for lines := 0; sc.Scan() && lines < 50; lines++ {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	base := filepath.Base(relPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
