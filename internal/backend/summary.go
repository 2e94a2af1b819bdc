package backend

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

// DefaultSummarySentences is the number of leading sentences kept.
const DefaultSummarySentences = 3

const summarySchema = `
CREATE TABLE IF NOT EXISTS summaries (
	doc_id      TEXT PRIMARY KEY,
	title       TEXT NOT NULL,
	summary     TEXT NOT NULL,
	version     INTEGER NOT NULL,
	gmt_updated INTEGER NOT NULL
);
`

// Summary is the stored extract of one document.
type Summary struct {
	DocumentID string
	Title      string
	Text       string
	Version    int64
}

// SummaryBackend keeps an extractive summary per document: its leading
// sentences.
type SummaryBackend struct {
	db        *sql.DB
	sentences int
}

// NewSummaryBackend creates the summaries table on db if needed.
// The caller owns db.
func NewSummaryBackend(db *sql.DB, sentences int) (*SummaryBackend, error) {
	if sentences <= 0 {
		sentences = DefaultSummarySentences
	}
	if _, err := db.Exec(summarySchema); err != nil {
		return nil, errors.New(errors.ErrCodeBackendUnavailable, "create summary schema", err)
	}
	return &SummaryBackend{db: db, sentences: sentences}, nil
}

// Type implements Backend.
func (s *SummaryBackend) Type() model.IndexType { return model.IndexTypeSummary }

// Create implements Backend.
func (s *SummaryBackend) Create(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return s.upsert(ctx, docID, prepared)
}

// Update implements Backend.
func (s *SummaryBackend) Update(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return s.upsert(ctx, docID, prepared)
}

func (s *SummaryBackend) upsert(ctx context.Context, docID string, prepared *model.Prepared) Result {
	if prepared == nil {
		return Failed(errors.Permanent(errors.ValidationError("summary: nothing prepared for "+docID, nil)))
	}
	lead := prepared.Sentences
	if len(lead) > s.sentences {
		lead = lead[:s.sentences]
	}
	text := strings.Join(lead, " ")

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO summaries (doc_id, title, summary, version, gmt_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			title = excluded.title,
			summary = excluded.summary,
			version = excluded.version,
			gmt_updated = excluded.gmt_updated`,
		docID, prepared.Title, text, prepared.Version, time.Now().UTC().UnixNano())
	if err != nil {
		return Failed(sqlError("summary upsert", err))
	}
	return Succeeded(encodePayload(map[string]int{"sentences": len(lead), "chars": len(text)}))
}

// Delete implements Backend.
func (s *SummaryBackend) Delete(ctx context.Context, docID string) Result {
	res, err := s.db.ExecContext(ctx, `DELETE FROM summaries WHERE doc_id = ?`, docID)
	if err != nil {
		return Failed(sqlError("summary delete", err))
	}
	n, _ := res.RowsAffected()
	return Succeeded(encodePayload(map[string]int64{"removed": n}))
}

// Get returns the summary of docID or errors.ErrNotFound.
func (s *SummaryBackend) Get(ctx context.Context, docID string) (*Summary, error) {
	var sum Summary
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id, title, summary, version FROM summaries WHERE doc_id = ?`, docID).
		Scan(&sum.DocumentID, &sum.Title, &sum.Text, &sum.Version)
	if err == sql.ErrNoRows {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, sqlError("summary get", err)
	}
	return &sum, nil
}

// Close implements Backend. The shared database is closed by the registry.
func (s *SummaryBackend) Close() error { return nil }

var _ Backend = (*SummaryBackend)(nil)
