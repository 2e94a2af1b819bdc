package backend

import (
	"context"
	"database/sql"
	"strings"

	"github.com/Aman-CERP/amanidx/internal/chunk"
	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

const ftsSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
	chunk_id UNINDEXED,
	doc_id UNINDEXED,
	heading,
	content,
	tokenize = 'unicode61 remove_diacritics 2'
);
`

// SQLiteFulltextBackend indexes prepared chunks in an FTS5 table and scores
// matches with the built-in bm25() ranking.
type SQLiteFulltextBackend struct {
	db *sql.DB
}

// NewSQLiteFulltextBackend creates the FTS5 table on db if needed.
// The caller owns db.
func NewSQLiteFulltextBackend(db *sql.DB) (*SQLiteFulltextBackend, error) {
	if _, err := db.Exec(ftsSchema); err != nil {
		return nil, errors.New(errors.ErrCodeBackendUnavailable, "create fts5 schema", err)
	}
	return &SQLiteFulltextBackend{db: db}, nil
}

// Type implements Backend.
func (s *SQLiteFulltextBackend) Type() model.IndexType { return model.IndexTypeFulltext }

// Create implements Backend.
func (s *SQLiteFulltextBackend) Create(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return s.replace(ctx, docID, prepared)
}

// Update implements Backend.
func (s *SQLiteFulltextBackend) Update(ctx context.Context, docID string, prepared *model.Prepared) Result {
	return s.replace(ctx, docID, prepared)
}

// replace swaps every chunk row of docID. FTS5 has no REPLACE, so rows are
// deleted first.
func (s *SQLiteFulltextBackend) replace(ctx context.Context, docID string, prepared *model.Prepared) Result {
	if prepared == nil {
		return Failed(errors.Permanent(errors.ValidationError("fulltext: nothing prepared for "+docID, nil)))
	}
	err := withTx(ctx, s.db, "fts replace", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fts_chunks WHERE doc_id = ?`, docID); err != nil {
			return sqlError("fts delete", err)
		}
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO fts_chunks (chunk_id, doc_id, heading, content) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return sqlError("fts prepare insert", err)
		}
		defer func() { _ = stmt.Close() }()
		for _, c := range prepared.Chunks {
			if _, err := stmt.ExecContext(ctx, c.ID, docID, c.Heading, c.Text); err != nil {
				return sqlError("fts insert", err)
			}
		}
		return nil
	})
	if err != nil {
		return Failed(err)
	}
	return Succeeded(encodePayload(map[string]int{"chunks": len(prepared.Chunks)}))
}

// Delete implements Backend.
func (s *SQLiteFulltextBackend) Delete(ctx context.Context, docID string) Result {
	res, err := s.db.ExecContext(ctx, `DELETE FROM fts_chunks WHERE doc_id = ?`, docID)
	if err != nil {
		return Failed(sqlError("fts delete", err))
	}
	n, _ := res.RowsAffected()
	return Succeeded(encodePayload(map[string]int64{"removed": n}))
}

// Search matches every query term and orders hits by bm25.
func (s *SQLiteFulltextBackend) Search(ctx context.Context, query string, limit int) ([]FulltextHit, error) {
	var terms []string
	for _, w := range chunk.Tokenize(query) {
		if !chunk.IsStopWord(w) {
			terms = append(terms, `"`+strings.ReplaceAll(w, `"`, `""`)+`"`)
		}
	}
	if len(terms) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, doc_id, bm25(fts_chunks) AS score
		FROM fts_chunks
		WHERE fts_chunks MATCH ?
		ORDER BY score
		LIMIT ?`, strings.Join(terms, " "), limit)
	if err != nil {
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return nil, nil
		}
		return nil, sqlError("fts search", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []FulltextHit
	for rows.Next() {
		var h FulltextHit
		if err := rows.Scan(&h.ChunkID, &h.DocumentID, &h.Score); err != nil {
			return nil, sqlError("fts scan", err)
		}
		// bm25() is negative with lower meaning better
		h.Score = -h.Score
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Close implements Backend. The shared database is closed by the registry.
func (s *SQLiteFulltextBackend) Close() error { return nil }

var _ Backend = (*SQLiteFulltextBackend)(nil)
