package store

import (
	"context"
	"database/sql"
	stderrors "errors"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

// SaveDocument inserts or updates a document and clears any deletion mark.
// It reports whether the stored content changed, so callers only bump index
// versions for real edits. Saving a document whose rows are still being
// deleted is rejected.
func (s *SQLiteStore) SaveDocument(ctx context.Context, doc *model.Document) (bool, error) {
	if doc == nil || doc.ID == "" {
		return false, errors.ValidationError("document id is required", nil)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, queryError("begin save document", err)
	}
	defer func() { _ = tx.Rollback() }()

	var deleting int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM index_specs
		WHERE document_id = ? AND status IN ('DELETING', 'DELETION_IN_PROGRESS')`,
		doc.ID).Scan(&deleting)
	if err != nil {
		return false, queryError("check deleting rows", err)
	}
	if deleting > 0 {
		return false, errors.New(errors.ErrCodeInvalidState,
			"document "+doc.ID+" is being deleted", nil).
			WithSuggestion("wait for the delete to finish, then ingest again")
	}

	var (
		prevHash string
		deleted  sql.NullInt64
	)
	err = tx.QueryRowContext(ctx,
		`SELECT content_hash, gmt_deleted FROM documents WHERE id = ?`, doc.ID).
		Scan(&prevHash, &deleted)
	exists := true
	if stderrors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return false, queryError("read document", err)
	}

	now := s.stamp()
	if !exists {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (id, title, source_path, content, content_hash, status, gmt_created, gmt_updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.ID, doc.Title, doc.SourcePath, doc.Content, doc.ContentHash,
			string(model.DocumentStatusIndexing), now, now)
		if err != nil {
			return false, queryError("insert document", err)
		}
		return true, commit(tx, "save document")
	}

	changed := prevHash != doc.ContentHash || deleted.Valid
	if !changed {
		return false, nil
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE documents
		SET title = ?, source_path = ?, content = ?, content_hash = ?, gmt_updated = ?, gmt_deleted = NULL
		WHERE id = ?`,
		doc.Title, doc.SourcePath, doc.Content, doc.ContentHash, now, doc.ID)
	if err != nil {
		return false, queryError("update document", err)
	}
	return true, commit(tx, "save document")
}

// GetDocument returns the document with id or errors.ErrNotFound.
func (s *SQLiteStore) GetDocument(ctx context.Context, id string) (*model.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, source_path, content, content_hash, status, gmt_created, gmt_updated, gmt_deleted
		FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, queryError("get document", err)
	}
	return doc, nil
}

// ListDocuments returns every known document ordered by id, without content.
func (s *SQLiteStore) ListDocuments(ctx context.Context) ([]*model.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, source_path, '', content_hash, status, gmt_created, gmt_updated, gmt_deleted
		FROM documents ORDER BY id`)
	if err != nil {
		return nil, queryError("list documents", err)
	}
	defer rows.Close()

	var docs []*model.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, queryError("scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DocumentAlive reports whether the document exists and is not marked deleted.
func (s *SQLiteStore) DocumentAlive(ctx context.Context, id string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE id = ? AND gmt_deleted IS NULL`, id).Scan(&n)
	if err != nil {
		return false, queryError("document alive", err)
	}
	return n == 1, nil
}

// DeleteDocument marks the document deleted and moves every live index row
// to DELETING in one transaction. It returns the number of rows marked.
func (s *SQLiteStore) DeleteDocument(ctx context.Context, id string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, queryError("begin delete document", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.stamp()
	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET gmt_deleted = ?, gmt_updated = ? WHERE id = ? AND gmt_deleted IS NULL`,
		now, now, id)
	if err != nil {
		return 0, queryError("mark document deleted", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return 0, queryError("read document", err)
		}
		if exists == 0 {
			return 0, errors.ErrNotFound
		}
	}

	marked, err := s.markDeleting(ctx, tx, id, nil)
	if err != nil {
		return 0, err
	}
	if err := commit(tx, "delete document"); err != nil {
		return 0, err
	}
	return marked, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*model.Document, error) {
	var (
		doc              model.Document
		status           string
		created, updated int64
		deleted          sql.NullInt64
	)
	if err := r.Scan(&doc.ID, &doc.Title, &doc.SourcePath, &doc.Content, &doc.ContentHash,
		&status, &created, &updated, &deleted); err != nil {
		return nil, err
	}
	doc.Status = model.DocumentStatus(status)
	doc.GmtCreated = fromNanos(created)
	doc.GmtUpdated = fromNanos(updated)
	doc.GmtDeleted = nullableTime(deleted)
	return &doc, nil
}

func commit(tx *sql.Tx, op string) error {
	if err := tx.Commit(); err != nil {
		return queryError(op, err)
	}
	return nil
}
