package store

import (
	"context"

	"github.com/Aman-CERP/amanidx/internal/model"
)

// RecomputeDocumentStatus derives the document status from its rows and
// stores it. A document with no rows left is reported as deleted.
func (s *SQLiteStore) RecomputeDocumentStatus(ctx context.Context, docID string) (model.DocumentStatus, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status FROM index_specs WHERE document_id = ?`, docID)
	if err != nil {
		return "", queryError("read row statuses", err)
	}
	var statuses []model.Status
	for rows.Next() {
		var st string
		if err := rows.Scan(&st); err != nil {
			_ = rows.Close()
			return "", queryError("scan row status", err)
		}
		statuses = append(statuses, model.Status(st))
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return "", queryError("read row statuses", err)
	}

	derived := model.DeriveDocumentStatus(statuses)
	_, err = s.db.ExecContext(ctx,
		`UPDATE documents SET status = ?, gmt_updated = ? WHERE id = ? AND status <> ?`,
		string(derived), s.stamp(), docID, string(derived))
	if err != nil {
		return "", queryError("update document status", err)
	}
	return derived, nil
}

// Stats counts rows per status. Every known status is present in the result.
func (s *SQLiteStore) Stats(ctx context.Context) (map[model.Status]int, error) {
	counts := make(map[model.Status]int, len(model.AllStatuses()))
	for _, st := range model.AllStatuses() {
		counts[st] = 0
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM index_specs GROUP BY status`)
	if err != nil {
		return nil, queryError("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, queryError("stats", err)
		}
		counts[model.Status(st)] = n
	}
	return counts, rows.Err()
}
