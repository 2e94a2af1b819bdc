package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
)

const specColumns = `document_id, index_type, status, version, observed_version,
	error_message, payload, gmt_created, gmt_updated, gmt_last_reconciled`

// RequestIndexes records the desired index types for a live document.
// Missing rows are inserted at version 1; existing rows get their version
// bumped and return to PENDING (last write wins). Rows that are being
// deleted reject the request.
func (s *SQLiteStore) RequestIndexes(ctx context.Context, docID string, types []model.IndexType) ([]*model.IndexSpec, error) {
	if len(types) == 0 {
		return nil, errors.ValidationError("at least one index type is required", nil)
	}
	for _, t := range types {
		if err := t.Validate(); err != nil {
			return nil, errors.ValidationError(err.Error(), nil)
		}
	}

	alive, err := s.DocumentAlive(ctx, docID)
	if err != nil {
		return nil, err
	}
	if !alive {
		return nil, fmt.Errorf("request indexes for %s: %w", docID, errors.ErrNotFound)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, queryError("begin request indexes", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.stamp()
	for _, t := range types {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM index_specs WHERE document_id = ? AND index_type = ?`,
			docID, string(t)).Scan(&status)

		switch {
		case stderrors.Is(err, sql.ErrNoRows):
			_, err = tx.ExecContext(ctx, `
				INSERT INTO index_specs (document_id, index_type, status, version, observed_version, gmt_created, gmt_updated)
				VALUES (?, ?, 'PENDING', 1, 0, ?, ?)`,
				docID, string(t), now, now)
			if err != nil {
				return nil, queryError("insert index spec", err)
			}
		case err != nil:
			return nil, queryError("read index spec", err)
		case !model.CanTransition(model.Status(status), model.EventBump):
			return nil, errors.New(errors.ErrCodeInvalidState,
				fmt.Sprintf("index %s of %s is %s", t, docID, status), nil)
		default:
			_, err = tx.ExecContext(ctx, `
				UPDATE index_specs
				SET status = 'PENDING', version = version + 1, error_message = '', gmt_updated = ?
				WHERE document_id = ? AND index_type = ? AND status = ?`,
				now, docID, string(t), status)
			if err != nil {
				return nil, queryError("bump index spec", err)
			}
		}
	}

	if err := commit(tx, "request indexes"); err != nil {
		return nil, err
	}
	return s.listSpecsOfTypes(ctx, docID, types)
}

// MarkDeleting moves the document's rows of the given types (all types when
// empty) to DELETING with a bumped version, so callbacks of a claim taken
// before the delete no longer match. Rows already being deleted are left alone.
func (s *SQLiteStore) MarkDeleting(ctx context.Context, docID string, types []model.IndexType) (int, error) {
	return s.markDeleting(ctx, s.db, docID, types)
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) markDeleting(ctx context.Context, db execer, docID string, types []model.IndexType) (int, error) {
	query := `
		UPDATE index_specs
		SET status = 'DELETING', version = version + 1, error_message = '', gmt_updated = ?
		WHERE document_id = ? AND status IN ('PENDING', 'CREATING', 'ACTIVE', 'FAILED')`
	args := []any{s.stamp(), docID}
	query, args = withTypes(query, args, types)

	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, queryError("mark deleting", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, queryError("mark deleting", err)
	}
	return int(n), nil
}

// ResetFailed is the explicit retry trigger for FAILED rows of the given
// types (all types when empty). Rows of a live document go back to PENDING
// with a bumped version; rows of a deleted document go back to DELETING.
func (s *SQLiteStore) ResetFailed(ctx context.Context, docID string, types []model.IndexType) (int, error) {
	query := `
		UPDATE index_specs
		SET status = CASE WHEN EXISTS (
				SELECT 1 FROM documents d
				WHERE d.id = index_specs.document_id AND d.gmt_deleted IS NULL
			) THEN 'PENDING' ELSE 'DELETING' END,
			version = version + 1,
			error_message = '',
			gmt_updated = ?
		WHERE document_id = ? AND status = 'FAILED'`
	args := []any{s.stamp(), docID}
	query, args = withTypes(query, args, types)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, queryError("reset failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, queryError("reset failed", err)
	}
	return int(n), nil
}

// ListDrift returns up to limit rows that satisfy a drift condition, ordered
// by document so a reconciler can group them cheaply.
func (s *SQLiteStore) ListDrift(ctx context.Context, limit int) ([]*model.IndexSpec, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.querySpecs(ctx, "list drift", `
		SELECT `+specColumns+` FROM index_specs
		WHERE (status = 'PENDING' AND observed_version < version) OR status = 'DELETING'
		ORDER BY document_id, index_type
		LIMIT ?`, limit)
}

// ListSpecs returns every row of a document ordered by index type.
func (s *SQLiteStore) ListSpecs(ctx context.Context, docID string) ([]*model.IndexSpec, error) {
	return s.querySpecs(ctx, "list specs", `
		SELECT `+specColumns+` FROM index_specs
		WHERE document_id = ? ORDER BY index_type`, docID)
}

func (s *SQLiteStore) listSpecsOfTypes(ctx context.Context, docID string, types []model.IndexType) ([]*model.IndexSpec, error) {
	query := `SELECT ` + specColumns + ` FROM index_specs WHERE document_id = ?`
	query, args := withTypes(query, []any{docID}, types)
	return s.querySpecs(ctx, "list specs", query+` ORDER BY index_type`, args...)
}

// GetSpec returns one row or errors.ErrNotFound.
func (s *SQLiteStore) GetSpec(ctx context.Context, docID string, indexType model.IndexType) (*model.IndexSpec, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+specColumns+` FROM index_specs
		WHERE document_id = ? AND index_type = ?`, docID, string(indexType))
	spec, err := scanSpec(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ErrNotFound
	}
	if err != nil {
		return nil, queryError("get spec", err)
	}
	return spec, nil
}

// ClaimRow atomically moves a drifted row into its in-progress status. The
// WHERE clause repeats the drift condition for action plus the version that
// was read, so at most one concurrent claimer can succeed.
func (s *SQLiteStore) ClaimRow(ctx context.Context, spec *model.IndexSpec, action model.Action) (bool, error) {
	var cond string
	switch action {
	case model.ActionCreate:
		cond = `status = 'PENDING' AND observed_version < version AND version = 1`
	case model.ActionUpdate:
		cond = `status = 'PENDING' AND observed_version < version AND version > 1`
	case model.ActionDelete:
		cond = `status = 'DELETING'`
	default:
		return false, errors.ValidationError("unknown action "+string(action), nil)
	}
	_, to := model.ClaimTransition(action)

	return s.execCAS(ctx, "claim row", `
		UPDATE index_specs SET status = ?, gmt_updated = ?
		WHERE document_id = ? AND index_type = ? AND version = ? AND `+cond,
		string(to), s.stamp(), spec.DocumentID, string(spec.IndexType), spec.Version)
}

// MarkReconciled stamps gmt_last_reconciled on the given rows.
func (s *SQLiteStore) MarkReconciled(ctx context.Context, docID string, types []model.IndexType) error {
	if len(types) == 0 {
		return nil
	}
	query, args := withTypes(
		`UPDATE index_specs SET gmt_last_reconciled = ? WHERE document_id = ?`,
		[]any{s.stamp(), docID}, types)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return queryError("mark reconciled", err)
	}
	return nil
}

// CompleteRow finalizes a create or update: CREATING at targetVersion becomes
// ACTIVE with observed_version = targetVersion and the backend payload.
func (s *SQLiteStore) CompleteRow(ctx context.Context, docID string, indexType model.IndexType, targetVersion int64, payload string) (bool, error) {
	return s.execCAS(ctx, "complete row", `
		UPDATE index_specs
		SET status = 'ACTIVE', observed_version = ?, payload = ?, error_message = '', gmt_updated = ?
		WHERE document_id = ? AND index_type = ? AND status = 'CREATING' AND version = ?`,
		targetVersion, payload, s.stamp(), docID, string(indexType), targetVersion)
}

// FailRow moves an in-progress row at targetVersion to FAILED.
func (s *SQLiteStore) FailRow(ctx context.Context, docID string, indexType model.IndexType, targetVersion int64, message string) (bool, error) {
	if message == "" {
		message = "unknown error"
	}
	return s.execCAS(ctx, "fail row", `
		UPDATE index_specs
		SET status = 'FAILED', error_message = ?, gmt_updated = ?
		WHERE document_id = ? AND index_type = ?
		  AND status IN ('CREATING', 'DELETION_IN_PROGRESS') AND version = ?`,
		message, s.stamp(), docID, string(indexType), targetVersion)
}

// DeleteRow hard deletes a row whose deletion is in progress.
func (s *SQLiteStore) DeleteRow(ctx context.Context, docID string, indexType model.IndexType) (bool, error) {
	return s.execCAS(ctx, "delete row", `
		DELETE FROM index_specs
		WHERE document_id = ? AND index_type = ? AND status = 'DELETION_IN_PROGRESS'`,
		docID, string(indexType))
}

func (s *SQLiteStore) querySpecs(ctx context.Context, op, query string, args ...any) ([]*model.IndexSpec, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, queryError(op, err)
	}
	defer rows.Close()

	var specs []*model.IndexSpec
	for rows.Next() {
		spec, err := scanSpec(rows)
		if err != nil {
			return nil, queryError(op, err)
		}
		specs = append(specs, spec)
	}
	if err := rows.Err(); err != nil {
		return nil, queryError(op, err)
	}
	return specs, nil
}

func scanSpec(r rowScanner) (*model.IndexSpec, error) {
	var (
		spec              model.IndexSpec
		indexType, status string
		created, updated  int64
		reconciled        sql.NullInt64
	)
	if err := r.Scan(&spec.DocumentID, &indexType, &status, &spec.Version, &spec.ObservedVersion,
		&spec.ErrorMessage, &spec.Payload, &created, &updated, &reconciled); err != nil {
		return nil, err
	}
	spec.IndexType = model.IndexType(indexType)
	spec.Status = model.Status(status)
	spec.GmtCreated = fromNanos(created)
	spec.GmtUpdated = fromNanos(updated)
	spec.GmtLastReconciled = nullableTime(reconciled)
	return &spec, nil
}

// withTypes appends an index_type IN (...) filter when types is non-empty.
func withTypes(query string, args []any, types []model.IndexType) (string, []any) {
	if len(types) == 0 {
		return query, args
	}
	marks := make([]string, len(types))
	for i, t := range types {
		marks[i] = "?"
		args = append(args, string(t))
	}
	return query + ` AND index_type IN (` + strings.Join(marks, ", ") + `)`, args
}

// ReleaseExpiredClaims hands claims older than cutoff back to the
// reconciler: CREATING rows return to PENDING and DELETION_IN_PROGRESS rows
// return to DELETING. The version is bumped so a late callback from the
// abandoned workflow fails its version check. A first create that never
// materialized keeps version 1 so the next pass still classifies it as a
// create; a late callback from it carries the same target and content.
func (s *SQLiteStore) ReleaseExpiredClaims(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, queryError("begin release claims", err)
	}
	defer func() { _ = tx.Rollback() }()

	now, before := s.stamp(), cutoff.UTC().UnixNano()
	total := 0
	for _, from := range []model.Status{model.StatusCreating, model.StatusDeletionInProgress} {
		to, _, err := model.NextStatus(from, model.EventExpire)
		if err != nil {
			return 0, errors.InternalError("release claims", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE index_specs
			SET status = ?,
				version = CASE WHEN status = 'CREATING' AND version = 1 AND observed_version = 0
					THEN version ELSE version + 1 END,
				gmt_updated = ?
			WHERE status = ? AND gmt_updated < ?`,
			string(to), now, string(from), before)
		if err != nil {
			return 0, queryError("release claims", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	if err := commit(tx, "release claims"); err != nil {
		return 0, err
	}
	return total, nil
}
