// Package callback finalizes index spec rows when apply and delete tasks
// finish. Every callback is a single version-gated conditional write; a
// callback that matches no row is stale or a duplicate and is a logged no-op.
package callback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/telemetry"
)

// Callback names used in logs and metrics.
const (
	NameCreated = "on_index_created"
	NameUpdated = "on_index_updated"
	NameFailed  = "on_index_failed"
	NameDeleted = "on_index_deleted"
)

// Store is the slice of the state store the callbacks write through.
type Store interface {
	CompleteRow(ctx context.Context, docID string, indexType model.IndexType, targetVersion int64, payload string) (bool, error)
	FailRow(ctx context.Context, docID string, indexType model.IndexType, targetVersion int64, message string) (bool, error)
	DeleteRow(ctx context.Context, docID string, indexType model.IndexType) (bool, error)
	RecomputeDocumentStatus(ctx context.Context, docID string) (model.DocumentStatus, error)
}

// Callbacks is the completion contract the workflows invoke. All methods are
// idempotent and safe to call more than once or out of order.
type Callbacks interface {
	OnIndexCreated(ctx context.Context, docID string, indexType model.IndexType, targetVersion int64, payload string) error
	OnIndexUpdated(ctx context.Context, docID string, indexType model.IndexType, targetVersion int64, payload string) error
	OnIndexFailed(ctx context.Context, docID string, indexType model.IndexType, targetVersion int64, message string) error
	OnIndexDeleted(ctx context.Context, docID string, indexType model.IndexType) error
}

// Handler implements Callbacks on a Store.
type Handler struct {
	store   Store
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithMetrics records every callback result.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithLogger replaces slog.Default.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler returns callbacks writing through store.
func NewHandler(store Store, opts ...Option) *Handler {
	h := &Handler{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// OnIndexCreated moves a CREATING row at targetVersion to ACTIVE.
func (h *Handler) OnIndexCreated(ctx context.Context, docID string, indexType model.IndexType, targetVersion int64, payload string) error {
	return h.complete(ctx, NameCreated, docID, indexType, targetVersion, payload)
}

// OnIndexUpdated is OnIndexCreated for rows claimed by an update.
func (h *Handler) OnIndexUpdated(ctx context.Context, docID string, indexType model.IndexType, targetVersion int64, payload string) error {
	return h.complete(ctx, NameUpdated, docID, indexType, targetVersion, payload)
}

func (h *Handler) complete(ctx context.Context, name, docID string, indexType model.IndexType, targetVersion int64, payload string) error {
	ok, err := h.store.CompleteRow(ctx, docID, indexType, targetVersion, payload)
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", name, docID, indexType, err)
	}
	return h.settle(ctx, name, docID, indexType, targetVersion, ok)
}

// OnIndexFailed moves an in-progress row at targetVersion to FAILED with
// message. A delete claim carries the row's version at claim time.
func (h *Handler) OnIndexFailed(ctx context.Context, docID string, indexType model.IndexType, targetVersion int64, message string) error {
	ok, err := h.store.FailRow(ctx, docID, indexType, targetVersion, message)
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", NameFailed, docID, indexType, err)
	}
	if ok {
		h.logger.Warn("index_failed",
			slog.String("document_id", docID),
			slog.String("index_type", string(indexType)),
			slog.Int64("target_version", targetVersion),
			slog.String("error", message))
	}
	return h.settle(ctx, NameFailed, docID, indexType, targetVersion, ok)
}

// OnIndexDeleted hard-deletes a row in DELETION_IN_PROGRESS.
func (h *Handler) OnIndexDeleted(ctx context.Context, docID string, indexType model.IndexType) error {
	ok, err := h.store.DeleteRow(ctx, docID, indexType)
	if err != nil {
		return fmt.Errorf("%s %s/%s: %w", NameDeleted, docID, indexType, err)
	}
	return h.settle(ctx, NameDeleted, docID, indexType, 0, ok)
}

// settle logs stale callbacks and recomputes the document status after
// effective ones.
func (h *Handler) settle(ctx context.Context, name, docID string, indexType model.IndexType, targetVersion int64, applied bool) error {
	h.metrics.Callback(name, applied)
	if !applied {
		h.logger.Info("callback_stale",
			slog.String("callback", name),
			slog.String("document_id", docID),
			slog.String("index_type", string(indexType)),
			slog.Int64("target_version", targetVersion))
		return nil
	}

	status, err := h.store.RecomputeDocumentStatus(ctx, docID)
	if err != nil {
		// The row is already final; the next effective callback recomputes again.
		h.logger.Error("document_status_recompute_failed",
			slog.String("document_id", docID),
			slog.String("error", err.Error()))
		return nil
	}
	h.logger.Debug("callback_applied",
		slog.String("callback", name),
		slog.String("document_id", docID),
		slog.String("index_type", string(indexType)),
		slog.Int64("target_version", targetVersion),
		slog.String("document_status", string(status)))
	return nil
}

var _ Callbacks = (*Handler)(nil)
