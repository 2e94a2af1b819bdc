package callback

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/store"
	"github.com/Aman-CERP/amanidx/internal/telemetry"
)

func newStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// claimed seeds a document whose rows are claimed for create.
func claimed(t *testing.T, s *store.SQLiteStore, docID string, types ...model.IndexType) {
	t.Helper()
	ctx := context.Background()
	_, err := s.SaveDocument(ctx, &model.Document{ID: docID, Content: "body", ContentHash: "h1"})
	require.NoError(t, err)
	specs, err := s.RequestIndexes(ctx, docID, types)
	require.NoError(t, err)
	for _, spec := range specs {
		ok, err := s.ClaimRow(ctx, spec, model.ActionCreate)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestOnIndexCreated_DuplicateDeliveryIsNoop(t *testing.T) {
	// Given: a claimed vector row at version 1
	ctx := context.Background()
	s := newStore(t)
	claimed(t, s, "doc", model.IndexTypeVector)
	m := telemetry.NewMetrics()
	h := NewHandler(s, WithMetrics(m))

	// When: the completion is delivered twice
	require.NoError(t, h.OnIndexCreated(ctx, "doc", model.IndexTypeVector, 1, `{"chunks":2}`))
	require.NoError(t, h.OnIndexCreated(ctx, "doc", model.IndexTypeVector, 1, `{"chunks":9}`))

	// Then: only the first mutated the row
	spec, err := s.GetSpec(ctx, "doc", model.IndexTypeVector)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, spec.Status)
	assert.EqualValues(t, 1, spec.ObservedVersion)
	assert.Equal(t, `{"chunks":2}`, spec.Payload)

	doc, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusReady, doc.Status)

	reg := m.Registry()
	n, err := testutil.GatherAndCount(reg, "amanidx_callbacks_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one applied and one stale series")
}

func TestOnIndexUpdated_StaleVersionCannotRegress(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	claimed(t, s, "doc", model.IndexTypeFulltext)
	h := NewHandler(s)

	// Given: the row is bumped to version 2 while version 1 is in flight
	_, err := s.RequestIndexes(ctx, "doc", []model.IndexType{model.IndexTypeFulltext})
	require.NoError(t, err)

	// When: the version 1 task completes late
	require.NoError(t, h.OnIndexUpdated(ctx, "doc", model.IndexTypeFulltext, 1, "old"))

	// Then: the row still waits for version 2
	spec, err := s.GetSpec(ctx, "doc", model.IndexTypeFulltext)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, spec.Status)
	assert.EqualValues(t, 2, spec.Version)
	assert.EqualValues(t, 0, spec.ObservedVersion)
}

func TestOnIndexFailed_SetsMessageAndDocumentStatus(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	claimed(t, s, "doc", model.IndexTypeVector, model.IndexTypeGraph)
	h := NewHandler(s)

	require.NoError(t, h.OnIndexCreated(ctx, "doc", model.IndexTypeVector, 1, ""))
	require.NoError(t, h.OnIndexFailed(ctx, "doc", model.IndexTypeGraph, 1, "graph store down"))
	// A second failure report is stale
	require.NoError(t, h.OnIndexFailed(ctx, "doc", model.IndexTypeGraph, 1, "again"))

	spec, err := s.GetSpec(ctx, "doc", model.IndexTypeGraph)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, spec.Status)
	assert.Equal(t, "graph store down", spec.ErrorMessage)

	doc, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusFailed, doc.Status)
}

func TestOnIndexDeleted_RemovesRowOnce(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	claimed(t, s, "doc", model.IndexTypeSummary)
	h := NewHandler(s)
	require.NoError(t, h.OnIndexCreated(ctx, "doc", model.IndexTypeSummary, 1, ""))

	// Given: the document is deleted and its row claimed for delete
	_, err := s.DeleteDocument(ctx, "doc")
	require.NoError(t, err)
	spec, err := s.GetSpec(ctx, "doc", model.IndexTypeSummary)
	require.NoError(t, err)
	ok, err := s.ClaimRow(ctx, spec, model.ActionDelete)
	require.NoError(t, err)
	require.True(t, ok)

	// When
	require.NoError(t, h.OnIndexDeleted(ctx, "doc", model.IndexTypeSummary))
	require.NoError(t, h.OnIndexDeleted(ctx, "doc", model.IndexTypeSummary))

	// Then
	_, err = s.GetSpec(ctx, "doc", model.IndexTypeSummary)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	doc, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, model.DocumentStatusDeleted, doc.Status)
}

// brokenStore fails every write.
type brokenStore struct{ recomputed int }

func (b *brokenStore) CompleteRow(context.Context, string, model.IndexType, int64, string) (bool, error) {
	return false, errors.New(errors.ErrCodeStoreBusy, "locked", nil)
}
func (b *brokenStore) FailRow(context.Context, string, model.IndexType, int64, string) (bool, error) {
	return false, errors.New(errors.ErrCodeStoreBusy, "locked", nil)
}
func (b *brokenStore) DeleteRow(context.Context, string, model.IndexType) (bool, error) {
	return true, nil
}
func (b *brokenStore) RecomputeDocumentStatus(context.Context, string) (model.DocumentStatus, error) {
	b.recomputed++
	return "", errors.StoreError("boom", nil)
}

func TestHandler_StoreErrors(t *testing.T) {
	ctx := context.Background()
	bs := &brokenStore{}
	h := NewHandler(bs)

	// Write failures surface so the caller can retry them
	err := h.OnIndexCreated(ctx, "doc", model.IndexTypeVector, 1, "")
	require.Error(t, err)
	assert.True(t, errors.IsRetryable(err))
	assert.Error(t, h.OnIndexFailed(ctx, "doc", model.IndexTypeVector, 1, "x"))

	// A failed recompute after an applied write does not undo the callback
	assert.NoError(t, h.OnIndexDeleted(ctx, "doc", model.IndexTypeVector))
	assert.Equal(t, 1, bs.recomputed)
}
