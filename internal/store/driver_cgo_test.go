//go:build cgo

package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanidx/internal/model"
)

// The store only uses portable SQL, so it must behave the same on the cgo driver.
func TestNewFromDB_MattnDriver(t *testing.T) {
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	s, err := NewFromDB(db)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	seedDocument(t, s, "doc-1", model.IndexTypeVector)
	spec := mustSpec(t, s, "doc-1", model.IndexTypeVector)

	claimed, err := s.ClaimRow(ctx, spec, model.ActionCreate)
	require.NoError(t, err)
	assert.True(t, claimed)
	again, err := s.ClaimRow(ctx, spec, model.ActionCreate)
	require.NoError(t, err)
	assert.False(t, again)

	ok, err := s.CompleteRow(ctx, "doc-1", model.IndexTypeVector, 1, "payload")
	require.NoError(t, err)
	assert.True(t, ok)

	drift, err := s.ListDrift(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, drift)
}
