package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanidx/internal/model"
)

func TestIngestCmd_RequestsEnabledIndexes(t *testing.T) {
	// Given: a workspace with one document
	ws := newWorkspace(t)
	ws.write(t, "guide.md", "# Guide\n\nReconcilers converge desired state.")

	// When: ingesting it
	out, err := ws.run(t, "ingest", "--root", ws.docs, filepath.Join(ws.docs, "guide.md"))

	// Then: every enabled type is requested
	require.NoError(t, err)
	assert.Contains(t, out, "guide.md: requested fulltext, summary, vector")

	// When: ingesting the same file again
	out, err = ws.run(t, "ingest", "--root", ws.docs, filepath.Join(ws.docs, "guide.md"))

	// Then: nothing new is requested
	require.NoError(t, err)
	assert.Contains(t, out, "guide.md: unchanged")
}

func TestIngestCmd_Directory(t *testing.T) {
	// Given: a nested directory of documents and one ignored file
	ws := newWorkspace(t)
	ws.write(t, "a.md", "# A\n\nalpha")
	ws.write(t, "notes/b.txt", "bravo")
	ws.write(t, "image.png", "not a document")

	// When: ingesting the subdirectory with ids relative to the docs root
	out, err := ws.run(t, "ingest", "--root", ws.docs, filepath.Join(ws.docs, "notes"))

	// Then: only the nested document is recorded, under its root-relative id
	require.NoError(t, err)
	assert.Contains(t, out, "1 seen, 1 changed, 0 failed")

	out, err = ws.run(t, "status", "--json")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Documents, 1)
	assert.Equal(t, "notes/b.txt", report.Documents[0].ID)
}

func TestIngestCmd_RejectsPathOutsideRoot(t *testing.T) {
	// Given: a file outside the ids root
	ws := newWorkspace(t)
	outside := filepath.Join(ws.dir, "stray.md")
	require.NoError(t, os.WriteFile(outside, []byte("stray"), 0o644))

	// When: ingesting it
	out, err := ws.run(t, "ingest", "--root", ws.docs, outside)

	// Then: it is refused
	require.Error(t, err)
	assert.Contains(t, out, "is outside")
}

func TestReconcileCmd_BuildsEveryIndex(t *testing.T) {
	// Given: two ingested documents
	ws := newWorkspace(t)
	ws.write(t, "one.md", "# One\n\nThe first document talks about vectors and graphs.")
	ws.write(t, "two.md", "# Two\n\nThe second document talks about summaries.")
	_, err := ws.run(t, "ingest", "--root", ws.docs, ws.docs)
	require.NoError(t, err)

	// When: reconciling until converged
	out, err := ws.run(t, "reconcile", "--until-converged")

	// Then: both create workflows succeed and every row is active
	require.NoError(t, err)
	assert.Contains(t, out, "one.md create SUCCESS")
	assert.Contains(t, out, "two.md create SUCCESS")
	assert.Contains(t, out, "ACTIVE=6")

	// When: inspecting one document
	out, err = ws.run(t, "status", "--json", "one.md")

	// Then: it is ready with observed == desired on every row
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.Documents, 1)
	assert.Equal(t, model.DocumentStatusReady, report.Documents[0].Status)
	require.Len(t, report.Indexes, 3)
	for _, idx := range report.Indexes {
		assert.Equal(t, model.StatusActive, idx.Status)
		assert.Equal(t, idx.Version, idx.ObservedVersion)
	}
}

func TestReconcileCmd_NothingToDo(t *testing.T) {
	// Given: an empty workspace
	ws := newWorkspace(t)

	// When: reconciling
	out, err := ws.run(t, "reconcile")

	// Then: the pass reports no drift
	require.NoError(t, err)
	assert.Contains(t, out, "0 drifted row(s)")
}

func TestDeleteCmd_RemovesIndexesOnNextPass(t *testing.T) {
	// Given: a reconciled document
	ws := newWorkspace(t)
	ws.write(t, "gone.md", "# Gone\n\nSoon deleted.")
	_, err := ws.run(t, "ingest", "--root", ws.docs, ws.docs)
	require.NoError(t, err)
	_, err = ws.run(t, "reconcile", "--until-converged")
	require.NoError(t, err)

	// When: deleting it
	out, err := ws.run(t, "delete", "gone.md")

	// Then: its rows are marked for deletion
	require.NoError(t, err)
	assert.Contains(t, out, "3 index row(s) marked for deletion")

	// When: the next pass runs
	out, err = ws.run(t, "reconcile", "--until-converged")

	// Then: the rows are gone
	require.NoError(t, err)
	assert.Contains(t, out, "gone.md delete SUCCESS")
	out, err = ws.run(t, "status", "--json", "gone.md")
	require.NoError(t, err)
	var report statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Empty(t, report.Indexes)
	assert.True(t, report.Documents[0].Deleted)
}

func TestDeleteCmd_UnknownDocument(t *testing.T) {
	// Given: an empty workspace
	ws := newWorkspace(t)

	// When: deleting an unknown id
	out, err := ws.run(t, "delete", "nope.md")

	// Then: the command fails and says why
	require.Error(t, err)
	assert.Contains(t, out, "no such document")
}

func TestRetryCmd(t *testing.T) {
	t.Run("no failed rows", func(t *testing.T) {
		// Given: an ingested document with nothing failed
		ws := newWorkspace(t)
		ws.write(t, "ok.md", "fine")
		_, err := ws.run(t, "ingest", "--root", ws.docs, ws.docs)
		require.NoError(t, err)

		// When: retrying it
		out, err := ws.run(t, "retry", "ok.md")

		// Then: nothing is reset
		require.NoError(t, err)
		assert.Contains(t, out, "no failed index rows")
	})

	t.Run("invalid index type", func(t *testing.T) {
		// Given: a malformed index type
		ws := newWorkspace(t)

		// When: retrying with it
		_, err := ws.run(t, "retry", "ok.md", "Not Valid")

		// Then: the argument is rejected
		require.Error(t, err)
	})
}

func TestStatusCmd_HumanOutput(t *testing.T) {
	// Given: one ingested, unreconciled document
	ws := newWorkspace(t)
	ws.write(t, "draft.md", "# Draft\n\nwork in progress")
	_, err := ws.run(t, "ingest", "--root", ws.docs, ws.docs)
	require.NoError(t, err)

	// When: showing status
	out, err := ws.run(t, "status")

	// Then: pending rows and the document are listed
	require.NoError(t, err)
	assert.Contains(t, out, "PENDING=3")
	assert.Contains(t, out, "draft.md")
	assert.Contains(t, out, "Draft")

	// When: showing the document's rows
	out, err = ws.run(t, "status", "draft.md")

	// Then: the row table is printed
	require.NoError(t, err)
	assert.Contains(t, out, "TYPE")
	assert.Contains(t, out, "summary")
}

func TestStatusCmd_UnknownDocument(t *testing.T) {
	// Given: an empty workspace
	ws := newWorkspace(t)

	// When: asking for an unknown document
	_, err := ws.run(t, "status", "missing.md")

	// Then: it is an error
	require.Error(t, err)
}
