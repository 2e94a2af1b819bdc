package cmd

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanidx/internal/async"
	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/reconcile"
	"github.com/Aman-CERP/amanidx/internal/store"
	"github.com/Aman-CERP/amanidx/internal/telemetry"
)

// rowStatuses reads every index row of docID from the workspace store. It
// runs inside Eventually, so errors read as "not yet".
func rowStatuses(ws *workspace, docID string) []model.Status {
	s, err := store.Open(filepath.Join(ws.dataDir, "state.db"))
	if err != nil {
		return nil
	}
	defer func() { _ = s.Close() }()
	rows, err := s.ListSpecs(context.Background(), docID)
	if err != nil {
		return nil
	}
	statuses := make([]model.Status, len(rows))
	for i, r := range rows {
		statuses[i] = r.Status
	}
	return statuses
}

func allActive(statuses []model.Status, want int) bool {
	if len(statuses) != want {
		return false
	}
	for _, st := range statuses {
		if st != model.StatusActive {
			return false
		}
	}
	return true
}

func TestServeCmd_ConvergesWatchedDocuments(t *testing.T) {
	// Given: a watched docs directory with one document
	ws := newWorkspace(t)
	ws.appendConfig(t, "reconciler:\n  interval: 50ms\nwatch:\n  debounce: 20ms\n  paths: ["+ws.docs+"]\n")
	ws.write(t, "first.md", "# First\n\nAlready here at startup.")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cmd := NewRootCmd()
	cmd.SetOut(new(bytes.Buffer))
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs([]string{"--config", ws.config, "serve", "--metrics-addr", "off"})
	done := make(chan error, 1)

	// When: serving
	go func() { done <- cmd.ExecuteContext(ctx) }()

	// Then: the startup document converges
	require.Eventually(t, func() bool {
		return allActive(rowStatuses(ws, "first.md"), 3)
	}, 15*time.Second, 50*time.Millisecond)

	// When: a new document appears while serving
	ws.write(t, "second.md", "# Second\n\nAdded later.")

	// Then: it converges as well
	require.Eventually(t, func() bool {
		return allActive(rowStatuses(ws, "second.md"), 3)
	}, 15*time.Second, 50*time.Millisecond)

	// When: the server is interrupted
	cancel()

	// Then: it shuts down cleanly
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(30 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestStatusMux(t *testing.T) {
	// Given: an engine over a workspace store and a loop that has not started
	ws := newWorkspace(t)
	configPath = ws.config
	dataDir = ""
	t.Cleanup(func() { configPath = "" })
	cfg, err := loadConfig()
	require.NoError(t, err)
	s, err := openStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	metrics := telemetry.NewMetrics()
	eng, err := openEngine(cfg, s, metrics)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	loop := async.NewLoop(async.LoopConfig{}, func(ctx context.Context) (*reconcile.PassResult, error) {
		return &reconcile.PassResult{}, nil
	})
	srv := httptest.NewServer(newStatusMux(metrics, loop, eng))
	t.Cleanup(srv.Close)

	t.Run("healthz reports a stopped loop", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("status is JSON", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/status")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var st serveStatus
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
		assert.Equal(t, 0, st.Workflows)
	})

	t.Run("metrics are exposed", func(t *testing.T) {
		eng.refreshGauges(context.Background())
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}
