package reconcile

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanidx/internal/backend"
	"github.com/Aman-CERP/amanidx/internal/callback"
	"github.com/Aman-CERP/amanidx/internal/chunk"
	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/scheduler"
	"github.com/Aman-CERP/amanidx/internal/store"
	"github.com/Aman-CERP/amanidx/internal/telemetry"
	"github.com/Aman-CERP/amanidx/internal/workflow"
)

// recordingScheduler accepts every request without running it.
type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
	err   error
}

type scheduled struct {
	action  model.Action
	docID   string
	types   []model.IndexType
	targets scheduler.TargetVersions
}

func (s *recordingScheduler) record(a model.Action, docID string, types []model.IndexType, targets scheduler.TargetVersions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	s.calls = append(s.calls, scheduled{a, docID, model.SortIndexTypes(append([]model.IndexType(nil), types...)), targets})
	return docID + "-" + string(a), nil
}

func (s *recordingScheduler) ScheduleCreateIndex(_ context.Context, docID string, types []model.IndexType, t scheduler.TargetVersions) (string, error) {
	return s.record(model.ActionCreate, docID, types, t)
}
func (s *recordingScheduler) ScheduleUpdateIndex(_ context.Context, docID string, types []model.IndexType, t scheduler.TargetVersions) (string, error) {
	return s.record(model.ActionUpdate, docID, types, t)
}
func (s *recordingScheduler) ScheduleDeleteIndex(_ context.Context, docID string, types []model.IndexType, t scheduler.TargetVersions) (string, error) {
	return s.record(model.ActionDelete, docID, types, t)
}
func (s *recordingScheduler) GetTaskStatus(string) *scheduler.TaskStatus { return nil }

func (s *recordingScheduler) Calls() []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduled(nil), s.calls...)
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ingest(t *testing.T, s *store.SQLiteStore, docID, content string, types ...model.IndexType) {
	t.Helper()
	ctx := context.Background()
	_, err := s.SaveDocument(ctx, &model.Document{ID: docID, Title: docID, Content: content, ContentHash: content})
	require.NoError(t, err)
	_, err = s.RequestIndexes(ctx, docID, types)
	require.NoError(t, err)
}

func spec(t *testing.T, s *store.SQLiteStore, docID string, it model.IndexType) *model.IndexSpec {
	t.Helper()
	row, err := s.GetSpec(context.Background(), docID, it)
	require.NoError(t, err)
	return row
}

func newReconciler(t *testing.T, s Store, sched scheduler.TaskScheduler, cfg Config) *Reconciler {
	t.Helper()
	r, err := New(cfg, Dependencies{Store: s, Scheduler: sched, Metrics: telemetry.NewMetrics()})
	require.NoError(t, err)
	return r
}

func TestReconcileAll_ClaimsAndSchedulesPerAction(t *testing.T) {
	// Given: one new document, one edited document and one deleted document
	s := openStore(t)
	ctx := context.Background()
	ingest(t, s, "new", "fresh text", model.IndexTypeVector, model.IndexTypeGraph)
	ingest(t, s, "edited", "v1", model.IndexTypeVector)
	_, err := s.ClaimRow(ctx, spec(t, s, "edited", model.IndexTypeVector), model.ActionCreate)
	require.NoError(t, err)
	_, err = s.CompleteRow(ctx, "edited", model.IndexTypeVector, 1, "")
	require.NoError(t, err)
	ingest(t, s, "edited", "v2", model.IndexTypeVector)
	ingest(t, s, "gone", "old", model.IndexTypeSummary)
	_, err = s.DeleteDocument(ctx, "gone")
	require.NoError(t, err)

	sched := &recordingScheduler{}
	r := newReconciler(t, s, sched, Config{})

	// When
	result, err := r.ReconcileAll(ctx)

	// Then: one workflow per document and action with the claimed versions
	require.NoError(t, err)
	require.NoError(t, result.Err())
	assert.Equal(t, 4, result.Drifted)
	assert.Equal(t, 3, result.Documents)
	assert.Equal(t, 4, result.Claimed)
	assert.Len(t, result.Workflows, 3)
	assert.ElementsMatch(t, []scheduled{
		{model.ActionCreate, "new", []model.IndexType{model.IndexTypeGraph, model.IndexTypeVector},
			scheduler.TargetVersions{model.IndexTypeGraph: 1, model.IndexTypeVector: 1}},
		{model.ActionUpdate, "edited", []model.IndexType{model.IndexTypeVector},
			scheduler.TargetVersions{model.IndexTypeVector: 2}},
		{model.ActionDelete, "gone", []model.IndexType{model.IndexTypeSummary},
			scheduler.TargetVersions{model.IndexTypeSummary: 2}},
	}, sched.Calls())

	assert.Equal(t, model.StatusCreating, spec(t, s, "new", model.IndexTypeGraph).Status)
	assert.Equal(t, model.StatusCreating, spec(t, s, "edited", model.IndexTypeVector).Status)
	assert.Equal(t, model.StatusDeletionInProgress, spec(t, s, "gone", model.IndexTypeSummary).Status)
	assert.NotNil(t, spec(t, s, "new", model.IndexTypeVector).GmtLastReconciled)
}

func TestReconcileAll_IsIdempotent(t *testing.T) {
	s := openStore(t)
	ingest(t, s, "doc", "text", model.IndexTypeVector, model.IndexTypeFulltext)
	sched := &recordingScheduler{}
	r := newReconciler(t, s, sched, Config{})

	first, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	second, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, first.Claimed)
	assert.Zero(t, second.Drifted)
	assert.Zero(t, second.Claimed)
	assert.Len(t, sched.Calls(), 1)
}

func TestReconcileAll_AtMostOneClaimerPerRow(t *testing.T) {
	// Given: twenty documents and four reconcilers racing over the same store
	s := openStore(t)
	for i := 0; i < 20; i++ {
		ingest(t, s, "doc-"+string(rune('a'+i)), "text", model.IndexTypeVector, model.IndexTypeGraph)
	}
	sched := &recordingScheduler{}
	reconcilers := make([]*Reconciler, 4)
	for i := range reconcilers {
		reconcilers[i] = newReconciler(t, s, sched, Config{Concurrency: 3})
	}

	// When
	var wg sync.WaitGroup
	claimed := make([]int, len(reconcilers))
	for i, r := range reconcilers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := r.ReconcileAll(context.Background())
			assert.NoError(t, err)
			claimed[i] = result.Claimed
		}()
	}
	wg.Wait()

	// Then: every row was claimed exactly once
	total := 0
	for _, n := range claimed {
		total += n
	}
	assert.Equal(t, 40, total)
	seen := make(map[string]int)
	for _, c := range sched.Calls() {
		for _, it := range c.types {
			seen[c.docID+"/"+string(it)]++
		}
	}
	assert.Len(t, seen, 40)
	for key, n := range seen {
		assert.Equal(t, 1, n, key)
	}
}

func TestReconcileAll_BatchLimitBoundsPass(t *testing.T) {
	s := openStore(t)
	ingest(t, s, "a", "text", model.IndexTypeVector, model.IndexTypeGraph)
	ingest(t, s, "b", "text", model.IndexTypeVector)
	r := newReconciler(t, s, &recordingScheduler{}, Config{BatchLimit: 2})

	first, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)
	second, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, first.Claimed)
	assert.Equal(t, 1, second.Claimed)
}

func TestReconcileAll_SchedulingErrorIsPerDocument(t *testing.T) {
	s := openStore(t)
	ingest(t, s, "doc", "text", model.IndexTypeVector)
	sched := &recordingScheduler{err: errors.ErrSchedulerClosed}
	r := newReconciler(t, s, sched, Config{})

	result, err := r.ReconcileAll(context.Background())

	require.NoError(t, err)
	require.Len(t, result.Errors, 1)
	assert.ErrorIs(t, result.Err(), errors.ErrSchedulerClosed)
	assert.Empty(t, result.Workflows)
	// The claim is held until the claim timeout hands it back
	assert.Equal(t, model.StatusCreating, spec(t, s, "doc", model.IndexTypeVector).Status)
}

func TestReconcileAll_ReleasesExpiredClaims(t *testing.T) {
	// Given: a claim whose workflow never reported back
	s := openStore(t)
	ingest(t, s, "doc", "text", model.IndexTypeVector)
	sched := &recordingScheduler{}
	r := newReconciler(t, s, sched, Config{ClaimTimeout: 15 * time.Minute})
	_, err := r.ReconcileAll(context.Background())
	require.NoError(t, err)

	// When: a pass runs after the claim timeout
	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	result, err := r.ReconcileAll(context.Background())

	// Then: the never-built row is handed back and reclaimed as a create
	require.NoError(t, err)
	assert.Equal(t, 1, result.Released)
	assert.Equal(t, 1, result.Claimed)
	calls := sched.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, model.ActionCreate, calls[1].action)
	assert.Equal(t, scheduler.TargetVersions{model.IndexTypeVector: 1}, calls[1].targets)
}

func TestNew_RequiresStoreAndScheduler(t *testing.T) {
	_, err := New(Config{}, Dependencies{Scheduler: &recordingScheduler{}})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))

	_, err = New(Config{}, Dependencies{Store: openStore(t)})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
}

func TestClaimer_SkipsRowsWithoutDrift(t *testing.T) {
	s := openStore(t)
	ingest(t, s, "doc", "text", model.IndexTypeVector)
	ctx := context.Background()
	row := spec(t, s, "doc", model.IndexTypeVector)
	c := NewClaimer(s, nil, nil)

	claims, err := c.Claim(ctx, "doc", []*model.IndexSpec{row})
	require.NoError(t, err)
	// The same snapshot again: the row is CREATING now, so the CAS misses
	again, err := c.Claim(ctx, "doc", []*model.IndexSpec{row})
	require.NoError(t, err)

	assert.Equal(t, []model.Claim{{IndexType: model.IndexTypeVector, Action: model.ActionCreate, TargetVersion: 1}}, claims)
	assert.Empty(t, again)
}

func TestClaimer_RejectsForeignRows(t *testing.T) {
	c := NewClaimer(openStore(t), nil, nil)

	_, err := c.Claim(context.Background(), "doc", []*model.IndexSpec{{DocumentID: "other", IndexType: model.IndexTypeVector}})

	assert.Error(t, err)
}

func TestClaimer_LogsLostClaimsToGivenLogger(t *testing.T) {
	// Given: a reconciler built with its own logger
	s := openStore(t)
	ingest(t, s, "doc", "text", model.IndexTypeVector)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r, err := New(Config{}, Dependencies{Store: s, Scheduler: &recordingScheduler{}, Logger: logger})
	require.NoError(t, err)
	row := spec(t, s, "doc", model.IndexTypeVector)
	_, err = s.ClaimRow(context.Background(), row, model.ActionCreate)
	require.NoError(t, err)

	// When: the claimer loses the row to the earlier claim
	claims, err := r.claimer.Claim(context.Background(), "doc", []*model.IndexSpec{row})

	// Then: the lost claim is logged through the reconciler's logger
	require.NoError(t, err)
	assert.Empty(t, claims)
	assert.Contains(t, buf.String(), `"msg":"claim_lost"`)
	assert.Contains(t, buf.String(), `"document_id":"doc"`)
}

// memBackend records the documents it holds and can be told to fail or block.
type memBackend struct {
	t model.IndexType

	mu      sync.Mutex
	docs    map[string]int64
	fail    bool
	entered chan struct{}
	release chan struct{}
}

func newMemBackend(t model.IndexType) *memBackend {
	return &memBackend{t: t, docs: make(map[string]int64)}
}

func (b *memBackend) Type() model.IndexType { return b.t }

func (b *memBackend) upsert(docID string, p *model.Prepared) backend.Result {
	b.mu.Lock()
	entered, release, fail := b.entered, b.release, b.fail
	b.entered, b.release = nil, nil
	b.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	if fail {
		return backend.Failed(errors.Permanent(errors.New(errors.ErrCodeBackendRejected, "rejected", nil)))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[docID] = p.Version
	return backend.Succeeded("")
}

func (b *memBackend) Create(_ context.Context, docID string, p *model.Prepared) backend.Result {
	return b.upsert(docID, p)
}
func (b *memBackend) Update(_ context.Context, docID string, p *model.Prepared) backend.Result {
	return b.upsert(docID, p)
}
func (b *memBackend) Delete(_ context.Context, docID string) backend.Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, docID)
	return backend.Succeeded("")
}
func (b *memBackend) Close() error { return nil }

func (b *memBackend) setFail(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fail = v
}

func (b *memBackend) version(docID string) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.docs[docID]
	return v, ok
}

// system wires the real orchestrator behind a local scheduler.
type system struct {
	store    *store.SQLiteStore
	sched    *scheduler.LocalScheduler
	rec      *Reconciler
	backends map[model.IndexType]*memBackend
}

func newSystem(t *testing.T, types ...model.IndexType) *system {
	t.Helper()
	s := openStore(t)
	registry := backend.NewRegistry()
	sys := &system{store: s, backends: map[model.IndexType]*memBackend{}}
	for _, it := range types {
		b := newMemBackend(it)
		require.NoError(t, registry.Register(b))
		sys.backends[it] = b
	}
	orch, err := workflow.New(workflow.Dependencies{
		Store:     s,
		Preparer:  chunk.NewPreparer(chunk.Options{}),
		Backends:  registry,
		Callbacks: callback.NewHandler(s),
		Policy: workflow.RetryPolicy{MaxAttempts: 2, Backoff: errors.RetryConfig{
			InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1,
		}},
	})
	require.NoError(t, err)
	sys.sched, err = scheduler.NewLocalScheduler(orch, scheduler.Config{MaxParallel: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sys.sched.Close(context.Background()) })
	sys.rec = newReconciler(t, s, sys.sched, Config{Concurrency: 2})
	return sys
}

// converge runs passes until no drift is left.
func (sys *system) converge(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		result, err := sys.rec.ReconcileAll(ctx)
		require.NoError(t, err)
		require.NoError(t, sys.sched.Wait(ctx))
		if result.Drifted == 0 {
			return
		}
	}
	t.Fatal("reconciliation did not converge")
}

func (sys *system) docStatus(t *testing.T, docID string) model.DocumentStatus {
	t.Helper()
	doc, err := sys.store.GetDocument(context.Background(), docID)
	require.NoError(t, err)
	return doc.Status
}

func TestSystem_ConvergesToActive(t *testing.T) {
	sys := newSystem(t, model.IndexTypeVector, model.IndexTypeGraph)
	ingest(t, sys.store, "doc", "# Raft\n\nLeaders replicate logs.\n", model.IndexTypeVector, model.IndexTypeGraph)

	sys.converge(t)

	for _, it := range []model.IndexType{model.IndexTypeVector, model.IndexTypeGraph} {
		row := spec(t, sys.store, "doc", it)
		assert.Equal(t, model.StatusActive, row.Status)
		assert.Equal(t, row.Version, row.ObservedVersion)
		v, ok := sys.backends[it].version("doc")
		assert.True(t, ok)
		assert.Equal(t, int64(1), v)
	}
	assert.Equal(t, model.DocumentStatusReady, sys.docStatus(t, "doc"))
}

func TestSystem_EditDuringWorkflowConvergesToLatest(t *testing.T) {
	// Given: the vector backend blocks inside its first create
	sys := newSystem(t, model.IndexTypeVector)
	vec := sys.backends[model.IndexTypeVector]
	vec.entered, vec.release = make(chan struct{}), make(chan struct{})
	entered, release := vec.entered, vec.release
	ingest(t, sys.store, "doc", "first draft", model.IndexTypeVector)
	_, err := sys.rec.ReconcileAll(context.Background())
	require.NoError(t, err)
	<-entered

	// When: the document is edited mid-flight and the backend finishes
	ingest(t, sys.store, "doc", "second draft", model.IndexTypeVector)
	close(release)
	require.NoError(t, sys.sched.Wait(context.Background()))

	// Then: the late completion was ignored and the next passes index version 2
	row := spec(t, sys.store, "doc", model.IndexTypeVector)
	assert.Equal(t, model.StatusPending, row.Status)
	assert.Equal(t, int64(0), row.ObservedVersion)

	sys.converge(t)
	row = spec(t, sys.store, "doc", model.IndexTypeVector)
	assert.Equal(t, model.StatusActive, row.Status)
	assert.Equal(t, int64(2), row.ObservedVersion)
	v, _ := vec.version("doc")
	assert.Equal(t, int64(2), v)
}

func TestSystem_PartialFailureThenRetry(t *testing.T) {
	sys := newSystem(t, model.IndexTypeVector, model.IndexTypeGraph)
	sys.backends[model.IndexTypeGraph].setFail(true)
	ingest(t, sys.store, "doc", "text body", model.IndexTypeVector, model.IndexTypeGraph)

	sys.converge(t)

	assert.Equal(t, model.StatusActive, spec(t, sys.store, "doc", model.IndexTypeVector).Status)
	failed := spec(t, sys.store, "doc", model.IndexTypeGraph)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "rejected")
	assert.Equal(t, model.DocumentStatusFailed, sys.docStatus(t, "doc"))

	// FAILED is terminal until an explicit retry
	result, err := sys.rec.ReconcileAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Drifted)

	sys.backends[model.IndexTypeGraph].setFail(false)
	_, err = sys.store.ResetFailed(context.Background(), "doc", nil)
	require.NoError(t, err)
	sys.converge(t)

	assert.Equal(t, model.StatusActive, spec(t, sys.store, "doc", model.IndexTypeGraph).Status)
	assert.Equal(t, model.DocumentStatusReady, sys.docStatus(t, "doc"))
}

func TestSystem_DeleteRemovesEveryRow(t *testing.T) {
	sys := newSystem(t, model.IndexTypeVector, model.IndexTypeGraph)
	ingest(t, sys.store, "doc", "text body", model.IndexTypeVector, model.IndexTypeGraph)
	sys.converge(t)

	_, err := sys.store.DeleteDocument(context.Background(), "doc")
	require.NoError(t, err)
	sys.converge(t)

	rows, err := sys.store.ListSpecs(context.Background(), "doc")
	require.NoError(t, err)
	assert.Empty(t, rows)
	for _, b := range sys.backends {
		_, ok := b.version("doc")
		assert.False(t, ok)
	}
	assert.Equal(t, model.DocumentStatusDeleted, sys.docStatus(t, "doc"))
}
