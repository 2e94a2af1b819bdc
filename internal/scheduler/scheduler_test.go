package scheduler

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/workflow"
)

// fakeRunner records requests and optionally blocks until released.
type fakeRunner struct {
	mu       sync.Mutex
	requests []workflow.Request
	gate     chan struct{}
	active   atomic.Int32
	peak     atomic.Int32
	fail     map[model.IndexType]string
}

func (r *fakeRunner) Run(ctx context.Context, req workflow.Request) *model.WorkflowResult {
	n := r.active.Add(1)
	defer r.active.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}

	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
		}
	}

	results := make([]model.TaskResult, 0, len(req.Targets))
	for _, t := range req.Types() {
		if reason, ok := r.fail[t]; ok {
			results = append(results, model.TaskResult{IndexType: t, Outcome: model.Failure{Reason: reason}})
			continue
		}
		results = append(results, model.TaskResult{IndexType: t, Outcome: model.Success{}})
	}
	return model.Aggregate(req.WorkflowID, req.DocumentID, req.Operation, results)
}

func (r *fakeRunner) seen() []workflow.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]workflow.Request(nil), r.requests...)
}

func newScheduler(t *testing.T, runner Runner, parallel int) *LocalScheduler {
	t.Helper()
	s, err := NewLocalScheduler(runner, Config{MaxParallel: parallel, StatusRetention: 16})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func waitStatus(t *testing.T, s *LocalScheduler, id string) *TaskStatus {
	t.Helper()
	var st *TaskStatus
	require.Eventually(t, func() bool {
		st = s.GetTaskStatus(id)
		return st != nil
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestSchedule_ReturnsBeforeWorkflowRuns(t *testing.T) {
	// Given: a runner that blocks until released
	runner := &fakeRunner{gate: make(chan struct{})}
	s := newScheduler(t, runner, 2)

	// When
	id, err := s.ScheduleCreateIndex(context.Background(), "doc", []model.IndexType{model.IndexTypeVector},
		TargetVersions{model.IndexTypeVector: 1})

	// Then: an id comes back while the workflow is still running
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Nil(t, s.GetTaskStatus(id))
	assert.Equal(t, 1, s.Running())

	close(runner.gate)
	st := waitStatus(t, s, id)
	assert.True(t, st.Success)
	assert.Empty(t, st.Error)
	require.NotNil(t, st.Data)
	assert.Equal(t, id, st.Data.WorkflowID)
}

func TestSchedule_PassesOperationAndTargets(t *testing.T) {
	runner := &fakeRunner{}
	s := newScheduler(t, runner, 1)
	ctx := context.Background()
	types := []model.IndexType{model.IndexTypeGraph, model.IndexTypeVector}
	targets := TargetVersions{model.IndexTypeGraph: 3, model.IndexTypeVector: 3}

	_, err := s.ScheduleUpdateIndex(ctx, "doc", types, targets)
	require.NoError(t, err)
	_, err = s.ScheduleDeleteIndex(ctx, "doc", types, targets)
	require.NoError(t, err)
	require.NoError(t, s.Wait(ctx))

	seen := runner.seen()
	require.Len(t, seen, 2)
	ops := []model.Action{seen[0].Operation, seen[1].Operation}
	assert.ElementsMatch(t, []model.Action{model.ActionUpdate, model.ActionDelete}, ops)
	for _, req := range seen {
		assert.Equal(t, "doc", req.DocumentID)
		assert.Equal(t, map[model.IndexType]int64(targets), req.Targets)
	}
	assert.NotEqual(t, seen[0].WorkflowID, seen[1].WorkflowID)
}

func TestSchedule_PartialFailureReported(t *testing.T) {
	runner := &fakeRunner{fail: map[model.IndexType]string{model.IndexTypeGraph: "graph store down"}}
	s := newScheduler(t, runner, 1)

	id, err := s.ScheduleCreateIndex(context.Background(), "doc",
		[]model.IndexType{model.IndexTypeVector, model.IndexTypeGraph},
		TargetVersions{model.IndexTypeVector: 1, model.IndexTypeGraph: 1})
	require.NoError(t, err)

	st := waitStatus(t, s, id)
	assert.False(t, st.Success)
	assert.Equal(t, "graph: graph store down", st.Error)
	assert.Equal(t, model.AggregatePartialSuccess, st.Data.Status)
}

func TestSchedule_RejectsIncompleteRequests(t *testing.T) {
	s := newScheduler(t, &fakeRunner{}, 1)
	ctx := context.Background()

	_, err := s.ScheduleCreateIndex(ctx, "doc", nil, nil)
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))

	_, err = s.ScheduleCreateIndex(ctx, "doc", []model.IndexType{model.IndexTypeVector}, TargetVersions{})
	assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
}

func TestLocalScheduler_BoundsParallelism(t *testing.T) {
	// Given: a pool of two and five blocked workflows
	runner := &fakeRunner{gate: make(chan struct{})}
	s := newScheduler(t, runner, 2)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.ScheduleCreateIndex(ctx, "doc", []model.IndexType{model.IndexTypeVector},
			TargetVersions{model.IndexTypeVector: 1})
		require.NoError(t, err)
	}

	// When: the first two are running
	require.Eventually(t, func() bool { return runner.active.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
	close(runner.gate)
	require.NoError(t, s.Wait(ctx))

	// Then: never more than two ran at once
	assert.Equal(t, int32(2), runner.peak.Load())
	assert.Len(t, runner.seen(), 5)
	assert.Zero(t, s.Running())
}

func TestGetTaskStatus_UnknownIsNil(t *testing.T) {
	s := newScheduler(t, &fakeRunner{}, 1)

	assert.Nil(t, s.GetTaskStatus("no-such-workflow"))
}

func TestClose_DrainsThenRejects(t *testing.T) {
	runner := &fakeRunner{}
	s, err := NewLocalScheduler(runner, Config{MaxParallel: 1})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := s.ScheduleCreateIndex(ctx, "doc", []model.IndexType{model.IndexTypeVector},
		TargetVersions{model.IndexTypeVector: 1})
	require.NoError(t, err)

	require.NoError(t, s.Close(ctx))
	assert.NotNil(t, s.GetTaskStatus(id))

	_, err = s.ScheduleDeleteIndex(ctx, "doc", []model.IndexType{model.IndexTypeVector},
		TargetVersions{model.IndexTypeVector: 1})
	assert.ErrorIs(t, err, errors.ErrSchedulerClosed)
}

func TestClose_DeadlineCancelsRunningWorkflows(t *testing.T) {
	// Given: a workflow that only returns once its context is cancelled
	runner := &fakeRunner{gate: make(chan struct{})}
	s, err := NewLocalScheduler(runner, Config{MaxParallel: 1})
	require.NoError(t, err)
	_, err = s.ScheduleCreateIndex(context.Background(), "doc", []model.IndexType{model.IndexTypeVector},
		TargetVersions{model.IndexTypeVector: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	// When
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = s.Close(ctx)

	// Then
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, s.Running())
}

func TestWait_CancelledContextLeavesNothingBehind(t *testing.T) {
	// Given: a workflow blocked until released
	runner := &fakeRunner{gate: make(chan struct{})}
	s := newScheduler(t, runner, 1)
	require.NoError(t, s.Wait(context.Background()), "an idle scheduler does not block")
	_, err := s.ScheduleCreateIndex(context.Background(), "doc", []model.IndexType{model.IndexTypeVector},
		TargetVersions{model.IndexTypeVector: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return runner.active.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
	before := runtime.NumGoroutine()

	// When: many callers give up waiting
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 100; i++ {
		assert.ErrorIs(t, s.Wait(ctx), context.Canceled)
	}

	// Then: no goroutine per caller is left blocked
	assert.Less(t, runtime.NumGoroutine(), before+10)

	// And: waiting again returns once the workflow finishes
	close(runner.gate)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, s.Wait(waitCtx))
	assert.Zero(t, s.Running())
}
