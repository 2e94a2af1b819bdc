// Package scheduler starts workflows without waiting for them. The
// TaskScheduler interface hides the execution substrate from the reconciler;
// LocalScheduler runs workflows in-process on a bounded worker pool.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/workflow"
)

// TargetVersions carries the claimed version of every scheduled index type.
type TargetVersions map[model.IndexType]int64

// TaskStatus is the outcome of a finished workflow.
type TaskStatus struct {
	Success bool
	Error   string
	Data    *model.WorkflowResult
}

// TaskScheduler starts index workflows. Schedule calls return a workflow id
// at once and never wait for the workflow.
type TaskScheduler interface {
	ScheduleCreateIndex(ctx context.Context, docID string, types []model.IndexType, targets TargetVersions) (string, error)
	ScheduleUpdateIndex(ctx context.Context, docID string, types []model.IndexType, targets TargetVersions) (string, error)
	ScheduleDeleteIndex(ctx context.Context, docID string, types []model.IndexType, targets TargetVersions) (string, error)
	// GetTaskStatus returns nil while the workflow runs or once it is unknown.
	GetTaskStatus(workflowID string) *TaskStatus
}

// Runner executes one workflow to completion.
type Runner interface {
	Run(ctx context.Context, req workflow.Request) *model.WorkflowResult
}

// Config sizes a LocalScheduler.
type Config struct {
	// MaxParallel bounds concurrently running workflows.
	MaxParallel int
	// StatusRetention is how many finished statuses are kept.
	StatusRetention int
}

// LocalScheduler runs workflows in goroutines gated by a semaphore.
type LocalScheduler struct {
	runner   Runner
	sem      *semaphore.Weighted
	statuses *lru.Cache[string, *TaskStatus]
	logger   *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	closed  bool
	running map[string]struct{}
	// idle is closed while running is empty.
	idle chan struct{}
}

// NewLocalScheduler returns a scheduler running workflows through runner.
func NewLocalScheduler(runner Runner, cfg Config) (*LocalScheduler, error) {
	if runner == nil {
		return nil, errors.ValidationError("scheduler: runner is required", nil)
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	if cfg.StatusRetention <= 0 {
		cfg.StatusRetention = 1024
	}
	statuses, err := lru.New[string, *TaskStatus](cfg.StatusRetention)
	if err != nil {
		return nil, errors.InternalError("create status cache", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)
	return &LocalScheduler{
		runner:   runner,
		sem:      semaphore.NewWeighted(int64(cfg.MaxParallel)),
		statuses: statuses,
		logger:   slog.Default(),
		baseCtx:  ctx,
		cancel:   cancel,
		running:  make(map[string]struct{}),
		idle:     idle,
	}, nil
}

// ScheduleCreateIndex implements TaskScheduler.
func (s *LocalScheduler) ScheduleCreateIndex(ctx context.Context, docID string, types []model.IndexType, targets TargetVersions) (string, error) {
	return s.schedule(ctx, model.ActionCreate, docID, types, targets)
}

// ScheduleUpdateIndex implements TaskScheduler.
func (s *LocalScheduler) ScheduleUpdateIndex(ctx context.Context, docID string, types []model.IndexType, targets TargetVersions) (string, error) {
	return s.schedule(ctx, model.ActionUpdate, docID, types, targets)
}

// ScheduleDeleteIndex implements TaskScheduler.
func (s *LocalScheduler) ScheduleDeleteIndex(ctx context.Context, docID string, types []model.IndexType, targets TargetVersions) (string, error) {
	return s.schedule(ctx, model.ActionDelete, docID, types, targets)
}

func (s *LocalScheduler) schedule(ctx context.Context, op model.Action, docID string, types []model.IndexType, targets TargetVersions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(types) == 0 {
		return "", errors.ValidationError("schedule "+string(op)+": no index types", nil)
	}
	req := workflow.Request{
		WorkflowID: uuid.NewString(),
		DocumentID: docID,
		Operation:  op,
		Targets:    make(map[model.IndexType]int64, len(types)),
	}
	for _, t := range types {
		v, ok := targets[t]
		if !ok {
			return "", errors.ValidationError("schedule "+string(op)+": no target version for "+string(t), nil)
		}
		req.Targets[t] = v
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", errors.ErrSchedulerClosed
	}
	if len(s.running) == 0 {
		s.idle = make(chan struct{})
	}
	s.running[req.WorkflowID] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(req)

	s.logger.Debug("workflow_scheduled",
		slog.String("workflow_id", req.WorkflowID),
		slog.String("document_id", docID),
		slog.String("operation", string(op)),
		slog.Any("index_types", req.Types()))
	return req.WorkflowID, nil
}

func (s *LocalScheduler) execute(req workflow.Request) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.running, req.WorkflowID)
		if len(s.running) == 0 {
			close(s.idle)
		}
		s.mu.Unlock()
	}()

	if err := s.sem.Acquire(s.baseCtx, 1); err != nil {
		s.statuses.Add(req.WorkflowID, &TaskStatus{Error: "not started: " + err.Error()})
		return
	}
	defer s.sem.Release(1)

	wr := s.runner.Run(s.baseCtx, req)
	s.statuses.Add(req.WorkflowID, statusOf(wr))
}

func statusOf(wr *model.WorkflowResult) *TaskStatus {
	st := &TaskStatus{Success: wr.Status == model.AggregateSuccess, Data: wr}
	if len(wr.Failed) > 0 {
		reasons := make([]string, 0, len(wr.Failed))
		for _, f := range wr.Failed {
			reasons = append(reasons, string(f.IndexType)+": "+f.Reason)
		}
		st.Error = strings.Join(reasons, "; ")
	}
	return st
}

// GetTaskStatus implements TaskScheduler.
func (s *LocalScheduler) GetTaskStatus(workflowID string) *TaskStatus {
	st, ok := s.statuses.Get(workflowID)
	if !ok {
		return nil
	}
	return st
}

// Running returns the number of scheduled workflows not yet finished.
func (s *LocalScheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Wait blocks until every scheduled workflow finished or ctx is done.
func (s *LocalScheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting workflows and drains the running ones. When ctx
// ends first the remaining workflows are cancelled; their rows stay claimed
// until the claim timeout hands them back.
func (s *LocalScheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Wait(ctx)
	s.cancel()
	if err != nil {
		// Cancelled workflows still need to unwind.
		s.wg.Wait()
		s.logger.Warn("scheduler_close_interrupted", slog.String("error", err.Error()))
	}
	return err
}

var _ TaskScheduler = (*LocalScheduler)(nil)
