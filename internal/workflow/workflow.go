// Package workflow runs the two-phase index pipelines started by the
// scheduler. A create or update workflow prepares the document once, fans
// out one apply task per index type and joins them into a WorkflowResult. A
// delete workflow fans out delete tasks directly. Row state is only ever
// changed by the per-type completion callbacks; the aggregate is logged.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aman-CERP/amanidx/internal/backend"
	"github.com/Aman-CERP/amanidx/internal/callback"
	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/telemetry"
)

// Store is what the workflows read to decide relevance.
type Store interface {
	GetDocument(ctx context.Context, id string) (*model.Document, error)
	GetSpec(ctx context.Context, docID string, indexType model.IndexType) (*model.IndexSpec, error)
	DocumentAlive(ctx context.Context, id string) (bool, error)
}

// Preparer turns a document into the representation shared by apply tasks.
type Preparer interface {
	Prepare(ctx context.Context, doc *model.Document, version int64) (*model.Prepared, error)
}

// Backends resolves the backend of an index type.
type Backends interface {
	Get(t model.IndexType) (backend.Backend, error)
}

// Request describes one workflow. Targets carries the claimed version per
// index type.
type Request struct {
	WorkflowID string
	DocumentID string
	Operation  model.Action
	Targets    map[model.IndexType]int64
}

// Types returns the requested index types in sorted order.
func (r Request) Types() []model.IndexType {
	types := make([]model.IndexType, 0, len(r.Targets))
	for t := range r.Targets {
		types = append(types, t)
	}
	return model.SortIndexTypes(types)
}

// Dependencies wires an Orchestrator.
type Dependencies struct {
	Store     Store
	Preparer  Preparer
	Backends  Backends
	Callbacks callback.Callbacks
	Policy    RetryPolicy
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// Orchestrator executes workflows. It is safe for concurrent use.
type Orchestrator struct {
	store     Store
	preparer  Preparer
	backends  Backends
	callbacks callback.Callbacks
	policy    RetryPolicy
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New validates deps and returns an Orchestrator.
func New(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, errors.ValidationError("workflow: store is required", nil)
	case deps.Preparer == nil:
		return nil, errors.ValidationError("workflow: preparer is required", nil)
	case deps.Backends == nil:
		return nil, errors.ValidationError("workflow: backends are required", nil)
	case deps.Callbacks == nil:
		return nil, errors.ValidationError("workflow: callbacks are required", nil)
	}
	if deps.Policy.MaxAttempts <= 0 {
		deps.Policy = DefaultRetryPolicy()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Orchestrator{
		store:     deps.Store,
		preparer:  deps.Preparer,
		backends:  deps.Backends,
		callbacks: deps.Callbacks,
		policy:    deps.Policy,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
	}, nil
}

// Run executes req to completion and returns its aggregate result.
func (o *Orchestrator) Run(ctx context.Context, req Request) *model.WorkflowResult {
	started := o.now()
	ctx, span := telemetry.StartSpan(ctx, "workflow_"+string(req.Operation),
		append(telemetry.DocumentAttrs(req.DocumentID, req.WorkflowID),
			attribute.Int("amanidx.workflow.types", len(req.Targets)))...)

	var results []model.TaskResult
	if req.Operation == model.ActionDelete {
		results = o.fanOut(ctx, req, nil)
	} else {
		encoded, skipped, err := o.prepare(ctx, req)
		switch {
		case skipped != "":
			results = o.skipAll(req, skipped)
		case err != nil && ctx.Err() != nil:
			results = o.skipAll(req, interrupted(ctx))
		case err != nil:
			results = o.failAll(ctx, req, "prepare: "+errors.FormatForRow(err))
		default:
			results = o.fanOut(ctx, req, encoded)
		}
	}

	wr := model.Aggregate(req.WorkflowID, req.DocumentID, req.Operation, results)
	wr.StartedAt = started
	wr.FinishedAt = o.now()
	o.metrics.Workflow(wr)

	var spanErr error
	if wr.Status == model.AggregateFailed {
		spanErr = fmt.Errorf("workflow failed for %d index types", len(wr.Failed))
	}
	telemetry.EndSpan(span, spanErr)

	level := slog.LevelInfo
	if wr.Status != model.AggregateSuccess {
		level = slog.LevelWarn
	}
	o.logger.LogAttrs(ctx, level, "workflow_complete",
		slog.String("workflow_id", wr.WorkflowID),
		slog.String("document_id", wr.DocumentID),
		slog.String("operation", string(wr.Operation)),
		slog.String("status", string(wr.Status)),
		slog.Any("succeeded", wr.Succeeded),
		slog.Any("failed", wr.Failed),
		slog.Any("skipped", wr.Skipped),
		slog.Duration("duration", wr.FinishedAt.Sub(wr.StartedAt)))
	return wr
}

// prepare loads and parses the document once under the retry policy and
// returns the serialized representation. A non-empty skip reason means the
// document is gone and no task should run.
func (o *Orchestrator) prepare(ctx context.Context, req Request) ([]byte, string, error) {
	ctx, span := telemetry.StartSpan(ctx, "prepare", telemetry.DocumentAttrs(req.DocumentID, req.WorkflowID)...)

	var target int64
	for _, v := range req.Targets {
		if v > target {
			target = v
		}
	}

	var (
		encoded []byte
		skip    string
	)
	attempts, err := o.policy.Do(ctx, func() error {
		doc, err := o.store.GetDocument(ctx, req.DocumentID)
		if errors.Is(err, errors.ErrNotFound) {
			skip = "document not found"
			return nil
		}
		if err != nil {
			return err
		}
		if doc.Deleted() {
			skip = "document deleted"
			return nil
		}
		prepared, err := o.preparer.Prepare(ctx, doc, target)
		if err != nil {
			return err
		}
		encoded, err = json.Marshal(prepared)
		if err != nil {
			return errors.Permanent(errors.New(errors.ErrCodePrepareFailed, "encode prepared document", err))
		}
		return nil
	})
	telemetry.EndSpan(span, err)

	if err != nil {
		o.logger.Error("prepare_failed",
			slog.String("workflow_id", req.WorkflowID),
			slog.String("document_id", req.DocumentID),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()))
		return nil, "", err
	}
	if skip == "" {
		o.logger.Debug("prepare_complete",
			slog.String("workflow_id", req.WorkflowID),
			slog.String("document_id", req.DocumentID),
			slog.Int("bytes", len(encoded)),
			slog.Int("attempts", attempts))
	}
	return encoded, skip, nil
}

// fanOut runs one task per requested type and waits for all of them.
func (o *Orchestrator) fanOut(ctx context.Context, req Request, encoded []byte) []model.TaskResult {
	types := req.Types()
	results := make([]model.TaskResult, len(types))

	var wg sync.WaitGroup
	for i, t := range types {
		wg.Add(1)
		go func(i int, t model.IndexType) {
			defer wg.Done()
			results[i] = o.runTask(ctx, req, t, req.Targets[t], encoded)
		}(i, t)
	}
	wg.Wait()
	return results
}

func (o *Orchestrator) skipAll(req Request, reason string) []model.TaskResult {
	results := make([]model.TaskResult, 0, len(req.Targets))
	for _, t := range req.Types() {
		r := model.TaskResult{IndexType: t, Outcome: model.Skipped{Reason: reason}}
		o.metrics.Task(t, r.Outcome)
		results = append(results, r)
	}
	return results
}

func (o *Orchestrator) failAll(ctx context.Context, req Request, reason string) []model.TaskResult {
	results := make([]model.TaskResult, 0, len(req.Targets))
	for _, t := range req.Types() {
		r := model.TaskResult{IndexType: t, Outcome: o.fail(ctx, req, t, req.Targets[t], reason)}
		o.metrics.Task(t, r.Outcome)
		results = append(results, r)
	}
	return results
}
