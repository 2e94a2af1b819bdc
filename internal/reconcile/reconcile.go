// Package reconcile detects drift between desired and observed index state
// and hands claimed work to a scheduler.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/scheduler"
	"github.com/Aman-CERP/amanidx/internal/telemetry"
)

// Store is the slice of the state store a reconcile pass uses.
type Store interface {
	ClaimStore
	ReleaseExpiredClaims(ctx context.Context, cutoff time.Time) (int, error)
	ListDrift(ctx context.Context, limit int) ([]*model.IndexSpec, error)
	MarkReconciled(ctx context.Context, docID string, types []model.IndexType) error
}

// Config tunes a Reconciler.
type Config struct {
	// BatchLimit caps the drifted rows read per pass; 0 reads all.
	BatchLimit int
	// ClaimTimeout is how long a claim may stay in progress before the
	// pass hands it back. 0 never releases claims.
	ClaimTimeout time.Duration
	// Concurrency bounds documents processed at once. Defaults to 1.
	Concurrency int
}

// Dependencies wires a Reconciler.
type Dependencies struct {
	Store     Store
	Scheduler scheduler.TaskScheduler
	Metrics   *telemetry.Metrics
	Logger    *slog.Logger
}

// PassResult summarizes one reconcile pass.
type PassResult struct {
	Released  int
	Drifted   int
	Documents int
	Claimed   int
	Workflows []string
	Errors    []error
	Duration  time.Duration
}

// Err joins the per-document errors of the pass, or returns nil.
func (r *PassResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("%d document(s) failed to reconcile: %w", len(r.Errors), errors.Join(r.Errors...))
}

// Reconciler runs reconcile passes. A pass is idempotent: running it again
// with no new drift claims nothing and schedules nothing.
type Reconciler struct {
	cfg       Config
	store     Store
	claimer   *Claimer
	scheduler scheduler.TaskScheduler
	metrics   *telemetry.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

// New validates deps and returns a Reconciler.
func New(cfg Config, deps Dependencies) (*Reconciler, error) {
	if deps.Store == nil {
		return nil, errors.ValidationError("reconciler: store is required", nil)
	}
	if deps.Scheduler == nil {
		return nil, errors.ValidationError("reconciler: scheduler is required", nil)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Reconciler{
		cfg:       cfg,
		store:     deps.Store,
		claimer:   NewClaimer(deps.Store, deps.Metrics, deps.Logger),
		scheduler: deps.Scheduler,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       time.Now,
	}, nil
}

// ReconcileAll runs one pass: release expired claims, read drift, then
// claim and schedule per document. The returned error is set only when the
// pass could not start; per-document failures land in PassResult.Errors and
// never stop other documents.
func (r *Reconciler) ReconcileAll(ctx context.Context) (result *PassResult, err error) {
	start := r.now()
	ctx, span := telemetry.StartSpan(ctx, "reconcile.pass")
	result = &PassResult{}
	defer func() {
		result.Duration = r.now().Sub(start)
		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case len(result.Errors) > 0:
			outcome = "partial"
		}
		r.metrics.ReconcilePass(outcome, result.Duration)
		telemetry.EndSpan(span, err)
	}()

	if r.cfg.ClaimTimeout > 0 {
		released, err := r.store.ReleaseExpiredClaims(ctx, start.Add(-r.cfg.ClaimTimeout))
		if err != nil {
			return result, fmt.Errorf("release expired claims: %w", err)
		}
		result.Released = released
		if released > 0 {
			r.logger.Warn("claims_released",
				slog.Int("rows", released),
				slog.Duration("claim_timeout", r.cfg.ClaimTimeout))
		}
	}

	rows, err := r.store.ListDrift(ctx, r.cfg.BatchLimit)
	if err != nil {
		return result, fmt.Errorf("list drift: %w", err)
	}
	result.Drifted = len(rows)
	groups := groupByDocument(rows)
	result.Documents = len(groups)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for _, grp := range groups {
		g.Go(func() error {
			claimed, ids, err := r.reconcileDocument(gctx, grp.docID, grp.rows)
			mu.Lock()
			defer mu.Unlock()
			result.Claimed += claimed
			result.Workflows = append(result.Workflows, ids...)
			if err != nil {
				result.Errors = append(result.Errors, err)
				r.logger.Error("reconcile_document_failed",
					slog.String("document_id", grp.docID),
					slog.String("error", err.Error()))
			}
			return nil
		})
	}
	_ = g.Wait()

	level := slog.LevelInfo
	if len(result.Errors) > 0 {
		level = slog.LevelWarn
	}
	if result.Drifted > 0 || result.Released > 0 || len(result.Errors) > 0 {
		r.logger.Log(ctx, level, "reconcile_pass_complete",
			slog.Int("drifted", result.Drifted),
			slog.Int("documents", result.Documents),
			slog.Int("claimed", result.Claimed),
			slog.Int("workflows", len(result.Workflows)),
			slog.Int("released", result.Released),
			slog.Int("errors", len(result.Errors)),
			slog.Duration("duration", r.now().Sub(start)))
	}
	return result, nil
}

// reconcileDocument claims the drifted rows of one document and schedules
// one workflow per action. Claimed rows whose scheduling fails stay in
// progress until the claim timeout releases them.
func (r *Reconciler) reconcileDocument(ctx context.Context, docID string, rows []*model.IndexSpec) (int, []string, error) {
	claims, claimErr := r.claimer.Claim(ctx, docID, rows)
	if len(claims) == 0 {
		return 0, nil, claimErr
	}

	var ids []string
	var errs []error
	for _, batch := range batchByAction(claims) {
		id, err := r.schedule(ctx, docID, batch)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s of %s: %w", batch.action, docID, err))
			continue
		}
		ids = append(ids, id)
		r.logger.Info("workflow_started",
			slog.String("workflow_id", id),
			slog.String("document_id", docID),
			slog.String("operation", string(batch.action)),
			slog.Any("index_types", batch.types))
	}

	claimedTypes := make([]model.IndexType, 0, len(claims))
	for _, c := range claims {
		claimedTypes = append(claimedTypes, c.IndexType)
	}
	if err := r.store.MarkReconciled(ctx, docID, claimedTypes); err != nil {
		errs = append(errs, fmt.Errorf("mark reconciled %s: %w", docID, err))
	}
	if claimErr != nil {
		errs = append(errs, claimErr)
	}
	return len(claims), ids, errors.Join(errs...)
}

func (r *Reconciler) schedule(ctx context.Context, docID string, b actionBatch) (string, error) {
	switch b.action {
	case model.ActionCreate:
		return r.scheduler.ScheduleCreateIndex(ctx, docID, b.types, b.targets)
	case model.ActionUpdate:
		return r.scheduler.ScheduleUpdateIndex(ctx, docID, b.types, b.targets)
	case model.ActionDelete:
		return r.scheduler.ScheduleDeleteIndex(ctx, docID, b.types, b.targets)
	}
	return "", errors.InternalError("unknown action "+string(b.action), nil)
}

type documentRows struct {
	docID string
	rows  []*model.IndexSpec
}

// groupByDocument keeps the order in which documents first appear.
func groupByDocument(rows []*model.IndexSpec) []documentRows {
	var groups []documentRows
	index := make(map[string]int)
	for _, row := range rows {
		i, ok := index[row.DocumentID]
		if !ok {
			i = len(groups)
			index[row.DocumentID] = i
			groups = append(groups, documentRows{docID: row.DocumentID})
		}
		groups[i].rows = append(groups[i].rows, row)
	}
	return groups
}

type actionBatch struct {
	action  model.Action
	types   []model.IndexType
	targets scheduler.TargetVersions
}

// batchByAction groups claims into create, update and delete batches, in that order.
func batchByAction(claims []model.Claim) []actionBatch {
	var batches []actionBatch
	for _, action := range []model.Action{model.ActionCreate, model.ActionUpdate, model.ActionDelete} {
		b := actionBatch{action: action, targets: scheduler.TargetVersions{}}
		for _, c := range claims {
			if c.Action != action {
				continue
			}
			b.types = append(b.types, c.IndexType)
			b.targets[c.IndexType] = c.TargetVersion
		}
		if len(b.types) > 0 {
			batches = append(batches, b)
		}
	}
	return batches
}
