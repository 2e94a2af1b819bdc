package workflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Aman-CERP/amanidx/internal/backend"
	"github.com/Aman-CERP/amanidx/internal/errors"
	"github.com/Aman-CERP/amanidx/internal/model"
	"github.com/Aman-CERP/amanidx/internal/telemetry"
)

// staleError aborts a task whose claim no longer holds.
type staleError struct{ reason string }

func (e *staleError) Error() string { return "stale: " + e.reason }

// runTask applies or deletes one index type and reports its outcome.
func (o *Orchestrator) runTask(ctx context.Context, req Request, t model.IndexType, target int64, encoded []byte) model.TaskResult {
	started := o.now()
	ctx, span := telemetry.StartSpan(ctx, "index_task",
		append(telemetry.DocumentAttrs(req.DocumentID, req.WorkflowID),
			attribute.String("amanidx.index.type", string(t)),
			attribute.Int64("amanidx.index.target_version", target))...)

	outcome, attempts := o.task(ctx, req, t, target, encoded)

	span.SetAttributes(attribute.String("amanidx.task.outcome", outcome.Kind()))
	var spanErr error
	if f, ok := outcome.(model.Failure); ok {
		spanErr = fmt.Errorf("%s", f.Reason)
	}
	telemetry.EndSpan(span, spanErr)
	o.metrics.Task(t, outcome)

	o.logger.Debug("index_task_complete",
		slog.String("workflow_id", req.WorkflowID),
		slog.String("document_id", req.DocumentID),
		slog.String("index_type", string(t)),
		slog.String("outcome", outcome.Kind()),
		slog.Int("attempts", attempts))

	return model.TaskResult{
		IndexType: t,
		Outcome:   outcome,
		Attempts:  attempts,
		Duration:  o.now().Sub(started),
	}
}

func (o *Orchestrator) task(ctx context.Context, req Request, t model.IndexType, target int64, encoded []byte) (model.Outcome, int) {
	if reason, err := o.checkRelevance(ctx, req, t, target); err != nil {
		if ctx.Err() != nil {
			return model.Skipped{Reason: interrupted(ctx)}, 0
		}
		return o.fail(ctx, req, t, target, "relevance check: "+errors.FormatForRow(err)), 0
	} else if reason != "" {
		return model.Skipped{Reason: reason}, 0
	}

	b, err := o.backends.Get(t)
	if err != nil {
		return o.fail(ctx, req, t, target, errors.FormatForRow(err)), 0
	}

	var prepared *model.Prepared
	if req.Operation != model.ActionDelete {
		prepared = new(model.Prepared)
		if err := json.Unmarshal(encoded, prepared); err != nil {
			return o.fail(ctx, req, t, target, "decode prepared document: "+err.Error()), 0
		}
	}

	var payload string
	first := true
	attempts, err := o.policy.Do(ctx, func() error {
		// Retries re-check the claim so superseded work stops early.
		if !first {
			reason, err := o.checkRelevance(ctx, req, t, target)
			if err != nil {
				return err
			}
			if reason != "" {
				return errors.Permanent(&staleError{reason: reason})
			}
		}
		first = false

		res := o.apply(ctx, b, req, prepared)
		if err := res.Error(); err != nil {
			o.logger.Debug("index_task_attempt_failed",
				slog.String("workflow_id", req.WorkflowID),
				slog.String("index_type", string(t)),
				slog.String("error", err.Error()))
			return err
		}
		payload = res.Payload
		return nil
	})

	var stale *staleError
	switch {
	case errors.As(err, &stale):
		return model.Skipped{Reason: stale.reason}, attempts
	case err != nil && ctx.Err() != nil:
		return model.Skipped{Reason: interrupted(ctx)}, attempts
	case err != nil:
		return o.fail(ctx, req, t, target, errors.FormatForRow(err)), attempts
	}

	if _, err := o.policy.Do(ctx, func() error { return o.complete(ctx, req, t, target, payload) }); err != nil {
		o.logger.Error("completion_callback_failed",
			slog.String("workflow_id", req.WorkflowID),
			slog.String("document_id", req.DocumentID),
			slog.String("index_type", string(t)),
			slog.String("error", err.Error()))
		return model.Failure{Reason: "record completion: " + err.Error()}, attempts
	}
	return model.Success{Payload: payload}, attempts
}

func (o *Orchestrator) apply(ctx context.Context, b backend.Backend, req Request, prepared *model.Prepared) backend.Result {
	switch req.Operation {
	case model.ActionCreate:
		return b.Create(ctx, req.DocumentID, prepared)
	case model.ActionUpdate:
		return b.Update(ctx, req.DocumentID, prepared)
	case model.ActionDelete:
		return b.Delete(ctx, req.DocumentID)
	default:
		return backend.Failed(errors.Permanent(errors.ValidationError("unknown operation "+string(req.Operation), nil)))
	}
}

func (o *Orchestrator) complete(ctx context.Context, req Request, t model.IndexType, target int64, payload string) error {
	switch req.Operation {
	case model.ActionCreate:
		return o.callbacks.OnIndexCreated(ctx, req.DocumentID, t, target, payload)
	case model.ActionUpdate:
		return o.callbacks.OnIndexUpdated(ctx, req.DocumentID, t, target, payload)
	default:
		return o.callbacks.OnIndexDeleted(ctx, req.DocumentID, t)
	}
}

// fail reports a terminal failure through the failure callback.
func (o *Orchestrator) fail(ctx context.Context, req Request, t model.IndexType, target int64, reason string) model.Outcome {
	if _, err := o.policy.Do(ctx, func() error {
		return o.callbacks.OnIndexFailed(ctx, req.DocumentID, t, target, reason)
	}); err != nil {
		o.logger.Error("failure_callback_failed",
			slog.String("workflow_id", req.WorkflowID),
			slog.String("document_id", req.DocumentID),
			slog.String("index_type", string(t)),
			slog.String("error", err.Error()))
	}
	return model.Failure{Reason: reason}
}

// checkRelevance returns a non-empty reason when the claim for t no longer
// holds: the row is gone, left the in-progress status, moved to another
// version, or its document was deleted.
func (o *Orchestrator) checkRelevance(ctx context.Context, req Request, t model.IndexType, target int64) (string, error) {
	var reason string
	_, err := o.policy.Do(ctx, func() error {
		reason = ""
		spec, err := o.store.GetSpec(ctx, req.DocumentID, t)
		if errors.Is(err, errors.ErrNotFound) {
			reason = "row no longer exists"
			return nil
		}
		if err != nil {
			return err
		}
		if want := model.InProgressStatus(req.Operation); spec.Status != want {
			reason = fmt.Sprintf("row is %s, expected %s", spec.Status, want)
			return nil
		}
		if spec.Version != target {
			reason = fmt.Sprintf("version superseded: row at %d, claim for %d", spec.Version, target)
			return nil
		}
		if req.Operation == model.ActionDelete {
			return nil
		}
		alive, err := o.store.DocumentAlive(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		if !alive {
			reason = "document deleted"
		}
		return nil
	})
	return reason, err
}

func interrupted(ctx context.Context) string {
	return "interrupted: " + ctx.Err().Error()
}
