package model

import (
	"time"
)

// Outcome is the uniform result of one apply or delete task.
// It is a closed set: Success, Failure and Skipped.
type Outcome interface {
	outcome()
	// Kind returns "success", "failure" or "skipped" for logs and metrics.
	Kind() string
}

// Success carries the payload to persist with the ACTIVE row.
type Success struct {
	Payload string
}

// Failure carries the terminal reason after retries were exhausted.
type Failure struct {
	Reason string
}

// Skipped means the task found its claim stale and did no work.
type Skipped struct {
	Reason string
}

func (Success) outcome() {}
func (Failure) outcome() {}
func (Skipped) outcome() {}

// Kind implements Outcome.
func (Success) Kind() string { return "success" }

// Kind implements Outcome.
func (Failure) Kind() string { return "failure" }

// Kind implements Outcome.
func (Skipped) Kind() string { return "skipped" }

// TaskResult pairs an outcome with the index type it belongs to.
type TaskResult struct {
	IndexType IndexType
	Outcome   Outcome
	Attempts  int
	Duration  time.Duration
}

// AggregateStatus summarizes a finished workflow.
type AggregateStatus string

const (
	AggregateSuccess        AggregateStatus = "SUCCESS"
	AggregatePartialSuccess AggregateStatus = "PARTIAL_SUCCESS"
	AggregateFailed         AggregateStatus = "FAILED"
)

// FailedIndex names an index type that failed and why.
type FailedIndex struct {
	IndexType IndexType `json:"index_type"`
	Reason    string    `json:"reason"`
}

// SkippedIndex names an index type whose task was stale.
type SkippedIndex struct {
	IndexType IndexType `json:"index_type"`
	Reason    string    `json:"reason"`
}

// WorkflowResult is the observational summary of one completed workflow.
// It is never used to mutate state.
type WorkflowResult struct {
	WorkflowID string          `json:"workflow_id"`
	DocumentID string          `json:"document_id"`
	Operation  Action          `json:"operation"`
	Status     AggregateStatus `json:"status"`
	Succeeded  []IndexType     `json:"succeeded"`
	Failed     []FailedIndex   `json:"failed"`
	Skipped    []SkippedIndex  `json:"skipped"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Aggregate folds per-type task results into a WorkflowResult.
//
//	all succeeded (or nothing failed)  -> SUCCESS
//	some succeeded and some failed     -> PARTIAL_SUCCESS
//	nothing succeeded, something failed -> FAILED
//
// Skipped tasks count toward neither side.
func Aggregate(workflowID, documentID string, op Action, results []TaskResult) *WorkflowResult {
	wr := &WorkflowResult{
		WorkflowID: workflowID,
		DocumentID: documentID,
		Operation:  op,
		Succeeded:  []IndexType{},
		Failed:     []FailedIndex{},
		Skipped:    []SkippedIndex{},
	}

	for _, r := range results {
		switch o := r.Outcome.(type) {
		case Success:
			wr.Succeeded = append(wr.Succeeded, r.IndexType)
		case Failure:
			wr.Failed = append(wr.Failed, FailedIndex{IndexType: r.IndexType, Reason: o.Reason})
		case Skipped:
			wr.Skipped = append(wr.Skipped, SkippedIndex{IndexType: r.IndexType, Reason: o.Reason})
		}
	}

	switch {
	case len(wr.Failed) == 0:
		wr.Status = AggregateSuccess
	case len(wr.Succeeded) > 0:
		wr.Status = AggregatePartialSuccess
	default:
		wr.Status = AggregateFailed
	}

	SortIndexTypes(wr.Succeeded)
	return wr
}
