// Package async runs reconcile passes in the background and tracks their progress.
package async

import (
	"sync"
	"time"

	"github.com/Aman-CERP/amanidx/internal/reconcile"
)

// LoopState is the coarse state of the reconcile loop.
type LoopState string

const (
	// StateIdle means the loop waits for its next tick or trigger.
	StateIdle LoopState = "idle"
	// StateReconciling means a pass is running.
	StateReconciling LoopState = "reconciling"
	// StateStopped means the loop has exited.
	StateStopped LoopState = "stopped"
)

// ProgressSnapshot is an immutable copy of loop progress.
type ProgressSnapshot struct {
	State          string    `json:"state"`
	Passes         int       `json:"passes"`
	FailedPasses   int       `json:"failed_passes"`
	Claimed        int       `json:"claimed_total"`
	Workflows      int       `json:"workflows_total"`
	Released       int       `json:"released_total"`
	DocumentErrors int       `json:"document_errors_total"`
	LastDrifted    int       `json:"last_drifted"`
	LastPassAt     time.Time `json:"last_pass_at,omitzero"`
	LastDurationMs int64     `json:"last_duration_ms"`
	UptimeSeconds  int       `json:"uptime_seconds"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// Progress is a thread-safe tally of reconcile passes.
type Progress struct {
	mu sync.RWMutex

	state          LoopState
	passes         int
	failedPasses   int
	claimed        int
	workflows      int
	released       int
	documentErrors int
	lastDrifted    int
	lastPassAt     time.Time
	lastDuration   time.Duration
	startTime      time.Time
	errorMessage   string
}

// NewProgress returns an idle tracker.
func NewProgress() *Progress {
	return &Progress{state: StateIdle, startTime: time.Now()}
}

// SetState updates the loop state.
func (p *Progress) SetState(state LoopState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
}

// State returns the current loop state.
func (p *Progress) State() LoopState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// RecordPass folds one pass into the totals. A non-nil err marks the pass
// failed; a successful pass with per-document errors keeps the first of
// them as the error message.
func (p *Progress) RecordPass(result *reconcile.PassResult, err error, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.passes++
	p.lastPassAt = at
	p.errorMessage = ""
	if err != nil {
		p.failedPasses++
		p.errorMessage = err.Error()
	}
	if result == nil {
		return
	}
	p.claimed += result.Claimed
	p.workflows += len(result.Workflows)
	p.released += result.Released
	p.documentErrors += len(result.Errors)
	p.lastDrifted = result.Drifted
	p.lastDuration = result.Duration
	if err == nil && len(result.Errors) > 0 {
		p.errorMessage = result.Errors[0].Error()
	}
}

// Snapshot returns an immutable copy of the current progress.
func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return ProgressSnapshot{
		State:          string(p.state),
		Passes:         p.passes,
		FailedPasses:   p.failedPasses,
		Claimed:        p.claimed,
		Workflows:      p.workflows,
		Released:       p.released,
		DocumentErrors: p.documentErrors,
		LastDrifted:    p.lastDrifted,
		LastPassAt:     p.lastPassAt,
		LastDurationMs: p.lastDuration.Milliseconds(),
		UptimeSeconds:  int(time.Since(p.startTime).Seconds()),
		ErrorMessage:   p.errorMessage,
	}
}
