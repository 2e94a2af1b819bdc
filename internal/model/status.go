package model

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
)

// Status is the lifecycle state of an index spec row.
type Status string

const (
	StatusPending            Status = "PENDING"
	StatusCreating           Status = "CREATING"
	StatusActive             Status = "ACTIVE"
	StatusFailed             Status = "FAILED"
	StatusDeleting           Status = "DELETING"
	StatusDeletionInProgress Status = "DELETION_IN_PROGRESS"
)

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusPending,
		StatusCreating,
		StatusActive,
		StatusFailed,
		StatusDeleting,
		StatusDeletionInProgress,
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// InProgress reports whether a workflow currently owns the row.
func (s Status) InProgress() bool {
	return s == StatusCreating || s == StatusDeletionInProgress
}

// Events of the index spec state machine.
const (
	EventClaim        = "claim"
	EventClaimDelete  = "claim_delete"
	EventComplete     = "complete"
	EventFail         = "fail"
	EventDelete       = "delete"
	EventBump         = "bump"
	EventMarkDeleting = "mark_deleting"
	EventRetry        = "retry"
	EventExpire       = "expire"
)

// statusDeleted is the pseudo-state reached when the row is hard deleted.
const statusDeleted = "<deleted>"

// transitions is the complete set of legal row transitions.
var transitions = fsm.Events{
	{Name: EventClaim, Src: []string{string(StatusPending)}, Dst: string(StatusCreating)},
	{Name: EventComplete, Src: []string{string(StatusCreating)}, Dst: string(StatusActive)},
	{Name: EventFail, Src: []string{string(StatusCreating), string(StatusDeletionInProgress)}, Dst: string(StatusFailed)},

	{Name: EventClaimDelete, Src: []string{string(StatusDeleting)}, Dst: string(StatusDeletionInProgress)},
	{Name: EventDelete, Src: []string{string(StatusDeletionInProgress)}, Dst: statusDeleted},

	// A collaborator writes a new desired version. Bumping an in-flight row
	// supersedes its claim; the stale callback then fails its version check.
	{Name: EventBump, Src: []string{
		string(StatusPending), string(StatusCreating), string(StatusActive), string(StatusFailed),
	}, Dst: string(StatusPending)},
	{Name: EventRetry, Src: []string{string(StatusFailed)}, Dst: string(StatusPending)},
	{Name: EventMarkDeleting, Src: []string{
		string(StatusPending), string(StatusCreating), string(StatusActive), string(StatusFailed),
	}, Dst: string(StatusDeleting)},

	// A claim whose workflow never reported back (process crash) is handed
	// back to the reconciler once its lease runs out.
	{Name: EventExpire, Src: []string{string(StatusCreating)}, Dst: string(StatusPending)},
	{Name: EventExpire, Src: []string{string(StatusDeletionInProgress)}, Dst: string(StatusDeleting)},
}

func newMachine(from Status) *fsm.FSM {
	return fsm.NewFSM(string(from), transitions, fsm.Callbacks{})
}

// CanTransition reports whether event is legal from status from.
func CanTransition(from Status, event string) bool {
	return newMachine(from).Can(event)
}

// NextStatus returns the status reached by firing event from from.
// The second value is false when the event is illegal or the row is removed.
func NextStatus(from Status, event string) (Status, bool, error) {
	m := newMachine(from)
	if err := m.Event(context.Background(), event); err != nil {
		return from, false, fmt.Errorf("transition %s from %s: %w", event, from, err)
	}
	if m.Current() == statusDeleted {
		return "", false, nil
	}
	return Status(m.Current()), true, nil
}

// ClaimTransition returns the in-progress status a claim moves a row into for action.
func ClaimTransition(action Action) (from, to Status) {
	if action == ActionDelete {
		return StatusDeleting, StatusDeletionInProgress
	}
	return StatusPending, StatusCreating
}

// InProgressStatus returns the status a row holds while a workflow for action runs.
func InProgressStatus(action Action) Status {
	_, to := ClaimTransition(action)
	return to
}
