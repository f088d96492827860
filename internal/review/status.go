package review

import "fmt"

// Status is the review workflow state of a transcription.
type Status string

const (
	StatusPending           Status = "pending"
	StatusDone              Status = "done"
	StatusFlagged           Status = "flagged"
	StatusDoubleFlagged     Status = "double_flagged"
	StatusReprocessed       Status = "reprocessed"
	StatusAssignedForReview Status = "assigned_for_review"
	StatusCompleted         Status = "completed"
)

var validStatuses = map[Status]bool{
	StatusPending:           true,
	StatusDone:              true,
	StatusFlagged:           true,
	StatusDoubleFlagged:     true,
	StatusReprocessed:       true,
	StatusAssignedForReview: true,
	StatusCompleted:         true,
}

// ParseStatus validates a status string from the outside world.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !validStatuses[st] {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
	}
	return st, nil
}

// Terminal reports whether the status ends the normal workflow.
// Only an admin-forced status change can move a terminal item.
func (s Status) Terminal() bool {
	return s == StatusCompleted
}

// nextAfterSave returns the status a transcription moves to when its
// assignee saves an edited word list, or ErrInvalidTransition when the
// current status/round combination does not permit a save to progress.
func nextAfterSave(current Status, round int) (Status, error) {
	switch current {
	case StatusPending, StatusReprocessed, StatusDone:
		return StatusDone, nil
	case StatusAssignedForReview:
		if round < 1 {
			return "", fmt.Errorf("%w: assigned_for_review item in round %d", ErrInvalidTransition, round)
		}
		return StatusCompleted, nil
	case StatusFlagged, StatusDoubleFlagged:
		// Edits are allowed while flagged; the flag survives until an
		// admin reprocesses or forces the status.
		return current, nil
	case StatusCompleted:
		// Reaching here means the save was already admin-authorized.
		return StatusCompleted, nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, current)
	}
}

// nextAfterFlag returns the status set by flagging. A second flag after a
// completed flag-and-reprocess cycle promotes to double_flagged.
func nextAfterFlag(current Status) Status {
	if current == StatusReprocessed || current == StatusDoubleFlagged {
		return StatusDoubleFlagged
	}
	return StatusFlagged
}
