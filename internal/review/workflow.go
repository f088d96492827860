package review

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/wordbench/internal/metrics"
)

// Store is the document store consumed by the workflow. UpdateTranscription
// must execute mutate inside a single atomic read-modify-write: the mutator
// sees the current document, and the write only lands if no concurrent
// writer got there first (retried internally, ErrConflict when exhausted).
// Errors returned by mutate abort the update and pass through unchanged.
type Store interface {
	GetTranscription(ctx context.Context, id string) (*Transcription, error)
	UpdateTranscription(ctx context.Context, id string, mutate func(*Transcription) error) (*Transcription, error)
	DeleteTranscription(ctx context.Context, id string) error
}

// Service drives the review workflow state machine. All mutations of a
// transcription's words, review history and version history go through it.
type Service struct {
	store Store
	log   zerolog.Logger
}

func NewService(store Store, log zerolog.Logger) *Service {
	return &Service{
		store: store,
		log:   log.With().Str("component", "review").Logger(),
	}
}

// SaveResult is the outcome of a save-edits call.
type SaveResult struct {
	Status      Status `json:"status"`
	ReviewRound int    `json:"review_round"`
}

// FlagResult is the outcome of a flag toggle.
type FlagResult struct {
	Status    Status `json:"status"`
	IsFlagged bool   `json:"is_flagged"`
}

// Get loads a transcription, enforcing read access: admins see everything,
// other users only what is assigned to them.
func (s *Service) Get(ctx context.Context, id, userID string, isAdmin bool) (*Transcription, error) {
	t, err := s.store.GetTranscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if !isAdmin && !t.AssignedTo(userID) {
		return nil, fmt.Errorf("%w: transcription %s is not assigned to user %s", ErrForbidden, id, userID)
	}
	return t, nil
}

// SaveEdits applies a full replacement word list submitted by the acting
// user. It validates the list, diffs it against the stored words, appends
// version entries and one review history entry, recomputes the edit
// counters and advances the status, all in one atomic store update.
func (s *Service) SaveEdits(ctx context.Context, id, userID string, isAdmin bool, words []Word) (SaveResult, error) {
	if err := ValidateWords(words); err != nil {
		return SaveResult{}, err
	}

	var res SaveResult
	var entryCount int
	_, err := s.store.UpdateTranscription(ctx, id, func(t *Transcription) error {
		if !isAdmin && !t.AssignedTo(userID) {
			return fmt.Errorf("%w: only the assignee may edit transcription %s", ErrForbidden, id)
		}
		if t.Status.Terminal() && !isAdmin {
			return fmt.Errorf("%w: transcription %s is completed", ErrForbidden, id)
		}

		next, err := nextAfterSave(t.Status, t.ReviewRound)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		entries, merged := Diff(t.Words, words, now)
		if t.ReviewRound >= 1 {
			for i := range merged {
				if changedNow(t.Words, merged, i, entries) {
					merged[i].EditedInReviewRound = true
				}
			}
		}

		prevStatus := t.Status
		t.Words = merged
		t.VersionHistory = append(t.VersionHistory, entries...)
		t.RecountEdits()
		t.Status = next
		t.appendHistory(userID, ActionStatusChange, prevStatus, t.AssignedUserID, now)

		entryCount = len(entries)
		res = SaveResult{Status: t.Status, ReviewRound: t.ReviewRound}
		return nil
	})
	if err != nil {
		return SaveResult{}, err
	}

	// Counted here rather than in the mutator, which may run more than once
	// under store conflict retries.
	metrics.VersionEntriesTotal.Add(float64(entryCount))
	metrics.WorkflowTransitionsTotal.WithLabelValues("save", string(res.Status)).Inc()
	s.log.Info().Str("id", id).Str("user", userID).Str("status", string(res.Status)).
		Int("round", res.ReviewRound).Msg("edits saved")
	return res, nil
}

// changedNow reports whether merged[i] was marked edited by this save, as
// opposed to carrying an is_edited flag from an earlier round.
func changedNow(previous, merged []Word, i int, entries []VersionEntry) bool {
	if !merged[i].IsEdited {
		return false
	}
	snap := merged[i].Snapshot()
	for _, e := range entries {
		if e.After != nil && *e.After == *snap {
			return true
		}
	}
	return false
}

// SetFlag toggles the attention flag. Raising it requires a non-empty
// reason and moves the status to flagged — or double_flagged when the item
// already went through a flag-and-reprocess cycle. Clearing it drops the
// reason and leaves the status alone.
func (s *Service) SetFlag(ctx context.Context, id, userID string, isAdmin, flagged bool, reason string) (FlagResult, error) {
	if flagged && reason == "" {
		return FlagResult{}, fmt.Errorf("%w: flag reason must not be empty", ErrValidation)
	}

	var res FlagResult
	_, err := s.store.UpdateTranscription(ctx, id, func(t *Transcription) error {
		if !isAdmin && !t.AssignedTo(userID) {
			return fmt.Errorf("%w: only the assignee may flag transcription %s", ErrForbidden, id)
		}
		if t.Status.Terminal() && !isAdmin {
			return fmt.Errorf("%w: transcription %s is completed", ErrForbidden, id)
		}

		prevStatus := t.Status
		if flagged {
			t.IsFlagged = true
			t.FlagReason = &reason
			t.Status = nextAfterFlag(t.Status)
		} else {
			t.IsFlagged = false
			t.FlagReason = nil
		}
		t.appendHistory(userID, ActionStatusChange, prevStatus, t.AssignedUserID, time.Now().UTC())
		res = FlagResult{Status: t.Status, IsFlagged: t.IsFlagged}
		return nil
	})
	if err != nil {
		return FlagResult{}, err
	}

	metrics.WorkflowTransitionsTotal.WithLabelValues("flag", string(res.Status)).Inc()
	return res, nil
}

// Assign sets the assignee without touching status or round. Admin only.
func (s *Service) Assign(ctx context.Context, id, adminID string, isAdmin bool, targetUserID string) error {
	if !isAdmin {
		return fmt.Errorf("%w: assign requires admin", ErrForbidden)
	}
	if targetUserID == "" {
		return fmt.Errorf("%w: target user id must not be empty", ErrValidation)
	}

	_, err := s.store.UpdateTranscription(ctx, id, func(t *Transcription) error {
		prevAssignee := t.AssignedUserID
		target := targetUserID
		t.AssignedUserID = &target
		t.appendHistory(adminID, ActionAssign, t.Status, prevAssignee, time.Now().UTC())
		return nil
	})
	if err != nil {
		return err
	}
	metrics.WorkflowTransitionsTotal.WithLabelValues("assign", "").Inc()
	return nil
}

// Unassign clears the assignee, status unchanged. Admin only.
func (s *Service) Unassign(ctx context.Context, id, adminID string, isAdmin bool) error {
	if !isAdmin {
		return fmt.Errorf("%w: unassign requires admin", ErrForbidden)
	}

	_, err := s.store.UpdateTranscription(ctx, id, func(t *Transcription) error {
		prevAssignee := t.AssignedUserID
		t.AssignedUserID = nil
		t.appendHistory(adminID, ActionUnassign, t.Status, prevAssignee, time.Now().UTC())
		return nil
	})
	if err != nil {
		return err
	}
	metrics.WorkflowTransitionsTotal.WithLabelValues("unassign", "").Inc()
	return nil
}

// ReassignForReview moves a finished first-pass item into its second and
// final review round under a new assignee. Admin only; the item must be in
// done with round 0.
func (s *Service) ReassignForReview(ctx context.Context, id, adminID string, isAdmin bool, targetUserID string) (int, error) {
	if !isAdmin {
		return 0, fmt.Errorf("%w: reassign requires admin", ErrForbidden)
	}
	if targetUserID == "" {
		return 0, fmt.Errorf("%w: target user id must not be empty", ErrValidation)
	}

	var round int
	_, err := s.store.UpdateTranscription(ctx, id, func(t *Transcription) error {
		if t.Status != StatusDone || t.ReviewRound != 0 {
			return fmt.Errorf("%w: reassign for review requires status done in round 0, got %s in round %d",
				ErrInvalidTransition, t.Status, t.ReviewRound)
		}
		prevStatus := t.Status
		prevAssignee := t.AssignedUserID
		target := targetUserID
		t.AssignedUserID = &target
		t.ReviewRound = 1
		t.Status = StatusAssignedForReview
		t.appendHistory(adminID, ActionReassign, prevStatus, prevAssignee, time.Now().UTC())
		round = t.ReviewRound
		return nil
	})
	if err != nil {
		return 0, err
	}
	metrics.WorkflowTransitionsTotal.WithLabelValues("reassign", string(StatusAssignedForReview)).Inc()
	return round, nil
}

// Reprocess returns a flagged item to the editable pool, clearing the flag
// and recording that a flag cycle completed. Admin only; optionally hands
// the item to a new assignee in the same update.
func (s *Service) Reprocess(ctx context.Context, id, adminID string, isAdmin bool, targetUserID *string) error {
	if !isAdmin {
		return fmt.Errorf("%w: reprocess requires admin", ErrForbidden)
	}

	_, err := s.store.UpdateTranscription(ctx, id, func(t *Transcription) error {
		if t.Status != StatusFlagged && t.Status != StatusDoubleFlagged {
			return fmt.Errorf("%w: reprocess requires a flagged item, got %s", ErrInvalidTransition, t.Status)
		}
		prevStatus := t.Status
		prevAssignee := t.AssignedUserID
		t.IsFlagged = false
		t.FlagReason = nil
		t.Status = StatusReprocessed
		if targetUserID != nil {
			t.AssignedUserID = targetUserID
		}
		t.appendHistory(adminID, ActionStatusChange, prevStatus, prevAssignee, time.Now().UTC())
		return nil
	})
	if err != nil {
		return err
	}
	metrics.WorkflowTransitionsTotal.WithLabelValues("reprocess", string(StatusReprocessed)).Inc()
	return nil
}

// ForceStatus overrides the status outright. Admin only; the one escape
// hatch out of terminal states.
func (s *Service) ForceStatus(ctx context.Context, id, adminID string, isAdmin bool, status Status) (Status, error) {
	if !isAdmin {
		return "", fmt.Errorf("%w: force status requires admin", ErrForbidden)
	}
	if !validStatuses[status] {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, status)
	}

	_, err := s.store.UpdateTranscription(ctx, id, func(t *Transcription) error {
		prevStatus := t.Status
		t.Status = status
		t.appendHistory(adminID, ActionStatusChange, prevStatus, t.AssignedUserID, time.Now().UTC())
		return nil
	})
	if err != nil {
		return "", err
	}
	metrics.WorkflowTransitionsTotal.WithLabelValues("force_status", string(status)).Inc()
	return status, nil
}

// Delete removes the transcription document. Admin only. Blob cleanup is
// the caller's concern (the API layer owns the audio store).
func (s *Service) Delete(ctx context.Context, id, adminID string, isAdmin bool) error {
	if !isAdmin {
		return fmt.Errorf("%w: delete requires admin", ErrForbidden)
	}
	return s.store.DeleteTranscription(ctx, id)
}

// SetRemarks replaces the free-form remarks on a transcription. Allowed for
// the assignee and admins; an empty string clears the remarks.
func (s *Service) SetRemarks(ctx context.Context, id, userID string, isAdmin bool, remarks string) error {
	_, err := s.store.UpdateTranscription(ctx, id, func(t *Transcription) error {
		if !isAdmin && !t.AssignedTo(userID) {
			return fmt.Errorf("%w: only the assignee may edit remarks on transcription %s", ErrForbidden, id)
		}
		if remarks == "" {
			t.Remarks = nil
		} else {
			t.Remarks = &remarks
		}
		return nil
	})
	return err
}

// VersionHistory returns the recorded word-level changes, oldest first.
func (s *Service) VersionHistory(ctx context.Context, id, userID string, isAdmin bool) ([]VersionEntry, error) {
	t, err := s.Get(ctx, id, userID, isAdmin)
	if err != nil {
		return nil, err
	}
	return t.VersionHistory, nil
}

// ClearVersionHistory drops the version log while leaving the current
// words untouched. Admin only.
func (s *Service) ClearVersionHistory(ctx context.Context, id, adminID string, isAdmin bool) error {
	if !isAdmin {
		return fmt.Errorf("%w: clearing version history requires admin", ErrForbidden)
	}
	_, err := s.store.UpdateTranscription(ctx, id, func(t *Transcription) error {
		t.VersionHistory = nil
		return nil
	})
	return err
}

// ReviewHistory returns the workflow transition log, oldest first.
func (s *Service) ReviewHistory(ctx context.Context, id, userID string, isAdmin bool) ([]ReviewHistoryEntry, error) {
	t, err := s.Get(ctx, id, userID, isAdmin)
	if err != nil {
		return nil, err
	}
	return t.ReviewHistory, nil
}
