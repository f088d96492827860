package review

import "time"

// Word is a single word-level annotation within a transcription.
// Start and End are offsets in seconds from the beginning of the audio.
type Word struct {
	Start               float64 `json:"start"`
	End                 float64 `json:"end"`
	Text                string  `json:"text"`
	IsEdited            bool    `json:"is_edited,omitempty"`
	EditedInReviewRound bool    `json:"edited_in_review_round,omitempty"`
}

// WordSnapshot is the content of a word as captured in a version entry.
// Edit flags are derived state and are not part of the snapshot.
type WordSnapshot struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Snapshot returns the version-history view of a word.
func (w Word) Snapshot() *WordSnapshot {
	return &WordSnapshot{Start: w.Start, End: w.End, Text: w.Text}
}

// VersionEntry records one word-level change. Exactly one of Before/After
// being nil signals an addition or deletion; both set signals a modification.
type VersionEntry struct {
	Timestamp time.Time     `json:"timestamp"`
	Before    *WordSnapshot `json:"before,omitempty"`
	After     *WordSnapshot `json:"after,omitempty"`
}

// Review history actions.
const (
	ActionAssign       = "assign"
	ActionReassign     = "reassign"
	ActionUnassign     = "unassign"
	ActionStatusChange = "status_change"
)

// ReviewHistoryEntry records one workflow transition. Entries are append-only
// and immutable once written.
type ReviewHistoryEntry struct {
	Round                  int       `json:"round"`
	ActingUserID           string    `json:"acting_user_id,omitempty"`
	Action                 string    `json:"action"`
	PreviousStatus         Status    `json:"previous_status"`
	NewStatus              Status    `json:"new_status"`
	PreviousAssignedUserID *string   `json:"previous_assigned_user_id,omitempty"`
	NewAssignedUserID      *string   `json:"new_assigned_user_id,omitempty"`
	Timestamp              time.Time `json:"timestamp"`
}

// Transcription is the aggregate root: the word list plus all review state.
// Words, ReviewHistory and VersionHistory are owned exclusively by the
// transcription and mutated only through the workflow service.
type Transcription struct {
	ID            string  `json:"id"`
	Filename      string  `json:"filename"`
	Language      string  `json:"language"`
	AudioDuration float64 `json:"audio_duration"`
	AudioKey      string  `json:"audio_key,omitempty"`
	UploaderID    string  `json:"uploader_id,omitempty"`

	AssignedUserID *string `json:"assigned_user_id"`
	Status         Status  `json:"status"`
	ReviewRound    int     `json:"review_round"`
	IsFlagged      bool    `json:"is_flagged"`
	FlagReason     *string `json:"flag_reason,omitempty"`
	Remarks        *string `json:"remarks,omitempty"`

	EditedWordsCount            int `json:"edited_words_count"`
	ReviewRoundEditedWordsCount int `json:"review_round_edited_words_count"`

	Words          []Word               `json:"words"`
	ReviewHistory  []ReviewHistoryEntry `json:"review_history"`
	VersionHistory []VersionEntry       `json:"version_history"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RecountEdits recomputes both edit counters from the word list.
// Counters are never incremented ad hoc; this is the only way they change.
func (t *Transcription) RecountEdits() {
	edited, roundEdited := 0, 0
	for _, w := range t.Words {
		if w.IsEdited {
			edited++
		}
		if w.EditedInReviewRound {
			roundEdited++
		}
	}
	t.EditedWordsCount = edited
	t.ReviewRoundEditedWordsCount = roundEdited
}

// AssignedTo reports whether the transcription is currently assigned to userID.
func (t *Transcription) AssignedTo(userID string) bool {
	return t.AssignedUserID != nil && *t.AssignedUserID == userID
}

// OriginalAssignee returns the assignee before the first reassignment,
// derived by scanning the review history for the first reassign entry.
// Falls back to the current assignee when no reassignment has happened.
func (t *Transcription) OriginalAssignee() *string {
	for _, e := range t.ReviewHistory {
		if e.Action == ActionReassign {
			return e.PreviousAssignedUserID
		}
	}
	return t.AssignedUserID
}

// appendHistory records a workflow transition on the review history log.
func (t *Transcription) appendHistory(actor, action string, prevStatus Status, prevAssignee *string, now time.Time) {
	t.ReviewHistory = append(t.ReviewHistory, ReviewHistoryEntry{
		Round:                  t.ReviewRound,
		ActingUserID:           actor,
		Action:                 action,
		PreviousStatus:         prevStatus,
		NewStatus:              t.Status,
		PreviousAssignedUserID: prevAssignee,
		NewAssignedUserID:      t.AssignedUserID,
		Timestamp:              now,
	})
}
