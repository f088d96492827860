package database

import (
	"context"
	"fmt"
	"time"

	"github.com/snarg/wordbench/internal/review"
)

// ListFilter specifies filters for listing transcriptions.
type ListFilter struct {
	Statuses       []string
	Language       string
	AssignedUserID *string
	Unassigned     bool
	Flagged        *bool
	After          *time.Time
	Before         *time.Time
	Search         string // case-insensitive match on filename
	Limit          int
	Offset         int
}

// TranscriptionSummary is the list-view projection of a transcription:
// everything except the word list and the two logs, plus a word count so
// list pages can show transcript sizes without shipping the words.
type TranscriptionSummary struct {
	ID             string        `json:"id"`
	Filename       string        `json:"filename"`
	Language       string        `json:"language"`
	AudioDuration  float64       `json:"audio_duration"`
	AssignedUserID *string       `json:"assigned_user_id"`
	Status         review.Status `json:"status"`
	ReviewRound    int           `json:"review_round"`
	IsFlagged      bool          `json:"is_flagged"`
	FlagReason     *string       `json:"flag_reason,omitempty"`
	Remarks        *string       `json:"remarks,omitempty"`
	WordCount      int           `json:"word_count"`
	EditedWords    int           `json:"edited_words_count"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}

// ListTranscriptions returns a page of summaries plus the total count for
// the same filter, newest first.
func (db *DB) ListTranscriptions(ctx context.Context, filter ListFilter) ([]TranscriptionSummary, int, error) {
	qb := newQueryBuilder()

	if len(filter.Statuses) > 0 {
		qb.Add("t.status = ANY(%s)", filter.Statuses)
	}
	if filter.Language != "" {
		qb.Add("t.language = %s", filter.Language)
	}
	if filter.AssignedUserID != nil {
		qb.Add("t.assigned_user_id = %s", *filter.AssignedUserID)
	}
	if filter.Unassigned {
		qb.AddRaw("t.assigned_user_id IS NULL")
	}
	if filter.Flagged != nil {
		qb.Add("t.is_flagged = %s", *filter.Flagged)
	}
	if filter.After != nil {
		qb.Add("t.created_at >= %s", *filter.After)
	}
	if filter.Before != nil {
		qb.Add("t.created_at < %s", *filter.Before)
	}
	if filter.Search != "" {
		qb.Add("t.filename ILIKE %s", "%"+filter.Search+"%")
	}

	whereClause := qb.WhereClause()

	var total int
	countQuery := "SELECT count(*) FROM transcriptions t" + whereClause
	if err := db.Pool.QueryRow(ctx, countQuery, qb.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	dataQuery := fmt.Sprintf(`
		SELECT t.id, t.filename, t.language, t.audio_duration,
			t.assigned_user_id, t.status, t.review_round,
			t.is_flagged, t.flag_reason, t.remarks,
			jsonb_array_length(t.words), t.edited_words_count,
			t.created_at, t.updated_at
		FROM transcriptions t
		%s
		ORDER BY t.created_at DESC
		LIMIT %d OFFSET %d
	`, whereClause, limit, filter.Offset)

	rows, err := db.Pool.Query(ctx, dataQuery, qb.Args()...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []TranscriptionSummary
	for rows.Next() {
		var s TranscriptionSummary
		if err := rows.Scan(
			&s.ID, &s.Filename, &s.Language, &s.AudioDuration,
			&s.AssignedUserID, &s.Status, &s.ReviewRound,
			&s.IsFlagged, &s.FlagReason, &s.Remarks,
			&s.WordCount, &s.EditedWords,
			&s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, 0, err
		}
		results = append(results, s)
	}
	if results == nil {
		results = []TranscriptionSummary{}
	}
	return results, total, rows.Err()
}
