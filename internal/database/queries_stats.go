package database

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// StatsResponse is the fleet-wide workload overview.
type StatsResponse struct {
	Total                  int            `json:"total"`
	ByStatus               map[string]int `json:"by_status"`
	Flagged                int            `json:"flagged"`
	Unassigned             int            `json:"unassigned"`
	TotalDuration          float64        `json:"total_duration"`
	TotalDoneDuration      float64        `json:"total_done_duration"`
	TotalCompletedDuration float64        `json:"total_completed_duration"`
	EditedWords            int            `json:"edited_words"`
	ReviewRoundEdits       int            `json:"review_round_edited_words"`
}

// statuses enumerated in the by_status breakdown, in workflow order.
var statusOrder = []string{
	"pending", "done", "flagged", "double_flagged",
	"reprocessed", "assigned_for_review", "completed",
}

// StatsFilter narrows the statistics to a slice of the fleet, with the
// same predicate set as the listing endpoint. The zero value means
// everything.
type StatsFilter struct {
	Statuses   []string
	Language   string
	AssigneeID string
	Flagged    *bool
	After      *time.Time
	Before     *time.Time
}

func (f StatsFilter) apply(qb *queryBuilder) {
	if len(f.Statuses) > 0 {
		qb.Add("status = ANY(%s)", f.Statuses)
	}
	if f.Language != "" {
		qb.Add("language = %s", f.Language)
	}
	if f.AssigneeID != "" {
		qb.Add("assigned_user_id = %s", f.AssigneeID)
	}
	if f.Flagged != nil {
		qb.Add("is_flagged = %s", *f.Flagged)
	}
	if f.After != nil {
		qb.Add("created_at >= %s", *f.After)
	}
	if f.Before != nil {
		qb.Add("created_at < %s", *f.Before)
	}
}

// GetStats computes the overview in a repeatable-read read-only transaction
// so every number describes the same snapshot, even while reviewers keep
// saving. Durations are seconds of audio.
func (db *DB) GetStats(ctx context.Context, filter StatsFilter) (*StatsResponse, error) {
	qb := newQueryBuilder()
	filter.apply(qb)

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	s := &StatsResponse{ByStatus: make(map[string]int, len(statusOrder))}

	row := tx.QueryRow(ctx, `
		SELECT count(*),
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'done'),
			count(*) FILTER (WHERE status = 'flagged'),
			count(*) FILTER (WHERE status = 'double_flagged'),
			count(*) FILTER (WHERE status = 'reprocessed'),
			count(*) FILTER (WHERE status = 'assigned_for_review'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE is_flagged),
			count(*) FILTER (WHERE assigned_user_id IS NULL),
			COALESCE(sum(audio_duration), 0),
			COALESCE(sum(audio_duration) FILTER (WHERE status = 'done'), 0),
			COALESCE(sum(audio_duration) FILTER (WHERE status = 'completed'), 0),
			COALESCE(sum(edited_words_count), 0),
			COALESCE(sum(review_round_edited_words_count), 0)
		FROM transcriptions
	`+qb.WhereClause(), qb.Args()...)
	counts := make([]int, len(statusOrder))
	if err := row.Scan(
		&s.Total,
		&counts[0], &counts[1], &counts[2], &counts[3], &counts[4], &counts[5], &counts[6],
		&s.Flagged, &s.Unassigned,
		&s.TotalDuration, &s.TotalDoneDuration, &s.TotalCompletedDuration,
		&s.EditedWords, &s.ReviewRoundEdits,
	); err != nil {
		return nil, err
	}
	for i, status := range statusOrder {
		s.ByStatus[status] = counts[i]
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// UserStats is one reviewer's slice of the workload. ValidatingFiles counts
// second-round items currently on their desk; PassedFiles counts items they
// carried through to completed.
type UserStats struct {
	UserID          string  `json:"user_id"`
	AssignedFiles   int     `json:"assigned_files"`
	PendingFiles    int     `json:"pending_files"`
	DoneFiles       int     `json:"done_files"`
	FlaggedFiles    int     `json:"flagged_files"`
	ValidatingFiles int     `json:"validating_files"`
	PassedFiles     int     `json:"passed_files"`
	TotalDuration   float64 `json:"total_duration"`
	EditedWords     int     `json:"edited_words"`
}

// GetTeamStats partitions the workload by assignee, honoring the same
// filter set as GetStats.
func (db *DB) GetTeamStats(ctx context.Context, filter StatsFilter) ([]UserStats, error) {
	qb := newQueryBuilder()
	qb.AddRaw("assigned_user_id IS NOT NULL")
	filter.apply(qb)

	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT assigned_user_id,
			count(*),
			count(*) FILTER (WHERE status IN ('pending', 'reprocessed')),
			count(*) FILTER (WHERE status = 'done'),
			count(*) FILTER (WHERE status IN ('flagged', 'double_flagged')),
			count(*) FILTER (WHERE status = 'assigned_for_review'),
			count(*) FILTER (WHERE status = 'completed'),
			COALESCE(sum(audio_duration), 0),
			COALESCE(sum(edited_words_count), 0)
		FROM transcriptions
	`+qb.WhereClause()+`
		GROUP BY assigned_user_id
		ORDER BY assigned_user_id
	`, qb.Args()...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var team []UserStats
	for rows.Next() {
		var u UserStats
		if err := rows.Scan(
			&u.UserID, &u.AssignedFiles,
			&u.PendingFiles, &u.DoneFiles, &u.FlaggedFiles,
			&u.ValidatingFiles, &u.PassedFiles,
			&u.TotalDuration, &u.EditedWords,
		); err != nil {
			return nil, err
		}
		team = append(team, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if team == nil {
		team = []UserStats{}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return team, nil
}

// UserActivity is one day of a reviewer's throughput.
type UserActivity struct {
	Day       time.Time `json:"day"`
	Saves     int       `json:"saves"`
	Completed int       `json:"completed"`
}

// GetUserActivity returns per-day counts of status_change history entries a
// user produced in the last `days` days, derived from the review history
// jsonb with a lateral expansion.
func (db *DB) GetUserActivity(ctx context.Context, userID string, days int) ([]UserActivity, error) {
	if days <= 0 || days > 365 {
		days = 30
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT date_trunc('day', (e->>'timestamp')::timestamptz) AS day,
			count(*) FILTER (WHERE e->>'action' = 'status_change'),
			count(*) FILTER (WHERE e->>'new_status' = 'completed')
		FROM transcriptions t,
			jsonb_array_elements(t.review_history) AS e
		WHERE e->>'acting_user_id' = $1
			AND (e->>'timestamp')::timestamptz > now() - make_interval(days => $2)
		GROUP BY day
		ORDER BY day
	`, userID, days)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activity []UserActivity
	for rows.Next() {
		var a UserActivity
		if err := rows.Scan(&a.Day, &a.Saves, &a.Completed); err != nil {
			return nil, err
		}
		activity = append(activity, a)
	}
	if activity == nil {
		activity = []UserActivity{}
	}
	return activity, rows.Err()
}
