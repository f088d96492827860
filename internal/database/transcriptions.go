package database

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/snarg/wordbench/internal/metrics"
	"github.com/snarg/wordbench/internal/review"
)

// updateRetries bounds the optimistic-concurrency retry loop. Conflicts are
// rare (two reviewers racing on the same document), so a small budget is
// enough; when it runs out the caller gets review.ErrConflict and may retry
// the whole request.
const updateRetries = 3

const transcriptionColumns = `
	id, filename, language, audio_duration, audio_key, uploader_id,
	assigned_user_id, status, review_round, is_flagged, flag_reason, remarks,
	edited_words_count, review_round_edited_words_count,
	words, review_history, version_history,
	created_at, updated_at`

// NewTranscriptionParams is the input for creating a transcription document.
type NewTranscriptionParams struct {
	Filename      string
	Language      string
	AudioDuration float64
	AudioKey      string
	UploaderID    string
	Words         []review.Word
}

// InsertTranscription creates a new document in status pending with an empty
// review trail and returns it. The id is generated here so callers never
// supply one.
func (db *DB) InsertTranscription(ctx context.Context, p NewTranscriptionParams) (*review.Transcription, error) {
	now := time.Now().UTC()
	t := &review.Transcription{
		ID:             newID(),
		Filename:       p.Filename,
		Language:       p.Language,
		AudioDuration:  p.AudioDuration,
		AudioKey:       p.AudioKey,
		UploaderID:     p.UploaderID,
		Status:         review.StatusPending,
		Words:          p.Words,
		ReviewHistory:  []review.ReviewHistoryEntry{},
		VersionHistory: []review.VersionEntry{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	t.RecountEdits()

	words, history, versions, err := marshalDocs(t)
	if err != nil {
		return nil, err
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO transcriptions (
			id, filename, language, audio_duration, audio_key, uploader_id,
			assigned_user_id, status, review_round, is_flagged, flag_reason, remarks,
			edited_words_count, review_round_edited_words_count,
			words, review_history, version_history,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, 1, $18, $19)
	`,
		t.ID, t.Filename, t.Language, t.AudioDuration, t.AudioKey, t.UploaderID,
		t.AssignedUserID, t.Status, t.ReviewRound, t.IsFlagged, t.FlagReason, t.Remarks,
		t.EditedWordsCount, t.ReviewRoundEditedWordsCount,
		words, history, versions,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert transcription: %w", err)
	}

	db.log.Info().Str("id", t.ID).Str("filename", t.Filename).Msg("transcription created")
	return t, nil
}

// GetTranscription loads the full document, including words and both logs.
func (db *DB) GetTranscription(ctx context.Context, id string) (*review.Transcription, error) {
	t, _, err := db.getWithVersion(ctx, id)
	return t, err
}

// UpdateTranscription runs mutate on the current document and writes the
// result back, guarded by the document's version column. A concurrent writer
// bumps the version and our write affects zero rows; in that case the
// read-mutate-write cycle is retried on a fresh copy. Errors from mutate
// abort the update and pass through unchanged.
func (db *DB) UpdateTranscription(ctx context.Context, id string, mutate func(*review.Transcription) error) (*review.Transcription, error) {
	for attempt := 0; attempt < updateRetries; attempt++ {
		t, version, err := db.getWithVersion(ctx, id)
		if err != nil {
			return nil, err
		}

		if err := mutate(t); err != nil {
			return nil, err
		}
		t.UpdatedAt = time.Now().UTC()

		words, history, versions, err := marshalDocs(t)
		if err != nil {
			return nil, err
		}

		tag, err := db.Pool.Exec(ctx, `
			UPDATE transcriptions SET
				filename = $2, language = $3, audio_duration = $4, audio_key = $5,
				assigned_user_id = $6, status = $7, review_round = $8,
				is_flagged = $9, flag_reason = $10, remarks = $11,
				edited_words_count = $12, review_round_edited_words_count = $13,
				words = $14, review_history = $15, version_history = $16,
				version = version + 1, updated_at = $17
			WHERE id = $1 AND version = $18
		`,
			t.ID, t.Filename, t.Language, t.AudioDuration, t.AudioKey,
			t.AssignedUserID, t.Status, t.ReviewRound,
			t.IsFlagged, t.FlagReason, t.Remarks,
			t.EditedWordsCount, t.ReviewRoundEditedWordsCount,
			words, history, versions,
			t.UpdatedAt, version,
		)
		if err != nil {
			return nil, fmt.Errorf("update transcription: %w", err)
		}
		if tag.RowsAffected() == 1 {
			return t, nil
		}

		metrics.StoreConflictsTotal.Inc()
		db.log.Warn().Str("id", id).Int("attempt", attempt+1).Msg("concurrent update detected, retrying")
	}
	return nil, fmt.Errorf("%w: transcription %s", review.ErrConflict, id)
}

// DeleteTranscription removes the document.
func (db *DB) DeleteTranscription(ctx context.Context, id string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM transcriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete transcription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", review.ErrNotFound, id)
	}
	db.log.Info().Str("id", id).Msg("transcription deleted")
	return nil
}

func (db *DB) getWithVersion(ctx context.Context, id string) (*review.Transcription, int64, error) {
	var (
		t                       review.Transcription
		version                 int64
		words, history, entries []byte
	)
	err := db.Pool.QueryRow(ctx, `
		SELECT`+transcriptionColumns+`, version
		FROM transcriptions
		WHERE id = $1
	`, id).Scan(
		&t.ID, &t.Filename, &t.Language, &t.AudioDuration, &t.AudioKey, &t.UploaderID,
		&t.AssignedUserID, &t.Status, &t.ReviewRound, &t.IsFlagged, &t.FlagReason, &t.Remarks,
		&t.EditedWordsCount, &t.ReviewRoundEditedWordsCount,
		&words, &history, &entries,
		&t.CreatedAt, &t.UpdatedAt,
		&version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, fmt.Errorf("%w: %s", review.ErrNotFound, id)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get transcription: %w", err)
	}

	if err := json.Unmarshal(words, &t.Words); err != nil {
		return nil, 0, fmt.Errorf("decode words: %w", err)
	}
	if err := json.Unmarshal(history, &t.ReviewHistory); err != nil {
		return nil, 0, fmt.Errorf("decode review history: %w", err)
	}
	if err := json.Unmarshal(entries, &t.VersionHistory); err != nil {
		return nil, 0, fmt.Errorf("decode version history: %w", err)
	}
	return &t, version, nil
}

func marshalDocs(t *review.Transcription) (words, history, versions []byte, err error) {
	if t.Words == nil {
		t.Words = []review.Word{}
	}
	if t.ReviewHistory == nil {
		t.ReviewHistory = []review.ReviewHistoryEntry{}
	}
	if t.VersionHistory == nil {
		t.VersionHistory = []review.VersionEntry{}
	}
	if words, err = json.Marshal(t.Words); err != nil {
		return nil, nil, nil, fmt.Errorf("encode words: %w", err)
	}
	if history, err = json.Marshal(t.ReviewHistory); err != nil {
		return nil, nil, nil, fmt.Errorf("encode review history: %w", err)
	}
	if versions, err = json.Marshal(t.VersionHistory); err != nil {
		return nil, nil, nil, fmt.Errorf("encode version history: %w", err)
	}
	return words, history, versions, nil
}

func newID() string {
	b := make([]byte, 12)
	rand.Read(b)
	return hex.EncodeToString(b)
}
