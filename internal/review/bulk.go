package review

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/snarg/wordbench/internal/metrics"
)

// Bulk operations.
const (
	BulkAssign   = "assign"
	BulkReassign = "reassign"
	BulkUnassign = "unassign"
	BulkDelete   = "delete"
)

// BulkParams carries the per-operation parameters shared by all ids.
type BulkParams struct {
	TargetUserID string `json:"target_user_id,omitempty"`
}

// BulkFailure records one id that could not be processed.
type BulkFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// BulkResult aggregates per-item outcomes. Successes are never rolled back
// when siblings fail.
type BulkResult struct {
	Successes int           `json:"successes"`
	Failures  []BulkFailure `json:"failures"`
}

// BulkExecutor fans one admin operation out over a set of transcription
// ids with bounded concurrency. Each id's operation is independently
// atomic; a failure on one id never aborts the rest.
type BulkExecutor struct {
	svc   *Service
	limit int
	log   zerolog.Logger
}

// NewBulkExecutor creates an executor with the given fan-out limit
// (values < 1 fall back to 8).
func NewBulkExecutor(svc *Service, limit int, log zerolog.Logger) *BulkExecutor {
	if limit < 1 {
		limit = 8
	}
	return &BulkExecutor{
		svc:   svc,
		limit: limit,
		log:   log.With().Str("component", "bulk").Logger(),
	}
}

// Apply runs op for every distinct id and joins the results. Duplicate ids
// are collapsed so a repeated id is applied once rather than racing against
// itself. An empty id set is a no-op.
func (b *BulkExecutor) Apply(ctx context.Context, ids []string, op string, adminID string, params BulkParams) (BulkResult, error) {
	switch op {
	case BulkAssign, BulkReassign:
		if params.TargetUserID == "" {
			return BulkResult{}, fmt.Errorf("%w: %s requires target_user_id", ErrValidation, op)
		}
	case BulkUnassign, BulkDelete:
	default:
		return BulkResult{}, fmt.Errorf("%w: unknown bulk operation %q", ErrValidation, op)
	}

	unique := dedupe(ids)
	result := BulkResult{Failures: []BulkFailure{}}
	if len(unique) == 0 {
		return result, nil
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, b.limit)
	)
	for _, id := range unique {
		wg.Add(1)
		sem <- struct{}{}
		go func(id string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := b.applyOne(ctx, id, op, adminID, params)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failures = append(result.Failures, BulkFailure{ID: id, Error: ErrorKind(err)})
				metrics.BulkItemsTotal.WithLabelValues(op, "failure").Inc()
				b.log.Warn().Str("id", id).Str("op", op).Err(err).Msg("bulk item failed")
			} else {
				result.Successes++
				metrics.BulkItemsTotal.WithLabelValues(op, "success").Inc()
			}
		}(id)
	}
	wg.Wait()

	return result, nil
}

func (b *BulkExecutor) applyOne(ctx context.Context, id, op, adminID string, params BulkParams) error {
	switch op {
	case BulkAssign:
		return b.svc.Assign(ctx, id, adminID, true, params.TargetUserID)
	case BulkReassign:
		_, err := b.svc.ReassignForReview(ctx, id, adminID, true, params.TargetUserID)
		return err
	case BulkUnassign:
		return b.svc.Unassign(ctx, id, adminID, true)
	case BulkDelete:
		return b.svc.Delete(ctx, id, adminID, true)
	default:
		return fmt.Errorf("%w: unknown bulk operation %q", ErrValidation, op)
	}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
