package review

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/snarg/wordbench/internal/metrics"
)

// fakeStore is an in-memory Store with copy-on-read semantics, so a failed
// mutator can never leak partial changes into the stored document. The
// mutex matters for the bulk tests, which hit the store concurrently.
type fakeStore struct {
	mu   sync.Mutex
	docs map[string]*Transcription
}

func newFakeStore(docs ...*Transcription) *fakeStore {
	f := &fakeStore{docs: make(map[string]*Transcription)}
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return f
}

func cloneDoc(t *Transcription) *Transcription {
	raw, _ := json.Marshal(t)
	var cp Transcription
	json.Unmarshal(raw, &cp)
	return &cp
}

func (f *fakeStore) GetTranscription(_ context.Context, id string) (*Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneDoc(t), nil
}

func (f *fakeStore) UpdateTranscription(_ context.Context, id string, mutate func(*Transcription) error) (*Transcription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	cp := cloneDoc(t)
	if err := mutate(cp); err != nil {
		return nil, err
	}
	f.docs[id] = cp
	return cloneDoc(cp), nil
}

func (f *fakeStore) DeleteTranscription(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.docs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(f.docs, id)
	return nil
}

func strPtr(s string) *string { return &s }

func testDoc(id string, status Status, assignee string) *Transcription {
	t := &Transcription{
		ID:       id,
		Filename: id + ".wav",
		Status:   status,
		Words: []Word{
			mkWord(0, 0.5, "hello"),
			mkWord(0.5, 1.0, "world"),
		},
	}
	if assignee != "" {
		t.AssignedUserID = strPtr(assignee)
	}
	return t
}

func newTestService(store Store) *Service {
	return NewService(store, zerolog.Nop())
}

// ── SaveEdits ────────────────────────────────────────────────────────

func TestSaveEditsPendingToDone(t *testing.T) {
	store := newFakeStore(testDoc("t1", StatusPending, "alice"))
	svc := newTestService(store)

	words := []Word{
		mkWord(0, 0.5, "hello"),
		mkWord(0.5, 1.0, "word"),
	}
	res, err := svc.SaveEdits(context.Background(), "t1", "alice", false, words)
	if err != nil {
		t.Fatalf("SaveEdits: %v", err)
	}
	if res.Status != StatusDone {
		t.Errorf("status = %s, want done", res.Status)
	}

	saved := store.docs["t1"]
	if saved.EditedWordsCount != 1 {
		t.Errorf("EditedWordsCount = %d, want 1", saved.EditedWordsCount)
	}
	if len(saved.VersionHistory) != 1 {
		t.Errorf("VersionHistory = %d entries, want 1", len(saved.VersionHistory))
	}
	if len(saved.ReviewHistory) != 1 {
		t.Fatalf("ReviewHistory = %d entries, want 1", len(saved.ReviewHistory))
	}
	h := saved.ReviewHistory[0]
	if h.PreviousStatus != StatusPending || h.NewStatus != StatusDone {
		t.Errorf("history = %s -> %s, want pending -> done", h.PreviousStatus, h.NewStatus)
	}
	if h.ActingUserID != "alice" {
		t.Errorf("acting user = %s, want alice", h.ActingUserID)
	}
}

func TestSaveEditsSecondRoundCompletes(t *testing.T) {
	doc := testDoc("t1", StatusAssignedForReview, "bob")
	doc.ReviewRound = 1
	store := newFakeStore(doc)
	svc := newTestService(store)

	words := []Word{
		mkWord(0, 0.5, "hallo"),
		mkWord(0.5, 1.0, "world"),
	}
	res, err := svc.SaveEdits(context.Background(), "t1", "bob", false, words)
	if err != nil {
		t.Fatalf("SaveEdits: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", res.Status)
	}

	saved := store.docs["t1"]
	if saved.ReviewRoundEditedWordsCount != 1 {
		t.Errorf("ReviewRoundEditedWordsCount = %d, want 1", saved.ReviewRoundEditedWordsCount)
	}
	if !saved.Words[0].EditedInReviewRound {
		t.Error("changed word not marked edited_in_review_round")
	}
	if saved.Words[1].EditedInReviewRound {
		t.Error("unchanged word marked edited_in_review_round")
	}
}

func TestSaveEditsForbiddenLeavesDocUntouched(t *testing.T) {
	store := newFakeStore(testDoc("t1", StatusPending, "alice"))
	svc := newTestService(store)

	_, err := svc.SaveEdits(context.Background(), "t1", "mallory", false, []Word{mkWord(0, 1, "x")})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}

	saved := store.docs["t1"]
	if len(saved.Words) != 2 || saved.Words[0].Text != "hello" {
		t.Error("document modified by rejected save")
	}
	if len(saved.ReviewHistory) != 0 {
		t.Error("rejected save left a history entry")
	}
}

func TestSaveEditsCompletedRequiresAdmin(t *testing.T) {
	store := newFakeStore(testDoc("t1", StatusCompleted, "alice"))
	svc := newTestService(store)

	_, err := svc.SaveEdits(context.Background(), "t1", "alice", false, []Word{mkWord(0, 1, "x")})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("assignee edit of completed item: err = %v, want ErrForbidden", err)
	}

	if _, err := svc.SaveEdits(context.Background(), "t1", "root", true, []Word{mkWord(0, 1, "x")}); err != nil {
		t.Fatalf("admin edit of completed item: %v", err)
	}
}

func TestSaveEditsRejectsInvalidWords(t *testing.T) {
	store := newFakeStore(testDoc("t1", StatusPending, "alice"))
	svc := newTestService(store)

	_, err := svc.SaveEdits(context.Background(), "t1", "alice", false, []Word{mkWord(1, 0.5, "x")})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

// retryingStore runs every mutator twice before committing, the way the
// real store does when a concurrent writer invalidates the first attempt.
type retryingStore struct {
	inner *fakeStore
}

func (s *retryingStore) GetTranscription(ctx context.Context, id string) (*Transcription, error) {
	return s.inner.GetTranscription(ctx, id)
}

func (s *retryingStore) UpdateTranscription(ctx context.Context, id string, mutate func(*Transcription) error) (*Transcription, error) {
	discarded, err := s.inner.GetTranscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(discarded); err != nil {
		return nil, err
	}
	return s.inner.UpdateTranscription(ctx, id, mutate)
}

func (s *retryingStore) DeleteTranscription(ctx context.Context, id string) error {
	return s.inner.DeleteTranscription(ctx, id)
}

func TestSaveEditsRetriedMutatorCountsEntriesOnce(t *testing.T) {
	inner := newFakeStore(testDoc("t1", StatusPending, "alice"))
	svc := newTestService(&retryingStore{inner: inner})

	words := []Word{
		mkWord(0, 0.5, "hello"),
		mkWord(0.5, 1.0, "word"),
	}
	before := testutil.ToFloat64(metrics.VersionEntriesTotal)
	if _, err := svc.SaveEdits(context.Background(), "t1", "alice", false, words); err != nil {
		t.Fatalf("SaveEdits: %v", err)
	}
	got := testutil.ToFloat64(metrics.VersionEntriesTotal) - before

	saved := inner.docs["t1"]
	if len(saved.VersionHistory) != 1 {
		t.Fatalf("VersionHistory = %d entries, want 1", len(saved.VersionHistory))
	}
	if got != 1 {
		t.Errorf("version entry counter advanced by %v, want 1", got)
	}
}

// ── SetFlag ──────────────────────────────────────────────────────────

func TestSetFlagRequiresReason(t *testing.T) {
	store := newFakeStore(testDoc("t1", StatusDone, "alice"))
	svc := newTestService(store)

	_, err := svc.SetFlag(context.Background(), "t1", "alice", false, true, "")
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestSetFlagSequence(t *testing.T) {
	store := newFakeStore(testDoc("t1", StatusDone, "alice"))
	svc := newTestService(store)
	ctx := context.Background()

	// First flag.
	res, err := svc.SetFlag(ctx, "t1", "alice", false, true, "garbled audio")
	if err != nil {
		t.Fatalf("flag: %v", err)
	}
	if res.Status != StatusFlagged || !res.IsFlagged {
		t.Fatalf("after flag: status=%s flagged=%v", res.Status, res.IsFlagged)
	}

	// Admin reprocesses, clearing the flag.
	if err := svc.Reprocess(ctx, "t1", "root", true, nil); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	saved := store.docs["t1"]
	if saved.Status != StatusReprocessed || saved.IsFlagged || saved.FlagReason != nil {
		t.Fatalf("after reprocess: status=%s flagged=%v reason=%v", saved.Status, saved.IsFlagged, saved.FlagReason)
	}

	// Second flag after a completed cycle promotes.
	res, err = svc.SetFlag(ctx, "t1", "alice", false, true, "still garbled")
	if err != nil {
		t.Fatalf("second flag: %v", err)
	}
	if res.Status != StatusDoubleFlagged {
		t.Errorf("after second flag: status = %s, want double_flagged", res.Status)
	}
}

func TestUnflagKeepsStatus(t *testing.T) {
	doc := testDoc("t1", StatusFlagged, "alice")
	doc.IsFlagged = true
	doc.FlagReason = strPtr("noise")
	store := newFakeStore(doc)
	svc := newTestService(store)

	res, err := svc.SetFlag(context.Background(), "t1", "alice", false, false, "")
	if err != nil {
		t.Fatalf("unflag: %v", err)
	}
	if res.IsFlagged {
		t.Error("still flagged after unflag")
	}
	if res.Status != StatusFlagged {
		t.Errorf("status = %s, want flagged (unflag never moves status)", res.Status)
	}
	if store.docs["t1"].FlagReason != nil {
		t.Error("flag reason survived unflag")
	}
}

// ── Assignment ───────────────────────────────────────────────────────

func TestAssignRequiresAdmin(t *testing.T) {
	store := newFakeStore(testDoc("t1", StatusPending, ""))
	svc := newTestService(store)

	if err := svc.Assign(context.Background(), "t1", "alice", false, "bob"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
	if err := svc.Assign(context.Background(), "t1", "root", true, "bob"); err != nil {
		t.Fatalf("admin assign: %v", err)
	}
	if got := store.docs["t1"].AssignedUserID; got == nil || *got != "bob" {
		t.Errorf("assignee = %v, want bob", got)
	}
}

func TestReassignForReview(t *testing.T) {
	ctx := context.Background()

	t.Run("requires_done_round_zero", func(t *testing.T) {
		store := newFakeStore(testDoc("t1", StatusPending, "alice"))
		svc := newTestService(store)
		_, err := svc.ReassignForReview(ctx, "t1", "root", true, "bob")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})

	t.Run("moves_to_second_round", func(t *testing.T) {
		store := newFakeStore(testDoc("t1", StatusDone, "alice"))
		svc := newTestService(store)
		round, err := svc.ReassignForReview(ctx, "t1", "root", true, "bob")
		if err != nil {
			t.Fatalf("reassign: %v", err)
		}
		if round != 1 {
			t.Errorf("round = %d, want 1", round)
		}
		saved := store.docs["t1"]
		if saved.Status != StatusAssignedForReview {
			t.Errorf("status = %s, want assigned_for_review", saved.Status)
		}
		if saved.AssignedUserID == nil || *saved.AssignedUserID != "bob" {
			t.Errorf("assignee = %v, want bob", saved.AssignedUserID)
		}
		// The original assignee stays recoverable from the history.
		if orig := saved.OriginalAssignee(); orig == nil || *orig != "alice" {
			t.Errorf("OriginalAssignee = %v, want alice", orig)
		}
	})

	t.Run("second_reassign_rejected", func(t *testing.T) {
		store := newFakeStore(testDoc("t1", StatusDone, "alice"))
		svc := newTestService(store)
		if _, err := svc.ReassignForReview(ctx, "t1", "root", true, "bob"); err != nil {
			t.Fatalf("first reassign: %v", err)
		}
		// Complete round 1, then try to reassign again.
		if _, err := svc.SaveEdits(ctx, "t1", "bob", false, store.docs["t1"].Words); err != nil {
			t.Fatalf("save: %v", err)
		}
		_, err := svc.ReassignForReview(ctx, "t1", "root", true, "carol")
		if !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("err = %v, want ErrInvalidTransition", err)
		}
	})
}

func TestReprocessRejectsUnflagged(t *testing.T) {
	store := newFakeStore(testDoc("t1", StatusDone, "alice"))
	svc := newTestService(store)

	err := svc.Reprocess(context.Background(), "t1", "root", true, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestReprocessReassigns(t *testing.T) {
	doc := testDoc("t1", StatusFlagged, "alice")
	doc.IsFlagged = true
	doc.FlagReason = strPtr("noise")
	store := newFakeStore(doc)
	svc := newTestService(store)

	if err := svc.Reprocess(context.Background(), "t1", "root", true, strPtr("bob")); err != nil {
		t.Fatalf("reprocess: %v", err)
	}
	saved := store.docs["t1"]
	if saved.AssignedUserID == nil || *saved.AssignedUserID != "bob" {
		t.Errorf("assignee = %v, want bob", saved.AssignedUserID)
	}
}

// ── ForceStatus / Get / version log ──────────────────────────────────

func TestForceStatus(t *testing.T) {
	store := newFakeStore(testDoc("t1", StatusCompleted, "alice"))
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.ForceStatus(ctx, "t1", "alice", false, StatusPending); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin: err = %v, want ErrForbidden", err)
	}
	if _, err := svc.ForceStatus(ctx, "t1", "root", true, Status("bogus")); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad status: err = %v, want ErrValidation", err)
	}
	status, err := svc.ForceStatus(ctx, "t1", "root", true, StatusPending)
	if err != nil {
		t.Fatalf("force: %v", err)
	}
	if status != StatusPending {
		t.Errorf("status = %s, want pending", status)
	}
}

func TestGetAccessControl(t *testing.T) {
	store := newFakeStore(testDoc("t1", StatusPending, "alice"))
	svc := newTestService(store)
	ctx := context.Background()

	if _, err := svc.Get(ctx, "t1", "alice", false); err != nil {
		t.Errorf("assignee read: %v", err)
	}
	if _, err := svc.Get(ctx, "t1", "root", true); err != nil {
		t.Errorf("admin read: %v", err)
	}
	if _, err := svc.Get(ctx, "t1", "mallory", false); !errors.Is(err, ErrForbidden) {
		t.Errorf("stranger read: err = %v, want ErrForbidden", err)
	}
	if _, err := svc.Get(ctx, "missing", "root", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing doc: err = %v, want ErrNotFound", err)
	}
}

func TestClearVersionHistoryKeepsWords(t *testing.T) {
	doc := testDoc("t1", StatusDone, "alice")
	doc.VersionHistory = []VersionEntry{{After: mkWord(0, 1, "x").Snapshot()}}
	store := newFakeStore(doc)
	svc := newTestService(store)
	ctx := context.Background()

	if err := svc.ClearVersionHistory(ctx, "t1", "alice", false); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin: err = %v, want ErrForbidden", err)
	}
	if err := svc.ClearVersionHistory(ctx, "t1", "root", true); err != nil {
		t.Fatalf("clear: %v", err)
	}
	saved := store.docs["t1"]
	if len(saved.VersionHistory) != 0 {
		t.Error("version history survived clear")
	}
	if len(saved.Words) != 2 {
		t.Error("clearing version history touched the words")
	}
}
