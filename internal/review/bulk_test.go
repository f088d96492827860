package review

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/rs/zerolog"
)

func newTestBulk(store Store, limit int) *BulkExecutor {
	return NewBulkExecutor(newTestService(store), limit, zerolog.Nop())
}

func TestBulkAssignPartialFailure(t *testing.T) {
	store := newFakeStore(
		testDoc("t1", StatusPending, ""),
		testDoc("t2", StatusPending, ""),
		testDoc("t3", StatusPending, ""),
		testDoc("t4", StatusPending, ""),
	)
	bulk := newTestBulk(store, 2)

	ids := []string{"t1", "t2", "t3", "t4", "missing"}
	result, err := bulk.Apply(context.Background(), ids, BulkAssign, "root", BulkParams{TargetUserID: "bob"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if result.Successes != 4 {
		t.Errorf("Successes = %d, want 4", result.Successes)
	}
	if len(result.Failures) != 1 {
		t.Fatalf("Failures = %d, want 1", len(result.Failures))
	}
	if result.Failures[0].ID != "missing" || result.Failures[0].Error != "not_found" {
		t.Errorf("failure = %+v, want missing/not_found", result.Failures[0])
	}

	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		if got := store.docs[id].AssignedUserID; got == nil || *got != "bob" {
			t.Errorf("%s assignee = %v, want bob", id, got)
		}
	}
}

func TestBulkDedupesIDs(t *testing.T) {
	store := newFakeStore(testDoc("t1", StatusPending, ""))
	bulk := newTestBulk(store, 4)

	result, err := bulk.Apply(context.Background(), []string{"t1", "t1", "", "t1"}, BulkAssign, "root", BulkParams{TargetUserID: "bob"})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Successes != 1 {
		t.Errorf("Successes = %d, want 1 (duplicates collapsed)", result.Successes)
	}
	// One assign means one history entry, not three.
	if n := len(store.docs["t1"].ReviewHistory); n != 1 {
		t.Errorf("history entries = %d, want 1", n)
	}
}

func TestBulkEmptySet(t *testing.T) {
	bulk := newTestBulk(newFakeStore(), 4)

	result, err := bulk.Apply(context.Background(), nil, BulkDelete, "root", BulkParams{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Successes != 0 || len(result.Failures) != 0 {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestBulkValidation(t *testing.T) {
	bulk := newTestBulk(newFakeStore(), 4)
	ctx := context.Background()

	if _, err := bulk.Apply(ctx, []string{"t1"}, "explode", "root", BulkParams{}); !errors.Is(err, ErrValidation) {
		t.Errorf("unknown op: err = %v, want ErrValidation", err)
	}
	if _, err := bulk.Apply(ctx, []string{"t1"}, BulkAssign, "root", BulkParams{}); !errors.Is(err, ErrValidation) {
		t.Errorf("assign without target: err = %v, want ErrValidation", err)
	}
	if _, err := bulk.Apply(ctx, []string{"t1"}, BulkReassign, "root", BulkParams{}); !errors.Is(err, ErrValidation) {
		t.Errorf("reassign without target: err = %v, want ErrValidation", err)
	}
}

func TestBulkDelete(t *testing.T) {
	store := newFakeStore(
		testDoc("t1", StatusPending, ""),
		testDoc("t2", StatusDone, "alice"),
	)
	bulk := newTestBulk(store, 4)

	result, err := bulk.Apply(context.Background(), []string{"t1", "t2"}, BulkDelete, "root", BulkParams{})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Successes != 2 {
		t.Errorf("Successes = %d, want 2", result.Successes)
	}
	if len(store.docs) != 0 {
		var left []string
		for id := range store.docs {
			left = append(left, id)
		}
		sort.Strings(left)
		t.Errorf("documents left behind: %v", left)
	}
}
