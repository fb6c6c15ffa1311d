package task

import (
	"context"
	"fmt"
	"testing"
)

func TestRecoverInterruptedMarksRunningTasksFailed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	for i := 0; i < 3; i++ {
		created := &Task{
			ID:          fmt.Sprintf("task-%d", i),
			AgentID:     "agent-1",
			OwnerID:     "alice",
			Description: "interrupted work",
			Status:      StatusPending,
		}
		if err := store.Create(ctx, created); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := store.Claim(ctx, created.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}
	done := &Task{
		ID:          "task-done",
		AgentID:     "agent-1",
		OwnerID:     "alice",
		Description: "finished work",
		Status:      StatusPending,
	}
	if err := store.Create(ctx, done); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.Claim(ctx, done.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkCompleted(ctx, done.ID, Result{Output: "done", Iterations: 1}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	recovered, err := RecoverInterrupted(ctx, store)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 3 {
		t.Fatalf("expected 3 recovered tasks, got %d", recovered)
	}

	for i := 0; i < 3; i++ {
		after, err := store.Get(ctx, fmt.Sprintf("task-%d", i), "alice")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if after.Status != StatusFailed {
			t.Fatalf("expected failed, got %s", after.Status)
		}
		if after.ErrorCode != string(CodeTaskInterrupted) {
			t.Fatalf("unexpected error code %q", after.ErrorCode)
		}
	}

	after, err := store.Get(ctx, "task-done", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.Status != StatusCompleted || after.Result == nil || after.Result.Output != "done" {
		t.Fatalf("completed task should be untouched: %+v", after)
	}
}

func TestRecoverInterruptedEmptyStore(t *testing.T) {
	recovered, err := RecoverInterrupted(context.Background(), NewMemoryStore())
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != 0 {
		t.Fatalf("expected 0, got %d", recovered)
	}
}
