package generation

import (
	"context"
	"errors"
	"testing"
)

func TestInMemoryStore_Create(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	session, err := store.Create(ctx, &Session{
		SubjectKey: "outline:wf-1",
		Kind:       KindOutline,
	})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if session.ID == "" {
		t.Error("Session ID should not be empty")
	}
	if session.Status != StatusQueued {
		t.Errorf("Expected status 'queued', got '%s'", session.Status)
	}
	if session.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
	if session.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}
}

func TestInMemoryStore_CreateEnforcesActiveInvariant(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	first, err := store.Create(ctx, &Session{SubjectKey: "outline:wf-1", Kind: KindOutline})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if _, err := store.Create(ctx, &Session{SubjectKey: "outline:wf-1", Kind: KindOutline}); !errors.Is(err, ErrActiveSessionExists) {
		t.Fatalf("Expected ErrActiveSessionExists, got %v", err)
	}

	// A different subject is unaffected.
	if _, err := store.Create(ctx, &Session{SubjectKey: "outline:wf-2", Kind: KindOutline}); err != nil {
		t.Fatalf("Unexpected error for distinct subject: %v", err)
	}

	// Once the first session is terminal a new one may be created.
	if err := store.TransitionStatus(ctx, first.ID, StatusCancelled); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}
	if _, err := store.Create(ctx, &Session{SubjectKey: "outline:wf-1", Kind: KindOutline}); err != nil {
		t.Fatalf("Expected create after terminal session, got %v", err)
	}
}

func TestInMemoryStore_TransitionsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	session, err := store.Create(ctx, &Session{SubjectKey: "outline:wf-1", Kind: KindOutline})
	if err != nil {
		t.Fatalf("Failed to create session: %v", err)
	}

	if err := store.TransitionStatus(ctx, session.ID, StatusInProgress); err != nil {
		t.Fatalf("queued -> in_progress should succeed: %v", err)
	}
	if err := store.TransitionStatus(ctx, session.ID, StatusInProgress); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("in_progress -> in_progress should fail, got %v", err)
	}
	if err := store.TransitionStatus(ctx, session.ID, StatusCompleted); err != nil {
		t.Fatalf("in_progress -> completed should succeed: %v", err)
	}

	// No transition leaves a terminal state.
	for _, to := range []Status{StatusQueued, StatusInProgress, StatusError, StatusCancelled} {
		if err := store.TransitionStatus(ctx, session.ID, to); !errors.Is(err, ErrAlreadyTerminal) {
			t.Errorf("completed -> %s should fail with ErrAlreadyTerminal, got %v", to, err)
		}
	}
}

func TestInMemoryStore_QueuedMayBeCancelled(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	session, _ := store.Create(ctx, &Session{SubjectKey: "outline:wf-1", Kind: KindOutline})
	if err := store.TransitionStatus(ctx, session.ID, StatusCancelled); err != nil {
		t.Fatalf("queued -> cancelled should succeed: %v", err)
	}
}

func TestInMemoryStore_AppendSubResultMergesByOrdinal(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	session, _ := store.Create(ctx, &Session{SubjectKey: "formatting_qa:wf-1", Kind: KindFormattingQA})

	if err := store.AppendSubResult(ctx, session.ID, SubResult{Ordinal: 0, Kind: "header", Status: SubResultPending}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := store.AppendSubResult(ctx, session.ID, SubResult{Ordinal: 1, Kind: "links", Status: SubResultPassed}); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	// Redelivery of ordinal 0 updates in place.
	if err := store.AppendSubResult(ctx, session.ID, SubResult{Ordinal: 0, Kind: "header", Status: SubResultPassed}); err != nil {
		t.Fatalf("Failed to merge: %v", err)
	}

	stored, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Failed to get session: %v", err)
	}
	if len(stored.SubResults) != 2 {
		t.Fatalf("Expected 2 sub-results, got %d", len(stored.SubResults))
	}
	if stored.SubResults[0].Status != SubResultPassed {
		t.Errorf("Expected ordinal 0 updated to passed, got %s", stored.SubResults[0].Status)
	}

	counts := stored.Counts()
	if counts.Total != 2 || counts.Succeeded != 2 || counts.Pending != 0 {
		t.Errorf("Unexpected counts after merge: %+v", counts)
	}
}

func TestInMemoryStore_AppendAfterTerminalRejected(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	session, _ := store.Create(ctx, &Session{SubjectKey: "formatting_qa:wf-1", Kind: KindFormattingQA})
	if err := store.TransitionStatus(ctx, session.ID, StatusCancelled); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}

	err := store.AppendSubResult(ctx, session.ID, SubResult{Ordinal: 0, Status: SubResultPassed})
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Errorf("Expected ErrAlreadyTerminal, got %v", err)
	}
}

func TestInMemoryStore_LatestReturnsNewest(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	first, _ := store.Create(ctx, &Session{SubjectKey: "outline:wf-1", Kind: KindOutline})
	if err := store.SetError(ctx, first.ID, "engine failure: boom"); err != nil {
		t.Fatalf("Failed to set error: %v", err)
	}
	second, _ := store.Create(ctx, &Session{SubjectKey: "outline:wf-1", Kind: KindOutline})

	latest, err := store.Latest(ctx, "outline:wf-1")
	if err != nil {
		t.Fatalf("Failed to get latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("Expected latest %s, got %s", second.ID, latest.ID)
	}

	sessions, err := store.ListBySubject(ctx, "outline:wf-1")
	if err != nil {
		t.Fatalf("Failed to list: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions in history, got %d", len(sessions))
	}
	if sessions[0].ID != second.ID {
		t.Errorf("Expected newest first in list")
	}
}

func TestInMemoryStore_LatestUnknownSubject(t *testing.T) {
	store := NewInMemoryStore()
	if _, err := store.Latest(context.Background(), "outline:nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Expected ErrSessionNotFound, got %v", err)
	}
}

func TestInMemoryStore_SetFinalIsCompareAndSet(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	session, _ := store.Create(ctx, &Session{SubjectKey: "outline:wf-1", Kind: KindOutline})
	if err := store.TransitionStatus(ctx, session.ID, StatusCancelled); err != nil {
		t.Fatalf("Failed to cancel: %v", err)
	}

	err := store.SetFinal(ctx, session.ID, &FinalPayload{Content: "late"})
	if !errors.Is(err, ErrAlreadyTerminal) {
		t.Fatalf("Expected ErrAlreadyTerminal, got %v", err)
	}

	stored, _ := store.Get(ctx, session.ID)
	if stored.FinalPayload != nil {
		t.Error("A losing writer must not attach a final payload")
	}
	if stored.Status != StatusCancelled {
		t.Errorf("Status must remain cancelled, got %s", stored.Status)
	}
}

func TestInMemoryStore_GetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	session, _ := store.Create(ctx, &Session{SubjectKey: "outline:wf-1", Kind: KindOutline})
	_ = store.AppendSubResult(ctx, session.ID, SubResult{Ordinal: 0, Status: SubResultPending})

	snapshot, _ := store.Get(ctx, session.ID)
	snapshot.SubResults[0].Status = SubResultFailed
	snapshot.ProgressMessage = "mutated"

	fresh, _ := store.Get(ctx, session.ID)
	if fresh.SubResults[0].Status != SubResultPending {
		t.Error("Mutating a snapshot must not affect stored state")
	}
	if fresh.ProgressMessage == "mutated" {
		t.Error("Mutating a snapshot must not affect stored state")
	}
}
