package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"linkops/internal/engine/scripted"
	"linkops/internal/generation"
)

func newTestCoordinator(t *testing.T) (*Coordinator, generation.Store) {
	t.Helper()
	store := generation.NewInMemoryStore()
	broadcaster := NewEventBroadcaster()
	engine := scripted.New(0)
	driver := generation.NewDriver(store, engine, broadcaster, nil)
	manager := generation.NewManager(store, driver, broadcaster, nil)
	phases := generation.NewPhaseCoordinator(store, manager, generation.NewInMemoryInputStore(), nil)
	return NewCoordinator(manager, phases, broadcaster), store
}

func waitCompleted(t *testing.T, store generation.Store, sessionID string) *generation.Session {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		session, err := store.Get(context.Background(), sessionID)
		if err != nil {
			t.Fatalf("Failed to get session: %v", err)
		}
		if session.Status.Terminal() {
			return session
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Session %s never finished", sessionID)
	return nil
}

func TestCoordinator_StartAndSnapshot(t *testing.T) {
	ctx := context.Background()
	coordinator, store := newTestCoordinator(t)

	result, err := coordinator.StartGeneration(ctx, "formatting_qa:article-9", map[string]any{"content": "# Draft"})
	if err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	session := waitCompleted(t, store, result.SessionID)
	if session.Status != generation.StatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", session.Status, session.ErrorMessage)
	}

	snapshot, err := coordinator.LatestSnapshot(ctx, "formatting_qa:article-9")
	if err != nil {
		t.Fatalf("Failed to snapshot: %v", err)
	}
	if snapshot.Session.ID != result.SessionID {
		t.Errorf("Snapshot should cover session %s, got %s", result.SessionID, snapshot.Session.ID)
	}
	if snapshot.Counts.Total == 0 || snapshot.Counts.Total != len(snapshot.Session.SubResults) {
		t.Errorf("Snapshot counts must derive from sub-results: %+v", snapshot.Counts)
	}

	byID, err := coordinator.Snapshot(ctx, result.SessionID)
	if err != nil {
		t.Fatalf("Failed to snapshot by id: %v", err)
	}
	if byID.Session.FinalPayload == nil {
		t.Error("Snapshot must carry the final payload")
	}
}

func TestCoordinator_MultiPhaseStartRoutesThroughPhases(t *testing.T) {
	ctx := context.Background()
	coordinator, store := newTestCoordinator(t)

	result, err := coordinator.StartGeneration(ctx, "brand_brief:client-7", nil)
	if err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	waitCompleted(t, store, result.SessionID)

	states, current, err := coordinator.Phases(ctx, "brand_brief:client-7")
	if err != nil {
		t.Fatalf("Failed to read phases: %v", err)
	}
	if states[0].Status != generation.StatusCompleted {
		t.Errorf("Research phase should be completed, got %s", states[0].Status)
	}
	if current != generation.PhaseInput {
		t.Errorf("Chain should rest on the questionnaire, got %s", current)
	}

	// A second start is blocked on the questionnaire, not a duplicate run.
	if _, err := coordinator.StartGeneration(ctx, "brand_brief:client-7", nil); !generation.IsAwaitingInput(err) {
		t.Errorf("Expected ErrAwaitingInput, got %v", err)
	}

	if err := coordinator.ProvideInput(ctx, "brand_brief:client-7", generation.PhaseInput,
		map[string]any{"answers": "b2b"}); err != nil {
		t.Fatalf("Failed to provide input: %v", err)
	}
	advanced, err := coordinator.Advance(ctx, "brand_brief:client-7", nil)
	if err != nil {
		t.Fatalf("Failed to advance: %v", err)
	}
	if advanced.Phase != generation.PhaseBrief || !advanced.Started {
		t.Errorf("Expected brief phase to start, got %+v", advanced)
	}
}

func TestCoordinator_CancelPropagates(t *testing.T) {
	ctx := context.Background()
	coordinator, store := newTestCoordinator(t)

	result, err := coordinator.StartGeneration(ctx, "outline:wf-1", nil)
	if err != nil {
		t.Fatalf("Failed to start: %v", err)
	}

	// Cancel may race run completion with a zero-delay engine; both outcomes
	// leave a terminal session, and a terminal cancel is reported as such.
	if err := coordinator.Cancel(ctx, result.SessionID); err != nil && !errors.Is(err, generation.ErrAlreadyTerminal) {
		t.Fatalf("Unexpected cancel error: %v", err)
	}
	session := waitCompleted(t, store, result.SessionID)
	if !session.Status.Terminal() {
		t.Errorf("Expected terminal status, got %s", session.Status)
	}
}

func TestCoordinator_HistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	coordinator, store := newTestCoordinator(t)

	first, _ := coordinator.StartGeneration(ctx, "outline:wf-1", nil)
	waitCompleted(t, store, first.SessionID)
	second, _ := coordinator.StartGeneration(ctx, "outline:wf-1", nil)
	waitCompleted(t, store, second.SessionID)

	history, err := coordinator.History(ctx, "outline:wf-1")
	if err != nil {
		t.Fatalf("Failed to list history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(history))
	}
	if history[0].Session.ID != second.SessionID {
		t.Error("Expected newest session first")
	}
}
