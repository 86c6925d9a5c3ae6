package app

import (
	"context"

	"linkops/internal/generation"
	"linkops/internal/logging"
)

// SessionSnapshot is the pull-path view of a session: the full record plus
// derived counts, sufficient to reconstruct a client's progress view from
// nothing.
type SessionSnapshot struct {
	Session *generation.Session `json:"session"`
	Counts  generation.Counts   `json:"counts"`
}

// Coordinator is the application-facing surface the transport handlers call.
// It composes the lifecycle manager, the phase coordinator, and the
// broadcaster behind one set of operations.
type Coordinator struct {
	manager     *generation.Manager
	phases      *generation.PhaseCoordinator
	broadcaster *EventBroadcaster
	logger      logging.Logger
}

// NewCoordinator wires the application layer.
func NewCoordinator(manager *generation.Manager, phases *generation.PhaseCoordinator, broadcaster *EventBroadcaster) *Coordinator {
	return &Coordinator{
		manager:     manager,
		phases:      phases,
		broadcaster: broadcaster,
		logger:      logging.NewComponentLogger("Coordinator"),
	}
}

// StartGeneration starts or reuses a session for the subject. Multi-phase
// subjects route through the phase coordinator instead of starting directly.
func (c *Coordinator) StartGeneration(ctx context.Context, subjectKey string, seed map[string]any) (generation.StartResult, error) {
	kind, _, err := generation.ParseSubjectKey(subjectKey)
	if err != nil {
		return generation.StartResult{}, err
	}
	if kind.MultiPhase() {
		advanced, err := c.phases.Advance(ctx, subjectKey, seed)
		if err != nil {
			return generation.StartResult{}, err
		}
		return advanced.Session, nil
	}
	return c.manager.Start(ctx, subjectKey, seed)
}

// LatestSnapshot returns the newest session for a subject with derived
// counts. It is the reattachment entry point.
func (c *Coordinator) LatestSnapshot(ctx context.Context, subjectKey string) (*SessionSnapshot, error) {
	session, err := c.manager.Latest(ctx, subjectKey)
	if err != nil {
		return nil, err
	}
	return snapshotOf(session), nil
}

// Snapshot returns one session by id with derived counts.
func (c *Coordinator) Snapshot(ctx context.Context, sessionID string) (*SessionSnapshot, error) {
	session, err := c.manager.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return snapshotOf(session), nil
}

// History returns all retained sessions for a subject, newest first.
func (c *Coordinator) History(ctx context.Context, subjectKey string) ([]*SessionSnapshot, error) {
	sessions, err := c.manager.List(ctx, subjectKey)
	if err != nil {
		return nil, err
	}
	snapshots := make([]*SessionSnapshot, 0, len(sessions))
	for _, session := range sessions {
		snapshots = append(snapshots, snapshotOf(session))
	}
	return snapshots, nil
}

// Cancel requests cooperative cancellation of a session.
func (c *Coordinator) Cancel(ctx context.Context, sessionID string) error {
	return c.manager.Cancel(ctx, sessionID)
}

// Advance moves a multi-phase subject to its next runnable phase.
func (c *Coordinator) Advance(ctx context.Context, subjectKey string, seed map[string]any) (generation.AdvanceResult, error) {
	return c.phases.Advance(ctx, subjectKey, seed)
}

// Phases reports the per-phase states and the derived current phase.
func (c *Coordinator) Phases(ctx context.Context, subjectKey string) ([]generation.PhaseState, generation.PhaseName, error) {
	return c.phases.Phases(ctx, subjectKey)
}

// ProvideInput stores a human-input artifact for a phase.
func (c *Coordinator) ProvideInput(ctx context.Context, subjectKey string, phase generation.PhaseName, artifact map[string]any) error {
	return c.phases.ProvideInput(ctx, subjectKey, phase, artifact)
}

// Broadcaster exposes the push channel for the transport handlers.
func (c *Coordinator) Broadcaster() *EventBroadcaster {
	return c.broadcaster
}

func snapshotOf(session *generation.Session) *SessionSnapshot {
	return &SessionSnapshot{
		Session: session,
		Counts:  session.Counts(),
	}
}
