package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"linkops/internal/async"
	"linkops/internal/logging"
)

// StartResult is the outcome of an idempotent start call.
type StartResult struct {
	SessionID string `json:"session_id"`
	Reused    bool   `json:"reused"`
}

// Manager owns the session lifecycle: idempotent start, latest lookup, and
// cooperative cancel. Execution itself is handed to the driver on a detached
// context so a session keeps running after the originating request returns.
type Manager struct {
	store    Store
	driver   *Driver
	listener EventListener
	logger   logging.Logger

	group singleflight.Group

	cancelMu    sync.Mutex
	cancelFuncs map[string]context.CancelFunc
}

// NewManager creates a lifecycle manager. listener may be nil.
func NewManager(store Store, driver *Driver, listener EventListener, logger logging.Logger) *Manager {
	return &Manager{
		store:       store,
		driver:      driver,
		listener:    listener,
		logger:      logging.OrNop(logger),
		cancelFuncs: make(map[string]context.CancelFunc),
	}
}

// Start returns the active session for the subject when one exists
// (reused=true), otherwise creates a queued session and hands it to the
// driver. Concurrent starts for the same subject collapse into one creation;
// the invariant itself is enforced again by the store's conditional create.
func (m *Manager) Start(ctx context.Context, subjectKey string, seed map[string]any) (StartResult, error) {
	kind, _, err := ParseSubjectKey(subjectKey)
	if err != nil {
		return StartResult{}, err
	}

	value, err, _ := m.group.Do(subjectKey, func() (any, error) {
		return m.startOnce(ctx, subjectKey, kind, seed)
	})
	if err != nil {
		return StartResult{}, err
	}
	return value.(StartResult), nil
}

func (m *Manager) startOnce(ctx context.Context, subjectKey string, kind Kind, seed map[string]any) (StartResult, error) {
	if active, err := m.store.ActiveBySubject(ctx, subjectKey); err == nil {
		m.logger.Info("Start for subject %s reuses active session %s", subjectKey, active.ID)
		return StartResult{SessionID: active.ID, Reused: true}, nil
	}

	session, err := m.store.Create(ctx, &Session{
		SubjectKey: subjectKey,
		Kind:       kind,
		SeedInput:  seed,
	})
	if err != nil {
		if errors.Is(err, ErrActiveSessionExists) {
			// Lost a race against another process sharing the store.
			if active, activeErr := m.store.ActiveBySubject(ctx, subjectKey); activeErr == nil {
				return StartResult{SessionID: active.ID, Reused: true}, nil
			}
		}
		return StartResult{}, fmt.Errorf("failed to create session: %w", err)
	}

	m.launch(ctx, session.ID)
	m.logger.Info("Started session %s for subject %s", session.ID, subjectKey)
	return StartResult{SessionID: session.ID, Reused: false}, nil
}

// launch runs the driver on a context detached from the caller's cancellation
// while keeping request-scoped values; explicit cancellation still flows
// through the stored cancel function.
func (m *Manager) launch(ctx context.Context, sessionID string) {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	m.cancelMu.Lock()
	m.cancelFuncs[sessionID] = cancel
	m.cancelMu.Unlock()

	async.Go(m.logger, "generation.drive", func() {
		defer func() {
			m.cancelMu.Lock()
			delete(m.cancelFuncs, sessionID)
			m.cancelMu.Unlock()
			cancel()
		}()
		m.driver.Run(runCtx, sessionID)
	})
}

// Latest returns the most recently created session for the subject regardless
// of status. Clients call it on attach or reload to reconstruct their view
// without re-invoking work.
func (m *Manager) Latest(ctx context.Context, subjectKey string) (*Session, error) {
	if _, _, err := ParseSubjectKey(subjectKey); err != nil {
		return nil, err
	}
	return m.store.Latest(ctx, subjectKey)
}

// Get returns one session snapshot by id.
func (m *Manager) Get(ctx context.Context, sessionID string) (*Session, error) {
	return m.store.Get(ctx, sessionID)
}

// List returns the retained session history for a subject, newest first.
func (m *Manager) List(ctx context.Context, subjectKey string) ([]*Session, error) {
	if _, _, err := ParseSubjectKey(subjectKey); err != nil {
		return nil, err
	}
	return m.store.ListBySubject(ctx, subjectKey)
}

// Cancel requests cooperative cancellation of an active session. The status
// flips to cancelled immediately; the driver observes the flag between work
// units and stops scheduling further ones. In-flight engine calls are not
// forcibly aborted.
func (m *Manager) Cancel(ctx context.Context, sessionID string) error {
	session, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := m.store.TransitionStatus(ctx, sessionID, StatusCancelled); err != nil {
		return err
	}

	m.cancelMu.Lock()
	cancel, ok := m.cancelFuncs[sessionID]
	m.cancelMu.Unlock()
	if ok {
		cancel()
	}

	m.logger.Info("Session %s cancelled (subject %s)", sessionID, session.SubjectKey)
	if m.listener != nil {
		m.listener.OnEvent(Event{
			Type:       EventCancelled,
			SessionID:  sessionID,
			SubjectKey: session.SubjectKey,
			Status:     StatusCancelled,
			Timestamp:  time.Now(),
		})
	}
	return nil
}
