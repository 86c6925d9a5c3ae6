package generation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"linkops/internal/ids"
)

// Store is the durable record store for generation sessions. Implementations
// must serialize concurrent writes to a single session and enforce both store
// invariants: at most one active session per subject key, and compare-and-set
// semantics on terminal transitions so exactly one writer wins.
type Store interface {
	// Create persists a new session in StatusQueued. It fails with
	// ErrActiveSessionExists when the subject already has a queued or
	// in-progress session.
	Create(ctx context.Context, session *Session) (*Session, error)

	Get(ctx context.Context, sessionID string) (*Session, error)

	// Latest returns the most recently created session for the subject
	// regardless of status, or ErrSessionNotFound.
	Latest(ctx context.Context, subjectKey string) (*Session, error)

	// ActiveBySubject returns the queued or in-progress session for the
	// subject, or ErrSessionNotFound.
	ActiveBySubject(ctx context.Context, subjectKey string) (*Session, error)

	// ListBySubject returns all sessions for the subject, newest first.
	// Sessions are never deleted; this is the audit history.
	ListBySubject(ctx context.Context, subjectKey string) ([]*Session, error)

	// TransitionStatus moves the session forward along
	// queued -> in_progress -> {completed|error|cancelled}. Moving out of a
	// terminal status fails with ErrAlreadyTerminal; moving backward fails
	// with ErrInvalidTransition.
	TransitionStatus(ctx context.Context, sessionID string, to Status) error

	// SetProgress overwrites the progress message of an active session.
	SetProgress(ctx context.Context, sessionID string, message string) error

	// AppendSubResult merges a sub-result by ordinal: an existing ordinal is
	// updated in place, a new one is appended. Only valid while active.
	AppendSubResult(ctx context.Context, sessionID string, sub SubResult) error

	// SetFinal writes the final payload and transitions to StatusCompleted
	// in one step.
	SetFinal(ctx context.Context, sessionID string, payload *FinalPayload) error

	// SetError records the failure message and transitions to StatusError.
	SetError(ctx context.Context, sessionID string, message string) error
}

func checkTransition(from, to Status) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, from)
	}
	switch to {
	case StatusInProgress:
		if from != StatusQueued {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
	case StatusCompleted, StatusError, StatusCancelled:
		// Any non-terminal state may finish; a queued session can be
		// cancelled before the driver picks it up.
	default:
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// InMemoryStore implements Store with in-memory storage.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string // session ids in creation order
}

// NewInMemoryStore creates a new in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]*Session),
	}
}

// Create persists a new queued session, enforcing the unique-active-session
// invariant under the store lock (check-then-insert is atomic here).
func (s *InMemoryStore) Create(ctx context.Context, session *Session) (*Session, error) {
	if session == nil || session.SubjectKey == "" {
		return nil, fmt.Errorf("%w: missing subject key", ErrInvalidSubject)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.sessions {
		if existing.SubjectKey == session.SubjectKey && existing.Status.Active() {
			return nil, fmt.Errorf("%w: %s", ErrActiveSessionExists, existing.ID)
		}
	}

	stored := session.Clone()
	if stored.ID == "" {
		stored.ID = ids.NewSessionID()
	}
	stored.Status = StatusQueued
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.sessions[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return stored.Clone(), nil
}

func (s *InMemoryStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return session.Clone(), nil
}

func (s *InMemoryStore) Latest(ctx context.Context, subjectKey string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		if session := s.sessions[s.order[i]]; session.SubjectKey == subjectKey {
			return session.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no sessions for subject %s", ErrSessionNotFound, subjectKey)
}

func (s *InMemoryStore) ActiveBySubject(ctx context.Context, subjectKey string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.order) - 1; i >= 0; i-- {
		if session := s.sessions[s.order[i]]; session.SubjectKey == subjectKey && session.Status.Active() {
			return session.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: no active session for subject %s", ErrSessionNotFound, subjectKey)
}

func (s *InMemoryStore) ListBySubject(ctx context.Context, subjectKey string) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]*Session, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		if session := s.sessions[s.order[i]]; session.SubjectKey == subjectKey {
			sessions = append(sessions, session.Clone())
		}
	}
	return sessions, nil
}

func (s *InMemoryStore) TransitionStatus(ctx context.Context, sessionID string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := checkTransition(session.Status, to); err != nil {
		return err
	}

	session.Status = to
	session.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) SetProgress(ctx context.Context, sessionID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, session.Status)
	}

	session.ProgressMessage = message
	session.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) AppendSubResult(ctx context.Context, sessionID string, sub SubResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, session.Status)
	}

	mergeSubResult(session, sub)
	session.UpdatedAt = time.Now()
	return nil
}

// mergeSubResult applies a sub-result by its ordinal merge key: redelivery of
// an ordinal updates in place rather than appending a duplicate.
func mergeSubResult(session *Session, sub SubResult) {
	for i := range session.SubResults {
		if session.SubResults[i].Ordinal == sub.Ordinal {
			session.SubResults[i] = sub
			return
		}
	}
	session.SubResults = append(session.SubResults, sub)
}

func (s *InMemoryStore) SetFinal(ctx context.Context, sessionID string, payload *FinalPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := checkTransition(session.Status, StatusCompleted); err != nil {
		return err
	}

	session.FinalPayload = payload
	session.Status = StatusCompleted
	session.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) SetError(ctx context.Context, sessionID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[sessionID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err := checkTransition(session.Status, StatusError); err != nil {
		return err
	}

	session.ErrorMessage = message
	session.Status = StatusError
	session.UpdatedAt = time.Now()
	return nil
}
