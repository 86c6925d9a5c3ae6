package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"linkops/internal/ids"
	"linkops/internal/logging"
)

// FileStore implements Store with one JSON document per session. It is the
// durable backend: sessions survive process restarts, which is what makes
// client reattachment after a reload work.
type FileStore struct {
	baseDir string
	mu      sync.Mutex
	logger  logging.Logger
}

// NewFileStore creates a file-backed session store rooted at baseDir.
// A leading ~/ is expanded against the user's home directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	return &FileStore{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("SessionFileStore"),
	}, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s.json", sessionID))
}

func (s *FileStore) Create(ctx context.Context, session *Session) (*Session, error) {
	if session == nil || session.SubjectKey == "" {
		return nil, fmt.Errorf("%w: missing subject key", ErrInvalidSubject)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	for _, existing := range sessions {
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

	data, err := json.MarshalIndent(stored, "", "  ")
	if err != nil {
		return nil, err
	}

	// Create exclusively so a stale id can never silently overwrite history.
	f, err := os.OpenFile(s.path(stored.ID), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create session file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			s.logger.Warn("Failed to close session file %s: %v", stored.ID, closeErr)
		}
	}()

	if _, err := f.Write(data); err != nil {
		return nil, fmt.Errorf("failed to write session: %w", err)
	}
	return stored.Clone(), nil
}

func (s *FileStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(sessionID)
}

func (s *FileStore) read(sessionID string) (*Session, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		s.logger.Error("Failed to decode session file %s: %v", sessionID, err)
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	return &session, nil
}

func (s *FileStore) write(session *Session) error {
	session.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(session.ID), data, 0644)
}

func (s *FileStore) loadAll() ([]*Session, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list session dir: %w", err)
	}
	sessions := make([]*Session, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		session, err := s.read(strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			// A corrupt record must not take down every listing.
			s.logger.Warn("Skipping unreadable session file %s: %v", entry.Name(), err)
			continue
		}
		sessions = append(sessions, session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (s *FileStore) Latest(ctx context.Context, subjectKey string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if session.SubjectKey == subjectKey {
			return session, nil
		}
	}
	return nil, fmt.Errorf("%w: no sessions for subject %s", ErrSessionNotFound, subjectKey)
}

func (s *FileStore) ActiveBySubject(ctx context.Context, subjectKey string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	for _, session := range sessions {
		if session.SubjectKey == subjectKey && session.Status.Active() {
			return session, nil
		}
	}
	return nil, fmt.Errorf("%w: no active session for subject %s", ErrSessionNotFound, subjectKey)
}

func (s *FileStore) ListBySubject(ctx context.Context, subjectKey string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessions, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	matched := make([]*Session, 0)
	for _, session := range sessions {
		if session.SubjectKey == subjectKey {
			matched = append(matched, session)
		}
	}
	return matched, nil
}

func (s *FileStore) TransitionStatus(ctx context.Context, sessionID string, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.read(sessionID)
	if err != nil {
		return err
	}
	if err := checkTransition(session.Status, to); err != nil {
		return err
	}
	session.Status = to
	return s.write(session)
}

func (s *FileStore) SetProgress(ctx context.Context, sessionID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.read(sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, session.Status)
	}
	session.ProgressMessage = message
	return s.write(session)
}

func (s *FileStore) AppendSubResult(ctx context.Context, sessionID string, sub SubResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.read(sessionID)
	if err != nil {
		return err
	}
	if session.Status.Terminal() {
		return fmt.Errorf("%w: %s", ErrAlreadyTerminal, session.Status)
	}
	mergeSubResult(session, sub)
	return s.write(session)
}

func (s *FileStore) SetFinal(ctx context.Context, sessionID string, payload *FinalPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.read(sessionID)
	if err != nil {
		return err
	}
	if err := checkTransition(session.Status, StatusCompleted); err != nil {
		return err
	}
	session.FinalPayload = payload
	session.Status = StatusCompleted
	return s.write(session)
}

func (s *FileStore) SetError(ctx context.Context, sessionID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.read(sessionID)
	if err != nil {
		return err
	}
	if err := checkTransition(session.Status, StatusError); err != nil {
		return err
	}
	session.ErrorMessage = message
	session.Status = StatusError
	return s.write(session)
}
