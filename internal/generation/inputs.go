package generation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"linkops/internal/logging"
)

// InputStore persists human-input artifacts for multi-phase subjects, one
// lightweight record per subject.
type InputStore interface {
	SetInput(ctx context.Context, subjectKey string, phase PhaseName, artifact map[string]any) error
	GetInput(ctx context.Context, subjectKey string, phase PhaseName) (map[string]any, bool)
}

// InMemoryInputStore implements InputStore with in-memory storage.
type InMemoryInputStore struct {
	mu     sync.RWMutex
	inputs map[string]map[string]any
}

// NewInMemoryInputStore creates an empty input store.
func NewInMemoryInputStore() *InMemoryInputStore {
	return &InMemoryInputStore{inputs: make(map[string]map[string]any)}
}

func inputKey(subjectKey string, phase PhaseName) string {
	return subjectKey + phaseSeparator + string(phase)
}

func (s *InMemoryInputStore) SetInput(ctx context.Context, subjectKey string, phase PhaseName, artifact map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[inputKey(subjectKey, phase)] = artifact
	return nil
}

func (s *InMemoryInputStore) GetInput(ctx context.Context, subjectKey string, phase PhaseName) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	artifact, ok := s.inputs[inputKey(subjectKey, phase)]
	return artifact, ok
}

// FileInputStore is the durable InputStore: one JSON file per subject+phase,
// so provided answers survive restarts alongside the session file store.
type FileInputStore struct {
	baseDir string
	mu      sync.Mutex
	logger  logging.Logger
}

// NewFileInputStore creates a file-backed input store rooted at baseDir.
func NewFileInputStore(baseDir string) (*FileInputStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create input dir: %w", err)
	}
	return &FileInputStore{
		baseDir: baseDir,
		logger:  logging.NewComponentLogger("InputFileStore"),
	}, nil
}

func (s *FileInputStore) path(subjectKey string, phase PhaseName) string {
	// Subject keys contain ':' which is awkward in filenames.
	name := strings.NewReplacer(":", "_", "/", "_").Replace(inputKey(subjectKey, phase))
	return filepath.Join(s.baseDir, name+".json")
}

func (s *FileInputStore) SetInput(ctx context.Context, subjectKey string, phase PhaseName, artifact map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path(subjectKey, phase), data, 0644)
}

func (s *FileInputStore) GetInput(ctx context.Context, subjectKey string, phase PhaseName) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(subjectKey, phase))
	if err != nil {
		return nil, false
	}
	var artifact map[string]any
	if err := json.Unmarshal(data, &artifact); err != nil {
		s.logger.Warn("Failed to decode input artifact for %s/%s: %v", subjectKey, phase, err)
		return nil, false
	}
	return artifact, true
}
