package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store persists clone reports oldest first.
type Store interface {
	Append(ctx context.Context, report CloneReport) error
	List(ctx context.Context) ([]CloneReport, error)
	Close() error
}

// MemoryStore keeps reports in process.
type MemoryStore struct {
	mu      sync.RWMutex
	reports []CloneReport
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append adds a report, evicting the oldest beyond MaxEntries.
func (s *MemoryStore) Append(_ context.Context, report CloneReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = capped(append(s.reports, report))
	return nil
}

// List returns a copy of the stored reports.
func (s *MemoryStore) List(_ context.Context) ([]CloneReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CloneReport(nil), s.reports...), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

type historyFile struct {
	Reports []CloneReport `yaml:"reports"`
}

// FileStore keeps reports in a YAML file. Writes replace the file
// atomically.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by path. The file is created on the
// first append.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("history file path is required")
	}
	return &FileStore{path: path}, nil
}

// Append adds a report, evicting the oldest beyond MaxEntries.
func (s *FileStore) Append(_ context.Context, report CloneReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reports, err := s.readLocked()
	if err != nil {
		return err
	}
	return s.writeLocked(capped(append(reports, report)))
}

// List returns the stored reports.
func (s *FileStore) List(_ context.Context) ([]CloneReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) readLocked() ([]CloneReport, error) {
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}
	var file historyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode history file: %w", err)
	}
	return capped(file.Reports), nil
}

func (s *FileStore) writeLocked(reports []CloneReport) error {
	raw, err := yaml.Marshal(historyFile{Reports: reports})
	if err != nil {
		return fmt.Errorf("encode history file: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create history directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".history-*.yaml")
	if err != nil {
		return fmt.Errorf("create history temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write history temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close history temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace history file: %w", err)
	}
	return nil
}
