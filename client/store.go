package client

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// BaseURLStore persists the backend base URL chosen by the user.
type BaseURLStore interface {
	// Load returns the stored URL, or "" when none is stored.
	Load() (string, error)
	Save(url string) error
}

// MemoryStore keeps the base URL for the life of the process.
type MemoryStore struct {
	mu  sync.RWMutex
	url string
}

func NewMemoryStore(url string) *MemoryStore {
	return &MemoryStore{url: url}
}

func (m *MemoryStore) Load() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.url, nil
}

func (m *MemoryStore) Save(url string) error {
	m.mu.Lock()
	m.url = url
	m.mu.Unlock()
	return nil
}

type stateFile struct {
	BaseURL string `yaml:"baseURL"`
}

// FileStore keeps the base URL in a small YAML state file.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read state file %s: %w", f.path, err)
	}
	var st stateFile
	if err := yaml.Unmarshal(data, &st); err != nil {
		return "", fmt.Errorf("parse state file %s: %w", f.path, err)
	}
	return strings.TrimSpace(st.BaseURL), nil
}

// Save writes the file atomically through a temp file in the same directory.
func (f *FileStore) Save(url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := yaml.Marshal(stateFile{BaseURL: url})
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
