package relroshare

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FilePropertyStore is a persisted key/value tunable store backed by a small
// yaml file. Reads of a missing or unparsable file yield defaults; writes are
// atomic read-modify-write so concurrent writers never truncate each other.
type FilePropertyStore struct {
	mu   sync.Mutex
	path string
}

func NewFilePropertyStore(path string) *FilePropertyStore {
	return &FilePropertyStore{path: path}
}

func (s *FilePropertyStore) Int64(key string, def int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	props, err := s.load()
	if err != nil {
		return def
	}
	v, ok := props[key]
	if !ok {
		return def
	}
	return v
}

func (s *FilePropertyStore) SetInt64(key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A missing or unparsable file is replaced wholesale; the read path
	// already treats it as absent.
	props, err := s.load()
	if err != nil {
		props = map[string]int64{}
	}
	props[key] = value

	data, err := yaml.Marshal(props)
	if err != nil {
		return fmt.Errorf("relroshare: marshal properties: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".props-*")
	if err != nil {
		return fmt.Errorf("relroshare: write properties: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return fmt.Errorf("relroshare: write properties: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("relroshare: write properties: %w", err)
	}
	if err := os.Rename(name, s.path); err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("relroshare: publish properties: %w", err)
	}
	return nil
}

func (s *FilePropertyStore) load() (map[string]int64, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}
	props := map[string]int64{}
	if err := yaml.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("relroshare: parse properties: %w", err)
	}
	return props, nil
}

// MemoryPropertyStore is an in-process PropertyStore for tests and hosts
// without persistent tunables.
type MemoryPropertyStore struct {
	mu    sync.Mutex
	props map[string]int64
}

func NewMemoryPropertyStore() *MemoryPropertyStore {
	return &MemoryPropertyStore{props: map[string]int64{}}
}

func (s *MemoryPropertyStore) Int64(key string, def int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.props[key]; ok {
		return v
	}
	return def
}

func (s *MemoryPropertyStore) SetInt64(key string, value int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props[key] = value
	return nil
}
