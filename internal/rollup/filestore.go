package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mbd888/vigil/internal/logging"
)

// FileStore keeps the rollup log as a single JSON array on disk. Writes go
// through a temp file and an atomic rename so a crash mid-write never leaves
// a torn log. A log that fails to parse on read is treated as empty rather
// than fatal; the engine keeps running and the log rebuilds over the next
// retention window.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(ctx context.Context) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

func (s *FileStore) load(ctx context.Context) ([]Batch, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read rollup log: %w", err)
	}
	var batches []Batch
	if err := json.Unmarshal(data, &batches); err != nil {
		logging.FromContext(ctx).Warn("rollup log corrupt, starting empty",
			"path", s.path, "error", err)
		return nil, nil
	}
	return batches, nil
}

func (s *FileStore) Append(ctx context.Context, batch Batch, keep int) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batches, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	batches = append(batches, batch)
	if keep > 0 && len(batches) > keep {
		batches = batches[len(batches)-keep:]
	}
	if err := s.write(batches); err != nil {
		return nil, err
	}
	return batches, nil
}

func (s *FileStore) write(batches []Batch) error {
	data, err := json.MarshalIndent(batches, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rollup log: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create rollup log dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".rollup-*.json")
	if err != nil {
		return fmt.Errorf("create temp rollup log: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write rollup log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close rollup log: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace rollup log: %w", err)
	}
	return nil
}
