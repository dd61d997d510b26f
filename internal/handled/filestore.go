package handled

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// FileStore keeps the handled keys as a JSON array on disk. The default
// backend for single-instance deployments.
type FileStore struct {
	path string
}

// NewFileStore creates a store writing to path. Parent directories are
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load(ctx context.Context) ([]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read handled-set file: %w", err)
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		return nil, fmt.Errorf("parse handled-set file: %w", err)
	}
	return keys, nil
}

func (f *FileStore) Save(ctx context.Context, keys []string) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("marshal handled-set: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create handled-set dir: %w", err)
	}

	// Write-rename so a crash mid-write cannot corrupt the loaded set.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write handled-set file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("replace handled-set file: %w", err)
	}
	return nil
}
