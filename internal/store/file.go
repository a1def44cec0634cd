// ABOUTME: File-backed Store writing agents.json and tasks.json into a directory
// ABOUTME: Uses write-to-temp then rename so readers never see a torn document

package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileStore persists documents as JSON files.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	logger := slog.Default().With("component", "store")
	logger.Info("file store initialized", "dir", dir)
	return &FileStore{dir: dir, logger: logger}, nil
}

func (f *FileStore) path(name string) string {
	return filepath.Join(f.dir, name+".json")
}

// Load reads both documents. Missing files are treated as empty.
func (f *FileStore) Load(ctx context.Context) (*Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := NewSnapshot()
	var corrupt error
	for _, name := range []string{DocAgents, DocTasks} {
		data, err := os.ReadFile(f.path(name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return NewSnapshot(), fmt.Errorf("reading %s: %w", name, err)
		}
		if err := decodeInto(snap, name, data); err != nil {
			corrupt = errors.Join(corrupt, err)
		}
	}
	return snap, corrupt
}

// Save writes both documents.
func (f *FileStore) Save(ctx context.Context, snap *Snapshot) error {
	agents, tasks, err := encode(snap)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := writeAtomic(f.path(DocAgents), agents); err != nil {
		return err
	}
	return writeAtomic(f.path(DocTasks), tasks)
}

// Close is a no-op.
func (f *FileStore) Close() error {
	return nil
}

func writeAtomic(target string, data []byte) error {
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
