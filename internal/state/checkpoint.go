// internal/state/checkpoint.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fivehealth/smooch-logs/internal/types"
)

// CheckpointStore is a JSON-file-backed checkpoint store.
// All checkpoints live in a single checkpoints.json under the root.
type CheckpointStore struct {
	root string
	mu   sync.RWMutex
}

// NewCheckpointStore creates a new file-backed CheckpointStore rooted at the given directory.
func NewCheckpointStore(root string) *CheckpointStore {
	return &CheckpointStore{root: root}
}

// Path returns the file path used by this store.
func (s *CheckpointStore) Path() string {
	return filepath.Join(s.root, "checkpoints.json")
}

// load reads checkpoints.json and returns a map keyed by AppID.
func (s *CheckpointStore) load() (map[types.AppID]*types.Checkpoint, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.AppID]*types.Checkpoint), nil
		}
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}

	var list []*types.Checkpoint
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoints: %w", err)
	}

	index := make(map[types.AppID]*types.Checkpoint, len(list))
	for _, cp := range list {
		index[cp.AppID] = cp
	}
	return index, nil
}

// save converts the map to a sorted slice and writes it atomically.
func (s *CheckpointStore) save(index map[types.AppID]*types.Checkpoint) error {
	list := sortedCheckpoints(index)

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoints: %w", err)
	}
	return writeFileAtomic(s.Path(), data, 0o644)
}

// Get returns the checkpoint for app, or nil if none was recorded.
func (s *CheckpointStore) Get(_ context.Context, app types.AppID) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.load()
	if err != nil {
		return nil, err
	}
	return index[app], nil
}

// List returns all checkpoints ordered by app ID.
func (s *CheckpointStore) List(_ context.Context) ([]*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.load()
	if err != nil {
		return nil, err
	}
	return sortedCheckpoints(index), nil
}

// Put stores cp, replacing any earlier checkpoint for the same app and
// setting UpdatedAt to now.
func (s *CheckpointStore) Put(_ context.Context, cp *types.Checkpoint) error {
	if cp.AppID == "" {
		return fmt.Errorf("checkpoint without app id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.load()
	if err != nil {
		return err
	}
	cp.UpdatedAt = time.Now().UTC()
	index[cp.AppID] = cp
	return s.save(index)
}

// Delete removes the checkpoint for app. Deleting a missing checkpoint is not an error.
func (s *CheckpointStore) Delete(_ context.Context, app types.AppID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := index[app]; !ok {
		return nil
	}
	delete(index, app)
	return s.save(index)
}

func sortedCheckpoints(index map[types.AppID]*types.Checkpoint) []*types.Checkpoint {
	list := make([]*types.Checkpoint, 0, len(index))
	for _, cp := range index {
		list = append(list, cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].AppID < list[j].AppID })
	return list
}

// writeFileAtomic writes to a temp file then renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
