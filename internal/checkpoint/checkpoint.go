// Package checkpoint persists one payload-free JSON snapshot per task.
package checkpoint

import (
	"errors"
	"fmt"
	"path"

	"github.com/JakeFAU/adharvest/internal/harvest"
	"github.com/JakeFAU/adharvest/internal/storage/local"
)

const dir = "checkpoints"

// Store reads and writes checkpoints below the state directory.
type Store struct {
	files *local.Store
}

// New wraps a local state store.
func New(files *local.Store) *Store {
	return &Store{files: files}
}

func key(taskID string) string {
	return path.Join(dir, taskID+".json")
}

// Save atomically replaces the checkpoint of cp.TaskID.
func (s *Store) Save(cp harvest.Checkpoint) error {
	if cp.TaskID == "" {
		return fmt.Errorf("checkpoint: task id is required")
	}
	if err := s.files.PutJSON(key(cp.TaskID), cp); err != nil {
		return fmt.Errorf("checkpoint %s: %w", cp.TaskID, err)
	}
	return nil
}

// Load returns the checkpoint of taskID or harvest.ErrNotFound.
func (s *Store) Load(taskID string) (harvest.Checkpoint, error) {
	var cp harvest.Checkpoint
	if err := s.files.GetJSON(key(taskID), &cp); err != nil {
		if errors.Is(err, local.ErrNotExist) {
			return harvest.Checkpoint{}, fmt.Errorf("checkpoint %s: %w", taskID, harvest.ErrNotFound)
		}
		return harvest.Checkpoint{}, fmt.Errorf("checkpoint %s: %w", taskID, err)
	}
	return cp, nil
}

// List returns every stored checkpoint ordered by task id. Unreadable files
// are skipped and reported in the joined error.
func (s *Store) List() ([]harvest.Checkpoint, error) {
	ids, err := s.files.List(dir)
	if err != nil {
		return nil, err
	}
	out := make([]harvest.Checkpoint, 0, len(ids))
	var errs []error
	for _, id := range ids {
		cp, err := s.Load(id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, cp)
	}
	return out, errors.Join(errs...)
}

// Path returns the checkpoint location of taskID relative to the state directory.
func (s *Store) Path(taskID string) string {
	return key(taskID)
}
