// Package memory provides an in-process record store for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/adharvest/internal/harvest"
)

// RecordStore keeps records and tasks in maps guarded by a RWMutex.
type RecordStore struct {
	mu      sync.RWMutex
	records map[string]harvest.Record
	byTask  map[string][]string
	tasks   map[string]harvest.Task
	failure error
}

var _ harvest.RecordStore = (*RecordStore)(nil)

// NewRecordStore constructs an empty RecordStore.
func NewRecordStore() *RecordStore {
	return &RecordStore{
		records: make(map[string]harvest.Record),
		byTask:  make(map[string][]string),
		tasks:   make(map[string]harvest.Task),
	}
}

// SetFailure makes every subsequent call return err; nil restores service.
func (s *RecordStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failure = err
}

// Ping reports the injected failure, if any.
func (s *RecordStore) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// Close is a no-op.
func (s *RecordStore) Close() {}

// InsertRecords stores records whose signature is not yet present.
func (s *RecordStore) InsertRecords(_ context.Context, records []harvest.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return 0, s.failure
	}
	inserted := 0
	for i, rec := range records {
		if rec.Signature == "" {
			return inserted, fmt.Errorf("record %d: signature is required", i)
		}
		if _, exists := s.records[rec.Signature]; exists {
			continue
		}
		s.records[rec.Signature] = rec
		s.byTask[rec.TaskID] = append(s.byTask[rec.TaskID], rec.Signature)
		inserted++
	}
	return inserted, nil
}

// UpsertTask stores or replaces the task row.
func (s *RecordStore) UpsertTask(_ context.Context, task harvest.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure != nil {
		return s.failure
	}
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	s.tasks[task.ID] = task
	return nil
}

// RecentSignatures returns up to limit signatures of a task, newest first by
// insertion order.
func (s *RecordStore) RecentSignatures(_ context.Context, taskID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.failure != nil {
		return nil, s.failure
	}
	if limit <= 0 {
		return nil, nil
	}
	sigs := s.byTask[taskID]
	out := make([]string, 0, min(limit, len(sigs)))
	for i := len(sigs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, sigs[i])
	}
	return out, nil
}

// Task returns a stored task.
func (s *RecordStore) Task(taskID string) (harvest.Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	return task, ok
}

// Len returns the number of stored records.
func (s *RecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
