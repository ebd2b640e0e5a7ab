// Package dedup holds the bounded in-process memory of a worker: the seen
// signature set and the small "recent records" buffer shown to operators.
// Neither type is safe for concurrent use; each belongs to one worker loop.
package dedup

import "container/list"

// Set is an LRU-ordered set of signatures with a hard capacity. Adding beyond
// capacity evicts the least recently seen signature.
type Set struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

// NewSet allocates a Set bounded by capacity.
func NewSet(capacity int) *Set {
	if capacity <= 0 {
		capacity = 1
	}
	return &Set{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// Add marks sig as seen and reports whether it was new. A repeated signature
// is refreshed to most recently seen.
func (s *Set) Add(sig string) bool {
	if el, ok := s.index[sig]; ok {
		s.order.MoveToFront(el)
		return false
	}
	s.index[sig] = s.order.PushFront(sig)
	for s.order.Len() > s.capacity {
		s.evictOldest()
	}
	return true
}

// Len returns the number of tracked signatures.
func (s *Set) Len() int {
	return s.order.Len()
}

// Shrink drops all but the n most recently seen signatures and returns how
// many were dropped.
func (s *Set) Shrink(n int) int {
	if n < 0 {
		n = 0
	}
	dropped := 0
	for s.order.Len() > n {
		s.evictOldest()
		dropped++
	}
	return dropped
}

// Seed loads signatures ordered newest first, as returned by the store, so
// that the newest ends up most recently seen.
func (s *Set) Seed(newestFirst []string) {
	for i := len(newestFirst) - 1; i >= 0; i-- {
		s.Add(newestFirst[i])
	}
}

func (s *Set) evictOldest() {
	el := s.order.Back()
	if el == nil {
		return
	}
	s.order.Remove(el)
	delete(s.index, el.Value.(string))
}
