package operation

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotFound  = errors.New("operation not found")
	ErrDuplicate = errors.New("operation already registered for target")
)

// Store keeps one operation per target, in registration order.
type Store struct {
	mu    sync.RWMutex
	order []string
	ops   map[string]Operation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{ops: make(map[string]Operation)}
}

// Put registers a new operation. Each target owns at most one.
func (s *Store) Put(op Operation) error {
	if op.TargetID == "" {
		return errors.New("operation has no target")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ops[op.TargetID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, op.TargetID)
	}
	s.ops[op.TargetID] = op
	s.order = append(s.order, op.TargetID)
	return nil
}

// Apply runs the reducer for one target and stores the result. The
// previous record is returned alongside so callers can detect transitions.
func (s *Store) Apply(targetID string, snap Snapshot, now time.Time) (prev, next Operation, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.ops[targetID]
	if !ok {
		return Operation{}, Operation{}, fmt.Errorf("%w: %s", ErrNotFound, targetID)
	}
	next, err = Apply(prev, snap, now)
	s.ops[targetID] = next
	return prev, next, err
}

// Get returns the current record for a target.
func (s *Store) Get(targetID string) (Operation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.ops[targetID]
	return op, ok
}

// List returns all records in registration order.
func (s *Store) List() []Operation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Operation, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.ops[id])
	}
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

// Clear drops every record.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = nil
	s.ops = make(map[string]Operation)
}
