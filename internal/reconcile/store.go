package reconcile

import (
	"context"
	"slices"
	"sync"

	"github.com/odyssey-erp/floorops/internal/platform/db"
)

// LineStore persists demand lines. Lines are never deleted.
type LineStore interface {
	Create(ctx context.Context, line DemandLine) (DemandLine, error)
	Get(ctx context.Context, id int64) (DemandLine, error)
	// Update writes line if the stored version still equals expectedVersion,
	// otherwise it returns ErrStaleLine.
	Update(ctx context.Context, line DemandLine, expectedVersion int64) error
	List(ctx context.Context, filter LineFilter) ([]DemandLine, error)
}

// MemoryStore is an in-process LineStore. Updates made inside a
// db.MemoryRunner unit are undone when the unit fails.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	lines  map[int64]DemandLine
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{lines: map[int64]DemandLine{}}
}

func (s *MemoryStore) Create(ctx context.Context, line DemandLine) (DemandLine, error) {
	s.mu.Lock()
	s.nextID++
	line.ID = s.nextID
	s.lines[line.ID] = line.clone()
	s.mu.Unlock()
	db.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.lines, line.ID)
	})
	return line, nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (DemandLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	line, ok := s.lines[id]
	if !ok {
		return DemandLine{}, ErrLineNotFound
	}
	return line.clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, line DemandLine, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.lines[line.ID]
	if !ok {
		return ErrLineNotFound
	}
	if prev.Version != expectedVersion {
		return ErrStaleLine
	}
	s.lines[line.ID] = line.clone()
	db.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.lines[line.ID]; ok && cur.Version == line.Version {
			s.lines[line.ID] = prev
		}
	})
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter LineFilter) ([]DemandLine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DemandLine, 0, len(s.lines))
	for _, l := range s.lines {
		if matches(l, filter) {
			out = append(out, l.clone())
		}
	}
	slices.SortFunc(out, func(a, b DemandLine) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func matches(l DemandLine, f LineFilter) bool {
	if f.Origin != "" && l.Origin != f.Origin {
		return false
	}
	if f.State != "" && l.State != f.State {
		return false
	}
	if f.SourceRef != "" && l.SourceRef != f.SourceRef {
		return false
	}
	if f.Open && l.State.Terminal() {
		return false
	}
	if !f.LeaseExpiredBefore.IsZero() {
		if l.Holder == "" || !l.LeaseUntil.Before(f.LeaseExpiredBefore) {
			return false
		}
	}
	return true
}
