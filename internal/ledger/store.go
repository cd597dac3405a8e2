package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/odyssey-erp/floorops/internal/platform/db"
)

// Store persists movements and their projected positions. Calls made with a
// ctx bound by a db.Runner join that unit of work.
type Store interface {
	// PositionsForUpdate returns the current positions for triples, locking
	// them until the unit of work ends. Missing triples read as zero.
	PositionsForUpdate(ctx context.Context, triples []Triple) (map[Triple]StockPosition, error)
	// InsertMovements appends records and assigns their sequence ids.
	InsertMovements(ctx context.Context, records []MovementRecord) ([]MovementRecord, error)
	UpsertPositions(ctx context.Context, positions []StockPosition) error
	Position(ctx context.Context, triple Triple) (StockPosition, error)
	Positions(ctx context.Context, filter PositionFilter) ([]StockPosition, error)
	Movements(ctx context.Context, filter MovementFilter) ([]MovementRecord, error)
	SumMovements(ctx context.Context, triple Triple) (float64, error)
	// Triples lists every triple that has a position or a movement.
	Triples(ctx context.Context) ([]Triple, error)
}

// MemoryStore is an in-process Store. Writes made inside a db.MemoryRunner
// unit are undone when the unit fails.
type MemoryStore struct {
	mu        sync.RWMutex
	seq       int64
	movements []MovementRecord
	positions map[Triple]StockPosition
}

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: map[Triple]StockPosition{}}
}

func (s *MemoryStore) PositionsForUpdate(_ context.Context, triples []Triple) (map[Triple]StockPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[Triple]StockPosition, len(triples))
	for _, t := range triples {
		p, ok := s.positions[t]
		if !ok {
			p = StockPosition{Triple: t}
		}
		out[t] = p
	}
	return out, nil
}

func (s *MemoryStore) InsertMovements(ctx context.Context, records []MovementRecord) ([]MovementRecord, error) {
	s.mu.Lock()
	out := make([]MovementRecord, len(records))
	seqs := make(map[int64]struct{}, len(records))
	for i, rec := range records {
		s.seq++
		rec.Seq = s.seq
		s.movements = append(s.movements, rec)
		out[i] = rec
		seqs[rec.Seq] = struct{}{}
	}
	s.mu.Unlock()
	db.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.movements = slices.DeleteFunc(s.movements, func(m MovementRecord) bool {
			_, ok := seqs[m.Seq]
			return ok
		})
	})
	return out, nil
}

// UpsertPositions stores positions. The rollback action reverses the
// quantity change rather than restoring a snapshot so that concurrent writers
// on the same triple keep their effect.
func (s *MemoryStore) UpsertPositions(ctx context.Context, positions []StockPosition) error {
	s.mu.Lock()
	deltas := make(map[Triple]float64, len(positions))
	for _, p := range positions {
		deltas[p.Triple] = p.Quantity - s.positions[p.Triple].Quantity
		s.positions[p.Triple] = p
	}
	s.mu.Unlock()
	db.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for t, d := range deltas {
			p := s.positions[t]
			p.Quantity = round(p.Quantity - d)
			p.UpdatedAt = time.Now().UTC()
			s.positions[t] = p
		}
	})
	return nil
}

func (s *MemoryStore) Position(_ context.Context, triple Triple) (StockPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[triple]
	if !ok {
		return StockPosition{Triple: triple}, nil
	}
	return p, nil
}

func (s *MemoryStore) Positions(_ context.Context, filter PositionFilter) ([]StockPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StockPosition, 0, len(s.positions))
	for _, p := range s.positions {
		if filter.ProductID != 0 && p.ProductID != filter.ProductID {
			continue
		}
		if filter.WarehouseID != 0 && p.WarehouseID != filter.WarehouseID {
			continue
		}
		if filter.Status != "" && p.Status != filter.Status {
			continue
		}
		if filter.PositiveOnly && p.Quantity <= 0 {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b StockPosition) int {
		return compareTriples(a.Triple, b.Triple)
	})
	return out, nil
}

func (s *MemoryStore) Movements(_ context.Context, filter MovementFilter) ([]MovementRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []MovementRecord
	for _, m := range s.movements {
		if filter.Triple != nil && m.Triple != *filter.Triple {
			continue
		}
		if filter.LineID != 0 && m.LineID != filter.LineID {
			continue
		}
		out = append(out, m)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

func (s *MemoryStore) SumMovements(_ context.Context, triple Triple) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum float64
	for _, m := range s.movements {
		if m.Triple == triple {
			sum += m.Delta
		}
	}
	return round(sum), nil
}

func (s *MemoryStore) Triples(context.Context) ([]Triple, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[Triple]struct{}, len(s.positions))
	for t := range s.positions {
		seen[t] = struct{}{}
	}
	for _, m := range s.movements {
		seen[m.Triple] = struct{}{}
	}
	out := make([]Triple, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	slices.SortFunc(out, compareTriples)
	return out, nil
}

func sortTriples(ts []Triple) {
	slices.SortFunc(ts, compareTriples)
}

func compareTriples(a, b Triple) int {
	switch {
	case a.ProductID != b.ProductID:
		return cmpInt64(a.ProductID, b.ProductID)
	case a.WarehouseID != b.WarehouseID:
		return cmpInt64(a.WarehouseID, b.WarehouseID)
	case a.Status < b.Status:
		return -1
	case a.Status > b.Status:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	if a < b {
		return -1
	}
	if a > b {
		return 1
	}
	return 0
}
