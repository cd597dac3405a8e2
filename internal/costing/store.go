package costing

import (
	"context"
	"slices"
	"sync"

	"github.com/odyssey-erp/floorops/internal/platform/db"
)

type conversionKey struct {
	productID int64
	from, to  string
}

// MemoryStore keeps conversions and prices in process.
type MemoryStore struct {
	mu          sync.RWMutex
	conversions map[conversionKey]float64
	prices      map[int64][]PurchasePrice
	nextID      int64
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversions: map[conversionKey]float64{},
		prices:      map[int64][]PurchasePrice{},
	}
}

func (s *MemoryStore) Factor(_ context.Context, productID int64, from, to string) (float64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.conversions[conversionKey{productID, from, to}]
	return f, ok, nil
}

func (s *MemoryStore) PutConversion(ctx context.Context, c Conversion) error {
	key := conversionKey{c.ProductID, c.FromUnit, c.ToUnit}
	s.mu.Lock()
	prev, had := s.conversions[key]
	s.conversions[key] = c.Factor
	s.mu.Unlock()
	db.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if had {
			s.conversions[key] = prev
			return
		}
		delete(s.conversions, key)
	})
	return nil
}

func (s *MemoryStore) Conversions(_ context.Context, productID int64) ([]Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Conversion{}
	for k, f := range s.conversions {
		if k.productID == productID {
			out = append(out, Conversion{ProductID: k.productID, FromUnit: k.from, ToUnit: k.to, Factor: f})
		}
	}
	slices.SortFunc(out, func(a, b Conversion) int {
		if a.FromUnit != b.FromUnit {
			if a.FromUnit < b.FromUnit {
				return -1
			}
			return 1
		}
		if a.ToUnit < b.ToUnit {
			return -1
		}
		if a.ToUnit > b.ToUnit {
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *MemoryStore) AppendPrice(ctx context.Context, p PurchasePrice) (PurchasePrice, error) {
	s.mu.Lock()
	s.nextID++
	p.ID = s.nextID
	s.prices[p.ProductID] = append(s.prices[p.ProductID], p)
	s.mu.Unlock()
	db.OnRollback(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		list := s.prices[p.ProductID]
		s.prices[p.ProductID] = slices.DeleteFunc(list, func(x PurchasePrice) bool { return x.ID == p.ID })
	})
	return p, nil
}

func (s *MemoryStore) RecentPrices(_ context.Context, productID int64, n int) ([]PurchasePrice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.prices[productID]
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]PurchasePrice, 0, n)
	for i := len(list) - 1; i >= len(list)-n; i-- {
		out = append(out, list[i])
	}
	return out, nil
}
