package catalog

import (
	"context"
	"sync"
)

// MemoryRegistry is an in-process Registry used by tests and by the memory
// store driver.
type MemoryRegistry struct {
	mu         sync.RWMutex
	products   map[int64]Product
	warehouses map[int64]Warehouse
}

// NewMemoryRegistry constructs an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{products: map[int64]Product{}, warehouses: map[int64]Warehouse{}}
}

// PutProduct registers or replaces a product.
func (r *MemoryRegistry) PutProduct(p Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[p.ID] = p
}

// PutWarehouse registers or replaces a warehouse.
func (r *MemoryRegistry) PutWarehouse(w Warehouse) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warehouses[w.ID] = w
}

func (r *MemoryRegistry) Product(_ context.Context, id int64) (Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.products[id]
	if !ok {
		return Product{}, ErrProductNotFound
	}
	return p, nil
}

func (r *MemoryRegistry) Products(_ context.Context, ids []int64) (map[int64]Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[int64]Product, len(ids))
	for _, id := range ids {
		if p, ok := r.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (r *MemoryRegistry) Warehouse(_ context.Context, id int64) (Warehouse, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.warehouses[id]
	if !ok {
		return Warehouse{}, ErrWarehouseNotFound
	}
	return w, nil
}

func (r *MemoryRegistry) WarehouseCount(context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.warehouses), nil
}
