// Package catalog exposes the read-only product and warehouse registry the
// floor core depends on. Catalog CRUD lives in a separate collaborator.
package catalog

import (
	"context"
	"errors"
	"math"

	"github.com/odyssey-erp/floorops/internal/shared"
)

// Product is the subset of a catalog product the floor core reads.
type Product struct {
	ID            int64   `json:"id"`
	Code          string  `json:"code"`
	Name          string  `json:"name"`
	BaseUnit      string  `json:"base_unit"`
	UnitPrecision int     `json:"unit_precision"`
	Category      string  `json:"category"`
	MinStock      float64 `json:"min_stock"`
	Active        bool    `json:"active"`
}

// Tolerance is half of the smallest step representable in the product's
// unit precision.
func (p Product) Tolerance() float64 {
	precision := p.UnitPrecision
	if precision < 0 {
		precision = 0
	}
	return 0.5 * math.Pow10(-precision)
}

// Warehouse represents a stock-holding location.
type Warehouse struct {
	ID   int64  `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

// Registry is the contract expected from the catalog and warehouse registry
// collaborators.
type Registry interface {
	Product(ctx context.Context, id int64) (Product, error)
	Products(ctx context.Context, ids []int64) (map[int64]Product, error)
	Warehouse(ctx context.Context, id int64) (Warehouse, error)
	WarehouseCount(ctx context.Context) (int, error)
}

var (
	// ErrProductNotFound indicates an unknown product reference.
	ErrProductNotFound = shared.Precondition(errors.New("catalog: product not found"))
	// ErrWarehouseNotFound indicates an unknown warehouse reference.
	ErrWarehouseNotFound = shared.Precondition(errors.New("catalog: warehouse not found"))
)
