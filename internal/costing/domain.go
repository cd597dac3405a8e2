// Package costing normalizes purchase prices to the base inventory unit and
// keeps a trailing average unit cost per product.
package costing

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/shared"
)

// Conversion is a directed unit factor for one product: one FromUnit equals
// Factor ToUnit.
type Conversion struct {
	ProductID int64   `json:"product_id" validate:"required"`
	FromUnit  string  `json:"from_unit" validate:"required"`
	ToUnit    string  `json:"to_unit" validate:"required"`
	Factor    float64 `json:"factor" validate:"gt=0"`
}

// Normalized is a price expressed per base unit.
type Normalized struct {
	Price  decimal.Decimal `json:"price"`
	Unit   string          `json:"unit"`
	Factor decimal.Decimal `json:"factor"`
	// Flagged marks a price kept unnormalized because no factor was known.
	Flagged bool `json:"flagged"`
}

// PurchaseInput is one observed purchase price.
type PurchaseInput struct {
	ProductID int64   `json:"product_id" validate:"required"`
	Unit      string  `json:"unit"`
	Price     float64 `json:"price" validate:"gt=0"`
	LineID    int64   `json:"line_id"`
}

// PurchasePrice is a recorded, normalized purchase price.
type PurchasePrice struct {
	ID         int64           `json:"id"`
	ProductID  int64           `json:"product_id"`
	Unit       string          `json:"unit"`
	RawPrice   decimal.Decimal `json:"raw_price"`
	Price      decimal.Decimal `json:"price"`
	Flagged    bool            `json:"flagged"`
	LineID     int64           `json:"line_id,omitempty"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// CostSummary is the current average cost of a product.
type CostSummary struct {
	ProductID int64           `json:"product_id"`
	Average   decimal.Decimal `json:"average"`
	Samples   int             `json:"samples"`
	// Flagged is set when any sample in the window could not be normalized.
	Flagged bool `json:"flagged"`
}

// ValuationLine values one stock position.
type ValuationLine struct {
	ProductID   int64           `json:"product_id"`
	Status      ledger.Status   `json:"status"`
	Quantity    float64         `json:"quantity"`
	AverageCost decimal.Decimal `json:"average_cost"`
	Value       decimal.Decimal `json:"value"`
	Samples     int             `json:"samples"`
	Flagged     bool            `json:"flagged"`
}

// Valuation values the positive positions of a warehouse.
type Valuation struct {
	WarehouseID int64                             `json:"warehouse_id"`
	Lines       []ValuationLine                   `json:"lines"`
	Totals      map[ledger.Status]decimal.Decimal `json:"totals"`
	AsOf        time.Time                         `json:"as_of"`
}

// Store persists conversion factors and purchase history. Unit codes reach
// the store already folded.
type Store interface {
	Factor(ctx context.Context, productID int64, from, to string) (float64, bool, error)
	PutConversion(ctx context.Context, c Conversion) error
	Conversions(ctx context.Context, productID int64) ([]Conversion, error)
	AppendPrice(ctx context.Context, p PurchasePrice) (PurchasePrice, error)
	// RecentPrices returns up to n prices, newest first.
	RecentPrices(ctx context.Context, productID int64, n int) ([]PurchasePrice, error)
}

// PositionReader is the projection query valuation runs on.
type PositionReader interface {
	Positions(ctx context.Context, filter ledger.PositionFilter) ([]ledger.StockPosition, error)
}

var (
	// ErrNoConversion indicates no factor links the two units.
	ErrNoConversion = errors.New("costing: no conversion for unit pair")
	// ErrInvalidFactor indicates a non-positive conversion factor.
	ErrInvalidFactor = shared.Validation(errors.New("costing: factor must be positive"))
	// ErrInvalidPrice indicates a non-positive or non-numeric price.
	ErrInvalidPrice = shared.Validation(errors.New("costing: price must be positive"))
	// ErrUnitRequired indicates a blank unit code.
	ErrUnitRequired = shared.Validation(errors.New("costing: unit required"))
	// ErrNoPositions indicates valuation was requested without a projection.
	ErrNoPositions = errors.New("costing: position reader not configured")
)
