package costing

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/floorops/internal/catalog"
	"github.com/odyssey-erp/floorops/internal/ledger"
)

// DefaultWindow is the number of recent purchases averaged per product.
const DefaultWindow = 3

// Options configures Engine.
type Options struct {
	Window    int
	Positions PositionReader
	Logger    *slog.Logger
	Now       func() time.Time
}

// Engine records purchase prices and answers cost queries.
type Engine struct {
	store     Store
	table     *ConversionTable
	registry  catalog.Registry
	positions PositionReader
	window    int
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine constructs Engine.
func NewEngine(store Store, registry catalog.Registry, opts Options) *Engine {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		store:     store,
		table:     NewConversionTable(store, opts.Logger),
		registry:  registry,
		positions: opts.Positions,
		window:    opts.Window,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Conversions exposes the unit table.
func (e *Engine) Conversions() *ConversionTable {
	return e.table
}

// Window reports the trailing window size.
func (e *Engine) Window() int {
	return e.window
}

// RecordPurchase normalizes and stores one purchase price.
func (e *Engine) RecordPurchase(ctx context.Context, input PurchaseInput) (PurchasePrice, error) {
	if math.IsNaN(input.Price) || math.IsInf(input.Price, 0) || input.Price <= 0 {
		return PurchasePrice{}, ErrInvalidPrice
	}
	product, err := e.registry.Product(ctx, input.ProductID)
	if err != nil {
		return PurchasePrice{}, err
	}
	raw := decimal.NewFromFloat(input.Price)
	n, err := e.table.Normalize(ctx, raw, product, input.Unit)
	if err != nil {
		return PurchasePrice{}, err
	}
	unit := FoldUnit(input.Unit)
	if unit == "" {
		unit = FoldUnit(product.BaseUnit)
	}
	rec, err := e.store.AppendPrice(ctx, PurchasePrice{
		ProductID:  product.ID,
		Unit:       unit,
		RawPrice:   raw,
		Price:      n.Price,
		Flagged:    n.Flagged,
		LineID:     input.LineID,
		RecordedAt: e.now(),
	})
	if err != nil {
		return PurchasePrice{}, err
	}
	e.logger.Debug("purchase price recorded",
		slog.Int64("product_id", rec.ProductID),
		slog.String("unit", rec.Unit),
		slog.String("price", rec.Price.String()),
		slog.Bool("flagged", rec.Flagged))
	return rec, nil
}

// AverageCost is the arithmetic mean of the trailing window. A product with
// no history costs zero with no samples.
func (e *Engine) AverageCost(ctx context.Context, productID int64) (CostSummary, error) {
	prices, err := e.store.RecentPrices(ctx, productID, e.window)
	if err != nil {
		return CostSummary{}, err
	}
	summary := CostSummary{ProductID: productID, Average: decimal.Zero, Samples: len(prices)}
	if len(prices) == 0 {
		return summary, nil
	}
	sum := decimal.Zero
	for _, p := range prices {
		sum = sum.Add(p.Price)
		summary.Flagged = summary.Flagged || p.Flagged
	}
	summary.Average = sum.Div(decimal.NewFromInt(int64(len(prices))))
	return summary, nil
}

// Valuate prices quantity base units at the current average cost.
func (e *Engine) Valuate(ctx context.Context, productID int64, quantity float64) (decimal.Decimal, error) {
	summary, err := e.AverageCost(ctx, productID)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(quantity).Mul(summary.Average), nil
}

// History returns the trailing window of recorded prices, newest first.
func (e *Engine) History(ctx context.Context, productID int64) ([]PurchasePrice, error) {
	return e.store.RecentPrices(ctx, productID, e.window)
}

// Valuation values every positive position of a warehouse at average cost.
func (e *Engine) Valuation(ctx context.Context, warehouseID int64) (Valuation, error) {
	if e.positions == nil {
		return Valuation{}, ErrNoPositions
	}
	positions, err := e.positions.Positions(ctx, ledger.PositionFilter{WarehouseID: warehouseID, PositiveOnly: true})
	if err != nil {
		return Valuation{}, err
	}
	out := Valuation{
		WarehouseID: warehouseID,
		Lines:       make([]ValuationLine, 0, len(positions)),
		Totals:      map[ledger.Status]decimal.Decimal{},
		AsOf:        e.now(),
	}
	costs := map[int64]CostSummary{}
	for _, p := range positions {
		if err := ctx.Err(); err != nil {
			return Valuation{}, err
		}
		cost, ok := costs[p.ProductID]
		if !ok {
			if cost, err = e.AverageCost(ctx, p.ProductID); err != nil {
				return Valuation{}, err
			}
			costs[p.ProductID] = cost
		}
		value := decimal.NewFromFloat(p.Quantity).Mul(cost.Average).Round(2)
		out.Lines = append(out.Lines, ValuationLine{
			ProductID:   p.ProductID,
			Status:      p.Status,
			Quantity:    p.Quantity,
			AverageCost: cost.Average.Round(6),
			Value:       value,
			Samples:     cost.Samples,
			Flagged:     cost.Flagged || cost.Samples == 0,
		})
		out.Totals[p.Status] = out.Totals[p.Status].Add(value)
	}
	return out, nil
}

func isNoConversion(err error) bool {
	return errors.Is(err, ErrNoConversion)
}

// Normalize quotes price per base unit of the product.
func (e *Engine) Normalize(ctx context.Context, productID int64, unit string, price float64) (Normalized, error) {
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return Normalized{}, ErrInvalidPrice
	}
	product, err := e.registry.Product(ctx, productID)
	if err != nil {
		return Normalized{}, err
	}
	return e.table.Normalize(ctx, decimal.NewFromFloat(price), product, unit)
}
