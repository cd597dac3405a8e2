package costing

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/odyssey-erp/floorops/internal/catalog"
)

// FoldUnit canonicalizes a unit code so "KG", "kg" and " Kg " compare equal.
func FoldUnit(unit string) string {
	return cases.Fold().String(strings.TrimSpace(unit))
}

// ConversionTable resolves per-product unit factors.
type ConversionTable struct {
	store  Store
	logger *slog.Logger
}

// NewConversionTable builds a table over store.
func NewConversionTable(store Store, logger *slog.Logger) *ConversionTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConversionTable{store: store, logger: logger}
}

// Put stores a directed factor.
func (t *ConversionTable) Put(ctx context.Context, c Conversion) error {
	if math.IsNaN(c.Factor) || math.IsInf(c.Factor, 0) || c.Factor <= 0 {
		return ErrInvalidFactor
	}
	c.FromUnit, c.ToUnit = FoldUnit(c.FromUnit), FoldUnit(c.ToUnit)
	if c.FromUnit == "" || c.ToUnit == "" {
		return ErrUnitRequired
	}
	if c.FromUnit == c.ToUnit {
		return fmt.Errorf("%w: identical units", ErrInvalidFactor)
	}
	return t.store.PutConversion(ctx, c)
}

// List returns the factors known for a product.
func (t *ConversionTable) List(ctx context.Context, productID int64) ([]Conversion, error) {
	return t.store.Conversions(ctx, productID)
}

// Factor returns how many `to` units one `from` unit holds. A missing direct
// entry falls back to the inverse of the reverse entry.
func (t *ConversionTable) Factor(ctx context.Context, productID int64, from, to string) (decimal.Decimal, error) {
	from, to = FoldUnit(from), FoldUnit(to)
	if from == to {
		return decimal.NewFromInt(1), nil
	}
	f, ok, err := t.store.Factor(ctx, productID, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		return decimal.NewFromFloat(f), nil
	}
	f, ok, err = t.store.Factor(ctx, productID, to, from)
	if err != nil {
		return decimal.Zero, err
	}
	if ok {
		return decimal.NewFromInt(1).Div(decimal.NewFromFloat(f)), nil
	}
	return decimal.Zero, fmt.Errorf("%w: product %d %s->%s", ErrNoConversion, productID, from, to)
}

// Normalize expresses a price quoted per unit as a price per base unit. A
// missing factor keeps the price as quoted and flags it.
func (t *ConversionTable) Normalize(ctx context.Context, price decimal.Decimal, product catalog.Product, unit string) (Normalized, error) {
	base := FoldUnit(product.BaseUnit)
	if FoldUnit(unit) == "" || FoldUnit(unit) == base {
		return Normalized{Price: price, Unit: base, Factor: decimal.NewFromInt(1)}, nil
	}
	factor, err := t.Factor(ctx, product.ID, unit, base)
	if err != nil {
		if !isNoConversion(err) {
			return Normalized{}, err
		}
		t.logger.Warn("price kept unnormalized", slog.Int64("product_id", product.ID), slog.String("unit", unit), slog.String("base_unit", base))
		return Normalized{Price: price, Unit: FoldUnit(unit), Factor: decimal.NewFromInt(1), Flagged: true}, nil
	}
	return Normalized{Price: price.Div(factor), Unit: base, Factor: factor}, nil
}

// Denormalize quotes a base-unit price per unit.
func (t *ConversionTable) Denormalize(ctx context.Context, price decimal.Decimal, product catalog.Product, unit string) (Normalized, error) {
	base := FoldUnit(product.BaseUnit)
	if FoldUnit(unit) == "" || FoldUnit(unit) == base {
		return Normalized{Price: price, Unit: base, Factor: decimal.NewFromInt(1)}, nil
	}
	factor, err := t.Factor(ctx, product.ID, unit, base)
	if err != nil {
		if !isNoConversion(err) {
			return Normalized{}, err
		}
		return Normalized{Price: price, Unit: base, Factor: decimal.NewFromInt(1), Flagged: true}, nil
	}
	return Normalized{Price: price.Mul(factor), Unit: FoldUnit(unit), Factor: factor}, nil
}
