package costing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/floorops/internal/catalog"
	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/platform/db"
	"github.com/odyssey-erp/floorops/internal/reconcile"
)

const (
	avocado int64 = 1
	lettuce int64 = 2
)

func newRegistry() *catalog.MemoryRegistry {
	reg := catalog.NewMemoryRegistry()
	reg.PutWarehouse(catalog.Warehouse{ID: 1, Code: "WH-1"})
	reg.PutProduct(catalog.Product{ID: avocado, Code: "AVO", BaseUnit: "kg", UnitPrecision: 2, Active: true})
	reg.PutProduct(catalog.Product{ID: lettuce, Code: "LET", BaseUnit: "unit", Active: true})
	return reg
}

func decEqual(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	require.True(t, decimal.RequireFromString(want).Equal(got), "want %s got %s", want, got)
}

func TestNormalizeBoxToKilogram(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewMemoryStore(), newRegistry(), Options{})
	require.NoError(t, engine.Conversions().Put(ctx, Conversion{ProductID: avocado, FromUnit: "BOX", ToUnit: "Kg", Factor: 10}))

	n, err := engine.Normalize(ctx, avocado, "box", 35000)
	require.NoError(t, err)
	require.False(t, n.Flagged)
	require.Equal(t, "kg", n.Unit)
	decEqual(t, "3500", n.Price)

	n, err = engine.Normalize(ctx, avocado, "KG", 3500)
	require.NoError(t, err)
	decEqual(t, "3500", n.Price)
}

func TestNormalizeRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	table := NewConversionTable(store, nil)
	product := catalog.Product{ID: avocado, BaseUnit: "kg"}

	for _, factor := range []float64{3, 7.5, 0.25, 12} {
		require.NoError(t, table.Put(ctx, Conversion{ProductID: avocado, FromUnit: "crate", ToUnit: "kg", Factor: factor}))
		price := decimal.NewFromFloat(1234.56)
		n, err := table.Normalize(ctx, price, product, "crate")
		require.NoError(t, err)
		back, err := table.Denormalize(ctx, n.Price, product, "crate")
		require.NoError(t, err)
		require.InDelta(t, 1234.56, back.Price.InexactFloat64(), 1e-9, factor)
	}
}

func TestReverseFactorIsInverted(t *testing.T) {
	ctx := context.Background()
	table := NewConversionTable(NewMemoryStore(), nil)
	require.NoError(t, table.Put(ctx, Conversion{ProductID: avocado, FromUnit: "kg", ToUnit: "g", Factor: 1000}))

	f, err := table.Factor(ctx, avocado, "g", "kg")
	require.NoError(t, err)
	decEqual(t, "0.001", f)

	n, err := table.Normalize(ctx, decimal.RequireFromString("0.5"), catalog.Product{ID: avocado, BaseUnit: "kg"}, "g")
	require.NoError(t, err)
	decEqual(t, "500", n.Price)
}

func TestMissingFactorKeepsPriceFlagged(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewMemoryStore(), newRegistry(), Options{})

	rec, err := engine.RecordPurchase(ctx, PurchaseInput{ProductID: avocado, Unit: "pallet", Price: 90000})
	require.NoError(t, err)
	require.True(t, rec.Flagged)
	decEqual(t, "90000", rec.Price)

	summary, err := engine.AverageCost(ctx, avocado)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Samples)
	require.True(t, summary.Flagged)

	_, err = engine.Conversions().Factor(ctx, avocado, "pallet", "kg")
	require.ErrorIs(t, err, ErrNoConversion)
}

func TestAverageCostUsesTrailingWindow(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewMemoryStore(), newRegistry(), Options{})
	require.Equal(t, DefaultWindow, engine.Window())

	summary, err := engine.AverageCost(ctx, avocado)
	require.NoError(t, err)
	require.Zero(t, summary.Samples)
	require.True(t, summary.Average.IsZero())

	for _, p := range []float64{10, 20, 30, 40} {
		_, err := engine.RecordPurchase(ctx, PurchaseInput{ProductID: avocado, Unit: "kg", Price: p})
		require.NoError(t, err)
	}
	summary, err = engine.AverageCost(ctx, avocado)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Samples)
	decEqual(t, "30", summary.Average)

	value, err := engine.Valuate(ctx, avocado, 2.5)
	require.NoError(t, err)
	decEqual(t, "75", value)

	history, err := engine.History(ctx, avocado)
	require.NoError(t, err)
	require.Len(t, history, 3)
	decEqual(t, "40", history[0].Price)
}

func TestRecordPurchaseValidation(t *testing.T) {
	ctx := context.Background()
	engine := NewEngine(NewMemoryStore(), newRegistry(), Options{})

	_, err := engine.RecordPurchase(ctx, PurchaseInput{ProductID: avocado, Price: 0})
	require.ErrorIs(t, err, ErrInvalidPrice)
	_, err = engine.RecordPurchase(ctx, PurchaseInput{ProductID: 99, Price: 1})
	require.ErrorIs(t, err, catalog.ErrProductNotFound)
	require.ErrorIs(t, engine.Conversions().Put(ctx, Conversion{ProductID: avocado, FromUnit: "box", ToUnit: "kg", Factor: -1}), ErrInvalidFactor)
	require.ErrorIs(t, engine.Conversions().Put(ctx, Conversion{ProductID: avocado, FromUnit: "KG", ToUnit: "kg", Factor: 2}), ErrInvalidFactor)
}

func TestValuationOverProjection(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	l := ledger.New(ledger.NewMemoryStore(), reg, db.MemoryRunner{}, ledger.Options{})
	_, err := l.Append(ctx,
		ledger.Entry{Triple: ledger.Triple{ProductID: avocado, WarehouseID: 1, Status: ledger.StatusAvailable}, Delta: 10, Kind: ledger.KindEntry},
		ledger.Entry{Triple: ledger.Triple{ProductID: avocado, WarehouseID: 1, Status: ledger.StatusInProcess}, Delta: 2, Kind: ledger.KindEntry},
		ledger.Entry{Triple: ledger.Triple{ProductID: lettuce, WarehouseID: 1, Status: ledger.StatusAvailable}, Delta: 4, Kind: ledger.KindEntry},
	)
	require.NoError(t, err)

	engine := NewEngine(NewMemoryStore(), reg, Options{Positions: l.Projection()})
	require.NoError(t, engine.Conversions().Put(ctx, Conversion{ProductID: avocado, FromUnit: "box", ToUnit: "kg", Factor: 10}))
	_, err = engine.RecordPurchase(ctx, PurchaseInput{ProductID: avocado, Unit: "box", Price: 35000})
	require.NoError(t, err)

	v, err := engine.Valuation(ctx, 1)
	require.NoError(t, err)
	require.Len(t, v.Lines, 3)
	decEqual(t, "35000", v.Totals[ledger.StatusAvailable])
	decEqual(t, "7000", v.Totals[ledger.StatusInProcess])
	for _, line := range v.Lines {
		if line.ProductID == lettuce {
			require.True(t, line.Flagged)
			require.True(t, line.Value.IsZero())
		}
	}

	_, err = NewEngine(NewMemoryStore(), reg, Options{}).Valuation(ctx, 1)
	require.ErrorIs(t, err, ErrNoPositions)
}

func TestPurchaseRecorderFollowsClosedLines(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	clock := func() time.Time { return time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC) }
	l := ledger.New(ledger.NewMemoryStore(), reg, db.MemoryRunner{}, ledger.Options{Now: clock})
	engine := NewEngine(NewMemoryStore(), reg, Options{Positions: l.Projection(), Now: clock})
	require.NoError(t, engine.Conversions().Put(ctx, Conversion{ProductID: avocado, FromUnit: "box", ToUnit: "kg", Factor: 10}))

	svc := reconcile.NewService(reconcile.NewMemoryStore(), l, reg, db.MemoryRunner{}, reconcile.Config{}, reconcile.Deps{Now: clock})
	svc.AddTerminalHook(NewPurchaseRecorder(engine))

	receive := func(grade reconcile.GradeInput) error {
		line, err := svc.Create(ctx, reconcile.NewLine{
			Origin: reconcile.OriginPurchase, ProductID: avocado, WarehouseID: 1,
			Expected: 20, PriceUnit: "box", UnitPrice: 35000,
		})
		require.NoError(t, err)
		_, err = svc.Open(ctx, line.ID, "dock", false)
		require.NoError(t, err)
		_, err = svc.QuickComplete(ctx, line.ID, "dock")
		require.NoError(t, err)
		_, err = svc.SubmitGrade(ctx, line.ID, "dock", grade)
		return err
	}

	require.NoError(t, receive(reconcile.GradeInput{Grade: reconcile.GradeGreen}))
	require.NoError(t, receive(reconcile.GradeInput{Grade: reconcile.GradeRed, Reason: "damaged_goods"}))

	summary, err := engine.AverageCost(ctx, avocado)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Samples)
	decEqual(t, "3500", summary.Average)

	// A failing later hook rolls the recorded price back with the close.
	svc.AddTerminalHook(reconcile.TerminalHookFunc(func(context.Context, reconcile.DemandLine, []ledger.MovementRecord) error {
		return errors.New("downstream unavailable")
	}))
	require.Error(t, receive(reconcile.GradeInput{Grade: reconcile.GradeGreen}))
	summary, err = engine.AverageCost(ctx, avocado)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Samples)
}
