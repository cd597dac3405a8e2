package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/odyssey-erp/floorops/internal/catalog"
	"github.com/odyssey-erp/floorops/internal/costing"
	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/reconcile"
)

// DemoProduct is one seeded product with its opening stock and packaging.
type DemoProduct struct {
	catalog.Product
	Opening  float64
	Pack     string
	PackSize float64
	// Price is the purchase price per pack.
	Price float64
}

// DemoWarehouses lists the seeded stock locations.
var DemoWarehouses = []catalog.Warehouse{
	{ID: 1, Code: "WH-MAIN", Name: "Main floor"},
	{ID: 2, Code: "WH-COLD", Name: "Cold room"},
}

// DemoProducts lists the seeded products. Opening stock lands in the first
// warehouse.
var DemoProducts = []DemoProduct{
	{Product: catalog.Product{ID: 1, Code: "TOM-RED", Name: "Tomato", BaseUnit: "kg", UnitPrecision: 2, Category: "produce", MinStock: 20, Active: true},
		Opening: 84.5, Pack: "crate", PackSize: 12, Price: 180000},
	{Product: catalog.Product{ID: 2, Code: "MLK-FULL", Name: "Whole milk", BaseUnit: "l", UnitPrecision: 1, Category: "dairy", MinStock: 24, Active: true},
		Opening: 60, Pack: "case", PackSize: 12, Price: 216000},
	{Product: catalog.Product{ID: 3, Code: "RCE-JAS", Name: "Jasmine rice", BaseUnit: "kg", UnitPrecision: 0, Category: "dry", MinStock: 50, Active: true},
		Opening: 250, Pack: "sack", PackSize: 25, Price: 375000},
	{Product: catalog.Product{ID: 4, Code: "BRD-SOUR", Name: "Sourdough loaf", BaseUnit: "unit", UnitPrecision: 0, Category: "bakery", MinStock: 10, Active: true},
		Opening: 18, Pack: "tray", PackSize: 6, Price: 210000},
	{Product: catalog.Product{ID: 5, Code: "CHK-BRST", Name: "Chicken breast", BaseUnit: "kg", UnitPrecision: 3, Category: "meat", MinStock: 15, Active: true},
		Opening: 32.75, Pack: "box", PackSize: 10, Price: 650000},
}

// SeedDemo fills an empty memory catalog and then seeds stock.
func SeedDemo(ctx context.Context, c *Components) error {
	if c.Catalog == nil {
		return errors.New("seed: demo catalog requires the memory driver")
	}
	for _, w := range DemoWarehouses {
		c.Catalog.PutWarehouse(w)
	}
	for _, p := range DemoProducts {
		c.Catalog.PutProduct(p.Product)
	}
	return SeedStock(ctx, c)
}

// SeedStock records pack conversions, one purchase price per product and
// the opening balances, then opens a receipt and a pick line for the first
// product. The catalog must already hold the demo rows.
func SeedStock(ctx context.Context, c *Components) error {
	for _, p := range DemoProducts {
		if err := c.Costing.Conversions().Put(ctx, costing.Conversion{
			ProductID: p.ID, FromUnit: p.Pack, ToUnit: p.BaseUnit, Factor: p.PackSize,
		}); err != nil {
			return fmt.Errorf("seed conversion %s: %w", p.Code, err)
		}
		if _, err := c.Costing.RecordPurchase(ctx, costing.PurchaseInput{
			ProductID: p.ID, Unit: p.Pack, Price: p.Price,
		}); err != nil {
			return fmt.Errorf("seed price %s: %w", p.Code, err)
		}
	}

	entries := make([]ledger.Entry, 0, len(DemoProducts))
	for _, p := range DemoProducts {
		entries = append(entries, ledger.Entry{
			Triple: ledger.Triple{ProductID: p.ID, WarehouseID: DemoWarehouses[0].ID, Status: ledger.StatusAvailable},
			Delta:  p.Opening,
			Kind:   ledger.KindEntry,
			Note:   "opening balance",
			Actor:  "seed",
		})
	}
	if _, err := c.Ledger.Append(ctx, entries...); err != nil {
		return fmt.Errorf("seed opening stock: %w", err)
	}

	first := DemoProducts[0]
	lines := []reconcile.NewLine{
		{Origin: reconcile.OriginPurchase, ProductID: first.ID, WarehouseID: DemoWarehouses[0].ID,
			Expected: 2 * first.PackSize, PriceUnit: first.Pack, UnitPrice: first.Price, SourceRef: "PO-DEMO-1"},
		{Origin: reconcile.OriginOrder, ProductID: first.ID, WarehouseID: DemoWarehouses[0].ID,
			Expected: 7.5, SourceRef: "SO-DEMO-1"},
	}
	for _, in := range lines {
		if _, err := c.Lines.Create(ctx, in); err != nil {
			return fmt.Errorf("seed line %s: %w", in.SourceRef, err)
		}
	}
	return nil
}
