package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/floorops/internal/shared"
)

func TestToleranceFollowsUnitPrecision(t *testing.T) {
	require.InDelta(t, 0.5, Product{UnitPrecision: 0}.Tolerance(), 1e-12)
	require.InDelta(t, 0.005, Product{UnitPrecision: 2}.Tolerance(), 1e-12)
	require.InDelta(t, 0.5, Product{UnitPrecision: -1}.Tolerance(), 1e-12)
}

func TestMemoryRegistryLookups(t *testing.T) {
	reg := NewMemoryRegistry()
	ctx := context.Background()

	n, err := reg.WarehouseCount(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	reg.PutWarehouse(Warehouse{ID: 1, Code: "WH-1", Name: "Main"})
	reg.PutProduct(Product{ID: 7, Code: "TOM", BaseUnit: "kg", UnitPrecision: 2, Active: true})

	_, err = reg.Product(ctx, 8)
	require.ErrorIs(t, err, ErrProductNotFound)
	require.ErrorIs(t, err, shared.ErrPrecondition)

	got, err := reg.Products(ctx, []int64{7, 8})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "TOM", got[7].Code)
}
