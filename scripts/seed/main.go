package main

import (
	"context"
	"log"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/floorops/internal/app"
)

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.StoreDriver = app.DriverPostgres
	logger := app.NewLogger(cfg)

	components, err := app.NewComponents(ctx, cfg, logger, nil)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer components.Close()

	log.Println("→ Seeding catalog...")
	if err := seedCatalog(ctx, components.Pool); err != nil {
		log.Fatalf("seed catalog: %v", err)
	}

	var seeded bool
	if err := components.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM stock_movements WHERE actor = 'seed')`).Scan(&seeded); err != nil {
		log.Fatalf("check stock: %v", err)
	}
	if seeded {
		log.Println("→ Opening stock already present, skipping")
		return
	}
	log.Println("→ Seeding prices, opening stock and demo lines...")
	if err := app.SeedStock(ctx, components); err != nil {
		log.Fatalf("seed stock: %v", err)
	}
	logger.Info("seed complete", slog.Int("products", len(app.DemoProducts)), slog.Int("warehouses", len(app.DemoWarehouses)))
}

func seedCatalog(ctx context.Context, pool *pgxpool.Pool) error {
	for _, w := range app.DemoWarehouses {
		if _, err := pool.Exec(ctx, `INSERT INTO warehouses (id, code, name) VALUES ($1, $2, $3)
ON CONFLICT (id) DO NOTHING`, w.ID, w.Code, w.Name); err != nil {
			return err
		}
	}
	for _, p := range app.DemoProducts {
		if _, err := pool.Exec(ctx, `INSERT INTO products (id, code, name, base_unit, unit_precision, category, min_stock, is_active)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING`, p.ID, p.Code, p.Name, p.BaseUnit, p.UnitPrecision, p.Category, p.MinStock, p.Active); err != nil {
			return err
		}
	}
	// Explicit IDs bypass the sequences.
	for _, table := range []string{"warehouses", "products"} {
		if _, err := pool.Exec(ctx, `SELECT setval(pg_get_serial_sequence('`+table+`', 'id'), (SELECT MAX(id) FROM `+table+`))`); err != nil {
			return err
		}
	}
	return nil
}
