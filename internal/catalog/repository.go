package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/floorops/internal/platform/db"
)

// Repository reads products and warehouses owned by the catalog service.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const productColumns = `id, code, name, base_unit, unit_precision, COALESCE(category, ''), min_stock::double precision, is_active`

func (r *Repository) Product(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.Code, &p.Name, &p.BaseUnit, &p.UnitPrecision, &p.Category, &p.MinStock, &p.Active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Product{}, ErrProductNotFound
		}
		return Product{}, err
	}
	return p, nil
}

func (r *Repository) Products(ctx context.Context, ids []int64) (map[int64]Product, error) {
	out := make(map[int64]Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.Code, &p.Name, &p.BaseUnit, &p.UnitPrecision, &p.Category, &p.MinStock, &p.Active); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (r *Repository) Warehouse(ctx context.Context, id int64) (Warehouse, error) {
	var w Warehouse
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT id, code, name FROM warehouses WHERE id=$1`, id).Scan(&w.ID, &w.Code, &w.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Warehouse{}, ErrWarehouseNotFound
		}
		return Warehouse{}, err
	}
	return w, nil
}

func (r *Repository) WarehouseCount(ctx context.Context) (int, error) {
	var n int
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COUNT(*) FROM warehouses`).Scan(&n)
	return n, err
}
