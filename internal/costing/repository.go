package costing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/floorops/internal/platform/db"
)

// Repository is the PostgreSQL Store backed by unit_conversions and
// purchase_prices.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Factor(ctx context.Context, productID int64, from, to string) (float64, bool, error) {
	var f float64
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT factor::double precision FROM unit_conversions
WHERE product_id=$1 AND from_unit=$2 AND to_unit=$3`, productID, from, to).Scan(&f)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("costing: factor: %w", err)
	}
	return f, true, nil
}

func (r *Repository) PutConversion(ctx context.Context, c Conversion) error {
	_, err := db.Conn(ctx, r.pool).Exec(ctx, `INSERT INTO unit_conversions (product_id, from_unit, to_unit, factor)
VALUES ($1, $2, $3, $4)
ON CONFLICT (product_id, from_unit, to_unit) DO UPDATE SET factor = EXCLUDED.factor`,
		c.ProductID, c.FromUnit, c.ToUnit, c.Factor)
	if err != nil {
		return fmt.Errorf("costing: put conversion: %w", err)
	}
	return nil
}

func (r *Repository) Conversions(ctx context.Context, productID int64) ([]Conversion, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT product_id, from_unit, to_unit, factor::double precision
FROM unit_conversions WHERE product_id=$1 ORDER BY from_unit, to_unit`, productID)
	if err != nil {
		return nil, fmt.Errorf("costing: list conversions: %w", err)
	}
	defer rows.Close()
	out := []Conversion{}
	for rows.Next() {
		var c Conversion
		if err := rows.Scan(&c.ProductID, &c.FromUnit, &c.ToUnit, &c.Factor); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *Repository) AppendPrice(ctx context.Context, p PurchasePrice) (PurchasePrice, error) {
	var lineID any
	if p.LineID != 0 {
		lineID = p.LineID
	}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `INSERT INTO purchase_prices
(product_id, unit, raw_price, price, flagged, line_id, recorded_at)
VALUES ($1, $2, $3::numeric, $4::numeric, $5, $6, $7) RETURNING id`,
		p.ProductID, p.Unit, p.RawPrice.String(), p.Price.String(), p.Flagged, lineID, p.RecordedAt).Scan(&p.ID)
	if err != nil {
		return PurchasePrice{}, fmt.Errorf("costing: append price: %w", err)
	}
	return p, nil
}

func (r *Repository) RecentPrices(ctx context.Context, productID int64, n int) ([]PurchasePrice, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id, product_id, unit, raw_price::text, price::text, flagged,
COALESCE(line_id, 0), recorded_at
FROM purchase_prices WHERE product_id=$1 ORDER BY id DESC LIMIT $2`, productID, n)
	if err != nil {
		return nil, fmt.Errorf("costing: recent prices: %w", err)
	}
	defer rows.Close()
	out := []PurchasePrice{}
	for rows.Next() {
		var (
			p        PurchasePrice
			raw, per string
		)
		if err := rows.Scan(&p.ID, &p.ProductID, &p.Unit, &raw, &per, &p.Flagged, &p.LineID, &p.RecordedAt); err != nil {
			return nil, err
		}
		if p.RawPrice, err = decimal.NewFromString(raw); err != nil {
			return nil, fmt.Errorf("costing: raw price %q: %w", raw, err)
		}
		if p.Price, err = decimal.NewFromString(per); err != nil {
			return nil, fmt.Errorf("costing: price %q: %w", per, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
