package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/floorops/internal/platform/db"
)

// Repository is the PostgreSQL Store backed by stock_movements and
// stock_positions.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) PositionsForUpdate(ctx context.Context, triples []Triple) (map[Triple]StockPosition, error) {
	q := db.Conn(ctx, r.pool)
	sorted := append([]Triple(nil), triples...)
	sortTriples(sorted)
	out := make(map[Triple]StockPosition, len(sorted))
	for _, t := range sorted {
		// Seed the row so that FOR UPDATE has something to lock for new triples.
		if _, err := q.Exec(ctx, `INSERT INTO stock_positions (product_id, warehouse_id, status, quantity, last_seq, updated_at)
VALUES ($1, $2, $3, 0, 0, NOW()) ON CONFLICT (product_id, warehouse_id, status) DO NOTHING`, t.ProductID, t.WarehouseID, string(t.Status)); err != nil {
			return nil, fmt.Errorf("ledger: seed position: %w", err)
		}
		p := StockPosition{Triple: t}
		err := q.QueryRow(ctx, `SELECT quantity::double precision, last_seq, updated_at FROM stock_positions
WHERE product_id=$1 AND warehouse_id=$2 AND status=$3 FOR UPDATE`, t.ProductID, t.WarehouseID, string(t.Status)).
			Scan(&p.Quantity, &p.LastSeq, &p.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("ledger: lock position: %w", err)
		}
		out[t] = p
	}
	return out, nil
}

func (r *Repository) InsertMovements(ctx context.Context, records []MovementRecord) ([]MovementRecord, error) {
	q := db.Conn(ctx, r.pool)
	out := make([]MovementRecord, len(records))
	for i, rec := range records {
		var lineID any
		if rec.LineID != 0 {
			lineID = rec.LineID
		}
		err := q.QueryRow(ctx, `INSERT INTO stock_movements
(correlation_id, product_id, warehouse_id, status, delta, kind, zero_confirm, note, line_id, actor, posted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING seq`,
			rec.CorrelationID, rec.ProductID, rec.WarehouseID, string(rec.Status), rec.Delta, string(rec.Kind),
			rec.ZeroConfirm, rec.Note, lineID, rec.Actor, rec.PostedAt).Scan(&rec.Seq)
		if err != nil {
			return nil, fmt.Errorf("ledger: insert movement: %w", err)
		}
		out[i] = rec
	}
	return out, nil
}

func (r *Repository) UpsertPositions(ctx context.Context, positions []StockPosition) error {
	q := db.Conn(ctx, r.pool)
	for _, p := range positions {
		_, err := q.Exec(ctx, `INSERT INTO stock_positions (product_id, warehouse_id, status, quantity, last_seq, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (product_id, warehouse_id, status) DO UPDATE
SET quantity = EXCLUDED.quantity, last_seq = EXCLUDED.last_seq, updated_at = EXCLUDED.updated_at`,
			p.ProductID, p.WarehouseID, string(p.Status), p.Quantity, p.LastSeq, p.UpdatedAt)
		if err != nil {
			return fmt.Errorf("ledger: upsert position: %w", err)
		}
	}
	return nil
}

func (r *Repository) Position(ctx context.Context, triple Triple) (StockPosition, error) {
	p := StockPosition{Triple: triple}
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT quantity::double precision, last_seq, updated_at FROM stock_positions
WHERE product_id=$1 AND warehouse_id=$2 AND status=$3`, triple.ProductID, triple.WarehouseID, string(triple.Status)).
		Scan(&p.Quantity, &p.LastSeq, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, nil
	}
	return p, err
}

func (r *Repository) Positions(ctx context.Context, filter PositionFilter) ([]StockPosition, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.ProductID != 0 {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.WarehouseID != 0 {
		add("warehouse_id = $%d", filter.WarehouseID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.PositiveOnly {
		clauses = append(clauses, "quantity > 0")
	}
	sql := `SELECT product_id, warehouse_id, status, quantity::double precision, last_seq, updated_at FROM stock_positions`
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	sql += " ORDER BY product_id, warehouse_id, status"
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []StockPosition
	for rows.Next() {
		var (
			p      StockPosition
			status string
		)
		if err := rows.Scan(&p.ProductID, &p.WarehouseID, &status, &p.Quantity, &p.LastSeq, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Status = Status(status)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *Repository) Movements(ctx context.Context, filter MovementFilter) ([]MovementRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.Triple != nil {
		args = append(args, filter.Triple.ProductID, filter.Triple.WarehouseID, string(filter.Triple.Status))
		clauses = append(clauses, "product_id = $1 AND warehouse_id = $2 AND status = $3")
	}
	if filter.LineID != 0 {
		args = append(args, filter.LineID)
		clauses = append(clauses, fmt.Sprintf("line_id = $%d", len(args)))
	}
	sql := `SELECT seq, correlation_id, product_id, warehouse_id, status, delta::double precision, kind, zero_confirm,
COALESCE(note, ''), COALESCE(line_id, 0), COALESCE(actor, ''), posted_at FROM stock_movements`
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	sql += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MovementRecord
	for rows.Next() {
		var (
			m            MovementRecord
			status, kind string
		)
		if err := rows.Scan(&m.Seq, &m.CorrelationID, &m.ProductID, &m.WarehouseID, &status, &m.Delta, &kind,
			&m.ZeroConfirm, &m.Note, &m.LineID, &m.Actor, &m.PostedAt); err != nil {
			return nil, err
		}
		m.Status = Status(status)
		m.Kind = Kind(kind)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (r *Repository) SumMovements(ctx context.Context, triple Triple) (float64, error) {
	var sum float64
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT COALESCE(SUM(delta), 0)::double precision FROM stock_movements
WHERE product_id=$1 AND warehouse_id=$2 AND status=$3`, triple.ProductID, triple.WarehouseID, string(triple.Status)).Scan(&sum)
	return round(sum), err
}

func (r *Repository) Triples(ctx context.Context) ([]Triple, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT product_id, warehouse_id, status FROM stock_positions
UNION SELECT DISTINCT product_id, warehouse_id, status FROM stock_movements
ORDER BY 1, 2, 3`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Triple
	for rows.Next() {
		var (
			t      Triple
			status string
		)
		if err := rows.Scan(&t.ProductID, &t.WarehouseID, &status); err != nil {
			return nil, err
		}
		t.Status = Status(status)
		out = append(out, t)
	}
	return out, rows.Err()
}
