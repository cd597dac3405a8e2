package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/floorops/internal/platform/db"
)

// Repository is the PostgreSQL LineStore backed by demand_lines.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const lineColumns = `id, origin, product_id, warehouse_id, expected::double precision, tolerance::double precision,
COALESCE(price_unit, ''), unit_price::double precision, COALESCE(source_ref, ''), state, attempts, measured::double precision,
counted, shortfall::double precision, assessment, COALESCE(holder, ''), lease_until, version, created_at, updated_at, closed_at`

func (r *Repository) Create(ctx context.Context, line DemandLine) (DemandLine, error) {
	attempts, err := json.Marshal(line.Attempts)
	if err != nil {
		return DemandLine{}, err
	}
	err = db.Conn(ctx, r.pool).QueryRow(ctx, `INSERT INTO demand_lines
(origin, product_id, warehouse_id, expected, tolerance, price_unit, unit_price, source_ref, state, attempts,
 measured, counted, shortfall, version, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, FALSE, 0, $11, $12, $12) RETURNING id`,
		string(line.Origin), line.ProductID, line.WarehouseID, line.Expected, line.Tolerance, line.PriceUnit,
		line.UnitPrice, line.SourceRef, string(line.State), attempts, line.Version, line.CreatedAt).Scan(&line.ID)
	if err != nil {
		return DemandLine{}, fmt.Errorf("reconcile: insert line: %w", err)
	}
	return line, nil
}

func (r *Repository) Get(ctx context.Context, id int64) (DemandLine, error) {
	line, err := scanLine(db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT `+lineColumns+` FROM demand_lines WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DemandLine{}, ErrLineNotFound
		}
		return DemandLine{}, err
	}
	return line, nil
}

func (r *Repository) Update(ctx context.Context, line DemandLine, expectedVersion int64) error {
	attempts, err := json.Marshal(line.Attempts)
	if err != nil {
		return err
	}
	var assessment []byte
	if line.Assessment != nil {
		if assessment, err = json.Marshal(line.Assessment); err != nil {
			return err
		}
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE demand_lines SET
state=$3, attempts=$4, measured=$5, counted=$6, shortfall=$7, assessment=$8, holder=NULLIF($9, ''),
lease_until=$10, version=$11, updated_at=$12, closed_at=$13
WHERE id=$1 AND version=$2`,
		line.ID, expectedVersion, string(line.State), attempts, line.Measured, line.Counted, line.Shortfall,
		assessment, line.Holder, nullTime(line.LeaseUntil), line.Version, line.UpdatedAt, nullTime(line.ClosedAt))
	if err != nil {
		return fmt.Errorf("reconcile: update line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, line.ID); err != nil {
			return err
		}
		return ErrStaleLine
	}
	return nil
}

func (r *Repository) List(ctx context.Context, filter LineFilter) ([]DemandLine, error) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.Origin != "" {
		add("origin = $%d", string(filter.Origin))
	}
	if filter.State != "" {
		add("state = $%d", string(filter.State))
	}
	if filter.SourceRef != "" {
		add("source_ref = $%d", filter.SourceRef)
	}
	if filter.Open {
		clauses = append(clauses, "state NOT IN ('accepted', 'partially_accepted', 'needs_review', 'rejected')")
	}
	if !filter.LeaseExpiredBefore.IsZero() {
		add("holder IS NOT NULL AND lease_until < $%d", filter.LeaseExpiredBefore)
	}
	sql := `SELECT ` + lineColumns + ` FROM demand_lines`
	if len(clauses) > 0 {
		sql += " WHERE " + strings.Join(clauses, " AND ")
	}
	sql += " ORDER BY id"
	if filter.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DemandLine
	for rows.Next() {
		line, err := scanLine(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, rows.Err()
}

func scanLine(row pgx.Row) (DemandLine, error) {
	var (
		l                    DemandLine
		origin, state        string
		attempts, assessment []byte
		leaseUntil, closedAt *time.Time
	)
	err := row.Scan(&l.ID, &origin, &l.ProductID, &l.WarehouseID, &l.Expected, &l.Tolerance, &l.PriceUnit,
		&l.UnitPrice, &l.SourceRef, &state, &attempts, &l.Measured, &l.Counted, &l.Shortfall, &assessment,
		&l.Holder, &leaseUntil, &l.Version, &l.CreatedAt, &l.UpdatedAt, &closedAt)
	if err != nil {
		return DemandLine{}, err
	}
	l.Origin = Origin(origin)
	l.State = State(state)
	if len(attempts) > 0 {
		if err := json.Unmarshal(attempts, &l.Attempts); err != nil {
			return DemandLine{}, fmt.Errorf("reconcile: decode attempts: %w", err)
		}
	}
	if len(assessment) > 0 {
		var a QualityAssessment
		if err := json.Unmarshal(assessment, &a); err != nil {
			return DemandLine{}, fmt.Errorf("reconcile: decode assessment: %w", err)
		}
		l.Assessment = &a
	}
	if leaseUntil != nil {
		l.LeaseUntil = *leaseUntil
	}
	if closedAt != nil {
		l.ClosedAt = *closedAt
	}
	return l, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
