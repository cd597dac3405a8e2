package stockaudit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/floorops/internal/platform/db"
)

// Repository is the PostgreSQL Store backed by audit_tasks and
// audit_task_items. The unique task_date column enforces one task per day.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const itemColumns = `id, task_id, product_id, warehouse_id, expected::double precision, score, flags, status,
COALESCE(line_id, 0), measured::double precision, variance, flagged, counted_at`

func (r *Repository) CreateTask(ctx context.Context, task Task) (Task, error) {
	q := db.Conn(ctx, r.pool)
	var created time.Time
	err := q.QueryRow(ctx, `INSERT INTO audit_tasks (task_date, created_at) VALUES ($1::date, $2)
ON CONFLICT (task_date) DO NOTHING RETURNING id, created_at`, task.Date, task.CreatedAt).Scan(&task.ID, &created)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrTaskExists
		}
		return Task{}, fmt.Errorf("stockaudit: insert task: %w", err)
	}
	task.CreatedAt = created
	for i := range task.Items {
		it := &task.Items[i]
		it.TaskID = task.ID
		if err := q.QueryRow(ctx, `INSERT INTO audit_task_items
(task_id, product_id, warehouse_id, expected, score, flags, status, flagged)
VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE) RETURNING id`,
			task.ID, it.ProductID, it.WarehouseID, it.Expected, it.Score, flagStrings(it.Flags), string(it.Status)).Scan(&it.ID); err != nil {
			return Task{}, fmt.Errorf("stockaudit: insert item: %w", err)
		}
	}
	return task, nil
}

func (r *Repository) TaskByDate(ctx context.Context, date string) (Task, error) {
	return r.task(ctx, `SELECT id, task_date, created_at FROM audit_tasks WHERE task_date=$1::date`, date)
}

func (r *Repository) Task(ctx context.Context, id int64) (Task, error) {
	return r.task(ctx, `SELECT id, task_date, created_at FROM audit_tasks WHERE id=$1`, id)
}

func (r *Repository) task(ctx context.Context, sql string, arg any) (Task, error) {
	var (
		t    Task
		date time.Time
	)
	err := db.Conn(ctx, r.pool).QueryRow(ctx, sql, arg).Scan(&t.ID, &date, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, fmt.Errorf("stockaudit: get task: %w", err)
	}
	t.Date = date.Format(DateLayout)
	items, err := r.items(ctx, `SELECT `+itemColumns+` FROM audit_task_items WHERE task_id=$1 ORDER BY id`, t.ID)
	if err != nil {
		return Task{}, err
	}
	t.Items = items
	return t, nil
}

func (r *Repository) Tasks(ctx context.Context, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `SELECT id FROM audit_tasks ORDER BY task_date DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("stockaudit: list tasks: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("stockaudit: list tasks: %w", err)
	}
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		t, err := r.Task(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *Repository) Item(ctx context.Context, id int64) (Item, error) {
	return r.item(ctx, `SELECT `+itemColumns+` FROM audit_task_items WHERE id=$1`, id)
}

func (r *Repository) ItemByLine(ctx context.Context, lineID int64) (Item, error) {
	return r.item(ctx, `SELECT `+itemColumns+` FROM audit_task_items WHERE line_id=$1`, lineID)
}

func (r *Repository) item(ctx context.Context, sql string, arg any) (Item, error) {
	items, err := r.items(ctx, sql, arg)
	if err != nil {
		return Item{}, err
	}
	if len(items) == 0 {
		return Item{}, ErrItemNotFound
	}
	return items[0], nil
}

func (r *Repository) items(ctx context.Context, sql string, arg any) ([]Item, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("stockaudit: query items: %w", err)
	}
	defer rows.Close()
	out := []Item{}
	for rows.Next() {
		var (
			it        Item
			flags     []string
			status    string
			countedAt *time.Time
		)
		if err := rows.Scan(&it.ID, &it.TaskID, &it.ProductID, &it.WarehouseID, &it.Expected, &it.Score, &flags, &status,
			&it.LineID, &it.Measured, &it.Variance, &it.Flagged, &countedAt); err != nil {
			return nil, err
		}
		it.Status = ItemStatus(status)
		for _, f := range flags {
			it.Flags = append(it.Flags, Flag(f))
		}
		if countedAt != nil {
			it.CountedAt = *countedAt
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *Repository) AttachLine(ctx context.Context, itemID, lineID int64) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE audit_task_items SET line_id=$2, status=$3
WHERE id=$1 AND status <> $4`, itemID, lineID, string(ItemCounting), string(ItemCounted))
	if err != nil {
		return fmt.Errorf("stockaudit: attach line: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrCounted(ctx, itemID)
	}
	return nil
}

func (r *Repository) RecordResult(ctx context.Context, itemID int64, result Result) error {
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `UPDATE audit_task_items
SET measured=$2, variance=$3, flagged=$4, counted_at=$5, status=$6
WHERE id=$1 AND status <> $6`, itemID, result.Measured, result.Variance, result.Flagged, result.CountedAt, string(ItemCounted))
	if err != nil {
		return fmt.Errorf("stockaudit: record result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.missingOrCounted(ctx, itemID)
	}
	return nil
}

func (r *Repository) LastAudited(ctx context.Context, productID, warehouseID int64) (time.Time, error) {
	var last *time.Time
	err := db.Conn(ctx, r.pool).QueryRow(ctx, `SELECT MAX(t.task_date)::timestamptz FROM audit_tasks t
JOIN audit_task_items i ON i.task_id = t.id
WHERE i.product_id=$1 AND i.warehouse_id=$2`, productID, warehouseID).Scan(&last)
	if err != nil {
		return time.Time{}, fmt.Errorf("stockaudit: last audited: %w", err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return last.UTC(), nil
}

func (r *Repository) missingOrCounted(ctx context.Context, itemID int64) error {
	if _, err := r.Item(ctx, itemID); err != nil {
		return err
	}
	return ErrItemCounted
}

func flagStrings(flags []Flag) []string {
	out := make([]string, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}
