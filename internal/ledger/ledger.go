package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/floorops/internal/catalog"
	"github.com/odyssey-erp/floorops/internal/platform/db"
	"github.com/odyssey-erp/floorops/internal/platform/keylock"
	"github.com/odyssey-erp/floorops/internal/shared"
)

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards manual adjustments against duplicate submission.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Options groups optional collaborators.
type Options struct {
	Audit       AuditPort
	Idempotency IdempotencyPort
	// Locks serialises appends per triple. Nil allocates a private set.
	Locks  *keylock.Striped
	Logger *slog.Logger
	Now    func() time.Time
	// VerifyConcurrency bounds parallel triple checks in Verify.
	VerifyConcurrency int
}

// Ledger is the append-only movement log. Every position change goes through
// Append.
type Ledger struct {
	store       Store
	registry    catalog.Registry
	runner      db.Runner
	locks       *keylock.Striped
	audit       AuditPort
	idempotency IdempotencyPort
	logger      *slog.Logger
	now         func() time.Time
	verifyLimit int
}

// New builds a Ledger.
func New(store Store, registry catalog.Registry, runner db.Runner, opts Options) *Ledger {
	l := &Ledger{
		store:       store,
		registry:    registry,
		runner:      runner,
		locks:       opts.Locks,
		audit:       opts.Audit,
		idempotency: opts.Idempotency,
		logger:      opts.Logger,
		now:         opts.Now,
		verifyLimit: opts.VerifyConcurrency,
	}
	if l.locks == nil {
		l.locks = keylock.New(0)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = func() time.Time { return time.Now().UTC() }
	}
	if l.verifyLimit <= 0 {
		l.verifyLimit = 8
	}
	if l.runner == nil {
		l.runner = db.MemoryRunner{}
	}
	return l
}

// Append posts entries as one movement set sharing a correlation id. Either
// every entry is recorded and projected or none is.
func (l *Ledger) Append(ctx context.Context, entries ...Entry) ([]MovementRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEmptySet
	}
	for i, e := range entries {
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i, err)
		}
	}
	if err := l.checkReferences(ctx, entries); err != nil {
		return nil, err
	}

	// Once references check out the write runs to completion.
	ctx = context.WithoutCancel(ctx)
	triples := uniqueTriples(entries)
	keys := make([]string, len(triples))
	for i, t := range triples {
		keys[i] = t.Key()
	}
	unlock := l.lockTriples(ctx, keys)
	defer unlock()

	var out []MovementRecord
	err := l.runner.InTx(ctx, func(ctx context.Context) error {
		current, err := l.store.PositionsForUpdate(ctx, triples)
		if err != nil {
			return err
		}
		running := make(map[Triple]float64, len(current))
		for t, p := range current {
			running[t] = p.Quantity
		}
		now := l.now()
		correlation := uuid.NewString()
		records := make([]MovementRecord, 0, len(entries))
		for _, e := range entries {
			delta := round(e.Delta)
			zero := e.ZeroConfirm
			if e.Recount {
				delta = round(round(e.Measured) - running[e.Triple])
				zero = delta == 0
			}
			next := round(running[e.Triple] + delta)
			if e.Kind != KindAdjustment && delta < 0 && next < -negativeEpsilon {
				return fmt.Errorf("%w: %s would reach %.6f", ErrNegativeStock, e.Triple.Key(), next)
			}
			running[e.Triple] = next
			records = append(records, MovementRecord{
				CorrelationID: correlation,
				Triple:        e.Triple,
				Delta:         delta,
				Kind:          e.Kind,
				ZeroConfirm:   zero,
				Note:          e.Note,
				LineID:        e.LineID,
				Actor:         e.Actor,
				PostedAt:      now,
			})
		}
		inserted, err := l.store.InsertMovements(ctx, records)
		if err != nil {
			return err
		}
		lastSeq := make(map[Triple]int64, len(triples))
		for _, rec := range inserted {
			lastSeq[rec.Triple] = max(lastSeq[rec.Triple], rec.Seq)
		}
		positions := make([]StockPosition, 0, len(triples))
		for _, t := range triples {
			positions = append(positions, StockPosition{Triple: t, Quantity: running[t], LastSeq: lastSeq[t], UpdatedAt: now})
		}
		if err := l.store.UpsertPositions(ctx, positions); err != nil {
			return err
		}
		out = inserted
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Debug("ledger append",
		slog.String("correlation_id", out[0].CorrelationID),
		slog.Int("entries", len(out)),
		slog.Int64("line_id", out[0].LineID),
	)
	return out, nil
}

// lockTriples serialises writers on keys. When ctx carries an outer unit of
// work the locks stay held until that unit commits or rolls back, so no other
// writer or reader sees positions the unit may still undo.
func (l *Ledger) lockTriples(ctx context.Context, keys []string) func() {
	v, ok := db.UnitLocal(ctx, l.locks, func() any {
		held := l.locks.Hold()
		db.AfterUnit(ctx, held.Release)
		return held
	})
	if !ok {
		return l.locks.Lock(keys...)
	}
	v.(*keylock.Held).Lock(keys...)
	return func() {}
}

// ReplayBalance recomputes a position purely from movement history.
func (l *Ledger) ReplayBalance(ctx context.Context, triple Triple) (float64, error) {
	if !triple.Status.Valid() {
		return 0, ErrInvalidStatus
	}
	return l.store.SumMovements(ctx, triple)
}

// Adjust posts a manual operator adjustment that is not tied to a demand line.
func (l *Ledger) Adjust(ctx context.Context, input AdjustmentInput) (MovementRecord, error) {
	if input.Note == "" {
		return MovementRecord{}, ErrNoteRequired
	}
	key := ""
	if l.idempotency != nil && input.IdempotencyKey != "" {
		key = "ledger:adjust:" + input.IdempotencyKey
		if err := l.idempotency.CheckAndInsert(ctx, key, "ledger"); err != nil {
			return MovementRecord{}, err
		}
	}
	recs, err := l.Append(ctx, Entry{
		Triple: Triple{ProductID: input.ProductID, WarehouseID: input.WarehouseID, Status: input.Status},
		Delta:  input.Delta,
		Kind:   KindAdjustment,
		Note:   input.Note,
		Actor:  input.Actor,
	})
	if err != nil {
		if key != "" {
			_ = l.idempotency.Delete(context.WithoutCancel(ctx), key)
		}
		return MovementRecord{}, err
	}
	rec := recs[0]
	if l.audit != nil {
		if err := l.audit.Record(ctx, shared.AuditLog{
			Actor:    input.Actor,
			Action:   "ledger:adjust",
			Entity:   "stock_movement",
			EntityID: fmt.Sprintf("%d", rec.Seq),
			Meta: map[string]any{
				"product_id":   rec.ProductID,
				"warehouse_id": rec.WarehouseID,
				"status":       rec.Status,
				"delta":        rec.Delta,
				"note":         rec.Note,
			},
		}); err != nil {
			l.logger.Warn("audit adjustment", slog.Int64("seq", rec.Seq), slog.Any("error", err))
		}
	}
	return rec, nil
}

// History lists the most recent movements of a triple with the running
// balance after each one, oldest first.
func (l *Ledger) History(ctx context.Context, triple Triple, limit int) ([]CardEntry, error) {
	if !triple.Status.Valid() {
		return nil, ErrInvalidStatus
	}
	unlock := l.locks.RLock(triple.Key())
	defer unlock()
	pos, err := l.store.Position(ctx, triple)
	if err != nil {
		return nil, err
	}
	movements, err := l.store.Movements(ctx, MovementFilter{Triple: &triple, Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]CardEntry, len(movements))
	balance := pos.Quantity
	for i := len(movements) - 1; i >= 0; i-- {
		out[i] = CardEntry{MovementRecord: movements[i], Balance: balance}
		balance = round(balance - movements[i].Delta)
	}
	return out, nil
}

// LineMovements lists the movements caused by a demand line.
func (l *Ledger) LineMovements(ctx context.Context, lineID int64) ([]MovementRecord, error) {
	if lineID == 0 {
		return nil, nil
	}
	return l.store.Movements(ctx, MovementFilter{LineID: lineID})
}

func (l *Ledger) checkReferences(ctx context.Context, entries []Entry) error {
	n, err := l.registry.WarehouseCount(ctx)
	if err != nil {
		return fmt.Errorf("ledger: count warehouses: %w", err)
	}
	if n == 0 {
		return ErrNoWarehouse
	}
	products := map[int64]struct{}{}
	warehouses := map[int64]struct{}{}
	for _, e := range entries {
		if _, ok := products[e.ProductID]; !ok {
			products[e.ProductID] = struct{}{}
			if _, err := l.registry.Product(ctx, e.ProductID); err != nil {
				if errors.Is(err, catalog.ErrProductNotFound) {
					return fmt.Errorf("%w: %d", ErrUnknownProduct, e.ProductID)
				}
				return err
			}
		}
		if _, ok := warehouses[e.WarehouseID]; !ok {
			warehouses[e.WarehouseID] = struct{}{}
			if _, err := l.registry.Warehouse(ctx, e.WarehouseID); err != nil {
				if errors.Is(err, catalog.ErrWarehouseNotFound) {
					return fmt.Errorf("%w: %d", ErrUnknownWarehouse, e.WarehouseID)
				}
				return err
			}
		}
	}
	return nil
}

func uniqueTriples(entries []Entry) []Triple {
	seen := make(map[Triple]struct{}, len(entries))
	out := make([]Triple, 0, len(entries))
	for _, e := range entries {
		if _, ok := seen[e.Triple]; ok {
			continue
		}
		seen[e.Triple] = struct{}{}
		out = append(out, e.Triple)
	}
	sortTriples(out)
	return out
}
