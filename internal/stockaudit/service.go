package stockaudit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/odyssey-erp/floorops/internal/catalog"
	"github.com/odyssey-erp/floorops/internal/costing"
	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/notify"
	"github.com/odyssey-erp/floorops/internal/platform/db"
	"github.com/odyssey-erp/floorops/internal/platform/keylock"
	"github.com/odyssey-erp/floorops/internal/reconcile"
	"github.com/odyssey-erp/floorops/internal/shared"
)

// PositionReader is the projection query the sampler draws from.
type PositionReader interface {
	Positions(ctx context.Context, filter ledger.PositionFilter) ([]ledger.StockPosition, error)
}

// LinePort opens audit-origin demand lines on the reconciliation protocol.
type LinePort interface {
	Create(ctx context.Context, input reconcile.NewLine) (reconcile.DemandLine, error)
	Open(ctx context.Context, lineID int64, station string, takeover bool) (reconcile.StationView, error)
}

// CostPort supplies the average unit cost behind the high value flag.
type CostPort interface {
	AverageCost(ctx context.Context, productID int64) (costing.CostSummary, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Deps groups optional collaborators.
type Deps struct {
	Costs     CostPort
	Audit     AuditPort
	Publisher notify.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
	// Rand supplies the generator for one sampling run.
	Rand func() *rand.Rand
}

// Service runs the daily sampler and tracks audit counts.
type Service struct {
	store     Store
	positions PositionReader
	registry  catalog.Registry
	lines     LinePort
	runner    db.Runner
	policy    Policy
	locks     *keylock.Striped

	costs     CostPort
	audit     AuditPort
	publisher notify.Publisher
	logger    *slog.Logger
	now       func() time.Time
	rand      func() *rand.Rand
}

// NewService builds Service.
func NewService(store Store, positions PositionReader, registry catalog.Registry, lines LinePort, runner db.Runner, policy Policy, deps Deps) *Service {
	s := &Service{
		store:     store,
		positions: positions,
		registry:  registry,
		lines:     lines,
		runner:    runner,
		policy:    policy,
		locks:     keylock.New(64),
		costs:     deps.Costs,
		audit:     deps.Audit,
		publisher: deps.Publisher,
		logger:    deps.Logger,
		now:       deps.Now,
		rand:      deps.Rand,
	}
	if s.runner == nil {
		s.runner = db.MemoryRunner{}
	}
	if s.publisher == nil {
		s.publisher = notify.Discard{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.rand == nil {
		s.rand = func() *rand.Rand { return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) }
	}
	return s
}

// Policy returns the active sampling policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// ParseDate parses a YYYY-MM-DD task date.
func ParseDate(raw string) (time.Time, error) {
	d, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
	}
	return d, nil
}

// RunDaily creates the sampling task of date unless one exists, in which case
// the existing task is returned. created reports whether this call made it.
func (s *Service) RunDaily(ctx context.Context, date time.Time) (task Task, created bool, err error) {
	key := date.UTC().Format(DateLayout)
	existing, err := s.store.TaskByDate(ctx, key)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrTaskNotFound) {
		return Task{}, false, err
	}
	if err := s.policy.Validate(); err != nil {
		return Task{}, false, err
	}
	candidates, err := s.Candidates(ctx, date)
	if err != nil {
		return Task{}, false, err
	}
	selected := Select(candidates, s.policy.ItemsPerDay)
	items := make([]Item, 0, len(selected))
	for _, c := range selected {
		items = append(items, Item{
			ProductID:   c.ProductID,
			WarehouseID: c.WarehouseID,
			Expected:    c.Quantity,
			Score:       c.Score,
			Flags:       c.Flags,
			Status:      ItemPending,
		})
	}

	ctx = context.WithoutCancel(ctx)
	err = s.runner.InTx(ctx, func(ctx context.Context) error {
		task, err = s.store.CreateTask(ctx, Task{Date: key, Items: items, CreatedAt: s.now()})
		return err
	})
	if errors.Is(err, ErrTaskExists) {
		// A concurrent run won the date.
		existing, err := s.store.TaskByDate(ctx, key)
		return existing, false, err
	}
	if err != nil {
		return Task{}, false, err
	}

	s.logger.Info("audit task created", slog.String("date", key), slog.Int64("task_id", task.ID), slog.Int("items", len(task.Items)))
	s.record(ctx, "audit:sample", "audit_task", task.ID, map[string]any{"date": key, "items": len(task.Items)})
	evt := notify.NewEvent(notify.TypeAuditTaskCreated, "audit_task:"+key, map[string]any{
		"task_id": task.ID,
		"date":    key,
		"items":   len(task.Items),
	})
	if err := s.publisher.Publish(ctx, evt); err != nil {
		s.logger.Warn("publish audit task", slog.String("date", key), slog.Any("error", err))
	}
	return task, true, nil
}

// Candidates scores every sellable position without persisting anything.
func (s *Service) Candidates(ctx context.Context, date time.Time) ([]Candidate, error) {
	positions, err := s.positions.Positions(ctx, ledger.PositionFilter{
		WarehouseID:  s.policy.WarehouseID,
		Status:       ledger.StatusAvailable,
		PositiveOnly: true,
	})
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return []Candidate{}, nil
	}
	ids := make([]int64, 0, len(positions))
	seen := map[int64]bool{}
	for _, p := range positions {
		if !seen[p.ProductID] {
			seen[p.ProductID] = true
			ids = append(ids, p.ProductID)
		}
	}
	products, err := s.registry.Products(ctx, ids)
	if err != nil {
		return nil, err
	}
	costs := make(map[int64]float64, len(ids))
	if s.costs != nil {
		for _, id := range ids {
			summary, err := s.costs.AverageCost(ctx, id)
			if err != nil {
				return nil, err
			}
			costs[id] = summary.Average.InexactFloat64()
		}
	}

	rnd := s.rand()
	out := make([]Candidate, 0, len(positions))
	for _, p := range positions {
		product, ok := products[p.ProductID]
		if !ok || !product.Active {
			continue
		}
		last, err := s.store.LastAudited(ctx, p.ProductID, p.WarehouseID)
		if err != nil {
			return nil, err
		}
		out = append(out, s.policy.Score(Facts{
			Position:    p,
			Product:     product,
			UnitCost:    costs[p.ProductID],
			LastAudited: last,
		}, date, rnd))
	}
	return out, nil
}

// BeginCount opens the item's audit line for station, creating the line on
// first use. The expected quantity is the one captured at sampling time.
func (s *Service) BeginCount(ctx context.Context, itemID int64, station string) (Item, reconcile.StationView, error) {
	if station == "" {
		return Item{}, reconcile.StationView{}, reconcile.ErrStationRequired
	}
	unlock := s.locks.Lock(strconv.FormatInt(itemID, 10))
	defer unlock()

	item, err := s.store.Item(ctx, itemID)
	if err != nil {
		return Item{}, reconcile.StationView{}, err
	}
	if item.Status == ItemCounted {
		return Item{}, reconcile.StationView{}, ErrItemCounted
	}
	if item.LineID == 0 {
		task, err := s.store.Task(ctx, item.TaskID)
		if err != nil {
			return Item{}, reconcile.StationView{}, err
		}
		ctx = context.WithoutCancel(ctx)
		err = s.runner.InTx(ctx, func(ctx context.Context) error {
			line, err := s.lines.Create(ctx, reconcile.NewLine{
				Origin:      reconcile.OriginAudit,
				ProductID:   item.ProductID,
				WarehouseID: item.WarehouseID,
				Expected:    item.Expected,
				SourceRef:   fmt.Sprintf("audit:%s:%d", task.Date, item.ID),
			})
			if err != nil {
				return err
			}
			if err := s.store.AttachLine(ctx, item.ID, line.ID); err != nil {
				return err
			}
			item.LineID = line.ID
			item.Status = ItemCounting
			return nil
		})
		if err != nil {
			return Item{}, reconcile.StationView{}, err
		}
	}
	view, err := s.lines.Open(ctx, item.LineID, station, false)
	if err != nil {
		return item, reconcile.StationView{}, err
	}
	return item, view, nil
}

// OnTerminal implements reconcile.TerminalHook: a closed audit line records
// its measured quantity and variance on the item it was opened for.
func (s *Service) OnTerminal(ctx context.Context, line reconcile.DemandLine, _ []ledger.MovementRecord) error {
	if line.Origin != reconcile.OriginAudit {
		return nil
	}
	item, err := s.store.ItemByLine(ctx, line.ID)
	if errors.Is(err, ErrItemNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	variance := Variance(item.Expected, line.Measured)
	flagged := math.Abs(variance) > s.policy.AlertVariance
	return s.store.RecordResult(ctx, item.ID, Result{
		Measured:  line.Measured,
		Variance:  variance,
		Flagged:   flagged,
		CountedAt: line.ClosedAt,
	})
}

// Task returns the task of a calendar date.
func (s *Service) Task(ctx context.Context, date string) (Task, error) {
	if _, err := ParseDate(date); err != nil {
		return Task{}, err
	}
	return s.store.TaskByDate(ctx, date)
}

// Tasks lists recent tasks, newest first.
func (s *Service) Tasks(ctx context.Context, limit int) ([]Task, error) {
	return s.store.Tasks(ctx, limit)
}

// Report summarizes the counts of one task.
type Report struct {
	Task            Task    `json:"task"`
	Counted         int     `json:"counted"`
	Pending         int     `json:"pending"`
	Flagged         []Item  `json:"flagged"`
	MeanAbsVariance float64 `json:"mean_abs_variance"`
}

// Report builds the variance summary of the task of date.
func (s *Service) Report(ctx context.Context, date string) (Report, error) {
	task, err := s.Task(ctx, date)
	if err != nil {
		return Report{}, err
	}
	r := Report{Task: task, Flagged: []Item{}}
	var sum float64
	for _, it := range task.Items {
		if it.Status != ItemCounted || it.Variance == nil {
			r.Pending++
			continue
		}
		r.Counted++
		sum += math.Abs(*it.Variance)
		if it.Flagged {
			r.Flagged = append(r.Flagged, it)
		}
	}
	if r.Counted > 0 {
		r.MeanAbsVariance = sum / float64(r.Counted)
	}
	return r, nil
}

func (s *Service) record(ctx context.Context, action, entity string, id int64, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    "system",
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(id, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit sampling", slog.String("action", action), slog.Any("error", err))
	}
}
