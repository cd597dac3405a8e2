package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/odyssey-erp/floorops/internal/catalog"
	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/notify"
	"github.com/odyssey-erp/floorops/internal/platform/db"
	"github.com/odyssey-erp/floorops/internal/platform/keylock"
	"github.com/odyssey-erp/floorops/internal/platform/retry"
	"github.com/odyssey-erp/floorops/internal/shared"
)

// LedgerPort is the subset of the movement ledger the state machine writes to.
type LedgerPort interface {
	Append(ctx context.Context, entries ...ledger.Entry) ([]ledger.MovementRecord, error)
	LineMovements(ctx context.Context, lineID int64) ([]ledger.MovementRecord, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// TerminalHook runs inside the unit of work that closes a line. An error
// aborts the close and rolls the ledger append back.
type TerminalHook interface {
	OnTerminal(ctx context.Context, line DemandLine, movements []ledger.MovementRecord) error
}

// TerminalHookFunc adapts a function to TerminalHook.
type TerminalHookFunc func(ctx context.Context, line DemandLine, movements []ledger.MovementRecord) error

// OnTerminal implements TerminalHook.
func (f TerminalHookFunc) OnTerminal(ctx context.Context, line DemandLine, movements []ledger.MovementRecord) error {
	return f(ctx, line, movements)
}

// ShortfallEvent tells billing that an order line delivered less than ordered.
type ShortfallEvent struct {
	LineID       int64   `json:"line_id"`
	SourceRef    string  `json:"source_ref"`
	ProductID    int64   `json:"product_id"`
	Expected     float64 `json:"expected"`
	Accepted     float64 `json:"accepted"`
	Shortfall    float64 `json:"shortfall"`
	UnitPrice    float64 `json:"unit_price"`
	CreditAmount float64 `json:"credit_amount"`
	State        State   `json:"state"`
}

// CreditHook is the billing collaborator notified after an order shortfall
// commits.
type CreditHook interface {
	HandleShortfall(ctx context.Context, evt ShortfallEvent) error
}

// MetricsPort receives protocol counters.
type MetricsPort interface {
	LineTerminal(origin, state string)
	CountMismatch(origin string, attempt int)
	LineTakeover(origin string)
}

// Config groups protocol settings.
type Config struct {
	// LeaseTTL bounds how long an idle station keeps a line.
	LeaseTTL time.Duration
	// Tolerance overrides the per-product tolerance when positive.
	Tolerance float64
	Retry     retry.Policy
}

// Deps groups optional collaborators.
type Deps struct {
	Audit     AuditPort
	Publisher notify.Publisher
	Credit    CreditHook
	Metrics   MetricsPort
	Logger    *slog.Logger
	Now       func() time.Time
}

// Service runs the reconciliation protocol.
type Service struct {
	store    LineStore
	ledger   LedgerPort
	registry catalog.Registry
	runner   db.Runner
	locks    *keylock.Striped
	cfg      Config

	audit     AuditPort
	publisher notify.Publisher
	credit    CreditHook
	metrics   MetricsPort
	logger    *slog.Logger
	now       func() time.Time

	hooksMu sync.RWMutex
	hooks   []TerminalHook
}

const defaultLeaseTTL = 2 * time.Minute

// NewService builds Service.
func NewService(store LineStore, ledger LedgerPort, registry catalog.Registry, runner db.Runner, cfg Config, deps Deps) *Service {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.None
	}
	s := &Service{
		store:     store,
		ledger:    ledger,
		registry:  registry,
		runner:    runner,
		locks:     keylock.New(0),
		cfg:       cfg,
		audit:     deps.Audit,
		publisher: deps.Publisher,
		credit:    deps.Credit,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
		now:       deps.Now,
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
	return s
}

// AddTerminalHook registers h to run inside every terminal commit.
func (s *Service) AddTerminalHook(h TerminalHook) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, h)
}

// Create registers a new demand line in pending.
func (s *Service) Create(ctx context.Context, input NewLine) (DemandLine, error) {
	if !input.Origin.Valid() {
		return DemandLine{}, fmt.Errorf("%w: unknown origin %q", ErrInvalidLine, input.Origin)
	}
	if input.ProductID == 0 || input.WarehouseID == 0 {
		return DemandLine{}, fmt.Errorf("%w: product and warehouse required", ErrInvalidLine)
	}
	if !finite(input.Expected) || input.Expected < 0 || (input.Origin != OriginAudit && input.Expected == 0) {
		return DemandLine{}, fmt.Errorf("%w: expected quantity", ErrInvalidLine)
	}
	if !finite(input.UnitPrice) || input.UnitPrice < 0 {
		return DemandLine{}, fmt.Errorf("%w: unit price", ErrInvalidLine)
	}
	n, err := s.registry.WarehouseCount(ctx)
	if err != nil {
		return DemandLine{}, err
	}
	if n == 0 {
		return DemandLine{}, ledger.ErrNoWarehouse
	}
	product, err := s.registry.Product(ctx, input.ProductID)
	if err != nil {
		return DemandLine{}, err
	}
	if _, err := s.registry.Warehouse(ctx, input.WarehouseID); err != nil {
		return DemandLine{}, err
	}
	tolerance := product.Tolerance()
	if s.cfg.Tolerance > 0 {
		tolerance = s.cfg.Tolerance
	}
	priceUnit := input.PriceUnit
	if priceUnit == "" {
		priceUnit = product.BaseUnit
	}
	now := s.now()
	line, err := s.store.Create(ctx, DemandLine{
		Origin:      input.Origin,
		ProductID:   input.ProductID,
		WarehouseID: input.WarehouseID,
		Expected:    roundQty(input.Expected),
		Tolerance:   tolerance,
		PriceUnit:   priceUnit,
		UnitPrice:   input.UnitPrice,
		SourceRef:   input.SourceRef,
		State:       StatePending,
		Attempts:    []Attempt{},
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return DemandLine{}, err
	}
	s.record(ctx, "", "line:create", line, map[string]any{"origin": line.Origin, "source_ref": line.SourceRef})
	return line, nil
}

// Open gives station an exclusive lease on the line. A line held by another
// live station is only taken when takeover is set.
func (s *Service) Open(ctx context.Context, lineID int64, station string, takeover bool) (StationView, error) {
	if station == "" {
		return StationView{}, ErrStationRequired
	}
	var previous string
	res, err := s.commit(ctx, lineID, station, func(line *DemandLine, now time.Time) error {
		previous = ""
		if line.State.Terminal() {
			return ErrLineClosed
		}
		if line.Holder != "" && line.Holder != station && !line.LeaseExpired(now) {
			if !takeover {
				return fmt.Errorf("%w: %s until %s", ErrLineHeld, line.Holder, line.LeaseUntil.Format(time.RFC3339))
			}
			previous = line.Holder
		}
		line.Holder = station
		line.LeaseUntil = now.Add(s.cfg.LeaseTTL)
		if line.State == StatePending {
			line.State = StateAwaitingCount
		}
		return nil
	})
	if err != nil {
		return StationView{}, err
	}
	if previous != "" {
		if s.metrics != nil {
			s.metrics.LineTakeover(string(res.after.Origin))
		}
		s.record(ctx, station, "line:takeover", res.after, map[string]any{"previous_holder": previous})
	}
	s.publish(ctx, notify.TypeLineClaimed, res.after, nil)
	return res.after.View(), nil
}

// Heartbeat extends the holder's lease.
func (s *Service) Heartbeat(ctx context.Context, lineID int64, station string) (StationView, error) {
	res, err := s.held(ctx, lineID, station, func(*DemandLine, time.Time) error { return nil })
	if err != nil {
		return StationView{}, err
	}
	return res.after.View(), nil
}

// Release gives the line up. A line that was opened but never counted goes
// back to pending.
func (s *Service) Release(ctx context.Context, lineID int64, station string) (StationView, error) {
	if station == "" {
		return StationView{}, ErrStationRequired
	}
	res, err := s.commit(ctx, lineID, station, func(line *DemandLine, _ time.Time) error {
		if line.State.Terminal() {
			return ErrLineClosed
		}
		if line.Holder != station {
			return ErrNotHolder
		}
		release(line)
		return nil
	})
	if err != nil {
		return StationView{}, err
	}
	s.publish(ctx, notify.TypeLineReleased, res.after, nil)
	return res.after.View(), nil
}

// ReleaseExpired releases every line whose lease lapsed and returns how many
// it released.
func (s *Service) ReleaseExpired(ctx context.Context) (int, error) {
	now := s.now()
	lines, err := s.store.List(ctx, LineFilter{Open: true, LeaseExpiredBefore: now})
	if err != nil {
		return 0, err
	}
	released := 0
	for _, l := range lines {
		res, err := s.commit(ctx, l.ID, "system", func(line *DemandLine, now time.Time) error {
			if line.Holder == "" || !line.LeaseExpired(now) {
				return errUnchanged
			}
			release(line)
			return nil
		})
		if errors.Is(err, errUnchanged) {
			continue
		}
		if err != nil {
			return released, err
		}
		released++
		s.publish(ctx, notify.TypeLineReleased, res.after, map[string]any{"reason": "lease_expired"})
	}
	return released, nil
}

// SubmitCount records a blind count.
func (s *Service) SubmitCount(ctx context.Context, lineID int64, station string, measured float64) (StationView, error) {
	if math.IsNaN(measured) || math.IsInf(measured, 0) || measured < 0 {
		return StationView{}, ErrInvalidMeasurement
	}
	res, err := s.held(ctx, lineID, station, func(line *DemandLine, now time.Time) error {
		return applyCount(line, measured, station, now)
	})
	if err != nil {
		return StationView{}, err
	}
	if last := res.after.Attempts[len(res.after.Attempts)-1]; last.Result == ResultShortfall && s.metrics != nil {
		s.metrics.CountMismatch(string(res.after.Origin), last.Seq)
	}
	return res.after.View(), nil
}

// QuickComplete asserts the full expected quantity without a count.
func (s *Service) QuickComplete(ctx context.Context, lineID int64, station string) (StationView, error) {
	res, err := s.held(ctx, lineID, station, func(line *DemandLine, _ time.Time) error {
		return applyQuickComplete(line)
	})
	if err != nil {
		return StationView{}, err
	}
	return res.after.View(), nil
}

// AcceptShortfall keeps the second count and moves to the quality gate.
func (s *Service) AcceptShortfall(ctx context.Context, lineID int64, station string) (StationView, error) {
	res, err := s.held(ctx, lineID, station, func(line *DemandLine, _ time.Time) error {
		return applyAcceptShortfall(line)
	})
	if err != nil {
		return StationView{}, err
	}
	return res.after.View(), nil
}

// Reject closes the line as rejected with a mandatory reason.
func (s *Service) Reject(ctx context.Context, lineID int64, station string, input RejectInput) (DemandLine, error) {
	assessment, err := NewAssessment(GradeRed, input.Reason, input.Note)
	if err != nil {
		return DemandLine{}, err
	}
	res, err := s.held(ctx, lineID, station, func(line *DemandLine, now time.Time) error {
		return applyReject(line, assessment, now)
	})
	if err != nil {
		return DemandLine{}, err
	}
	s.afterTerminal(ctx, station, res)
	return res.after, nil
}

// SubmitGrade applies the quality decision and closes the line.
func (s *Service) SubmitGrade(ctx context.Context, lineID int64, station string, input GradeInput) (DemandLine, error) {
	assessment, err := NewAssessment(input.Grade, input.Reason, input.Note)
	if err != nil {
		return DemandLine{}, err
	}
	res, err := s.held(ctx, lineID, station, func(line *DemandLine, now time.Time) error {
		return applyGrade(line, assessment, now)
	})
	if err != nil {
		return DemandLine{}, err
	}
	s.afterTerminal(ctx, station, res)
	return res.after, nil
}

// LineDetail is the collaborator read-back of a line.
type LineDetail struct {
	DemandLine
	Movements  []ledger.MovementRecord `json:"movements"`
	LedgerNote string                  `json:"ledger_note,omitempty"`
}

// Get returns the full line with the movements it caused.
func (s *Service) Get(ctx context.Context, lineID int64) (LineDetail, error) {
	line, err := s.store.Get(ctx, lineID)
	if err != nil {
		return LineDetail{}, err
	}
	line = effective(line, s.now())
	moves, err := s.ledger.LineMovements(ctx, lineID)
	if err != nil {
		return LineDetail{}, err
	}
	detail := LineDetail{DemandLine: line, Movements: moves}
	if len(moves) > 0 {
		detail.LedgerNote = moves[0].Note
	}
	return detail, nil
}

// StationView returns the blind view of a line.
func (s *Service) StationView(ctx context.Context, lineID int64) (StationView, error) {
	line, err := s.store.Get(ctx, lineID)
	if err != nil {
		return StationView{}, err
	}
	return effective(line, s.now()).View(), nil
}

// List returns lines matching filter.
func (s *Service) List(ctx context.Context, filter LineFilter) ([]DemandLine, error) {
	lines, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range lines {
		lines[i] = effective(lines[i], now)
	}
	return lines, nil
}

// TallyReasons aggregates non-green outcomes of the matching lines by cause.
func (s *Service) TallyReasons(ctx context.Context, filter LineFilter) ([]ReasonCount, error) {
	lines, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	return Tally(lines), nil
}

// effective shows a lapsed lease as released without writing.
func effective(line DemandLine, now time.Time) DemandLine {
	if line.LeaseExpired(now) {
		release(&line)
	}
	return line
}

var errUnchanged = errors.New("reconcile: unchanged")

type commitResult struct {
	before    DemandLine
	after     DemandLine
	movements []ledger.MovementRecord
}

// held runs apply for the station holding the line and renews its lease.
func (s *Service) held(ctx context.Context, lineID int64, station string, apply func(*DemandLine, time.Time) error) (commitResult, error) {
	if station == "" {
		return commitResult{}, ErrStationRequired
	}
	return s.commit(ctx, lineID, station, func(line *DemandLine, now time.Time) error {
		if line.State.Terminal() {
			return ErrLineClosed
		}
		if line.Holder != station {
			if line.Holder == "" {
				return ErrNotHolder
			}
			return fmt.Errorf("%w: held by %s", ErrNotHolder, line.Holder)
		}
		if err := apply(line, now); err != nil {
			return err
		}
		line.LeaseUntil = now.Add(s.cfg.LeaseTTL)
		return nil
	})
}

// commit runs one transition as a single unit of work: the line update, the
// ledger append for a terminal transition and the terminal hooks commit
// together or not at all. Writes run to completion once started.
func (s *Service) commit(ctx context.Context, lineID int64, actor string, apply func(*DemandLine, time.Time) error) (commitResult, error) {
	if err := ctx.Err(); err != nil {
		return commitResult{}, err
	}
	ctx = context.WithoutCancel(ctx)
	unlock := s.locks.Lock(strconv.FormatInt(lineID, 10))
	defer unlock()

	var res commitResult
	err := s.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		return s.runner.InTx(ctx, func(ctx context.Context) error {
			line, err := s.store.Get(ctx, lineID)
			if err != nil {
				return err
			}
			before := line.clone()
			now := s.now()
			if err := apply(&line, now); err != nil {
				return err
			}
			var moves []ledger.MovementRecord
			if line.State.Terminal() && !before.State.Terminal() {
				line.Holder = ""
				line.LeaseUntil = time.Time{}
				if line.ClosedAt.IsZero() {
					line.ClosedAt = now
				}
				moves, err = s.ledger.Append(ctx, PlanMovements(line, actor)...)
				if err != nil {
					return err
				}
				for _, h := range s.terminalHooks() {
					if err := h.OnTerminal(ctx, line, moves); err != nil {
						return fmt.Errorf("reconcile: terminal hook: %w", err)
					}
				}
			}
			line.Version = before.Version + 1
			line.UpdatedAt = now
			if err := s.store.Update(ctx, line, before.Version); err != nil {
				return err
			}
			res = commitResult{before: before, after: line, movements: moves}
			return nil
		})
	})
	if err != nil {
		return commitResult{}, err
	}
	return res, nil
}

func (s *Service) terminalHooks() []TerminalHook {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return append([]TerminalHook(nil), s.hooks...)
}

// afterTerminal runs the best-effort side effects of a committed close.
func (s *Service) afterTerminal(ctx context.Context, station string, res commitResult) {
	line := res.after
	if s.metrics != nil {
		s.metrics.LineTerminal(string(line.Origin), string(line.State))
	}
	grade := ""
	if line.Assessment != nil {
		grade = string(line.Assessment.Grade)
	}
	s.record(ctx, station, "line:close", line, map[string]any{
		"state":     line.State,
		"grade":     grade,
		"measured":  line.Measured,
		"shortfall": line.Shortfall,
		"movements": len(res.movements),
	})
	s.publish(ctx, notify.TypeLineTerminal, line, map[string]any{
		"grade":    grade,
		"measured": line.Measured,
		"accepted": line.AcceptedQuantity(),
	})
	if line.Origin == OriginOrder && s.credit != nil {
		accepted := line.AcceptedQuantity()
		if short := roundQty(line.Expected - accepted); short > line.Tolerance {
			evt := ShortfallEvent{
				LineID:       line.ID,
				SourceRef:    line.SourceRef,
				ProductID:    line.ProductID,
				Expected:     line.Expected,
				Accepted:     accepted,
				Shortfall:    short,
				UnitPrice:    line.UnitPrice,
				CreditAmount: math.Round(short*line.UnitPrice*100) / 100,
				State:        line.State,
			}
			if err := s.credit.HandleShortfall(context.WithoutCancel(ctx), evt); err != nil {
				s.logger.Error("billing shortfall", slog.Int64("line_id", line.ID), slog.Any("error", err))
			}
		}
	}
}

func (s *Service) publish(ctx context.Context, typ string, line DemandLine, extra map[string]any) {
	data := map[string]any{
		"line_id":      line.ID,
		"origin":       line.Origin,
		"state":        line.State,
		"holder":       line.Holder,
		"product_id":   line.ProductID,
		"warehouse_id": line.WarehouseID,
		"version":      line.Version,
	}
	for k, v := range extra {
		data[k] = v
	}
	evt := notify.NewEvent(typ, fmt.Sprintf("line:%d", line.ID), data)
	if err := s.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		s.logger.Warn("publish line event", slog.String("type", typ), slog.Int64("line_id", line.ID), slog.Any("error", err))
	}
}

func (s *Service) record(ctx context.Context, actor, action string, line DemandLine, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(context.WithoutCancel(ctx), shared.AuditLog{
		Actor:    actor,
		Action:   action,
		Entity:   "demand_line",
		EntityID: strconv.FormatInt(line.ID, 10),
		Meta:     meta,
	}); err != nil {
		s.logger.Warn("audit line", slog.String("action", action), slog.Int64("line_id", line.ID), slog.Any("error", err))
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
