package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/floorops/internal/catalog"
	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/notify"
	"github.com/odyssey-erp/floorops/internal/platform/db"
	"github.com/odyssey-erp/floorops/internal/platform/retry"
	"github.com/odyssey-erp/floorops/internal/shared"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type creditRecorder struct {
	mu     sync.Mutex
	events []ShortfallEvent
}

func (c *creditRecorder) HandleShortfall(_ context.Context, evt ShortfallEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

type metricsRecorder struct {
	mu         sync.Mutex
	terminals  map[string]int
	mismatches int
	takeovers  int
}

func (m *metricsRecorder) LineTerminal(origin, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminals[origin+":"+state]++
}

func (m *metricsRecorder) CountMismatch(string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mismatches++
}

func (m *metricsRecorder) LineTakeover(string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.takeovers++
}

type fixture struct {
	svc     *Service
	ledger  *ledger.Ledger
	store   *MemoryStore
	clock   *fakeClock
	credit  *creditRecorder
	metrics *metricsRecorder
	hub     *notify.Hub
}

const (
	tomatoes int64 = 1
	crates   int64 = 2
	ttl            = time.Minute
)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := catalog.NewMemoryRegistry()
	reg.PutWarehouse(catalog.Warehouse{ID: 1, Code: "WH-1", Name: "Main"})
	reg.PutProduct(catalog.Product{ID: tomatoes, Code: "TOM", BaseUnit: "kg", UnitPrecision: 2, Category: "produce", Active: true})
	reg.PutProduct(catalog.Product{ID: crates, Code: "CRT", BaseUnit: "unit", UnitPrecision: 0, Active: true})

	clock := &fakeClock{now: time.Date(2026, 10, 16, 8, 0, 0, 0, time.UTC)}
	l := ledger.New(ledger.NewMemoryStore(), reg, db.MemoryRunner{}, ledger.Options{Now: clock.Now})
	f := &fixture{
		ledger:  l,
		store:   NewMemoryStore(),
		clock:   clock,
		credit:  &creditRecorder{},
		metrics: &metricsRecorder{terminals: map[string]int{}},
		hub:     notify.NewHub(),
	}
	f.svc = NewService(f.store, l, reg, db.MemoryRunner{}, Config{LeaseTTL: ttl}, Deps{
		Publisher: f.hub,
		Credit:    f.credit,
		Metrics:   f.metrics,
		Now:       clock.Now,
	})
	return f
}

func (f *fixture) open(t *testing.T, in NewLine, station string) DemandLine {
	t.Helper()
	line, err := f.svc.Create(context.Background(), in)
	require.NoError(t, err)
	_, err = f.svc.Open(context.Background(), line.ID, station, false)
	require.NoError(t, err)
	return line
}

func (f *fixture) balance(t *testing.T, product int64, status ledger.Status) float64 {
	t.Helper()
	q, err := f.ledger.Projection().Balance(context.Background(), ledger.Triple{ProductID: product, WarehouseID: 1, Status: status})
	require.NoError(t, err)
	return q
}

func (f *fixture) stock(t *testing.T, product int64, qty float64) {
	t.Helper()
	_, err := f.ledger.Append(context.Background(), ledger.Entry{
		Triple: ledger.Triple{ProductID: product, WarehouseID: 1, Status: ledger.StatusAvailable},
		Delta:  qty,
		Kind:   ledger.KindEntry,
	})
	require.NoError(t, err)
}

func TestScenarioExactCountAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: tomatoes, WarehouseID: 1, Expected: 50, SourceRef: "PO-7"}, "dock-1")

	view, err := f.svc.SubmitCount(ctx, line.ID, "dock-1", 50)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingQuality, view.State)

	closed, err := f.svc.SubmitGrade(ctx, line.ID, "dock-1", GradeInput{Grade: GradeGreen})
	require.NoError(t, err)
	require.Equal(t, StateAccepted, closed.State)
	require.Empty(t, closed.Holder)

	detail, err := f.svc.Get(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, detail.Movements, 1)
	require.Equal(t, ledger.KindEntry, detail.Movements[0].Kind)
	require.Equal(t, ledger.StatusAvailable, detail.Movements[0].Status)
	require.InDelta(t, 50, detail.Movements[0].Delta, 1e-9)
	require.Contains(t, detail.LedgerNote, "PO-7")
	require.InDelta(t, 50, f.balance(t, tomatoes, ledger.StatusAvailable), 1e-9)
	require.Equal(t, 1, f.metrics.terminals["purchase:accepted"])
}

func TestScenarioSecondShortCountPartiallyAccepted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: tomatoes, WarehouseID: 1, Expected: 50}, "dock-1")

	view, err := f.svc.SubmitCount(ctx, line.ID, "dock-1", 40)
	require.NoError(t, err)
	require.Equal(t, StateMismatchRetry, view.State)
	require.Equal(t, 1, view.AttemptsLeft)

	view, err = f.svc.SubmitCount(ctx, line.ID, "dock-1", 42)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingDecision, view.State)
	require.ElementsMatch(t, []string{"accept_shortfall", "reject"}, view.Choices)

	// No path closes the line without an explicit decision.
	_, err = f.svc.SubmitGrade(ctx, line.ID, "dock-1", GradeInput{Grade: GradeGreen})
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.SubmitCount(ctx, line.ID, "dock-1", 50)
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.svc.QuickComplete(ctx, line.ID, "dock-1")
	require.ErrorIs(t, err, ErrInvalidTransition)

	view, err = f.svc.AcceptShortfall(ctx, line.ID, "dock-1")
	require.NoError(t, err)
	require.Equal(t, StateAwaitingQuality, view.State)

	closed, err := f.svc.SubmitGrade(ctx, line.ID, "dock-1", GradeInput{Grade: GradeGreen})
	require.NoError(t, err)
	require.Equal(t, StatePartiallyAccepted, closed.State)
	require.InDelta(t, 8, closed.Shortfall, 1e-9)
	require.InDelta(t, 42, closed.Measured, 1e-9)

	moves, err := f.ledger.LineMovements(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.Equal(t, ledger.KindEntry, moves[0].Kind)
	require.InDelta(t, 42, moves[0].Delta, 1e-9)
	require.Equal(t, 2, f.metrics.mismatches)
}

func TestScenarioQuickCompleteThenRed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: crates, WarehouseID: 1, Expected: 20}, "dock-2")

	view, err := f.svc.QuickComplete(ctx, line.ID, "dock-2")
	require.NoError(t, err)
	require.Equal(t, StateAwaitingQuality, view.State)

	_, err = f.svc.SubmitGrade(ctx, line.ID, "dock-2", GradeInput{Grade: GradeRed})
	require.ErrorIs(t, err, ErrReasonRequired)

	closed, err := f.svc.SubmitGrade(ctx, line.ID, "dock-2", GradeInput{Grade: GradeRed, Reason: "damaged goods"})
	require.NoError(t, err)
	require.Equal(t, StateRejected, closed.State)
	require.Equal(t, ReasonDamagedGoods, closed.Assessment.Reason)

	moves, err := f.ledger.LineMovements(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.Equal(t, ledger.KindAdjustment, moves[0].Kind)
	require.Equal(t, ledger.StatusInProcess, moves[0].Status)
	require.InDelta(t, 20, moves[0].Delta, 1e-9)
	require.Equal(t, "damaged goods", moves[0].Note)
	require.Zero(t, f.balance(t, crates, ledger.StatusAvailable))
}

func TestToleranceShortCircuitsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, measured := range []float64{49.996, 50, 55} {
		line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: tomatoes, WarehouseID: 1, Expected: 50}, "dock-1")
		view, err := f.svc.SubmitCount(ctx, line.ID, "dock-1", measured)
		require.NoError(t, err)
		require.Equal(t, StateAwaitingQuality, view.State, measured)
		require.Equal(t, 1, view.AttemptsUsed)
	}

	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: tomatoes, WarehouseID: 1, Expected: 50}, "dock-1")
	view, err := f.svc.SubmitCount(ctx, line.ID, "dock-1", 49.99)
	require.NoError(t, err)
	require.Equal(t, StateMismatchRetry, view.State)
}

func TestToleranceOverride(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.Tolerance = 1
	ctx := context.Background()
	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: tomatoes, WarehouseID: 1, Expected: 50}, "dock-1")
	require.InDelta(t, 1, line.Tolerance, 1e-12)
	view, err := f.svc.SubmitCount(ctx, line.ID, "dock-1", 49.2)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingQuality, view.State)
}

func TestRedNeverTouchesAvailableStock(t *testing.T) {
	ctx := context.Background()
	for _, origin := range []Origin{OriginPurchase, OriginOrder, OriginAudit} {
		t.Run(string(origin), func(t *testing.T) {
			f := newFixture(t)
			f.stock(t, crates, 30)
			line := f.open(t, NewLine{Origin: origin, ProductID: crates, WarehouseID: 1, Expected: 12}, "s1")
			_, err := f.svc.SubmitCount(ctx, line.ID, "s1", 12)
			require.NoError(t, err)

			before := f.balance(t, crates, ledger.StatusAvailable)
			closed, err := f.svc.SubmitGrade(ctx, line.ID, "s1", GradeInput{Grade: GradeRed, Reason: "expired"})
			require.NoError(t, err)
			require.Equal(t, StateRejected, closed.State)
			require.InDelta(t, before, f.balance(t, crates, ledger.StatusAvailable), 1e-9)

			moves, err := f.ledger.LineMovements(ctx, line.ID)
			require.NoError(t, err)
			require.NotEmpty(t, moves)
			for _, m := range moves {
				require.Equal(t, "expired", m.Note)
			}
		})
	}
}

func TestTerminalLinesHaveOneAssessmentAndOneMovementSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, crates, 100)

	grades := []GradeInput{
		{Grade: GradeGreen},
		{Grade: GradeYellow, Reason: "ripeness_mismatch"},
		{Grade: GradeRed, Reason: "other", Note: "pallet collapsed"},
	}
	var ids []int64
	for _, origin := range []Origin{OriginPurchase, OriginOrder, OriginAudit} {
		for _, g := range grades {
			line := f.open(t, NewLine{Origin: origin, ProductID: crates, WarehouseID: 1, Expected: 5}, "s1")
			_, err := f.svc.SubmitCount(ctx, line.ID, "s1", 5)
			require.NoError(t, err)
			_, err = f.svc.SubmitGrade(ctx, line.ID, "s1", g)
			require.NoError(t, err)
			ids = append(ids, line.ID)
		}
	}

	for _, id := range ids {
		detail, err := f.svc.Get(ctx, id)
		require.NoError(t, err)
		require.True(t, detail.State.Terminal())
		require.NotNil(t, detail.Assessment)
		require.NotEmpty(t, detail.Movements, id)
		for _, m := range detail.Movements {
			require.Equal(t, detail.Movements[0].CorrelationID, m.CorrelationID)
		}

		_, err = f.svc.SubmitGrade(ctx, id, "s1", GradeInput{Grade: GradeGreen})
		require.ErrorIs(t, err, ErrLineClosed)
	}

	report, err := f.ledger.Projection().Verify(ctx)
	require.NoError(t, err)
	require.Empty(t, report.Drifts)
}

func TestOpenConflictsAndExplicitTakeover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line := f.open(t, NewLine{Origin: OriginOrder, ProductID: crates, WarehouseID: 1, Expected: 3}, "picker-a")

	_, err := f.svc.Open(ctx, line.ID, "picker-b", false)
	require.ErrorIs(t, err, ErrLineHeld)
	require.ErrorIs(t, err, shared.ErrConflict)
	require.Contains(t, err.Error(), "picker-a")

	view, err := f.svc.Open(ctx, line.ID, "picker-b", true)
	require.NoError(t, err)
	require.Equal(t, "picker-b", view.Holder)
	require.Equal(t, 1, f.metrics.takeovers)

	_, err = f.svc.SubmitCount(ctx, line.ID, "picker-a", 3)
	require.ErrorIs(t, err, ErrNotHolder)

	// Reopening by the holder is idempotent.
	_, err = f.svc.Open(ctx, line.ID, "picker-b", false)
	require.NoError(t, err)
}

func TestConcurrentOpenGrantsSingleHolder(t *testing.T) {
	f := newFixture(t)
	line, err := f.svc.Create(context.Background(), NewLine{Origin: OriginOrder, ProductID: crates, WarehouseID: 1, Expected: 3})
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted []string
	)
	for _, station := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Open(context.Background(), line.ID, station, false); err == nil {
				mu.Lock()
				granted = append(granted, station)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Len(t, granted, 1)
}

func TestExpiredLeaseRevertsToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: crates, WarehouseID: 1, Expected: 4}, "dock-1")

	f.clock.Advance(ttl / 2)
	_, err := f.svc.Heartbeat(ctx, line.ID, "dock-1")
	require.NoError(t, err)
	f.clock.Advance(ttl / 2)
	view, err := f.svc.StationView(ctx, line.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingCount, view.State)

	f.clock.Advance(ttl)
	view, err = f.svc.StationView(ctx, line.ID)
	require.NoError(t, err)
	require.Equal(t, StatePending, view.State)
	require.Empty(t, view.Holder)

	n, err := f.svc.ReleaseExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	stored, err := f.store.Get(ctx, line.ID)
	require.NoError(t, err)
	require.Equal(t, StatePending, stored.State)
	require.Empty(t, stored.Holder)

	_, err = f.svc.Open(ctx, line.ID, "dock-2", false)
	require.NoError(t, err)
}

func TestReleaseKeepsProtocolProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: crates, WarehouseID: 1, Expected: 10}, "dock-1")

	_, err := f.svc.SubmitCount(ctx, line.ID, "dock-1", 7)
	require.NoError(t, err)
	view, err := f.svc.Release(ctx, line.ID, "dock-1")
	require.NoError(t, err)
	require.Equal(t, StateMismatchRetry, view.State)

	_, err = f.svc.Open(ctx, line.ID, "dock-2", false)
	require.NoError(t, err)
	view, err = f.svc.SubmitCount(ctx, line.ID, "dock-2", 8)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingDecision, view.State)
	require.Zero(t, view.AttemptsLeft)

	fresh := f.open(t, NewLine{Origin: OriginPurchase, ProductID: crates, WarehouseID: 1, Expected: 10}, "dock-1")
	view, err = f.svc.Release(ctx, fresh.ID, "dock-1")
	require.NoError(t, err)
	require.Equal(t, StatePending, view.State)
}

func TestStationViewIsBlind(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: tomatoes, WarehouseID: 1, Expected: 50}, "dock-1")
	_, err := f.svc.SubmitCount(ctx, line.ID, "dock-1", 31)
	require.NoError(t, err)

	view, err := f.svc.StationView(ctx, line.ID)
	require.NoError(t, err)
	raw, err := json.Marshal(view)
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	require.NotContains(t, fields, "expected")
	require.NotContains(t, fields, "measured")
	require.NotContains(t, fields, "attempts")
	require.NotContains(t, string(raw), "31")
	require.NotContains(t, string(raw), "50")
}

func TestInvalidInputLeavesLineUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: crates, WarehouseID: 1, Expected: 10}, "dock-1")

	_, err := f.svc.SubmitCount(ctx, line.ID, "dock-1", -1)
	require.ErrorIs(t, err, ErrInvalidMeasurement)
	require.ErrorIs(t, err, shared.ErrValidation)

	stored, err := f.store.Get(ctx, line.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingCount, stored.State)
	require.Empty(t, stored.Attempts)

	_, err = f.svc.SubmitCount(ctx, line.ID, "dock-1", 10)
	require.NoError(t, err)
	_, err = f.svc.SubmitGrade(ctx, line.ID, "dock-1", GradeInput{Grade: GradeYellow, Reason: "other"})
	require.ErrorIs(t, err, ErrOtherNeedsNote)
	_, err = f.svc.SubmitGrade(ctx, line.ID, "dock-1", GradeInput{Grade: "blue"})
	require.ErrorIs(t, err, ErrInvalidGrade)
	_, err = f.svc.SubmitGrade(ctx, line.ID, "dock-1", GradeInput{Grade: GradeGreen, Reason: "expired"})
	require.ErrorIs(t, err, ErrReasonNotAllowed)

	moves, err := f.ledger.LineMovements(ctx, line.ID)
	require.NoError(t, err)
	require.Empty(t, moves)
}

func TestCreateRequiresRegisteredReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, NewLine{Origin: OriginPurchase, ProductID: 99, WarehouseID: 1, Expected: 1})
	require.ErrorIs(t, err, shared.ErrPrecondition)
	_, err = f.svc.Create(ctx, NewLine{Origin: "gift", ProductID: 1, WarehouseID: 1, Expected: 1})
	require.ErrorIs(t, err, ErrInvalidLine)
	_, err = f.svc.Create(ctx, NewLine{Origin: OriginOrder, ProductID: 1, WarehouseID: 1})
	require.ErrorIs(t, err, ErrInvalidLine)

	empty := NewService(NewMemoryStore(), f.ledger, catalog.NewMemoryRegistry(), db.MemoryRunner{}, Config{}, Deps{})
	_, err = empty.Create(ctx, NewLine{Origin: OriginPurchase, ProductID: 1, WarehouseID: 1, Expected: 1})
	require.ErrorIs(t, err, ledger.ErrNoWarehouse)
}

func TestTotalRejectionShortcutCreditsBilling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, crates, 10)
	line := f.open(t, NewLine{Origin: OriginOrder, ProductID: crates, WarehouseID: 1, Expected: 4, UnitPrice: 2.5, SourceRef: "SO-9"}, "picker")

	_, err := f.svc.Reject(ctx, line.ID, "picker", RejectInput{})
	require.ErrorIs(t, err, ErrReasonRequired)

	closed, err := f.svc.Reject(ctx, line.ID, "picker", RejectInput{Reason: "wrong_item"})
	require.NoError(t, err)
	require.Equal(t, StateRejected, closed.State)
	require.Zero(t, closed.Measured)
	require.InDelta(t, 4, closed.Shortfall, 1e-9)

	moves, err := f.ledger.LineMovements(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
	require.True(t, moves[0].ZeroConfirm)
	require.Equal(t, ledger.StatusInProcess, moves[0].Status)
	require.InDelta(t, 10, f.balance(t, crates, ledger.StatusAvailable), 1e-9)

	require.Len(t, f.credit.events, 1)
	evt := f.credit.events[0]
	require.Equal(t, "SO-9", evt.SourceRef)
	require.Zero(t, evt.Accepted)
	require.InDelta(t, 4, evt.Shortfall, 1e-9)
	require.InDelta(t, 10, evt.CreditAmount, 1e-9)
}

func TestOrderShortfallPicksMeasuredAndCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, crates, 20)
	line := f.open(t, NewLine{Origin: OriginOrder, ProductID: crates, WarehouseID: 1, Expected: 10, UnitPrice: 2.5}, "picker")

	for _, q := range []float64{8, 8} {
		_, err := f.svc.SubmitCount(ctx, line.ID, "picker", q)
		require.NoError(t, err)
	}
	_, err := f.svc.AcceptShortfall(ctx, line.ID, "picker")
	require.NoError(t, err)
	closed, err := f.svc.SubmitGrade(ctx, line.ID, "picker", GradeInput{Grade: GradeGreen})
	require.NoError(t, err)
	require.Equal(t, StatePartiallyAccepted, closed.State)

	require.InDelta(t, 12, f.balance(t, crates, ledger.StatusAvailable), 1e-9)
	require.Len(t, f.credit.events, 1)
	require.InDelta(t, 8, f.credit.events[0].Accepted, 1e-9)
	require.InDelta(t, 5, f.credit.events[0].CreditAmount, 1e-9)
}

func TestOrderYellowMovesToInProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, crates, 6)
	line := f.open(t, NewLine{Origin: OriginOrder, ProductID: crates, WarehouseID: 1, Expected: 6}, "picker")
	_, err := f.svc.QuickComplete(ctx, line.ID, "picker")
	require.NoError(t, err)
	_, err = f.svc.SubmitGrade(ctx, line.ID, "picker", GradeInput{Grade: GradeYellow, Reason: "broken_packaging"})
	require.NoError(t, err)

	require.Zero(t, f.balance(t, crates, ledger.StatusAvailable))
	require.InDelta(t, 6, f.balance(t, crates, ledger.StatusInProcess), 1e-9)
}

func TestAuditOutcomesAdjustToMeasured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.stock(t, crates, 30)

	line := f.open(t, NewLine{Origin: OriginAudit, ProductID: crates, WarehouseID: 1, Expected: 30}, "auditor")
	for _, q := range []float64{27, 27} {
		_, err := f.svc.SubmitCount(ctx, line.ID, "auditor", q)
		require.NoError(t, err)
	}
	_, err := f.svc.AcceptShortfall(ctx, line.ID, "auditor")
	require.NoError(t, err)
	_, err = f.svc.SubmitGrade(ctx, line.ID, "auditor", GradeInput{Grade: GradeGreen})
	require.NoError(t, err)
	require.InDelta(t, 27, f.balance(t, crates, ledger.StatusAvailable), 1e-9)

	line = f.open(t, NewLine{Origin: OriginAudit, ProductID: crates, WarehouseID: 1, Expected: 27}, "auditor")
	_, err = f.svc.SubmitCount(ctx, line.ID, "auditor", 28)
	require.NoError(t, err)
	_, err = f.svc.SubmitGrade(ctx, line.ID, "auditor", GradeInput{Grade: GradeYellow, Reason: "ripeness mismatch"})
	require.NoError(t, err)
	require.Zero(t, f.balance(t, crates, ledger.StatusAvailable))
	require.InDelta(t, 28, f.balance(t, crates, ledger.StatusInProcess), 1e-9)
}

func TestFailedHookRollsBackTerminalCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.AddTerminalHook(TerminalHookFunc(func(context.Context, DemandLine, []ledger.MovementRecord) error {
		return errors.New("costing unavailable")
	}))
	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: crates, WarehouseID: 1, Expected: 5}, "dock-1")
	_, err := f.svc.SubmitCount(ctx, line.ID, "dock-1", 5)
	require.NoError(t, err)

	_, err = f.svc.SubmitGrade(ctx, line.ID, "dock-1", GradeInput{Grade: GradeGreen})
	require.Error(t, err)

	stored, err := f.store.Get(ctx, line.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingQuality, stored.State)
	require.Nil(t, stored.Assessment)
	require.Zero(t, f.balance(t, crates, ledger.StatusAvailable))
	moves, err := f.ledger.LineMovements(ctx, line.ID)
	require.NoError(t, err)
	require.Empty(t, moves)
}

func TestLedgerPreconditionKeepsLineOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	line := f.open(t, NewLine{Origin: OriginOrder, ProductID: crates, WarehouseID: 1, Expected: 5}, "picker")
	_, err := f.svc.SubmitCount(ctx, line.ID, "picker", 5)
	require.NoError(t, err)

	_, err = f.svc.SubmitGrade(ctx, line.ID, "picker", GradeInput{Grade: GradeGreen})
	require.ErrorIs(t, err, ledger.ErrNegativeStock)

	stored, err := f.store.Get(ctx, line.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingQuality, stored.State)
	require.Equal(t, "picker", stored.Holder)
}

type flakyLedger struct {
	LedgerPort
	failures int
}

func (l *flakyLedger) Append(ctx context.Context, entries ...ledger.Entry) ([]ledger.MovementRecord, error) {
	if l.failures > 0 {
		l.failures--
		return nil, retry.Transient(errors.New("connection reset"))
	}
	return l.LedgerPort.Append(ctx, entries...)
}

func TestTransientLedgerFailureIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	flaky := &flakyLedger{LedgerPort: f.ledger, failures: 1}
	reg := catalog.NewMemoryRegistry()
	reg.PutWarehouse(catalog.Warehouse{ID: 1})
	reg.PutProduct(catalog.Product{ID: crates, BaseUnit: "unit"})
	svc := NewService(f.store, flaky, reg, db.MemoryRunner{}, Config{
		Retry: retry.Policy{MaxAttempts: 3, Backoff: []time.Duration{time.Millisecond}},
	}, Deps{Now: f.clock.Now})

	line, err := svc.Create(ctx, NewLine{Origin: OriginPurchase, ProductID: crates, WarehouseID: 1, Expected: 2})
	require.NoError(t, err)
	_, err = svc.Open(ctx, line.ID, "dock", false)
	require.NoError(t, err)
	_, err = svc.QuickComplete(ctx, line.ID, "dock")
	require.NoError(t, err)
	closed, err := svc.SubmitGrade(ctx, line.ID, "dock", GradeInput{Grade: GradeGreen})
	require.NoError(t, err)
	require.Equal(t, StateAccepted, closed.State)

	moves, err := f.ledger.LineMovements(ctx, line.ID)
	require.NoError(t, err)
	require.Len(t, moves, 1)
}

func TestTerminalEventIsPublished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, cancel := f.hub.Subscribe(16)
	defer cancel()

	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: crates, WarehouseID: 1, Expected: 1}, "dock")
	_, err := f.svc.QuickComplete(ctx, line.ID, "dock")
	require.NoError(t, err)
	_, err = f.svc.SubmitGrade(ctx, line.ID, "dock", GradeInput{Grade: GradeGreen})
	require.NoError(t, err)

	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	require.Equal(t, []string{notify.TypeLineClaimed, notify.TypeLineTerminal}, types)
}

func TestCancelledContextDoesNotStartWrite(t *testing.T) {
	f := newFixture(t)
	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: crates, WarehouseID: 1, Expected: 1}, "dock")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.svc.SubmitCount(ctx, line.ID, "dock", 1)
	require.ErrorIs(t, err, context.Canceled)
	stored, err := f.store.Get(context.Background(), line.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingCount, stored.State)
}

func TestAuditRecountsStockThatMovedSinceSampling(t *testing.T) {
	for _, tc := range []struct {
		grade     Grade
		reason    string
		available float64
		inProcess float64
	}{
		{grade: GradeGreen, available: 5},
		{grade: GradeYellow, reason: "ripeness mismatch", inProcess: 5},
	} {
		t.Run(string(tc.grade), func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			f.stock(t, crates, 10)
			line := f.open(t, NewLine{Origin: OriginAudit, ProductID: crates, WarehouseID: 1, Expected: 10}, "auditor")

			_, err := f.ledger.Append(ctx, ledger.Entry{
				Triple: ledger.Triple{ProductID: crates, WarehouseID: 1, Status: ledger.StatusAvailable},
				Delta:  -5,
				Kind:   ledger.KindExit,
			})
			require.NoError(t, err)

			for range 2 {
				_, err = f.svc.SubmitCount(ctx, line.ID, "auditor", 5)
				require.NoError(t, err)
			}
			_, err = f.svc.AcceptShortfall(ctx, line.ID, "auditor")
			require.NoError(t, err)
			closed, err := f.svc.SubmitGrade(ctx, line.ID, "auditor", GradeInput{Grade: tc.grade, Reason: tc.reason})
			require.NoError(t, err)
			require.True(t, closed.State.Terminal())

			require.InDelta(t, tc.available, f.balance(t, crates, ledger.StatusAvailable), 1e-9)
			require.InDelta(t, tc.inProcess, f.balance(t, crates, ledger.StatusInProcess), 1e-9)
			moves, err := f.ledger.LineMovements(ctx, line.ID)
			require.NoError(t, err)
			require.Equal(t, ledger.KindAdjustment, moves[0].Kind)
			require.Zero(t, moves[0].Delta)
			require.True(t, moves[0].ZeroConfirm)
		})
	}
}

func TestConcurrentExitWaitsForTerminalUnit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	entered := make(chan struct{})
	proceed := make(chan struct{})
	f.svc.AddTerminalHook(TerminalHookFunc(func(context.Context, DemandLine, []ledger.MovementRecord) error {
		close(entered)
		<-proceed
		return errors.New("costing unavailable")
	}))
	line := f.open(t, NewLine{Origin: OriginPurchase, ProductID: crates, WarehouseID: 1, Expected: 50}, "dock-1")
	_, err := f.svc.SubmitCount(ctx, line.ID, "dock-1", 50)
	require.NoError(t, err)

	graded := make(chan error, 1)
	go func() {
		_, err := f.svc.SubmitGrade(ctx, line.ID, "dock-1", GradeInput{Grade: GradeGreen})
		graded <- err
	}()
	<-entered

	exit := make(chan error, 1)
	go func() {
		_, err := f.ledger.Append(ctx, ledger.Entry{
			Triple: ledger.Triple{ProductID: crates, WarehouseID: 1, Status: ledger.StatusAvailable},
			Delta:  -50,
			Kind:   ledger.KindExit,
		})
		exit <- err
	}()
	select {
	case err := <-exit:
		t.Fatalf("exit posted against an uncommitted close: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(proceed)
	require.Error(t, <-graded)
	require.ErrorIs(t, <-exit, ledger.ErrNegativeStock)
	require.Zero(t, f.balance(t, crates, ledger.StatusAvailable))
	stored, err := f.store.Get(ctx, line.ID)
	require.NoError(t, err)
	require.Equal(t, StateAwaitingQuality, stored.State)
}
