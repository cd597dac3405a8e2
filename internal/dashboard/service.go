// Package dashboard builds the cached floor summary shown to supervisors.
package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/notify"
	"github.com/odyssey-erp/floorops/internal/reconcile"
	"github.com/odyssey-erp/floorops/internal/stockaudit"
)

// LineLister lists demand lines.
type LineLister interface {
	List(ctx context.Context, filter reconcile.LineFilter) ([]reconcile.DemandLine, error)
}

// PositionReader lists projected stock positions.
type PositionReader interface {
	Positions(ctx context.Context, filter ledger.PositionFilter) ([]ledger.StockPosition, error)
}

// AuditReporter summarises the audit task of a date.
type AuditReporter interface {
	Report(ctx context.Context, date string) (stockaudit.Report, error)
}

// StockTotal aggregates positions of one status.
type StockTotal struct {
	Positions int     `json:"positions"`
	Quantity  float64 `json:"quantity"`
}

// AuditProgress is the state of the day's audit task.
type AuditProgress struct {
	Date            string  `json:"date"`
	Counted         int     `json:"counted"`
	Pending         int     `json:"pending"`
	Flagged         int     `json:"flagged"`
	MeanAbsVariance float64 `json:"mean_abs_variance"`
}

// Summary is the floor overview for one warehouse, or all when WarehouseID
// is zero.
type Summary struct {
	WarehouseID int64                        `json:"warehouse_id,omitempty"`
	OpenLines   map[reconcile.State]int      `json:"open_lines"`
	Held        int                          `json:"held"`
	Escalations []reconcile.ReasonCount      `json:"escalations"`
	Stock       map[ledger.Status]StockTotal `json:"stock"`
	Audit       *AuditProgress               `json:"audit,omitempty"`
	GeneratedAt time.Time                    `json:"generated_at"`
}

// Service builds and caches summaries.
type Service struct {
	lines     LineLister
	positions PositionReader
	audits    AuditReporter
	cache     *Cache
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
	group     singleflight.Group
}

// Options groups optional collaborators.
type Options struct {
	Audits  AuditReporter
	Cache   *Cache
	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// NewService constructs Service.
func NewService(lines LineLister, positions PositionReader, opts Options) *Service {
	s := &Service{
		lines:     lines,
		positions: positions,
		audits:    opts.Audits,
		cache:     opts.Cache,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Summary returns the cached summary for warehouseID, building it on a miss.
// Cache failures degrade to a direct build.
func (s *Service) Summary(ctx context.Context, warehouseID int64) (Summary, error) {
	key, err := s.cache.BuildKey(ctx, "summary", strconv.FormatInt(warehouseID, 10), s.now().Format(stockaudit.DateLayout))
	if err != nil {
		s.logger.Warn("dashboard cache key", slog.Any("error", err))
		return s.build(ctx, warehouseID)
	}
	var cached Summary
	hit, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.logger.Warn("dashboard cache read", slog.String("key", key), slog.Any("error", err))
	}
	if hit {
		s.metrics.hit()
		return cached, nil
	}
	s.metrics.miss()

	resultChan := s.group.DoChan(key, func() (any, error) {
		// The shared build outlives any single caller.
		bctx := context.WithoutCancel(ctx)
		summary, err := s.build(bctx, warehouseID)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(bctx, key, summary); err != nil {
			s.logger.Warn("dashboard cache write", slog.String("key", key), slog.Any("error", err))
		}
		return summary, nil
	})
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return Summary{}, res.Err
		}
		return res.Val.(Summary), nil
	}
}

func (s *Service) build(ctx context.Context, warehouseID int64) (Summary, error) {
	start := time.Now()
	defer func() { s.metrics.observeBuild(time.Since(start)) }()

	now := s.now()
	summary := Summary{
		WarehouseID: warehouseID,
		OpenLines:   map[reconcile.State]int{},
		Stock:       map[ledger.Status]StockTotal{},
		GeneratedAt: now,
	}
	lines, err := s.lines.List(ctx, reconcile.LineFilter{})
	if err != nil {
		return Summary{}, err
	}
	scoped := lines[:0:0]
	for _, l := range lines {
		if warehouseID != 0 && l.WarehouseID != warehouseID {
			continue
		}
		scoped = append(scoped, l)
		if l.State.Terminal() {
			continue
		}
		state := l.State
		if l.LeaseExpired(now) && state == reconcile.StateAwaitingCount && len(l.Attempts) == 0 {
			state = reconcile.StatePending
		}
		summary.OpenLines[state]++
		if l.Holder != "" && !l.LeaseExpired(now) {
			summary.Held++
		}
	}
	summary.Escalations = reconcile.Tally(scoped)

	positions, err := s.positions.Positions(ctx, ledger.PositionFilter{WarehouseID: warehouseID})
	if err != nil {
		return Summary{}, err
	}
	for _, p := range positions {
		t := summary.Stock[p.Status]
		t.Positions++
		t.Quantity += p.Quantity
		summary.Stock[p.Status] = t
	}

	if s.audits != nil {
		report, err := s.audits.Report(ctx, now.Format(stockaudit.DateLayout))
		switch {
		case errors.Is(err, stockaudit.ErrTaskNotFound):
		case err != nil:
			return Summary{}, err
		default:
			summary.Audit = &AuditProgress{
				Date:            report.Task.Date,
				Counted:         report.Counted,
				Pending:         report.Pending,
				Flagged:         len(report.Flagged),
				MeanAbsVariance: report.MeanAbsVariance,
			}
		}
	}
	return summary, nil
}

// Publish implements notify.Publisher: events that change the floor picture
// invalidate cached summaries.
func (s *Service) Publish(ctx context.Context, evt notify.Event) error {
	switch evt.Type {
	case notify.TypeLineTerminal, notify.TypeLineClaimed, notify.TypeLineReleased,
		notify.TypeAuditTaskCreated, notify.TypeLedgerDrift:
	default:
		return nil
	}
	if _, err := s.cache.Bump(ctx); err != nil {
		return err
	}
	s.metrics.bump()
	return nil
}
