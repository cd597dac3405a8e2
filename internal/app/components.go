package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/floorops/internal/catalog"
	"github.com/odyssey-erp/floorops/internal/costing"
	"github.com/odyssey-erp/floorops/internal/dashboard"
	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/notify"
	"github.com/odyssey-erp/floorops/internal/observability"
	"github.com/odyssey-erp/floorops/internal/platform/db"
	"github.com/odyssey-erp/floorops/internal/reconcile"
	"github.com/odyssey-erp/floorops/internal/shared"
	"github.com/odyssey-erp/floorops/internal/stockaudit"
)

// Components is the wired floor core shared by the API server and the
// worker.
type Components struct {
	Pool     *pgxpool.Pool
	Redis    *redis.Client
	Registry catalog.Registry
	// Catalog is set for the memory driver only.
	Catalog *catalog.MemoryRegistry

	Ledger    *ledger.Ledger
	Lines     *reconcile.Service
	Costing   *costing.Engine
	Audits    *stockaudit.Service
	Dashboard *dashboard.Service

	Hub       *notify.Hub
	Publisher notify.Publisher
	Metrics   *observability.Metrics
}

type stores struct {
	runner      db.Runner
	registry    catalog.Registry
	ledger      ledger.Store
	lines       reconcile.LineStore
	costs       costing.Store
	audits      stockaudit.Store
	auditLog    ledger.AuditPort
	idempotency ledger.IdempotencyPort
}

// NewComponents builds the floor core for cfg.StoreDriver. redisClient may
// be nil, in which case events stay in process and the dashboard is not
// cached.
func NewComponents(ctx context.Context, cfg *Config, logger *slog.Logger, redisClient *redis.Client) (*Components, error) {
	c := &Components{
		Redis:   redisClient,
		Hub:     notify.NewHub(),
		Metrics: observability.NewMetrics(),
	}

	var st stores
	switch cfg.StoreDriver {
	case DriverPostgres:
		pool, err := db.New(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		c.Pool = pool
		st = stores{
			runner:      db.PoolRunner{Pool: pool},
			registry:    catalog.NewRepository(pool),
			ledger:      ledger.NewRepository(pool),
			lines:       reconcile.NewRepository(pool),
			costs:       costing.NewRepository(pool),
			audits:      stockaudit.NewRepository(pool),
			auditLog:    shared.NewAuditLogger(pool),
			idempotency: shared.NewIdempotencyStore(pool),
		}
	case DriverMemory:
		c.Catalog = catalog.NewMemoryRegistry()
		st = stores{
			runner:      db.MemoryRunner{},
			registry:    c.Catalog,
			ledger:      ledger.NewMemoryStore(),
			lines:       reconcile.NewMemoryStore(),
			costs:       costing.NewMemoryStore(),
			audits:      stockaudit.NewMemoryStore(),
			auditLog:    shared.SlogAuditLogger{Logger: logger},
			idempotency: shared.NewMemoryIdempotencyStore(),
		}
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	c.Registry = st.registry

	metrics, err := dashboard.NewMetrics(c.Metrics.Registerer())
	if err != nil {
		c.Close()
		return nil, err
	}
	var cache *dashboard.Cache
	if redisClient != nil {
		cache = dashboard.NewCache(redisClient, cfg.DashboardCacheTTL)
	}

	c.Ledger = ledger.New(st.ledger, st.registry, st.runner, ledger.Options{
		Audit:       st.auditLog,
		Idempotency: st.idempotency,
		Logger:      logger,
	})
	projection := c.Ledger.Projection()

	targets := []notify.Publisher{c.Hub}
	if redisClient != nil {
		targets = append(targets, notify.NewRedisBroker(redisClient, cfg.NotifyChannel))
	}
	// The dashboard is appended once built; Fanout reads Targets per publish.
	fanout := &notify.Fanout{Targets: targets, Logger: logger}
	c.Publisher = fanout

	c.Lines = reconcile.NewService(st.lines, c.Ledger, st.registry, st.runner, cfg.ReconcileConfig(), reconcile.Deps{
		Audit:     st.auditLog,
		Publisher: fanout,
		Credit:    reconcile.EventCredit{Publisher: fanout},
		Metrics:   c.Metrics,
		Logger:    logger,
	})
	c.Costing = costing.NewEngine(st.costs, st.registry, costing.Options{
		Window:    cfg.CostingWindow,
		Positions: projection,
		Logger:    logger,
	})
	c.Audits = stockaudit.NewService(st.audits, projection, st.registry, c.Lines, st.runner, cfg.AuditPolicy(), stockaudit.Deps{
		Costs:     c.Costing,
		Audit:     st.auditLog,
		Publisher: fanout,
		Logger:    logger,
	})
	c.Lines.AddTerminalHook(costing.NewPurchaseRecorder(c.Costing))
	c.Lines.AddTerminalHook(c.Audits)

	c.Dashboard = dashboard.NewService(c.Lines, projection, dashboard.Options{
		Audits:  c.Audits,
		Cache:   cache,
		Metrics: metrics,
		Logger:  logger,
	})
	fanout.Targets = append(fanout.Targets, c.Dashboard)
	return c, nil
}

// Listener forwards events published by other processes into the local hub.
// It is nil without Redis.
func (c *Components) Listener(cfg *Config, logger *slog.Logger) *notify.Listener {
	if c.Redis == nil {
		return nil
	}
	return notify.NewListener(c.Redis, cfg.NotifyChannel, c.Hub, logger)
}

// Close releases the database pool.
func (c *Components) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}
