package ledger

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/floorops/internal/jobs"
	"github.com/odyssey-erp/floorops/internal/notify"
	"github.com/odyssey-erp/floorops/jobs"
)

// DriftObserver receives the size of every verification pass.
type DriftObserver interface {
	LedgerVerified(checked, drifted int)
}

// VerifyJob replays the ledger against the projection on a schedule and
// announces drifted triples. Drift is reported, never repaired.
type VerifyJob struct {
	ledger    *Ledger
	publisher notify.Publisher
	observer  DriftObserver
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
}

// NewVerifyJob constructs a job handler. publisher and observer may be nil.
func NewVerifyJob(ledger *Ledger, publisher notify.Publisher, observer DriftObserver, metrics *jobmetrics.Metrics, logger *slog.Logger) *VerifyJob {
	if publisher == nil {
		publisher = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &VerifyJob{ledger: ledger, publisher: publisher, observer: observer, metrics: metrics, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *VerifyJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	var payload jobs.LedgerVerifyPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(jobs.TaskLedgerVerify)
	defer func() { err = tracker.End(err) }()

	report, err := j.ledger.Projection().Verify(ctx)
	if err != nil {
		j.logger.Error("ledger verify", slog.Any("error", err))
		return err
	}
	if j.observer != nil {
		j.observer.LedgerVerified(report.Checked, len(report.Drifts))
	}
	j.metrics.AddOutput(jobs.TaskLedgerVerify, "drift", len(report.Drifts))
	for _, d := range report.Drifts {
		evt := notify.NewEvent(notify.TypeLedgerDrift, "position:"+d.Key(), map[string]any{
			"product_id":   d.ProductID,
			"warehouse_id": d.WarehouseID,
			"status":       d.Status,
			"projected":    d.Projected,
			"replayed":     d.Replayed,
		})
		if err := j.publisher.Publish(ctx, evt); err != nil {
			j.logger.Warn("publish ledger drift", slog.String("triple", d.Key()), slog.Any("error", err))
		}
	}
	j.logger.Info("ledger verified", slog.Int("checked", report.Checked), slog.Int("drifts", len(report.Drifts)))
	return nil
}
