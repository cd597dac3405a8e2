package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/floorops/internal/jobs"
	"github.com/odyssey-erp/floorops/jobs"
)

// SweepJob returns lines with lapsed leases to the queue.
type SweepJob struct {
	service *Service
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
}

// NewSweepJob constructs a job handler.
func NewSweepJob(service *Service, metrics *jobmetrics.Metrics, logger *slog.Logger) *SweepJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SweepJob{service: service, metrics: metrics, logger: logger}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *SweepJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	var payload jobs.LeaseSweepPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(jobs.TaskLeaseSweep)
	defer func() { err = tracker.End(err) }()

	released, err := j.service.ReleaseExpired(ctx)
	j.metrics.AddOutput(jobs.TaskLeaseSweep, "released", released)
	if err != nil {
		j.logger.Error("lease sweep", slog.Int("released", released), slog.Any("error", err))
		return err
	}
	if released > 0 {
		j.logger.Info("lease sweep", slog.Int("released", released))
	}
	return nil
}
