package stockaudit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/floorops/internal/jobs"
	"github.com/odyssey-erp/floorops/internal/shared"
	"github.com/odyssey-erp/floorops/jobs"
)

const sampleLockTTL = 2 * time.Minute

// SampleJob runs the daily sampler from the worker. A Redis lock keeps two
// workers from sampling the same date at once; the store's date uniqueness
// still decides the outcome when the lock is unavailable.
type SampleJob struct {
	service *Service
	locker  *redislock.Client
	metrics *jobmetrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewSampleJob constructs a job handler. locker may be nil.
func NewSampleJob(service *Service, locker *redislock.Client, metrics *jobmetrics.Metrics, logger *slog.Logger) *SampleJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &SampleJob{
		service: service,
		locker:  locker,
		metrics: metrics,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle fulfils the asynq.HandlerFunc contract.
func (j *SampleJob) Handle(ctx context.Context, task *asynq.Task) (err error) {
	var payload jobs.AuditSamplePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	date := j.now()
	if payload.Date != "" {
		if date, err = ParseDate(payload.Date); err != nil {
			return errors.Join(err, asynq.SkipRetry)
		}
	}
	key := date.Format(DateLayout)
	logger := j.logger.With(slog.String("date", key))

	tracker := j.metrics.Track(jobs.TaskAuditSample)
	defer func() { err = tracker.End(err) }()

	if j.locker != nil {
		lock, lockErr := j.locker.Obtain(ctx, shared.AuditSamplingLockKey(key), sampleLockTTL, nil)
		switch {
		case errors.Is(lockErr, redislock.ErrNotObtained):
			logger.Info("audit sampling already running elsewhere")
			return nil
		case lockErr != nil:
			logger.Warn("audit sampling lock unavailable; proceeding without lock", slog.Any("error", lockErr))
		default:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
					logger.Warn("release audit sampling lock", slog.Any("error", err))
				}
			}()
		}
	}

	t, created, err := j.service.RunDaily(ctx, date)
	if err != nil {
		logger.Error("audit sampling", slog.Any("error", err))
		return err
	}
	if created {
		j.metrics.AddOutput(jobs.TaskAuditSample, "items", len(t.Items))
	}
	logger.Info("audit sampling done", slog.Int64("task_id", t.ID), slog.Bool("created", created), slog.Int("items", len(t.Items)))
	return nil
}
