package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAuditSample runs the daily stock audit sampler.
	TaskAuditSample = "stockaudit:sample"
	// TaskLedgerVerify replays the ledger against the projection.
	TaskLedgerVerify = "ledger:verify"
	// TaskLeaseSweep releases demand lines whose station lease lapsed.
	TaskLeaseSweep = "line:sweep"
)

// AuditSamplePayload selects the sampling date. An empty date means the
// scheduler's current day.
type AuditSamplePayload struct {
	Date string `json:"date,omitempty"`
}

// LedgerVerifyPayload carries scheduling metadata.
type LedgerVerifyPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// LeaseSweepPayload carries scheduling metadata.
type LeaseSweepPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NewAuditSampleTask constructs an Asynq task for the audit sampler.
func NewAuditSampleTask(date string) (*asynq.Task, error) {
	return newTask(TaskAuditSample, AuditSamplePayload{Date: date})
}

// NewLedgerVerifyTask constructs an Asynq task for ledger verification.
func NewLedgerVerifyTask(at time.Time) (*asynq.Task, error) {
	return newTask(TaskLedgerVerify, LedgerVerifyPayload{ScheduledFor: at})
}

// NewLeaseSweepTask constructs an Asynq task for the lease sweep.
func NewLeaseSweepTask(at time.Time) (*asynq.Task, error) {
	return newTask(TaskLeaseSweep, LeaseSweepPayload{ScheduledFor: at})
}

func newTask(typ string, payload any) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, body, asynq.Queue(QueueDefault)), nil
}
