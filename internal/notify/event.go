// Package notify fans floor events out to connected dashboards. Delivery is
// best effort and at least once; consumers must tolerate duplicates and fall
// back to polling the ledger for truth.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Event types published by the floor core.
const (
	TypeLineTerminal     = "line.terminal"
	TypeLineClaimed      = "line.claimed"
	TypeLineReleased     = "line.released"
	TypeAuditTaskCreated = "audit.task_created"
	TypeLedgerDrift      = "ledger.drift"
	// TypeCreditRequested asks billing to credit an order shortfall.
	TypeCreditRequested = "billing.credit_requested"
)

// Event is one notification. ID is unique per logical event and is the
// deduplication key on the consuming side.
type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Subject string         `json:"subject"`
	Data    map[string]any `json:"data,omitempty"`
	At      time.Time      `json:"at"`
}

// NewEvent stamps a fresh event.
func NewEvent(typ, subject string, data map[string]any) Event {
	return Event{ID: uuid.NewString(), Type: typ, Subject: subject, Data: data, At: time.Now().UTC()}
}

// Publisher broadcasts events.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Fanout publishes to every target and logs failures instead of returning
// them.
type Fanout struct {
	Targets []Publisher
	Logger  *slog.Logger
}

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, evt Event) error {
	for _, t := range f.Targets {
		if t == nil {
			continue
		}
		if err := t.Publish(ctx, evt); err != nil {
			logger := f.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("notify publish", slog.String("type", evt.Type), slog.String("id", evt.ID), slog.Any("error", err))
		}
	}
	return nil
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) error { return nil }
