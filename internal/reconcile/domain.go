// Package reconcile drives demand lines through the blind-count and quality
// gate protocol and posts their outcome to the stock ledger.
package reconcile

import (
	"errors"
	"time"

	"github.com/odyssey-erp/floorops/internal/shared"
)

// Origin is the collaborator workflow that created a line.
type Origin string

const (
	OriginPurchase Origin = "purchase"
	OriginOrder    Origin = "order"
	OriginAudit    Origin = "audit"
)

// Valid reports whether o is a known origin.
func (o Origin) Valid() bool {
	switch o {
	case OriginPurchase, OriginOrder, OriginAudit:
		return true
	}
	return false
}

// State is a demand line lifecycle state.
type State string

const (
	StatePending          State = "pending"
	StateAwaitingCount    State = "awaiting_count"
	StateMismatchRetry    State = "mismatch_retry"
	StateAwaitingDecision State = "awaiting_decision"
	StateAwaitingQuality  State = "awaiting_quality"

	StateAccepted          State = "accepted"
	StatePartiallyAccepted State = "partially_accepted"
	StateNeedsReview       State = "needs_review"
	StateRejected          State = "rejected"
)

// Terminal reports whether s closes the line.
func (s State) Terminal() bool {
	switch s {
	case StateAccepted, StatePartiallyAccepted, StateNeedsReview, StateRejected:
		return true
	}
	return false
}

// Grade is the quality tri-state.
type Grade string

const (
	GradeGreen  Grade = "green"
	GradeYellow Grade = "yellow"
	GradeRed    Grade = "red"
)

// Valid reports whether g is a known grade.
func (g Grade) Valid() bool {
	switch g {
	case GradeGreen, GradeYellow, GradeRed:
		return true
	}
	return false
}

// AttemptResult classifies one blind count.
type AttemptResult string

const (
	ResultWithinTolerance AttemptResult = "within_tolerance"
	ResultShortfall       AttemptResult = "shortfall"
)

// MaxAttempts caps blind counts before the operator must decide.
const MaxAttempts = 2

// Attempt is one immutable blind count.
type Attempt struct {
	Seq      int           `json:"seq"`
	Measured float64       `json:"measured"`
	Result   AttemptResult `json:"result"`
	Station  string        `json:"station"`
	At       time.Time     `json:"at"`
}

// QualityAssessment is the single grade attached to a terminal line.
type QualityAssessment struct {
	Grade  Grade  `json:"grade"`
	Reason Reason `json:"reason,omitempty"`
	Note   string `json:"note,omitempty"`
}

// DemandLine is one expected physical movement. Quantities are in the
// product's base unit; PriceUnit only qualifies UnitPrice.
type DemandLine struct {
	ID          int64   `json:"id"`
	Origin      Origin  `json:"origin"`
	ProductID   int64   `json:"product_id"`
	WarehouseID int64   `json:"warehouse_id"`
	Expected    float64 `json:"expected"`
	Tolerance   float64 `json:"tolerance"`
	PriceUnit   string  `json:"price_unit,omitempty"`
	UnitPrice   float64 `json:"unit_price,omitempty"`
	SourceRef   string  `json:"source_ref,omitempty"`

	State      State              `json:"state"`
	Attempts   []Attempt          `json:"attempts"`
	Measured   float64            `json:"measured"`
	Counted    bool               `json:"counted"`
	Shortfall  float64            `json:"shortfall"`
	Assessment *QualityAssessment `json:"assessment,omitempty"`

	Holder     string    `json:"holder,omitempty"`
	LeaseUntil time.Time `json:"lease_until,omitempty"`
	Version    int64     `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ClosedAt   time.Time `json:"closed_at,omitempty"`
}

// AcceptedQuantity is the quantity the line delivered to its destination.
// Rejected lines deliver nothing.
func (l DemandLine) AcceptedQuantity() float64 {
	if !l.State.Terminal() || l.State == StateRejected {
		return 0
	}
	return l.Measured
}

// HeldBy reports whether station holds a live lease at now.
func (l DemandLine) HeldBy(station string, now time.Time) bool {
	return l.Holder != "" && l.Holder == station && !l.LeaseExpired(now)
}

// LeaseExpired reports whether the current lease has lapsed.
func (l DemandLine) LeaseExpired(now time.Time) bool {
	return l.Holder != "" && !now.Before(l.LeaseUntil)
}

func (l DemandLine) clone() DemandLine {
	out := l
	out.Attempts = append([]Attempt(nil), l.Attempts...)
	if l.Assessment != nil {
		a := *l.Assessment
		out.Assessment = &a
	}
	return out
}

// NewLine is the collaborator request to open a demand line.
type NewLine struct {
	Origin      Origin  `json:"origin" validate:"required,oneof=purchase order audit"`
	ProductID   int64   `json:"product_id" validate:"required"`
	WarehouseID int64   `json:"warehouse_id" validate:"required"`
	Expected    float64 `json:"expected" validate:"gte=0"`
	PriceUnit   string  `json:"price_unit"`
	UnitPrice   float64 `json:"unit_price" validate:"gte=0"`
	SourceRef   string  `json:"source_ref"`
}

// StationView is what a counting station sees. It never carries the
// expected quantity or earlier counts.
type StationView struct {
	ID           int64     `json:"id"`
	Origin       Origin    `json:"origin"`
	ProductID    int64     `json:"product_id"`
	WarehouseID  int64     `json:"warehouse_id"`
	State        State     `json:"state"`
	AttemptsUsed int       `json:"attempts_used"`
	AttemptsLeft int       `json:"attempts_left"`
	Holder       string    `json:"holder,omitempty"`
	LeaseUntil   time.Time `json:"lease_until,omitempty"`
	Choices      []string  `json:"choices"`
}

// View renders the blind station view of l.
func (l DemandLine) View() StationView {
	used := len(l.Attempts)
	return StationView{
		ID:           l.ID,
		Origin:       l.Origin,
		ProductID:    l.ProductID,
		WarehouseID:  l.WarehouseID,
		State:        l.State,
		AttemptsUsed: used,
		AttemptsLeft: max(MaxAttempts-used, 0),
		Holder:       l.Holder,
		LeaseUntil:   l.LeaseUntil,
		Choices:      Choices(l),
	}
}

// LineFilter narrows line listings.
type LineFilter struct {
	Origin    Origin
	State     State
	SourceRef string
	// Open keeps non-terminal lines only.
	Open bool
	// LeaseExpiredBefore keeps held lines whose lease ended before the time.
	LeaseExpiredBefore time.Time
	Limit              int
}

// GradeInput is the quality decision for a line in awaiting_quality.
type GradeInput struct {
	Grade  Grade  `json:"grade" validate:"required,oneof=green yellow red"`
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

// RejectInput escalates a line straight to rejected.
type RejectInput struct {
	Reason string `json:"reason" validate:"required"`
	Note   string `json:"note"`
}

var (
	// ErrLineNotFound indicates an unknown demand line.
	ErrLineNotFound = shared.NotFound(errors.New("reconcile: line not found"))
	// ErrLineHeld indicates another station holds the line.
	ErrLineHeld = shared.Conflict(errors.New("reconcile: line held by another station"))
	// ErrNotHolder indicates the caller does not hold the line.
	ErrNotHolder = shared.Conflict(errors.New("reconcile: station does not hold the line"))
	// ErrStaleLine indicates a concurrent write won the version race.
	ErrStaleLine = shared.Conflict(errors.New("reconcile: line changed concurrently"))
	// ErrLineClosed indicates the line already reached a terminal state.
	ErrLineClosed = shared.Conflict(errors.New("reconcile: line already closed"))
	// ErrInvalidTransition indicates the operation is not allowed in the current state.
	ErrInvalidTransition = shared.Conflict(errors.New("reconcile: operation not allowed in current state"))
	// ErrInvalidMeasurement indicates a negative or non-numeric count.
	ErrInvalidMeasurement = shared.Validation(errors.New("reconcile: measured quantity must be a finite number >= 0"))
	// ErrInvalidLine indicates a malformed creation request.
	ErrInvalidLine = shared.Validation(errors.New("reconcile: invalid demand line"))
	// ErrStationRequired indicates a missing station identity.
	ErrStationRequired = shared.Validation(errors.New("reconcile: station required"))
)
