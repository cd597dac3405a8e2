// Package ledger implements the append-only stock movement ledger and the
// stock projection derived from it.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/odyssey-erp/floorops/internal/shared"
)

// Status is the stock bucket a movement lands in.
type Status string

const (
	StatusAvailable Status = "available"
	StatusReturned  Status = "returned"
	StatusInProcess Status = "in_process"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusReturned, StatusInProcess:
		return true
	}
	return false
}

// Kind classifies a movement.
type Kind string

const (
	KindEntry      Kind = "entry"
	KindExit       Kind = "exit"
	KindAdjustment Kind = "adjustment"
	KindTransfer   Kind = "transfer"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindEntry, KindExit, KindAdjustment, KindTransfer:
		return true
	}
	return false
}

// Triple identifies one stock position.
type Triple struct {
	ProductID   int64  `json:"product_id"`
	WarehouseID int64  `json:"warehouse_id"`
	Status      Status `json:"status"`
}

// Key renders the triple for lock striping and map keys.
func (t Triple) Key() string {
	return fmt.Sprintf("%d:%d:%s", t.ProductID, t.WarehouseID, t.Status)
}

// Entry is one requested movement within a movement set.
type Entry struct {
	Triple
	Delta float64
	Kind  Kind
	// ZeroConfirm records a deliberate zero-quantity outcome.
	ZeroConfirm bool
	// Recount sets the position to Measured. Append derives the delta from
	// the locked position it reads, ignoring Delta and ZeroConfirm. Only
	// adjustments may recount.
	Recount  bool
	Measured float64
	Note     string
	LineID   int64
	Actor    string
}

// MovementRecord is an immutable ledger row.
type MovementRecord struct {
	Seq           int64     `json:"seq"`
	CorrelationID string    `json:"correlation_id"`
	Triple
	Delta       float64   `json:"delta"`
	Kind        Kind      `json:"kind"`
	ZeroConfirm bool      `json:"zero_confirm"`
	Note        string    `json:"note,omitempty"`
	LineID      int64     `json:"line_id,omitempty"`
	Actor       string    `json:"actor,omitempty"`
	PostedAt    time.Time `json:"posted_at"`
}

// StockPosition is the derived quantity for a triple.
type StockPosition struct {
	Triple
	Quantity  float64   `json:"quantity"`
	LastSeq   int64     `json:"last_seq"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CardEntry is a movement with the position balance right after it.
type CardEntry struct {
	MovementRecord
	Balance float64 `json:"balance"`
}

// PositionFilter narrows projection listings.
type PositionFilter struct {
	ProductID   int64
	WarehouseID int64
	Status      Status
	// PositiveOnly keeps positions with quantity > 0.
	PositiveOnly bool
}

// MovementFilter narrows movement listings. Results are ordered by Seq
// ascending; Limit keeps the most recent rows.
type MovementFilter struct {
	Triple *Triple
	LineID int64
	Limit  int
}

// AdjustmentInput describes a manual operator adjustment.
type AdjustmentInput struct {
	ProductID      int64   `json:"product_id" validate:"required"`
	WarehouseID    int64   `json:"warehouse_id" validate:"required"`
	Status         Status  `json:"status" validate:"required"`
	Delta          float64 `json:"delta"`
	Note           string  `json:"note" validate:"required"`
	Actor          string  `json:"actor"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// Breakdown sums one product's stock in a warehouse by status.
type Breakdown struct {
	ProductID   int64   `json:"product_id"`
	WarehouseID int64   `json:"warehouse_id"`
	Available   float64 `json:"available"`
	Returned    float64 `json:"returned"`
	InProcess   float64 `json:"in_process"`
}

// Total sums every status.
func (b Breakdown) Total() float64 {
	return round(b.Available + b.Returned + b.InProcess)
}

// Drift reports a position that disagrees with its replay.
type Drift struct {
	Triple
	Projected float64 `json:"projected"`
	Replayed  float64 `json:"replayed"`
}

// VerifyReport summarises a projection verification pass.
type VerifyReport struct {
	Checked int     `json:"checked"`
	Drifts  []Drift `json:"drifts"`
}

var (
	// ErrNoWarehouse indicates the registry has no warehouse yet.
	ErrNoWarehouse = shared.Precondition(errors.New("ledger: no warehouse registered"))
	// ErrUnknownProduct indicates an entry references a missing product.
	ErrUnknownProduct = shared.Precondition(errors.New("ledger: unknown product"))
	// ErrUnknownWarehouse indicates an entry references a missing warehouse.
	ErrUnknownWarehouse = shared.Precondition(errors.New("ledger: unknown warehouse"))
	// ErrNegativeStock indicates a non-adjustment movement would drive a position below zero.
	ErrNegativeStock = shared.Precondition(errors.New("ledger: negative stock not allowed"))
	// ErrEmptySet indicates Append was called without entries.
	ErrEmptySet = shared.Validation(errors.New("ledger: movement set is empty"))
	// ErrZeroDelta indicates a zero delta without the zero-confirm tag.
	ErrZeroDelta = shared.Validation(errors.New("ledger: zero delta requires zero-confirm"))
	// ErrZeroConfirmDelta indicates a zero-confirm entry carrying a quantity.
	ErrZeroConfirmDelta = shared.Validation(errors.New("ledger: zero-confirm entry must carry zero delta"))
	// ErrInvalidDelta indicates a NaN or infinite delta.
	ErrInvalidDelta = shared.Validation(errors.New("ledger: delta must be finite"))
	// ErrRecountKind indicates a recount entry that is not an adjustment.
	ErrRecountKind = shared.Validation(errors.New("ledger: only adjustments may recount"))
	// ErrNegativeRecount indicates a recount to a negative quantity.
	ErrNegativeRecount = shared.Validation(errors.New("ledger: recount quantity must not be negative"))
	// ErrInvalidStatus indicates an unknown status.
	ErrInvalidStatus = shared.Validation(errors.New("ledger: invalid status"))
	// ErrInvalidKind indicates an unknown movement kind.
	ErrInvalidKind = shared.Validation(errors.New("ledger: invalid movement kind"))
	// ErrNoteRequired indicates a manual adjustment without a note.
	ErrNoteRequired = shared.Validation(errors.New("ledger: adjustment note required"))
)

const (
	quantityScale = 1e6
	// negativeEpsilon absorbs float noise when checking for negative stock.
	negativeEpsilon = 1e-6
)

func round(q float64) float64 {
	return math.Round(q*quantityScale) / quantityScale
}

func (e Entry) validate() error {
	if e.ProductID == 0 || e.WarehouseID == 0 {
		return shared.Validation(errors.New("ledger: product and warehouse required"))
	}
	if !e.Status.Valid() {
		return ErrInvalidStatus
	}
	if !e.Kind.Valid() {
		return ErrInvalidKind
	}
	if e.Recount {
		switch {
		case e.Kind != KindAdjustment:
			return ErrRecountKind
		case math.IsNaN(e.Measured) || math.IsInf(e.Measured, 0):
			return ErrInvalidDelta
		case e.Measured < 0:
			return ErrNegativeRecount
		}
		return nil
	}
	if math.IsNaN(e.Delta) || math.IsInf(e.Delta, 0) {
		return ErrInvalidDelta
	}
	d := round(e.Delta)
	switch {
	case e.ZeroConfirm && d != 0:
		return ErrZeroConfirmDelta
	case !e.ZeroConfirm && d == 0:
		return ErrZeroDelta
	}
	return nil
}
