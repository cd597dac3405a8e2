// Package stockaudit selects stock positions for unannounced blind recounts
// and tracks the variance each recount finds.
package stockaudit

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/floorops/internal/shared"
)

// DateLayout is the calendar date format used as the task key.
const DateLayout = "2006-01-02"

// Weights are additive score bonuses, one per policy flag.
type Weights struct {
	HighValue  float64 `json:"high_value"`
	LowStock   float64 `json:"low_stock"`
	Rotation   float64 `json:"rotation"`
	Perishable float64 `json:"perishable"`
}

// Policy configures the daily sampler.
type Policy struct {
	ItemsPerDay int     `json:"items_per_day"`
	Weights     Weights `json:"weights"`
	// AlertVariance flags an item whose |variance| exceeds it.
	AlertVariance float64 `json:"alert_variance"`
	// HighValueThreshold is the average unit cost from which a product is
	// high value.
	HighValueThreshold float64 `json:"high_value_threshold"`
	// RotationDays flags positions not audited within the period.
	RotationDays         int      `json:"rotation_days"`
	PerishableCategories []string `json:"perishable_categories"`
	// WarehouseID restricts sampling to one warehouse when set.
	WarehouseID int64 `json:"warehouse_id,omitempty"`
}

// DefaultPolicy mirrors the shipped configuration defaults.
func DefaultPolicy() Policy {
	return Policy{
		ItemsPerDay:          5,
		Weights:              Weights{HighValue: 3, LowStock: 4, Rotation: 2, Perishable: 2},
		AlertVariance:        0.05,
		HighValueThreshold:   100000,
		RotationDays:         30,
		PerishableCategories: []string{"produce", "dairy", "meat", "bakery"},
	}
}

// Flag names a policy condition that held for a candidate.
type Flag string

const (
	FlagHighValue  Flag = "high_value"
	FlagLowStock   Flag = "low_stock"
	FlagRotation   Flag = "rotation"
	FlagPerishable Flag = "perishable"
)

// Candidate is a scored stock position.
type Candidate struct {
	ProductID   int64   `json:"product_id"`
	WarehouseID int64   `json:"warehouse_id"`
	Quantity    float64 `json:"quantity"`
	Score       float64 `json:"score"`
	Flags       []Flag  `json:"flags"`
}

// ItemStatus tracks an audit item through its count.
type ItemStatus string

const (
	ItemPending  ItemStatus = "pending"
	ItemCounting ItemStatus = "counting"
	ItemCounted  ItemStatus = "counted"
)

// Item is one sampled position. Expected is the quantity captured at
// sampling time.
type Item struct {
	ID          int64      `json:"id"`
	TaskID      int64      `json:"task_id"`
	ProductID   int64      `json:"product_id"`
	WarehouseID int64      `json:"warehouse_id"`
	Expected    float64    `json:"expected"`
	Score       float64    `json:"score"`
	Flags       []Flag     `json:"flags"`
	Status      ItemStatus `json:"status"`
	LineID      int64      `json:"line_id,omitempty"`
	Measured    *float64   `json:"measured,omitempty"`
	Variance    *float64   `json:"variance,omitempty"`
	Flagged     bool       `json:"flagged"`
	CountedAt   time.Time  `json:"counted_at,omitempty"`
}

// Task is the single sampling batch of a calendar date.
type Task struct {
	ID        int64     `json:"id"`
	Date      string    `json:"date"`
	Items     []Item    `json:"items"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is the outcome of a finished audit count.
type Result struct {
	Measured  float64
	Variance  float64
	Flagged   bool
	CountedAt time.Time
}

var (
	// ErrTaskNotFound indicates no task for the id or date.
	ErrTaskNotFound = shared.NotFound(errors.New("stockaudit: task not found"))
	// ErrTaskExists indicates a task already exists for the date.
	ErrTaskExists = shared.Conflict(errors.New("stockaudit: task already exists for date"))
	// ErrItemNotFound indicates an unknown audit item.
	ErrItemNotFound = shared.NotFound(errors.New("stockaudit: item not found"))
	// ErrItemCounted indicates the item already has a result.
	ErrItemCounted = shared.Conflict(errors.New("stockaudit: item already counted"))
	// ErrInvalidDate indicates a malformed task date.
	ErrInvalidDate = shared.Validation(errors.New("stockaudit: date must be YYYY-MM-DD"))
	// ErrInvalidPolicy indicates an unusable sampling policy.
	ErrInvalidPolicy = shared.Validation(errors.New("stockaudit: invalid policy"))
)

// Validate checks the policy bounds.
func (p Policy) Validate() error {
	switch {
	case p.ItemsPerDay <= 0:
		return fmt.Errorf("%w: items per day must be positive", ErrInvalidPolicy)
	case p.AlertVariance < 0:
		return fmt.Errorf("%w: alert variance must not be negative", ErrInvalidPolicy)
	case p.Weights.HighValue < 0 || p.Weights.LowStock < 0 || p.Weights.Rotation < 0 || p.Weights.Perishable < 0:
		return fmt.Errorf("%w: weights must not be negative", ErrInvalidPolicy)
	}
	return nil
}
