package stockaudit

import (
	"cmp"
	"math/rand/v2"
	"slices"
	"strings"
	"time"

	"github.com/odyssey-erp/floorops/internal/catalog"
	"github.com/odyssey-erp/floorops/internal/ledger"
)

// randomSpan bounds the uniform component of every score. Weights only add
// to it, so chance always influences the pick.
const randomSpan = 10.0

// Facts are the signals scored for one position.
type Facts struct {
	Position ledger.StockPosition
	Product  catalog.Product
	UnitCost float64
	// LastAudited is zero when the position was never sampled.
	LastAudited time.Time
}

// Flags reports which policy conditions hold for f.
func (p Policy) Flags(f Facts, now time.Time) []Flag {
	flags := []Flag{}
	if p.HighValueThreshold > 0 && f.UnitCost >= p.HighValueThreshold {
		flags = append(flags, FlagHighValue)
	}
	if f.Position.Quantity <= f.Product.MinStock {
		flags = append(flags, FlagLowStock)
	}
	if p.RotationDays > 0 {
		if f.LastAudited.IsZero() || now.Sub(f.LastAudited) >= time.Duration(p.RotationDays)*24*time.Hour {
			flags = append(flags, FlagRotation)
		}
	}
	if f.Product.Category != "" && slices.ContainsFunc(p.PerishableCategories, func(c string) bool {
		return strings.EqualFold(strings.TrimSpace(c), f.Product.Category)
	}) {
		flags = append(flags, FlagPerishable)
	}
	return flags
}

func (p Policy) weight(flag Flag) float64 {
	switch flag {
	case FlagHighValue:
		return p.Weights.HighValue
	case FlagLowStock:
		return p.Weights.LowStock
	case FlagRotation:
		return p.Weights.Rotation
	case FlagPerishable:
		return p.Weights.Perishable
	}
	return 0
}

// Score draws uniform(0,10) and adds the weight of every flag that holds.
func (p Policy) Score(f Facts, now time.Time, rnd *rand.Rand) Candidate {
	flags := p.Flags(f, now)
	score := rnd.Float64() * randomSpan
	for _, flag := range flags {
		score += p.weight(flag)
	}
	return Candidate{
		ProductID:   f.Position.ProductID,
		WarehouseID: f.Position.WarehouseID,
		Quantity:    f.Position.Quantity,
		Score:       score,
		Flags:       flags,
	}
}

// Select keeps the n highest scores.
func Select(candidates []Candidate, n int) []Candidate {
	out := slices.Clone(candidates)
	slices.SortStableFunc(out, func(a, b Candidate) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ProductID, b.ProductID); c != 0 {
			return c
		}
		return cmp.Compare(a.WarehouseID, b.WarehouseID)
	})
	if n >= 0 && n < len(out) {
		out = out[:n]
	}
	return out
}

// Variance is (measured − expected) / expected. A zero expectation reports
// zero when nothing was found and a full deviation otherwise.
func Variance(expected, measured float64) float64 {
	if expected == 0 {
		if measured == 0 {
			return 0
		}
		return 1
	}
	return (measured - expected) / expected
}
