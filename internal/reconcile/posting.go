package reconcile

import (
	"fmt"

	"github.com/odyssey-erp/floorops/internal/ledger"
)

// PlanMovements builds the single movement set a terminal line posts. A red
// grade never changes available stock: purchases land in in_process, orders
// and audits leave a zero-confirmation record.
func PlanMovements(l DemandLine, actor string) []ledger.Entry {
	if !l.State.Terminal() || l.Assessment == nil {
		return nil
	}
	q := roundQty(l.Measured)
	grade := l.Assessment.Grade
	note := l.note()

	triple := func(s ledger.Status) ledger.Triple {
		return ledger.Triple{ProductID: l.ProductID, WarehouseID: l.WarehouseID, Status: s}
	}
	entry := func(s ledger.Status, kind ledger.Kind, delta float64) ledger.Entry {
		delta = roundQty(delta)
		return ledger.Entry{
			Triple:      triple(s),
			Delta:       delta,
			Kind:        kind,
			ZeroConfirm: delta == 0,
			Note:        note,
			LineID:      l.ID,
			Actor:       actor,
		}
	}

	switch l.Origin {
	case OriginPurchase:
		switch grade {
		case GradeGreen:
			return []ledger.Entry{entry(ledger.StatusAvailable, ledger.KindEntry, q)}
		case GradeYellow:
			return []ledger.Entry{entry(ledger.StatusInProcess, ledger.KindEntry, q)}
		default:
			return []ledger.Entry{entry(ledger.StatusInProcess, ledger.KindAdjustment, q)}
		}
	case OriginOrder:
		switch grade {
		case GradeGreen:
			return []ledger.Entry{entry(ledger.StatusAvailable, ledger.KindExit, -q)}
		case GradeYellow:
			if q == 0 {
				return []ledger.Entry{entry(ledger.StatusAvailable, ledger.KindTransfer, 0)}
			}
			return []ledger.Entry{
				entry(ledger.StatusAvailable, ledger.KindTransfer, -q),
				entry(ledger.StatusInProcess, ledger.KindTransfer, q),
			}
		default:
			return []ledger.Entry{entry(ledger.StatusInProcess, ledger.KindExit, 0)}
		}
	case OriginAudit:
		// Expected is the quantity seen at sampling; stock may have moved
		// since, so the adjustment is derived from the position at posting.
		recount := ledger.Entry{
			Triple:   triple(ledger.StatusAvailable),
			Kind:     ledger.KindAdjustment,
			Recount:  true,
			Measured: q,
			Note:     note,
			LineID:   l.ID,
			Actor:    actor,
		}
		switch grade {
		case GradeGreen:
			return []ledger.Entry{recount}
		case GradeYellow:
			out := []ledger.Entry{recount}
			if q > 0 {
				out = append(out,
					entry(ledger.StatusAvailable, ledger.KindTransfer, -q),
					entry(ledger.StatusInProcess, ledger.KindTransfer, q),
				)
			}
			return out
		default:
			return []ledger.Entry{entry(ledger.StatusAvailable, ledger.KindAdjustment, 0)}
		}
	}
	return nil
}

func (l DemandLine) note() string {
	if l.Assessment != nil && l.Assessment.Grade != GradeGreen {
		return l.Assessment.LedgerNote()
	}
	parts := fmt.Sprintf("%s line %d", l.Origin, l.ID)
	if l.SourceRef != "" {
		parts += " (" + l.SourceRef + ")"
	}
	if l.Shortfall > 0 {
		parts += fmt.Sprintf(" short %.6g", l.Shortfall)
	}
	if l.Assessment != nil && l.Assessment.Note != "" {
		parts += ": " + l.Assessment.Note
	}
	return parts
}
