package costing

import (
	"context"

	"github.com/odyssey-erp/floorops/internal/ledger"
	"github.com/odyssey-erp/floorops/internal/reconcile"
)

// PurchaseRecorder feeds the price of every purchase line that delivered
// goods into the cost history. It runs inside the closing unit of work.
type PurchaseRecorder struct {
	engine *Engine
}

// NewPurchaseRecorder constructs PurchaseRecorder.
func NewPurchaseRecorder(engine *Engine) *PurchaseRecorder {
	return &PurchaseRecorder{engine: engine}
}

// OnTerminal implements reconcile.TerminalHook.
func (r *PurchaseRecorder) OnTerminal(ctx context.Context, line reconcile.DemandLine, _ []ledger.MovementRecord) error {
	if line.Origin != reconcile.OriginPurchase || line.UnitPrice <= 0 || line.AcceptedQuantity() <= 0 {
		return nil
	}
	_, err := r.engine.RecordPurchase(ctx, PurchaseInput{
		ProductID: line.ProductID,
		Unit:      line.PriceUnit,
		Price:     line.UnitPrice,
		LineID:    line.ID,
	})
	return err
}
