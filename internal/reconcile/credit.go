package reconcile

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/floorops/internal/notify"
)

// EventCredit hands order shortfalls to billing over the notification
// channel. The event ID is derived from the line so a redelivered request
// deduplicates on the billing side.
type EventCredit struct {
	Publisher notify.Publisher
}

// HandleShortfall implements CreditHook.
func (c EventCredit) HandleShortfall(ctx context.Context, evt ShortfallEvent) error {
	if c.Publisher == nil {
		return nil
	}
	e := notify.NewEvent(notify.TypeCreditRequested, fmt.Sprintf("line:%d", evt.LineID), map[string]any{
		"line_id":       evt.LineID,
		"source_ref":    evt.SourceRef,
		"product_id":    evt.ProductID,
		"expected":      evt.Expected,
		"accepted":      evt.Accepted,
		"shortfall":     evt.Shortfall,
		"unit_price":    evt.UnitPrice,
		"credit_amount": evt.CreditAmount,
		"state":         evt.State,
	})
	e.ID = fmt.Sprintf("credit:line:%d", evt.LineID)
	return c.Publisher.Publish(ctx, e)
}
