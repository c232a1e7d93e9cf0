package propagate

import (
	"fmt"
	"strings"

	"ordersync/internal/model"
)

// Milestones get a "<status>At" timestamp on the origin when ops moves an order into them.
var milestones = map[string]bool{
	"CONFIRMED":        true,
	"PACKING":          true,
	"OUT_FOR_DELIVERY": true,
	"NEAR_YOU":         true,
	"DELIVERED":        true,
}

// MilestoneField returns the timestamp field for status, e.g. "out_for_deliveryAt".
func MilestoneField(status string) (string, bool) {
	if !milestones[status] {
		return "", false
	}
	return strings.ToLower(status) + "At", true
}

// InstantStatusToOps forwards instant order status transitions to the aggregate.
func InstantStatusToOps(r Reader, ev Event) (Effects, error) {
	return originToAggregate(r, ev, ev.Params["orderId"], model.InstantStatusFields, "Order #%s → %s")
}

// RecurringStatusToOps forwards recurring order status transitions to the aggregate.
func RecurringStatusToOps(r Reader, ev Event) (Effects, error) {
	return originToAggregate(r, ev, ev.Params["recurringId"], model.RecurringStatusFields, "Recurring order #%s → %s")
}

func originToAggregate(r Reader, ev Event, orderID string, chain []string, titleFormat string) (Effects, error) {
	var eff Effects
	sc := Detect(ev.Before, ev.After, chain...)
	if !sc.Changed {
		return eff, nil
	}
	if stale, err := superseded(r, ev.Path, sc.Next, chain); err != nil || stale {
		return eff, err
	}
	opsPath := model.Path(model.CollectionOps, orderID)
	agg, ok, err := r.Get(opsPath)
	if err != nil {
		return eff, fmt.Errorf("get aggregate %s: %w", opsPath, err)
	}
	// No aggregate means the origin never fed ops; the equal check ends the echo of an
	// ops-initiated change.
	if !ok || agg.String("status") == sc.Next {
		return eff, nil
	}
	eff.write(opsPath, model.Document{"status": sc.Next, "updatedAt": model.ServerTimestamp})
	eff.toTopic(model.OpsTopic, model.Notification{
		Title: fmt.Sprintf(titleFormat, orderID, sc.Next),
		Body:  "Status changed",
		Data:  map[string]string{"orderId": orderID, "status": sc.Next, "type": model.TypeOpsStatus},
	})
	return eff, nil
}

// OpsStatusToOrigin pushes an ops-side status transition back to the originating order.
func OpsStatusToOrigin(r Reader, ev Event) (Effects, error) {
	var eff Effects
	sc := Detect(ev.Before, ev.After, model.OpsStatusFields...)
	if !sc.Changed {
		return eff, nil
	}
	if stale, err := superseded(r, ev.Path, sc.Next, model.OpsStatusFields); err != nil || stale {
		return eff, err
	}
	opsID := ev.Params["opsId"]
	if ref := ev.After.String("sourceRef"); ref != "" {
		fields := model.Document{
			"status":      sc.Next,
			"orderStatus": sc.Next,
			"updatedAt":   model.ServerTimestamp,
		}
		if field, ok := MilestoneField(sc.Next); ok {
			fields[field] = model.ServerTimestamp
		}
		eff.write(ref, fields)
	}
	eff.toTopic(model.OpsTopic, model.Notification{
		Title: fmt.Sprintf("Order #%s → %s", opsID, sc.Next),
		Body:  "Status updated by ops",
		Data:  map[string]string{"orderId": opsID, "status": sc.Next, "type": model.TypeOpsStatus},
	})
	return eff, nil
}

// superseded reports whether the document at path no longer holds status next. The later
// write that moved it on is forwarded by its own event.
func superseded(r Reader, path, next string, chain []string) (bool, error) {
	cur, ok, err := r.Get(path)
	if err != nil {
		return false, fmt.Errorf("get %s: %w", path, err)
	}
	return !ok || cur.FirstString(chain...) != next, nil
}
