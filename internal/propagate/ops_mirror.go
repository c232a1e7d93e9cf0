package propagate

import (
	"fmt"

	"ordersync/internal/model"
)

// InstantAggregate builds the ops view of a newly created instant order.
func InstantAggregate(originPath, orderID, pathUserID string, order model.Document) model.Document {
	userID := order.String("userId")
	if userID == "" {
		userID = pathUserID
	}
	agg := model.Document{
		"orderId":   orderID,
		"sourceRef": originPath,
		"userId":    userID,
		"orderType": model.OrderTypeInstant,
		"mode":      nil,
		"status":    model.InstantStatus(order),
		"amount":    model.InstantAmount(order).InexactFloat64(),
		"createdAt": model.ServerTimestamp,
		"items":     model.InstantItems(order),
	}
	setPresent(agg, "address", model.FirstPresent(order, model.InstantAddressFields...))
	setPresent(agg, "deliveryDate", model.FirstPresent(order, "deliveryDate"))
	return agg
}

// RecurringAggregate builds the ops view of a newly created recurring order.
func RecurringAggregate(originPath, orderID string, order model.Document) model.Document {
	agg := model.Document{
		"orderId":   orderID,
		"sourceRef": originPath,
		"userId":    order.String("userId"),
		"orderType": model.OrderTypeRecurring,
		"mode":      model.RecurringMode(order),
		"status":    model.RecurringStatus(order),
		"amount":    model.RecurringAmount(order).InexactFloat64(),
		"createdAt": model.ServerTimestamp,
		"items":     model.RecurringItems(order),
	}
	setPresent(agg, "address", model.FirstPresent(order, model.RecurringAddressFields...))
	setPresent(agg, "nextDeliveryDate", model.FirstPresent(order, model.RecurringNextDeliveryFields...))
	return agg
}

func setPresent(d model.Document, field string, v any) {
	if v != nil {
		d[field] = v
	}
}

// InstantToOps mirrors a created instant order into opsOrders. Customer-side projections of
// vendor orders carry vendorId and stay out of the ops view.
func InstantToOps(r Reader, ev Event) (Effects, error) {
	var eff Effects
	if ev.After == nil || ev.After.Has("vendorId") {
		return eff, nil
	}
	orderID := ev.Params["orderId"]
	agg := InstantAggregate(ev.Path, orderID, ev.Params["userId"], ev.After)
	if mirrored, err := mirrorToOps(r, &eff, orderID, agg); err != nil || !mirrored {
		return eff, err
	}
	eff.toTopic(model.OpsTopic, model.Notification{
		Title: "New order received",
		Body:  fmt.Sprintf("Order #%s placed", orderID),
		Data:  map[string]string{"orderId": orderID, "type": model.TypeOpsNewOrder},
	})
	return eff, nil
}

// RecurringToOps mirrors a created recurring order into opsOrders.
func RecurringToOps(r Reader, ev Event) (Effects, error) {
	var eff Effects
	if ev.After == nil {
		return eff, nil
	}
	orderID := ev.Params["recurringId"]
	agg := RecurringAggregate(ev.Path, orderID, ev.After)
	if mirrored, err := mirrorToOps(r, &eff, orderID, agg); err != nil || !mirrored {
		return eff, err
	}
	body := fmt.Sprintf("Recurring order #%s", orderID)
	if mode, _ := agg["mode"].(string); mode != "" {
		body = fmt.Sprintf("Recurring %s order #%s", mode, orderID)
	}
	eff.toTopic(model.OpsTopic, model.Notification{
		Title: "New recurring order",
		Body:  body,
		Data:  map[string]string{"orderId": orderID, "type": model.TypeOpsNewRecurring},
	})
	return eff, nil
}

// mirrorToOps queues the aggregate write. A redelivered creation finds its own aggregate
// and is dropped, since ops may have moved it on since. Instant and recurring ids share one
// namespace, so an existing aggregate from another origin is overwritten and reported.
func mirrorToOps(r Reader, eff *Effects, orderID string, agg model.Document) (bool, error) {
	opsPath := model.Path(model.CollectionOps, orderID)
	cur, ok, err := r.Get(opsPath)
	if err != nil {
		return false, fmt.Errorf("get aggregate %s: %w", opsPath, err)
	}
	if ok {
		ref, typ := cur.String("sourceRef"), cur.String("orderType")
		if ref == agg.String("sourceRef") && typ == agg.String("orderType") {
			return false, nil
		}
		if ref != "" || typ != "" {
			eff.Conflicts = append(eff.Conflicts, Conflict{
				Path: opsPath,
				Reason: fmt.Sprintf("id collision: %s (%s) replaced by %s (%s)",
					ref, typ, agg.String("sourceRef"), agg.String("orderType")),
			})
		}
	}
	eff.write(opsPath, agg)
	return true, nil
}
