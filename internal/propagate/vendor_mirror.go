package propagate

import (
	"fmt"
	"strings"

	"ordersync/internal/changelog"
	"ordersync/internal/model"
)

// VendorOrderMirror projects a vendor order into the customer's order list, tells the
// vendor about new orders and tells the customer about status transitions.
func VendorOrderMirror(r Reader, ev Event) (Effects, error) {
	var eff Effects
	if ev.After == nil {
		return eff, nil
	}
	vendorID, orderID := ev.Params["vendorId"], ev.Params["orderId"]

	vdoc, _, err := r.Get(model.Path(model.CollectionVendors, vendorID))
	if err != nil {
		return eff, fmt.Errorf("get vendor %s: %w", vendorID, err)
	}
	vendor := model.VendorFrom(vendorID, vdoc)

	customerID := ev.After.String("customerId")
	if customerID != "" {
		fields := ev.After.Clone()
		fields["vendorId"] = vendorID
		fields["updatedAt"] = model.ServerTimestamp
		eff.write(model.Path(model.CollectionUsers, customerID, model.CollectionOrders, orderID), fields)
	}

	if ev.Op == changelog.KindCreate {
		eff.toToken(vendor.FCMToken, newOrderNotice(orderID, ev.After))
	}

	sc := Detect(ev.Before, ev.After, model.VendorStatusFields...)
	if customerID == "" || !sc.Changed {
		return eff, nil
	}
	udoc, _, err := r.Get(model.Path(model.CollectionUsers, customerID))
	if err != nil {
		return eff, fmt.Errorf("get user %s: %w", customerID, err)
	}
	eff.toToken(model.UserFrom(customerID, udoc).FCMToken, orderStatusNotice(orderID, sc.Next, vendor))
	return eff, nil
}

func newOrderNotice(orderID string, order model.Document) model.Notification {
	customer := order.String("customerName")
	if customer == "" {
		customer = "a customer"
	}
	return model.Notification{
		Title: fmt.Sprintf("New order #%s", orderID),
		Body:  fmt.Sprintf("Order received from %s", customer),
		Data:  map[string]string{"orderId": orderID, "type": model.TypeNewOrder},
	}
}

func orderStatusNotice(orderID, status string, vendor model.Vendor) model.Notification {
	name := vendor.Name
	if name == "" {
		name = "has"
	}
	return model.Notification{
		Title: fmt.Sprintf("Order %s is %s", orderID, status),
		Body:  fmt.Sprintf("Vendor %s marked it %s", name, strings.ToLower(status)),
		Data:  map[string]string{"orderId": orderID, "status": status, "type": model.TypeOrderStatus},
	}
}
