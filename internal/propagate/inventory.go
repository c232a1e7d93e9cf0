package propagate

import (
	"fmt"

	"github.com/shopspring/decimal"

	"ordersync/internal/model"
)

// Crossed reports a downward crossing of threshold. Staying below it does not count, so
// an item alerts once per dip.
func Crossed(prevQty, newQty, threshold float64) bool {
	return threshold > 0 && newQty < threshold && prevQty >= threshold
}

// InventoryThreshold alerts the vendor when an item's stock drops below its threshold.
func InventoryThreshold(r Reader, ev Event) (Effects, error) {
	var eff Effects
	if ev.After == nil {
		return eff, nil
	}
	prev := model.InventoryItemFrom(ev.Before)
	item := model.InventoryItemFrom(ev.After)
	if !Crossed(prev.StockQty, item.StockQty, item.LowStockThreshold) {
		return eff, nil
	}

	vendorID, productID := ev.Params["vendorId"], ev.Params["productId"]
	vdoc, _, err := r.Get(model.Path(model.CollectionVendors, vendorID))
	if err != nil {
		return eff, fmt.Errorf("get vendor %s: %w", vendorID, err)
	}
	eff.toToken(model.VendorFrom(vendorID, vdoc).FCMToken, lowStockNotice(productID, item))
	return eff, nil
}

func lowStockNotice(productID string, item model.InventoryItem) model.Notification {
	name := item.Name
	if name == "" {
		name = "Item"
	}
	return model.Notification{
		Title: fmt.Sprintf("%s is running low", name),
		Body: fmt.Sprintf("Stock is %s and below your threshold of %s",
			decimal.NewFromFloat(item.StockQty).StringFixed(1),
			decimal.NewFromFloat(item.LowStockThreshold).StringFixed(1)),
		Data: map[string]string{"productId": productID, "type": model.TypeLowStock},
	}
}
