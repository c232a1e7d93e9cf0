package model

import "strings"

// Collections and the ops broadcast topic.
const (
	CollectionVendors   = "vendors"
	CollectionUsers     = "users"
	CollectionOrders    = "orders"
	CollectionInventory = "inventory"
	CollectionRecurring = "recurringOrders"
	CollectionOps       = "opsOrders"

	OpsTopic = "ops-orders"
)

// Aggregate order types.
const (
	OrderTypeInstant   = "INSTANT"
	OrderTypeRecurring = "RECURRING"
)

// Notification types carried in Notification.Data["type"].
const (
	TypeNewOrder        = "NEW_ORDER"
	TypeOrderStatus     = "ORDER_STATUS"
	TypeLowStock        = "LOW_STOCK"
	TypeOpsNewOrder     = "OPS_NEW_ORDER"
	TypeOpsNewRecurring = "OPS_NEW_RECURRING"
	TypeOpsStatus       = "OPS_STATUS"
)

// Path joins segments into a document path, e.g. Path("vendors", "v1") == "vendors/v1".
func Path(segments ...string) string { return strings.Join(segments, "/") }

// Vendor is the typed view of vendors/{vendorId}.
type Vendor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FCMToken string `json:"fcmToken"`
}

func VendorFrom(id string, d Document) Vendor {
	return Vendor{ID: id, Name: d.String("name"), FCMToken: d.String("fcmToken")}
}

// User is the typed view of users/{userId}.
type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	FCMToken string `json:"fcmToken"`
}

func UserFrom(id string, d Document) User {
	return User{ID: id, Name: d.String("name"), FCMToken: d.String("fcmToken")}
}

// InventoryItem is the typed view of vendors/{vendorId}/inventory/{productId}.
// Missing numbers read as zero.
type InventoryItem struct {
	Name              string  `json:"name"`
	StockQty          float64 `json:"stockQty"`
	LowStockThreshold float64 `json:"lowStockThreshold"`
}

func InventoryItemFrom(d Document) InventoryItem {
	qty, _ := d.Number("stockQty")
	threshold, _ := d.Number("lowStockThreshold")
	return InventoryItem{Name: d.String("name"), StockQty: qty, LowStockThreshold: threshold}
}

// Notification is an ephemeral push payload.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}
