package ingest

import (
	"fmt"
	"math/rand"

	"ordersync/internal/model"
)

// SampleScenario exercises every synchronization rule once: a vendor order moving from
// PLACED to PACKED, an inventory dip, an instant and a recurring order, and an ops edit.
func SampleScenario() []WriteRequest {
	ts := model.ServerTimestampToken
	return []WriteRequest{
		{Path: "vendors/v1", Fields: model.Document{"name": "Fresh Farm", "fcmToken": "vendor-token-v1"}},
		{Path: "users/c1", Fields: model.Document{"name": "Ana", "fcmToken": "user-token-c1"}},
		{Path: "vendors/v1/orders/vo1", Fields: model.Document{
			"customerId": "c1", "customerName": "Ana", "status": "PLACED", "total": 18.5, "createdAt": ts,
		}},
		{Path: "vendors/v1/orders/vo1", Fields: model.Document{"status": "PACKED"}},
		{Path: "vendors/v1/inventory/milk", Fields: model.Document{"name": "Milk", "stockQty": 50, "lowStockThreshold": 30}},
		{Path: "vendors/v1/inventory/milk", Fields: model.Document{"stockQty": 20}},
		{Path: "users/u1/orders/io1", Fields: model.Document{
			"orderStatus": "PLACED", "totalAmount": 42.75, "deliveryAddress": "12 Harbour St", "items": []any{"bread"},
		}},
		{Path: "recurringOrders/ro1", Fields: model.Document{
			"userId": "u1", "frequency": "weekly", "status": "ACTIVE", "currentAmount": 99, "next_delivery_date": "2024-06-03",
		}},
		{Path: "opsOrders/io1", Fields: model.Document{"status": "CONFIRMED"}},
	}
}

var statuses = []string{"PLACED", "CONFIRMED", "PACKING", "OUT_FOR_DELIVERY", "NEAR_YOU", "DELIVERED"}

// Generate builds count pseudo-random requests from seed: creations of every order variant
// followed by status moves and stock changes against them.
func Generate(count int, seed int64) []WriteRequest {
	rng := rand.New(rand.NewSource(seed))
	vendors := []string{"v1", "v2", "v3"}
	out := make([]WriteRequest, 0, count+len(vendors))
	for _, v := range vendors {
		out = append(out, WriteRequest{Path: model.Path(model.CollectionVendors, v), Fields: model.Document{
			"name": "Vendor " + v, "fcmToken": "vendor-token-" + v,
		}})
	}
	var created []string
	for i := 0; len(out) < cap(out); i++ {
		id := fmt.Sprintf("o%d", i+1)
		switch rng.Intn(5) {
		case 0:
			v := vendors[rng.Intn(len(vendors))]
			p := model.Path(model.CollectionVendors, v, model.CollectionOrders, id)
			out = append(out, WriteRequest{Path: p, Fields: model.Document{
				"customerId": fmt.Sprintf("c%d", 1+rng.Intn(5)), "status": "PLACED", "total": float64(1+rng.Intn(9999)) / 100,
			}})
			created = append(created, p)
		case 1:
			p := model.Path(model.CollectionUsers, fmt.Sprintf("u%d", 1+rng.Intn(5)), model.CollectionOrders, id)
			out = append(out, WriteRequest{Path: p, Fields: model.Document{
				"orderStatus": "PLACED", "totalAmount": float64(1+rng.Intn(9999)) / 100,
			}})
			created = append(created, model.Path(model.CollectionOps, id))
		case 2:
			p := model.Path(model.CollectionRecurring, id)
			out = append(out, WriteRequest{Path: p, Fields: model.Document{
				"userId": fmt.Sprintf("u%d", 1+rng.Intn(5)), "frequency": []string{"daily", "weekly", "monthly"}[rng.Intn(3)],
			}})
		case 3:
			v := vendors[rng.Intn(len(vendors))]
			out = append(out, WriteRequest{
				Path:   model.Path(model.CollectionVendors, v, model.CollectionInventory, fmt.Sprintf("p%d", 1+rng.Intn(5))),
				Fields: model.Document{"stockQty": rng.Intn(60), "lowStockThreshold": 20},
			})
		default:
			if len(created) == 0 {
				continue
			}
			out = append(out, WriteRequest{
				Path:   created[rng.Intn(len(created))],
				Fields: model.Document{"status": statuses[rng.Intn(len(statuses))]},
			})
		}
	}
	return out
}
