package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Field fallback chains per order variant. Each list is evaluated left to right and the
// first usable value wins.
var (
	InstantStatusFields   = []string{"orderStatus", "status"}
	RecurringStatusFields = []string{"status"}
	VendorStatusFields    = []string{"status"}
	OpsStatusFields       = []string{"status"}

	InstantAmountFields   = []string{"totalAmount"}
	RecurringAmountFields = []string{"currentAmount", "basePaidAmount", "paidAmount"}

	InstantAddressFields   = []string{"deliveryAddress", "deliveryLabel"}
	RecurringAddressFields = []string{"deliveryAddress", "deliveryAddressId"}

	RecurringNextDeliveryFields = []string{"next_delivery_date", "nextDeliveryDate"}
)

// Status defaults when the chain yields nothing.
const (
	DefaultInstantStatus   = "PLACED"
	DefaultRecurringStatus = "ACTIVE"
)

// InstantStatus skips empty strings, so an empty orderStatus falls through to status.
func InstantStatus(d Document) string {
	if s := d.FirstString(InstantStatusFields...); s != "" {
		return s
	}
	return DefaultInstantStatus
}

// RecurringStatus only falls back when status is missing.
func RecurringStatus(d Document) string {
	if v, ok := d.FirstValue(RecurringStatusFields...); ok {
		if s, isStr := v.(string); isStr {
			return s
		}
	}
	return DefaultRecurringStatus
}

func InstantAmount(d Document) decimal.Decimal {
	amount, _ := d.FirstDecimal(InstantAmountFields...)
	return amount
}

func RecurringAmount(d Document) decimal.Decimal {
	amount, _ := d.FirstDecimal(RecurringAmountFields...)
	return amount
}

// FirstPresent returns the first non-nil value among fields, or nil.
func FirstPresent(d Document, fields ...string) any {
	v, _ := d.FirstValue(fields...)
	return v
}

// RecurringMode is the uppercased delivery frequency, or nil when unset.
func RecurringMode(d Document) any {
	if f := d.String("frequency"); f != "" {
		return strings.ToUpper(f)
	}
	return nil
}

// InstantItems defaults to an empty sequence, RecurringItems to an empty mapping.
func InstantItems(d Document) any {
	if d.Has("items") {
		return d["items"]
	}
	return []any{}
}

func RecurringItems(d Document) any {
	if d.Has("items") {
		return d["items"]
	}
	return map[string]any{}
}
