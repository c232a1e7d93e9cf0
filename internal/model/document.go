package model

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Document is a schemaless record as held by the document store.
type Document map[string]any

// ServerTimestampToken is the wire form of ServerTimestamp for requests that arrive as JSON.
const ServerTimestampToken = "$serverTimestamp"

type serverTimestamp struct{}

// ServerTimestamp is a field value the store replaces with its own clock at write time.
var ServerTimestamp = serverTimestamp{}

// IsServerTimestamp reports whether v asks the store to stamp the write time.
func IsServerTimestamp(v any) bool {
	switch t := v.(type) {
	case serverTimestamp:
		return true
	case string:
		return t == ServerTimestampToken
	}
	return false
}

// Clone returns a shallow copy. Nested values are shared; merge writes never mutate them.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Has reports whether field is present with a non-nil value.
func (d Document) Has(field string) bool {
	v, ok := d[field]
	return ok && v != nil
}

// String returns the field as a string, or "" when absent or not a string.
func (d Document) String(field string) string {
	s, _ := d[field].(string)
	return s
}

// FirstString returns the first non-empty string among fields.
func (d Document) FirstString(fields ...string) string {
	for _, f := range fields {
		if s := d.String(f); s != "" {
			return s
		}
	}
	return ""
}

// FirstValue returns the first non-nil value among fields.
func (d Document) FirstValue(fields ...string) (any, bool) {
	for _, f := range fields {
		if d.Has(f) {
			return d[f], true
		}
	}
	return nil, false
}

// Number returns the field as a float64. Documents decoded from JSON carry float64,
// documents built in process may carry any numeric type.
func (d Document) Number(field string) (float64, bool) {
	dec, ok := d.Decimal(field)
	if !ok {
		return 0, false
	}
	return dec.InexactFloat64(), true
}

// Decimal returns the field as a decimal.
func (d Document) Decimal(field string) (decimal.Decimal, bool) {
	return toDecimal(d[field])
}

// FirstDecimal returns the first field holding a number.
func (d Document) FirstDecimal(fields ...string) (decimal.Decimal, bool) {
	for _, f := range fields {
		if dec, ok := d.Decimal(f); ok {
			return dec, true
		}
	}
	return decimal.Zero, false
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint32:
		return decimal.NewFromInt(int64(n)), true
	case json.Number:
		dec, err := decimal.NewFromString(n.String())
		return dec, err == nil
	case decimal.Decimal:
		return n, true
	case string:
		// Amounts written through decimal's JSON codec come back quoted.
		if strings.TrimSpace(n) == "" {
			return decimal.Zero, false
		}
		if _, err := strconv.ParseFloat(n, 64); err != nil {
			return decimal.Zero, false
		}
		dec, err := decimal.NewFromString(n)
		return dec, err == nil
	}
	return decimal.Zero, false
}
