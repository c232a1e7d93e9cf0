package model

import (
	"encoding/json"
	"testing"
)

func TestInstantStatus_FallbackChain(t *testing.T) {
	cases := []struct {
		doc  Document
		want string
	}{
		{Document{"orderStatus": "CONFIRMED", "status": "PLACED"}, "CONFIRMED"},
		{Document{"orderStatus": "", "status": "PACKING"}, "PACKING"},
		{Document{"status": "DELIVERED"}, "DELIVERED"},
		{Document{}, DefaultInstantStatus},
	}
	for _, c := range cases {
		if got := InstantStatus(c.doc); got != c.want {
			t.Fatalf("InstantStatus(%v): got=%s want=%s", c.doc, got, c.want)
		}
	}
}

func TestRecurringStatus_DefaultOnlyWhenMissing(t *testing.T) {
	if got := RecurringStatus(Document{}); got != DefaultRecurringStatus {
		t.Fatalf("missing status: got=%s", got)
	}
	if got := RecurringStatus(Document{"status": "PAUSED"}); got != "PAUSED" {
		t.Fatalf("status: got=%s", got)
	}
}

func TestRecurringAmount_FirstPresentWins(t *testing.T) {
	d := Document{"basePaidAmount": 120, "paidAmount": 99.5}
	if got := RecurringAmount(d); got.String() != "120" {
		t.Fatalf("amount: got=%s want=120", got)
	}
	// zero is a value, not a miss
	d = Document{"currentAmount": 0, "paidAmount": 10}
	if got := RecurringAmount(d); !got.IsZero() {
		t.Fatalf("amount: got=%s want=0", got)
	}
	if got := RecurringAmount(Document{}); !got.IsZero() {
		t.Fatalf("default amount: got=%s", got)
	}
}

func TestNumber_JSONDecodedAndNative(t *testing.T) {
	var d Document
	if err := json.Unmarshal([]byte(`{"stockQty": 12.5, "name": "x"}`), &d); err != nil {
		t.Fatal(err)
	}
	if n, ok := d.Number("stockQty"); !ok || n != 12.5 {
		t.Fatalf("json number: %v ok=%v", n, ok)
	}
	if _, ok := d.Number("name"); ok {
		t.Fatalf("non-numeric string should not parse")
	}
	d = Document{"stockQty": int64(7)}
	if n, ok := d.Number("stockQty"); !ok || n != 7 {
		t.Fatalf("int64: %v ok=%v", n, ok)
	}
}

func TestRecurringMode(t *testing.T) {
	if got := RecurringMode(Document{"frequency": "weekly"}); got != "WEEKLY" {
		t.Fatalf("mode: got=%v", got)
	}
	if got := RecurringMode(Document{}); got != nil {
		t.Fatalf("mode should be nil, got=%v", got)
	}
}

func TestIsServerTimestamp(t *testing.T) {
	if !IsServerTimestamp(ServerTimestamp) || !IsServerTimestamp(ServerTimestampToken) {
		t.Fatalf("sentinel not recognised")
	}
	if IsServerTimestamp("PLACED") {
		t.Fatalf("plain string treated as sentinel")
	}
}
