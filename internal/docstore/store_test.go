package docstore

import (
	"errors"
	"testing"
	"time"

	"ordersync/internal/changelog"
	"ordersync/internal/model"
)

func fixedClock(t *testing.T) time.Time {
	t.Helper()
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	old := Now
	Now = func() time.Time { return ts }
	t.Cleanup(func() { Now = old })
	return ts
}

func TestMergeWrite_MergesAndStampsServerTime(t *testing.T) {
	ts := fixedClock(t)
	s := NewInMemoryStore()

	c, err := s.MergeWrite("users/u1/orders/o1", model.Document{"status": "PLACED", "amount": 10})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if c.Op != changelog.KindCreate || c.Seq != 1 || c.Before != nil {
		t.Fatalf("unexpected first change: %+v", c)
	}

	c, err = s.MergeWrite("users/u1/orders/o1", model.Document{"status": "PACKED", "updatedAt": model.ServerTimestamp})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if c.Op != changelog.KindUpdate || c.Seq != 2 {
		t.Fatalf("unexpected second change: %+v", c)
	}
	if c.Before.String("status") != "PLACED" || c.After.String("status") != "PACKED" {
		t.Fatalf("before/after mismatch: %+v", c)
	}
	doc, ok, err := s.Get("users/u1/orders/o1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if doc["amount"] != 10 {
		t.Fatalf("untouched field clobbered: %+v", doc)
	}
	if got, _ := doc["updatedAt"].(time.Time); !got.Equal(ts) {
		t.Fatalf("server timestamp not resolved: %v", doc["updatedAt"])
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := NewInMemoryStore()
	_, _ = s.MergeWrite("vendors/v1", model.Document{"name": "Acme"})
	doc, _, _ := s.Get("vendors/v1")
	doc["name"] = "mutated"
	again, _, _ := s.Get("vendors/v1")
	if again.String("name") != "Acme" {
		t.Fatalf("store leaked internal map: %+v", again)
	}
}

func TestApplyChange_SeqRules(t *testing.T) {
	s := NewInMemoryStore()
	c1 := changelog.NewChange(1, "opsOrders/o1", nil, model.Document{"status": "PLACED"})
	c3 := changelog.NewChange(3, "opsOrders/o1", nil, model.Document{"status": "PACKING"})
	c2 := changelog.NewChange(2, "opsOrders/o1", nil, model.Document{"status": "CONFIRMED"})

	for i, tc := range []struct {
		c    changelog.Change
		want bool
	}{{c1, true}, {c1, false}, {c3, true}, {c2, false}} {
		applied, err := s.ApplyChange(tc.c)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if applied != tc.want {
			t.Fatalf("step %d: applied=%v want=%v", i, applied, tc.want)
		}
	}
	doc, _, _ := s.Get("opsOrders/o1")
	if doc.String("status") != "PACKING" {
		t.Fatalf("final status: %+v", doc)
	}
	// next local write continues after the replayed sequence
	c, _ := s.MergeWrite("opsOrders/o2", model.Document{})
	if c.Seq != 4 {
		t.Fatalf("seq after replay: got=%d want=4", c.Seq)
	}
}

func TestApplyChange_Delete(t *testing.T) {
	s := NewInMemoryStore()
	_, _ = s.MergeWrite("vendors/v1", model.Document{"name": "Acme"})
	applied, err := s.ApplyChange(changelog.NewChange(5, "vendors/v1", model.Document{"name": "Acme"}, nil))
	if err != nil || !applied {
		t.Fatalf("delete apply: applied=%v err=%v", applied, err)
	}
	if _, ok, _ := s.Get("vendors/v1"); ok {
		t.Fatalf("document should be gone")
	}
}

func TestLoadAllAndRange(t *testing.T) {
	s := NewInMemoryStore()
	_, _ = s.MergeWrite("stale/1", model.Document{})
	if err := s.LoadAll(map[string]Record{
		"vendors/v1": {Doc: model.Document{"name": "Acme"}, Seq: 7},
		"users/u1":   {Doc: model.Document{"name": "Ann"}, Seq: 3},
	}); err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	count := 0
	if err := s.Range(func(path string, rec Record) error { count++; return nil }); err != nil {
		t.Fatalf("range: %v", err)
	}
	if count != 2 {
		t.Fatalf("range count=%d want=2", count)
	}
	c, _ := s.MergeWrite("users/u2", model.Document{})
	if c.Seq != 8 {
		t.Fatalf("seq after load: got=%d want=8", c.Seq)
	}
}

type failingWriter struct{}

func (failingWriter) Append(changelog.Change) error { return errors.New("disk full") }

func TestJournaled_AppendsEveryWrite(t *testing.T) {
	feed := changelog.NewFeed()
	j := NewJournaled(NewInMemoryStore(), feed)
	_, _ = j.MergeWrite("vendors/v1/orders/o1", model.Document{"status": "PLACED"})
	_, _ = j.MergeWrite("vendors/v1/orders/o1", model.Document{"status": "PACKED"})
	if feed.Len() != 2 {
		t.Fatalf("feed len=%d want=2", feed.Len())
	}
	c, _ := feed.TryNext()
	if c.Op != changelog.KindCreate || c.Path != "vendors/v1/orders/o1" {
		t.Fatalf("unexpected first change: %+v", c)
	}

	bad := NewJournaled(NewInMemoryStore(), failingWriter{})
	if _, err := bad.MergeWrite("x/1", model.Document{}); err == nil {
		t.Fatalf("expected changelog error")
	}
}
