package propagate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"ordersync/internal/changelog"
	"ordersync/internal/docstore"
	"ordersync/internal/ingest"
	"ordersync/internal/metrics"
	"ordersync/internal/model"
)

type sent struct {
	Token, Topic string
	N            model.Notification
}

type recordingSender struct {
	mu   sync.Mutex
	sent []sent
	fail bool
}

func (s *recordingSender) SendToToken(ctx context.Context, token string, n model.Notification) error {
	return s.record(sent{Token: token, N: n})
}

func (s *recordingSender) SendToTopic(ctx context.Context, topic string, n model.Notification) error {
	return s.record(sent{Topic: topic, N: n})
}

func (s *recordingSender) record(x sent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("gateway down")
	}
	s.sent = append(s.sent, x)
	return nil
}

func (s *recordingSender) take() []sent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.sent
	s.sent = nil
	return out
}

type harness struct {
	t      *testing.T
	mem    *docstore.InMemoryStore
	feed   *changelog.Feed
	store  *docstore.Journaled
	sender *recordingSender
	mreg   *metrics.Registry
	eng    *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{t: t, mem: docstore.NewInMemoryStore(), feed: changelog.NewFeed(), sender: &recordingSender{}, mreg: metrics.NewRegistry()}
	h.store = docstore.NewJournaled(h.mem, h.feed)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h.eng = NewEngine(h.store, h.sender, DefaultRouter(), logger, h.mreg)
	return h
}

// write performs an external write and processes everything it sets off.
func (h *harness) write(path string, fields model.Document) int {
	h.t.Helper()
	if _, err := h.store.MergeWrite(path, fields); err != nil {
		h.t.Fatalf("write %s: %v", path, err)
	}
	n, err := h.eng.Drain(context.Background(), h.feed)
	if err != nil {
		h.t.Fatalf("drain: %v", err)
	}
	return n
}

func (h *harness) doc(path string) model.Document {
	h.t.Helper()
	d, ok, err := h.mem.Get(path)
	if err != nil || !ok {
		h.t.Fatalf("get %s: ok=%v err=%v", path, ok, err)
	}
	return d
}

func (h *harness) exists(path string) bool {
	_, ok, _ := h.mem.Get(path)
	return ok
}

func TestEngine_VendorFlowNotifiesAndStaysOutOfOps(t *testing.T) {
	h := newHarness(t)
	h.write("vendors/v1", model.Document{"name": "Fresh Farm", "fcmToken": "vtok"})
	h.write("users/c1", model.Document{"name": "Ana", "fcmToken": "ctok"})

	h.write("vendors/v1/orders/o1", model.Document{"customerId": "c1", "customerName": "Ana", "status": "PLACED"})
	mirror := h.doc("users/c1/orders/o1")
	if mirror.String("status") != "PLACED" || mirror.String("vendorId") != "v1" {
		t.Fatalf("mirror: %+v", mirror)
	}
	if _, ok := mirror["updatedAt"].(time.Time); !ok {
		t.Fatalf("mirror updatedAt not stamped: %+v", mirror)
	}
	got := h.sender.take()
	if len(got) != 1 || got[0].Token != "vtok" || got[0].N.Data["type"] != model.TypeNewOrder {
		t.Fatalf("creation should notify the vendor only: %+v", got)
	}

	h.write("vendors/v1/orders/o1", model.Document{"status": "PACKED"})
	if h.doc("users/c1/orders/o1").String("status") != "PACKED" {
		t.Fatalf("mirror not updated")
	}
	got = h.sender.take()
	if len(got) != 1 || got[0].Token != "ctok" || !strings.Contains(got[0].N.Body, "packed") {
		t.Fatalf("status change should notify the customer: %+v", got)
	}
	if h.exists("opsOrders/o1") {
		t.Fatalf("vendor flow reached ops")
	}
}

func TestEngine_OpsChangeReachesFixedPointInTwoHops(t *testing.T) {
	h := newHarness(t)
	h.write("users/u1/orders/o1", model.Document{"orderStatus": "PLACED", "totalAmount": 12.5})
	agg := h.doc("opsOrders/o1")
	if agg.String("sourceRef") != "users/u1/orders/o1" || agg.String("status") != "PLACED" {
		t.Fatalf("aggregate: %+v", agg)
	}
	if got := h.sender.take(); len(got) != 1 || got[0].Topic != model.OpsTopic || got[0].N.Title != "New order received" {
		t.Fatalf("ops creation broadcast: %+v", got)
	}

	// ops change, then the origin echo; the echo finds the aggregate already there
	if n := h.write("opsOrders/o1", model.Document{"status": "CONFIRMED"}); n != 2 {
		t.Fatalf("handled %d changes, want 2", n)
	}
	origin := h.doc("users/u1/orders/o1")
	if origin.String("orderStatus") != "CONFIRMED" || origin.String("status") != "CONFIRMED" {
		t.Fatalf("origin: %+v", origin)
	}
	if _, ok := origin["confirmedAt"].(time.Time); !ok {
		t.Fatalf("milestone not stamped: %+v", origin)
	}
	if got := h.sender.take(); len(got) != 1 || got[0].N.Body != "Status updated by ops" {
		t.Fatalf("broadcasts: %+v", got)
	}
	if h.feed.Len() != 0 {
		t.Fatalf("feed not quiescent: %d", h.feed.Len())
	}
}

func TestEngine_OriginChangeReachesFixedPoint(t *testing.T) {
	h := newHarness(t)
	h.write("recurringOrders/r1", model.Document{"userId": "u1", "frequency": "weekly", "status": "ACTIVE"})
	h.sender.take()

	// origin change, aggregate write, origin echo with an unchanged status
	if n := h.write("recurringOrders/r1", model.Document{"status": "PAUSED"}); n != 3 {
		t.Fatalf("handled %d changes, want 3", n)
	}
	if h.doc("opsOrders/r1").String("status") != "PAUSED" {
		t.Fatalf("aggregate not updated")
	}
	got := h.sender.take()
	if len(got) != 2 || got[0].N.Title != "Recurring order #r1 → PAUSED" || got[1].N.Body != "Status updated by ops" {
		t.Fatalf("broadcasts: %+v", got)
	}
}

func TestEngine_RedeliveryWritesOnce(t *testing.T) {
	h := newHarness(t)
	h.write("users/u1/orders/o1", model.Document{"orderStatus": "PLACED"})
	c, err := h.store.MergeWrite("users/u1/orders/o1", model.Document{"orderStatus": "PACKING"})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	h.feed.TryNext()

	ctx := context.Background()
	if err := h.eng.Handle(ctx, c); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if h.feed.Len() != 1 {
		t.Fatalf("first delivery should write the aggregate once, feed=%d", h.feed.Len())
	}
	if err := h.eng.Handle(ctx, c); err != nil {
		t.Fatalf("second delivery: %v", err)
	}
	if h.feed.Len() != 1 {
		t.Fatalf("redelivery wrote again, feed=%d", h.feed.Len())
	}
}

func TestEngine_LowStockAlertsOnlyOnFirstCrossing(t *testing.T) {
	h := newHarness(t)
	h.write("vendors/v1", model.Document{"fcmToken": "vtok"})
	h.write("vendors/v1/inventory/p1", model.Document{"name": "Milk", "stockQty": 50, "lowStockThreshold": 30})
	for _, q := range []float64{20, 10, 25, 15} {
		h.write("vendors/v1/inventory/p1", model.Document{"stockQty": q})
	}
	got := h.sender.take()
	if len(got) != 1 {
		t.Fatalf("alerts: %+v", got)
	}
	if got[0].N.Title != "Milk is running low" || got[0].N.Body != "Stock is 20.0 and below your threshold of 30.0" {
		t.Fatalf("alert: %+v", got[0].N)
	}
}

func TestEngine_IDCollisionOverwritesAndCounts(t *testing.T) {
	h := newHarness(t)
	h.write("users/u1/orders/o7", model.Document{"orderStatus": "PLACED"})
	h.write("recurringOrders/o7", model.Document{"userId": "u2", "frequency": "daily"})

	agg := h.doc("opsOrders/o7")
	if agg.String("orderType") != model.OrderTypeRecurring || agg.String("sourceRef") != "recurringOrders/o7" {
		t.Fatalf("aggregate: %+v", agg)
	}
	if got := testutil.ToFloat64(h.mreg.IDCollisions); got != 1 {
		t.Fatalf("collisions=%v", got)
	}
}

func TestEngine_NotificationFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.sender.fail = true
	h.write("users/u1/orders/o1", model.Document{"orderStatus": "PLACED"})
	if !h.exists("opsOrders/o1") {
		t.Fatalf("write skipped after notification failure")
	}
	if got := testutil.ToFloat64(h.mreg.NotifyFailed); got != 1 {
		t.Fatalf("notify failed=%v", got)
	}
}

type brokenStore struct{ *docstore.InMemoryStore }

func (brokenStore) MergeWrite(string, model.Document) (changelog.Change, error) {
	return changelog.Change{}, errors.New("unavailable")
}

func TestEngine_WriteFailureIsReturned(t *testing.T) {
	mreg := metrics.NewRegistry()
	sender := &recordingSender{}
	eng := NewEngine(brokenStore{docstore.NewInMemoryStore()}, sender, DefaultRouter(), slog.New(slog.NewTextHandler(io.Discard, nil)), mreg)
	c := changelog.NewChange(1, "users/u1/orders/o1", nil, model.Document{"orderStatus": "PLACED"})
	if err := eng.Handle(context.Background(), c); err == nil {
		t.Fatalf("expected write error")
	}
	if got := testutil.ToFloat64(mreg.HandlerErrors.WithLabelValues("instant_to_ops")); got != 1 {
		t.Fatalf("handler errors=%v", got)
	}
	if len(sender.take()) != 0 {
		t.Fatalf("notified despite failed write")
	}
}

func TestEngine_RunProcessesUntilCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.eng.Run(ctx, h.feed, 4) }()

	for i, id := range []string{"a", "b", "c"} {
		if _, err := h.store.MergeWrite("users/u"+id+"/orders/"+id, model.Document{"orderStatus": "PLACED", "n": i}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for !(h.exists("opsOrders/a") && h.exists("opsOrders/b") && h.exists("opsOrders/c")) {
		if time.Now().After(deadline) {
			t.Fatalf("aggregates not created in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run: %v", err)
	}
}

func TestEngine_SampleScenarioSettles(t *testing.T) {
	h := newHarness(t)
	for _, req := range ingest.SampleScenario() {
		h.write(req.Path, req.Fields)
	}
	if got := h.doc("users/c1/orders/vo1").String("status"); got != "PACKED" {
		t.Fatalf("customer mirror status=%s", got)
	}
	if _, ok := h.doc("vendors/v1/orders/vo1")["createdAt"].(time.Time); !ok {
		t.Fatalf("wire timestamp token not resolved")
	}
	if got := h.doc("opsOrders/io1").String("status"); got != "CONFIRMED" {
		t.Fatalf("ops status=%s", got)
	}
	if got := h.doc("users/u1/orders/io1").String("orderStatus"); got != "CONFIRMED" {
		t.Fatalf("origin orderStatus=%s", got)
	}
	if got := h.doc("opsOrders/ro1").String("mode"); got != "WEEKLY" {
		t.Fatalf("recurring mode=%s", got)
	}
	if h.exists("opsOrders/vo1") {
		t.Fatalf("vendor order reached ops")
	}
}

func TestEngine_QueuedOpsEditsConverge(t *testing.T) {
	h := newHarness(t)
	h.write("users/u1/orders/o1", model.Document{"orderStatus": "PLACED"})
	h.sender.take()

	for _, status := range []string{"CONFIRMED", "PACKING"} {
		if _, err := h.store.MergeWrite("opsOrders/o1", model.Document{"status": status}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	// both ops edits, then the echo of the one still current
	n, err := h.eng.Drain(context.Background(), h.feed)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 3 {
		t.Fatalf("handled %d changes, want 3", n)
	}
	if ops, origin := h.doc("opsOrders/o1").String("status"), h.doc("users/u1/orders/o1").String("orderStatus"); ops != "PACKING" || origin != "PACKING" {
		t.Fatalf("ops=%s origin=%s", ops, origin)
	}
	got := h.sender.take()
	if len(got) != 1 || got[0].N.Title != "Order #o1 → PACKING" {
		t.Fatalf("broadcasts: %+v", got)
	}
}

type flakySink struct {
	mu   sync.Mutex
	fail bool
}

func (s *flakySink) Append(changelog.Change) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("broker down")
	}
	return nil
}

func TestEngine_FailingSinkStillFeedsEngine(t *testing.T) {
	mem := docstore.NewInMemoryStore()
	feed := changelog.NewFeed()
	sink := &flakySink{}
	// the sink is ahead of the feed in the journal
	store := docstore.NewJournaled(mem, changelog.NewMultiWriter(sink, feed))
	eng := NewEngine(store, &recordingSender{}, DefaultRouter(), slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	ctx := context.Background()

	if _, err := store.MergeWrite("users/u1/orders/o1", model.Document{"orderStatus": "PLACED"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := eng.Drain(ctx, feed); err != nil {
		t.Fatalf("drain: %v", err)
	}

	sink.fail = true
	c, err := store.MergeWrite("users/u1/orders/o1", model.Document{"orderStatus": "PACKING"})
	if err == nil {
		t.Fatalf("expected sink error")
	}
	if c.Seq == 0 || feed.Len() != 1 {
		t.Fatalf("committed change not fed: seq=%d feed=%d", c.Seq, feed.Len())
	}
	sink.fail = false
	if _, err := eng.Drain(ctx, feed); err != nil {
		t.Fatalf("drain: %v", err)
	}
	agg, _, _ := mem.Get("opsOrders/o1")
	if agg.String("status") != "PACKING" {
		t.Fatalf("aggregate=%+v", agg)
	}
	if feed.HandledThrough() < c.Seq {
		t.Fatalf("watermark %d behind seq %d", feed.HandledThrough(), c.Seq)
	}
}

// failingWrites fails the first n merge-writes.
type failingWrites struct {
	Store
	mu sync.Mutex
	n  int
}

func (s *failingWrites) MergeWrite(path string, fields model.Document) (changelog.Change, error) {
	s.mu.Lock()
	fail := s.n > 0
	if fail {
		s.n--
	}
	s.mu.Unlock()
	if fail {
		return changelog.Change{}, errors.New("unavailable")
	}
	return s.Store.MergeWrite(path, fields)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEngine_RunRetriesOnlyFailedRoutes(t *testing.T) {
	mem := docstore.NewInMemoryStore()
	feed := changelog.NewFeed()
	journaled := docstore.NewJournaled(mem, feed)
	store := &failingWrites{Store: journaled, n: 1}

	rt := NewRouter()
	rt.Handle("announce", "things/{id}", func(r Reader, ev Event) (Effects, error) {
		var eff Effects
		eff.toTopic("things", model.Notification{Title: "new " + ev.Params["id"]})
		return eff, nil
	}, changelog.KindCreate)
	rt.Handle("copy", "things/{id}", func(r Reader, ev Event) (Effects, error) {
		var eff Effects
		eff.write("copies/"+ev.Params["id"], model.Document{"from": ev.Path})
		return eff, nil
	}, changelog.KindCreate)

	sender := &recordingSender{}
	mreg := metrics.NewRegistry()
	eng := NewEngine(store, sender, rt, slog.New(slog.NewTextHandler(io.Discard, nil)), mreg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, feed, 2) }()

	c, err := journaled.MergeWrite("things/t1", model.Document{"n": 1})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "copy", func() bool {
		_, ok, _ := mem.Get("copies/t1")
		return ok
	})
	waitFor(t, "watermark", func() bool { return feed.HandledThrough() > c.Seq })
	cancel()
	<-done

	if got := sender.take(); len(got) != 1 {
		t.Fatalf("announced %d times", len(got))
	}
	if got := testutil.ToFloat64(mreg.Requeued); got != 1 {
		t.Fatalf("requeued=%v", got)
	}
	if got := testutil.ToFloat64(mreg.Dropped); got != 0 {
		t.Fatalf("dropped=%v", got)
	}
}

func TestEngine_RunDropsAfterMaxAttempts(t *testing.T) {
	feed := changelog.NewFeed()
	mreg := metrics.NewRegistry()
	eng := NewEngine(brokenStore{docstore.NewInMemoryStore()}, &recordingSender{}, DefaultRouter(), slog.New(slog.NewTextHandler(io.Discard, nil)), mreg)
	eng.SetMaxAttempts(2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, feed, 1) }()

	c := changelog.NewChange(1, "users/u1/orders/o1", nil, model.Document{"orderStatus": "PLACED"})
	if err := feed.Append(c); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "drop", func() bool { return testutil.ToFloat64(mreg.Dropped) == 1 })
	cancel()
	<-done

	if got := testutil.ToFloat64(mreg.HandlerErrors.WithLabelValues("instant_to_ops")); got != 2 {
		t.Fatalf("attempts=%v", got)
	}
	if feed.Len() != 0 || feed.HandledThrough() != 1 {
		t.Fatalf("feed=%d watermark=%d", feed.Len(), feed.HandledThrough())
	}
}
