package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-order-pipeline/internal/domain"
	"github.com/tbourn/go-order-pipeline/internal/repo"
)

func TestReconciler_RepublishesStuckOrders(t *testing.T) {
	pub := &stubPublisher{err: errors.New("broker down")}
	clk := &testClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := &OrderService{DB: newSvcDB(t), Notifier: pub, Now: clk.Now}
	ctx := context.Background()

	if _, err := s.Submit(ctx, "A1", []byte(`{}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	r := &Reconciler{Orders: s, Grace: time.Minute, BatchSize: 10}

	// Within grace: untouched.
	if n, err := r.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("within grace: n=%d err=%v", n, err)
	}

	clk.Advance(2 * time.Minute)
	// Broker still down: nothing republished, order still RECEIVED.
	if n, err := r.RunOnce(ctx); err != nil || n != 0 {
		t.Fatalf("broker down: n=%d err=%v", n, err)
	}

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()
	if n, err := r.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("recovered: n=%d err=%v", n, err)
	}
	o, _ := s.Get(ctx, "A1")
	if o.Status != domain.StatusNotified || o.NotifiedAt == nil {
		t.Fatalf("expected NOTIFIED, got %+v", o)
	}

	// Nothing left to do.
	if n, _ := r.RunOnce(ctx); n != 0 {
		t.Fatalf("second pass republished %d", n)
	}
	seen := map[string]bool{}
	for _, e := range pub.evts {
		if seen[e.EventID] {
			t.Fatalf("event id %s reused", e.EventID)
		}
		seen[e.EventID] = true
	}
}

func deliveryStatus(t *testing.T, p *pipeline, orderID, subscriber string) domain.SubscriberDelivery {
	t.Helper()
	rows, err := repo.ListDeliveries(context.Background(), p.db, orderID)
	if err != nil {
		t.Fatalf("deliveries: %v", err)
	}
	for _, r := range rows {
		if r.Subscriber == subscriber {
			return r
		}
	}
	t.Fatalf("no delivery row for %s/%s", orderID, subscriber)
	return domain.SubscriberDelivery{}
}

func TestReconciler_RedeliversToRecoveredSubscriberAfterProcessing(t *testing.T) {
	audit := &toggleSub{name: "kafka:orders.received"}
	p := newPipeline(t, audit)
	ctx := context.Background()

	if _, err := p.orders.Submit(ctx, "A1", []byte(`{}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	var calls int64
	c := p.consumer(countingEffect(&calls, nil))
	if n, err := c.RunOnce(ctx); n != 1 || err != nil {
		t.Fatalf("RunOnce = %d, %v", n, err)
	}
	mustStatus(t, p, "A1", domain.StatusProcessed)
	if d := deliveryStatus(t, p, "A1", audit.name); d.Status != domain.DeliveryPending {
		t.Fatalf("audit delivery should be pending: %+v", d)
	}

	audit.setUp()
	p.clock.Advance(2 * time.Minute)
	r := &Reconciler{Orders: p.orders, Grace: time.Minute, BatchSize: 10}
	if n, err := r.RunOnce(ctx); err != nil || n != 1 {
		t.Fatalf("redelivery pass: n=%d err=%v", n, err)
	}

	got := audit.received()
	if len(got) != 1 || got[0].OrderID != "A1" || !got[0].Verify(p.key) {
		t.Fatalf("recovered subscriber events: %+v", got)
	}
	if d := deliveryStatus(t, p, "A1", audit.name); d.Status != domain.DeliveryDelivered {
		t.Fatalf("audit delivery not recorded: %+v", d)
	}
	// The queue already had the event; it must not be enqueued again.
	if depth, _ := p.queue.Depth(ctx); depth != 0 {
		t.Fatalf("delivered subscriber republished, depth=%d", depth)
	}
	mustStatus(t, p, "A1", domain.StatusProcessed)
	if calls != 1 {
		t.Fatalf("effect calls = %d; want 1", calls)
	}

	p.clock.Advance(2 * time.Minute)
	if n, _ := r.RunOnce(ctx); n != 0 {
		t.Fatalf("nothing left, republished %d", n)
	}
}

func TestReconciler_BrokenSecondaryDoesNotMultiplyDeadLetters(t *testing.T) {
	p := newPipeline(t, failingSub{err: errors.New("broker down")})
	ctx := context.Background()

	if _, err := p.orders.Submit(ctx, "A1", []byte(`{}`)); err != nil {
		t.Fatalf("submit: %v", err)
	}
	mustStatus(t, p, "A1", domain.StatusNotified)

	c := p.consumer(func(context.Context, *domain.Order) error {
		return domain.Transient(errors.New("still down"))
	})
	r := &Reconciler{Orders: p.orders, Grace: time.Minute, BatchSize: 10}

	// Several reconciler passes interleaved with lease expiries: the event is
	// received up to the limit and dead-lettered exactly once.
	for pass := 0; pass < 8; pass++ {
		if _, err := c.RunOnce(ctx); err != nil {
			t.Fatalf("pass %d consume: %v", pass, err)
		}
		p.clock.Advance(2 * time.Minute)
		if n, err := r.RunOnce(ctx); err != nil || n != 0 {
			t.Fatalf("pass %d reconcile: n=%d err=%v", pass, n, err)
		}
	}

	_, total, err := p.queue.ListDeadLetters(ctx, 0, 10)
	if err != nil || total != 1 {
		t.Fatalf("dead letters = %d (err=%v); want 1", total, err)
	}
	if depth, _ := p.queue.Depth(ctx); depth != 0 {
		t.Fatalf("queue depth = %d; want 0", depth)
	}
	mustStatus(t, p, "A1", domain.StatusNotified)
	if d := deliveryStatus(t, p, "A1", "broken"); d.Status != domain.DeliveryPending || d.Failures != 9 {
		t.Fatalf("broken subscriber retries not tracked: %+v", d)
	}
}

func TestReconciler_StartStopsOnCancel(t *testing.T) {
	pub := &stubPublisher{}
	s := &OrderService{DB: newSvcDB(t), Notifier: pub}
	r := &Reconciler{Orders: s, Interval: time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Start(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("reconciler did not stop")
	}
}
