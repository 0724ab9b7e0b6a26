package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tbourn/go-order-pipeline/internal/domain"
)

func TestInsertMessage_DedupesByEvent(t *testing.T) {
	db := newTestDB(t, &domain.QueueMessage{})
	ctx := context.Background()
	now := time.Now().UTC()

	seedMessage(t, db, "orders", "e1", now)
	dup := &domain.QueueMessage{QueueName: "orders", EventID: "e1", OrderID: "x", Body: []byte(`{}`), VisibleAt: now}
	inserted, err := InsertMessage(ctx, db, dup)
	if err != nil || inserted {
		t.Fatalf("duplicate insert: inserted=%v err=%v", inserted, err)
	}
	// Same event id on another queue is a distinct message.
	other := &domain.QueueMessage{QueueName: "audit", EventID: "e1", OrderID: "x", Body: []byte(`{}`), VisibleAt: now}
	if inserted, err := InsertMessage(ctx, db, other); err != nil || !inserted {
		t.Fatalf("other queue insert: inserted=%v err=%v", inserted, err)
	}
	if n, _ := CountMessages(ctx, db, "orders"); n != 1 {
		t.Fatalf("orders depth = %d; want 1", n)
	}
}

func TestClaimMessage_OnlyOneWinner(t *testing.T) {
	db := newTestDB(t, &domain.QueueMessage{})
	ctx := context.Background()
	now := time.Now().UTC()
	seedMessage(t, db, "orders", "e1", now.Add(-time.Second))

	visible, err := ListVisible(ctx, db, "orders", now, 10)
	if err != nil || len(visible) != 1 {
		t.Fatalf("list visible: n=%d err=%v", len(visible), err)
	}
	snapshot := visible[0]

	won, err := ClaimMessage(ctx, db, &snapshot, "tok-a", now, now.Add(time.Minute))
	if err != nil || !won {
		t.Fatalf("first claim: won=%v err=%v", won, err)
	}
	// A second claimer working from the same stale snapshot must lose.
	won, err = ClaimMessage(ctx, db, &snapshot, "tok-b", now, now.Add(time.Minute))
	if err != nil || won {
		t.Fatalf("second claim: won=%v err=%v", won, err)
	}

	m, err := GetMessageByLease(ctx, db, "orders", "tok-a")
	if err != nil {
		t.Fatalf("get by lease: %v", err)
	}
	if m.ReceiveCount != 1 || m.FirstReceivedAt == nil {
		t.Fatalf("claim bookkeeping wrong: %+v", m)
	}
	if vis, _ := ListVisible(ctx, db, "orders", now, 10); len(vis) != 0 {
		t.Fatalf("leased message must be invisible, got %d", len(vis))
	}
}

func TestExtendAndDeleteByLease(t *testing.T) {
	db := newTestDB(t, &domain.QueueMessage{})
	ctx := context.Background()
	now := time.Now().UTC()
	m := seedMessage(t, db, "orders", "e1", now)

	if ok, err := ClaimMessage(ctx, db, m, "tok", now, now.Add(time.Second)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if ok, err := ExtendLease(ctx, db, "orders", "tok", now, now.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("extend held lease: ok=%v err=%v", ok, err)
	}
	// After expiry the lease can no longer be extended.
	later := now.Add(2 * time.Minute)
	if ok, err := ExtendLease(ctx, db, "orders", "tok", later, later.Add(time.Minute)); err != nil || ok {
		t.Fatalf("extend expired lease: ok=%v err=%v", ok, err)
	}

	if ok, err := DeleteByLease(ctx, db, "orders", "wrong"); err != nil || ok {
		t.Fatalf("delete by unknown token: ok=%v err=%v", ok, err)
	}
	if ok, err := DeleteByLease(ctx, db, "orders", "tok"); err != nil || !ok {
		t.Fatalf("delete by token: ok=%v err=%v", ok, err)
	}
	if _, err := GetMessage(ctx, db, m.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("message should be gone, got %v", err)
	}
}

func TestMoveToDeadLetter_AndRedrive(t *testing.T) {
	db := newTestDB(t, &domain.QueueMessage{}, &domain.DeadLetter{})
	ctx := context.Background()
	now := time.Now().UTC()
	m := seedMessage(t, db, "orders", "e1", now)

	// Guard mismatch: nothing moves.
	_, moved, err := MoveToDeadLetter(ctx, db, m, domain.FailurePermanent, "bad", now, "receive_count = ?", 99)
	if err != nil || moved {
		t.Fatalf("guarded move: moved=%v err=%v", moved, err)
	}

	dl, moved, err := MoveToDeadLetter(ctx, db, m, domain.FailurePermanent, "bad payload", now, "")
	if err != nil || !moved {
		t.Fatalf("move: moved=%v err=%v", moved, err)
	}
	if dl.EventID != "e1" || dl.FailureReason != "bad payload" || string(dl.Body) != `{}` {
		t.Fatalf("dead letter lost message data: %+v", dl)
	}
	if n, _ := CountMessages(ctx, db, "orders"); n != 0 {
		t.Fatalf("queue should be empty, depth=%d", n)
	}
	if n, _ := CountDeadLetters(ctx, db, "orders"); n != 1 {
		t.Fatalf("dead letters = %d; want 1", n)
	}
	page, err := ListDeadLetters(ctx, db, "orders", 0, 10)
	if err != nil || len(page) != 1 || page[0].ID != dl.ID {
		t.Fatalf("list dead letters: %+v err=%v", page, err)
	}

	back, err := RedriveDeadLetter(ctx, db, dl.ID, now)
	if err != nil {
		t.Fatalf("redrive: %v", err)
	}
	if back.ReceiveCount != 0 || back.EventID != "e1" {
		t.Fatalf("redriven message not reset: %+v", back)
	}
	if _, err := GetDeadLetter(ctx, db, dl.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("dead letter should be removed, got %v", err)
	}
	if _, err := RedriveDeadLetter(ctx, db, dl.ID, now); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second redrive should be ErrNotFound, got %v", err)
	}
	if n, _ := CountMessages(ctx, db, "orders"); n != 1 {
		t.Fatalf("queue depth after redrive = %d; want 1", n)
	}
}

func TestInsertMessageBounded(t *testing.T) {
	db := newTestDB(t, &domain.QueueMessage{})
	ctx := context.Background()
	now := time.Now().UTC()
	msg := func(id string) *domain.QueueMessage {
		return &domain.QueueMessage{QueueName: "orders", EventID: id, OrderID: "O-" + id, Body: []byte(`{"x":1}`), VisibleAt: now}
	}

	for _, id := range []string{"e1", "e2"} {
		if inserted, err := InsertMessageBounded(ctx, db, msg(id), 2); err != nil || !inserted {
			t.Fatalf("insert %s: inserted=%v err=%v", id, inserted, err)
		}
	}
	if _, err := InsertMessageBounded(ctx, db, msg("e3"), 2); !errors.Is(err, ErrQueueAtDepth) {
		t.Fatalf("expected ErrQueueAtDepth, got %v", err)
	}
	if inserted, err := InsertMessageBounded(ctx, db, msg("e1"), 2); err != nil || inserted {
		t.Fatalf("duplicate at depth: inserted=%v err=%v", inserted, err)
	}
	// The bound is per queue.
	other := msg("e3")
	other.QueueName = "audit"
	if inserted, err := InsertMessageBounded(ctx, db, other, 2); err != nil || !inserted {
		t.Fatalf("other queue: inserted=%v err=%v", inserted, err)
	}

	visible, err := ListVisible(ctx, db, "orders", now.Add(time.Second), 10)
	if err != nil || len(visible) != 2 {
		t.Fatalf("visible = %d, err=%v", len(visible), err)
	}
	if string(visible[0].Body) != `{"x":1}` || visible[0].ReceiveCount != 0 || visible[0].LeaseToken != "" || visible[0].FirstReceivedAt != nil {
		t.Fatalf("row columns not populated as Create would: %+v", visible[0])
	}
}
