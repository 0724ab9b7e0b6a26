package services

import (
	"context"
	"errors"
	"testing"

	"github.com/tbourn/go-order-pipeline/internal/domain"
)

func TestDeadLetterService_ListAndRedrive(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	for _, id := range []string{"A1", "A2", "A3"} {
		if _, err := p.orders.Submit(ctx, id, []byte(`{}`)); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	c := p.consumer(func(context.Context, *domain.Order) error {
		return domain.Permanent(errors.New("rejected"))
	})
	if _, err := c.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	svc := &DeadLetterService{Queue: p.queue}
	page1, total, err := svc.ListPage(ctx, 1, 2)
	if err != nil || total != 3 || len(page1) != 2 {
		t.Fatalf("page1: len=%d total=%d err=%v", len(page1), total, err)
	}
	page2, _, _ := svc.ListPage(ctx, 2, 2)
	if len(page2) != 1 || page2[0].ID == page1[0].ID || page2[0].ID == page1[1].ID {
		t.Fatalf("page2 overlaps page1: %+v", page2)
	}

	m, err := svc.Redrive(ctx, page2[0].ID)
	if err != nil || m.ReceiveCount != 0 || m.OrderID != page2[0].OrderID {
		t.Fatalf("redrive: %+v err=%v", m, err)
	}
	st, err := svc.Stats(ctx)
	if err != nil || st.Depth != 1 || st.DeadLetters != 2 {
		t.Fatalf("stats: %+v err=%v", st, err)
	}

	if _, err := svc.Redrive(ctx, page2[0].ID); !errors.Is(err, ErrDeadLetterNotFound) {
		t.Fatalf("second redrive: expected ErrDeadLetterNotFound, got %v", err)
	}
}
