package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/tbourn/go-order-pipeline/internal/domain"
	"github.com/tbourn/go-order-pipeline/internal/observability"
	"github.com/tbourn/go-order-pipeline/internal/repo"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := repo.OpenSQLite(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	require.NoError(t, repo.AutoMigrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestQueue(t *testing.T, name string, maxReceive int, maxDepth int64) (*Queue, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	q := New(newTestDB(t), Options{Name: name, MaxReceiveCount: maxReceive, MaxDepth: maxDepth, Now: clk.Now})
	return q, clk
}

func evt(id, order string) domain.NotificationEvent {
	return domain.NotificationEvent{EventID: id, OrderID: order, PublishedAt: time.Now().UTC()}
}

func TestEnqueueDequeueAck(t *testing.T) {
	q, _ := newTestQueue(t, "basic", 5, 0)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, evt("e1", "A1")))
	require.NoError(t, q.Enqueue(ctx, evt("e1", "A1")), "re-enqueue of the same event is a no-op")

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, depth)

	ds, err := q.Dequeue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, 1, ds[0].Message.ReceiveCount)
	require.NotEmpty(t, ds[0].Handle)

	got, err := DecodeEvent(ds[0].Message.Body)
	require.NoError(t, err)
	require.Equal(t, "A1", got.OrderID)

	// Leased message is invisible.
	again, err := q.Dequeue(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, q.Ack(ctx, ds[0].Handle))
	require.ErrorIs(t, q.Ack(ctx, ds[0].Handle), ErrLeaseLost)

	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestVisibilityTimeout_Redelivers(t *testing.T) {
	q, clk := newTestQueue(t, "redeliver", 5, 0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, evt("e1", "A1")))

	first, err := q.Dequeue(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clk.Advance(29 * time.Second)
	none, err := q.Dequeue(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Empty(t, none)

	clk.Advance(2 * time.Second)
	second, err := q.Dequeue(ctx, 1, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	require.Equal(t, 2, second[0].Message.ReceiveCount)
	require.NotEqual(t, first[0].Handle, second[0].Handle)

	// The stale handle from the first lease can no longer ack.
	require.ErrorIs(t, q.Ack(ctx, first[0].Handle), ErrLeaseLost)
	require.NoError(t, q.Ack(ctx, second[0].Handle))
}

func TestExtendLease(t *testing.T) {
	q, clk := newTestQueue(t, "extend", 5, 0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, evt("e1", "A1")))

	ds, err := q.Dequeue(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, ds, 1)

	clk.Advance(8 * time.Second)
	require.NoError(t, q.ExtendLease(ctx, ds[0].Handle, 10*time.Second))

	clk.Advance(8 * time.Second) // 16s after lease start, still held thanks to the extension
	none, err := q.Dequeue(ctx, 1, 10*time.Second)
	require.NoError(t, err)
	require.Empty(t, none)

	clk.Advance(5 * time.Second)
	require.ErrorIs(t, q.ExtendLease(ctx, ds[0].Handle, 10*time.Second), ErrLeaseLost)
}

func TestMaxReceiveCount_DeadLettersAfterExactlyMaxDeliveries(t *testing.T) {
	const maxReceive = 3
	q, clk := newTestQueue(t, "maxrecv", maxReceive, 0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, evt("e1", "A1")))

	before := testutil.ToFloat64(observability.QueueDeadLettered.WithLabelValues("maxrecv", domain.FailureMaxReceive))

	deliveries := 0
	for i := 0; i < maxReceive+3; i++ {
		ds, err := q.Dequeue(ctx, 1, time.Second)
		require.NoError(t, err)
		deliveries += len(ds)
		clk.Advance(2 * time.Second) // never ack; let the lease expire
	}
	require.Equal(t, maxReceive, deliveries)

	items, total, err := q.ListDeadLetters(ctx, 0, 10)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Equal(t, domain.FailureMaxReceive, items[0].FailureKind)
	require.Equal(t, maxReceive, items[0].ReceiveCount)
	require.Equal(t, "e1", items[0].EventID)

	after := testutil.ToFloat64(observability.QueueDeadLettered.WithLabelValues("maxrecv", domain.FailureMaxReceive))
	require.Equal(t, before+1, after)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestDeadLetterByHandle_AndRedrive(t *testing.T) {
	q, _ := newTestQueue(t, "dlq", 5, 0)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, evt("e1", "A1")))

	ds, err := q.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, ds, 1)

	require.NoError(t, q.DeadLetter(ctx, ds[0].Handle, "validation failed"))
	require.ErrorIs(t, q.DeadLetter(ctx, ds[0].Handle, "again"), ErrLeaseLost)

	st, err := q.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Depth)
	require.EqualValues(t, 1, st.DeadLetters)

	items, _, err := q.ListDeadLetters(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, domain.FailurePermanent, items[0].FailureKind)
	require.Equal(t, "validation failed", items[0].FailureReason)

	m, err := q.Redrive(ctx, items[0].ID)
	require.NoError(t, err)
	require.Equal(t, "A1", m.OrderID)

	n, err := q.CountDeadLetters(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	ds, err = q.Dequeue(ctx, 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	require.Equal(t, 1, ds[0].Message.ReceiveCount)

	_, err = q.Redrive(ctx, "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestEnqueue_CapacityError(t *testing.T) {
	q, _ := newTestQueue(t, "bounded", 5, 2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, evt("e1", "A1")))
	require.NoError(t, q.Enqueue(ctx, evt("e2", "A2")))

	err := q.Enqueue(ctx, evt("e3", "A3"))
	require.ErrorIs(t, err, ErrQueueFull)
	require.True(t, errors.Is(err, domain.ErrCapacity))
	require.False(t, domain.IsRetryable(err))
}

func TestEnqueue_CapacityHoldsUnderConcurrentProducers(t *testing.T) {
	const maxDepth = 5
	q, _ := newTestQueue(t, "bounded-concurrent", 5, maxDepth)
	ctx := context.Background()

	var (
		wg             sync.WaitGroup
		mu             sync.Mutex
		accepted, full int
		unexpected     []error
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := q.Enqueue(ctx, evt(fmt.Sprintf("e%02d", i), fmt.Sprintf("O%02d", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrQueueFull):
				full++
			default:
				unexpected = append(unexpected, err)
			}
		}(i)
	}
	wg.Wait()

	require.Empty(t, unexpected)
	require.Equal(t, maxDepth, accepted)
	require.Equal(t, 16-maxDepth, full)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	require.EqualValues(t, maxDepth, depth)

	// A duplicate of a queued event stays a no-op even at capacity.
	ds, err := q.Dequeue(ctx, maxDepth, time.Minute)
	require.NoError(t, err)
	require.Len(t, ds, maxDepth)
	require.NoError(t, q.Enqueue(ctx, evt(ds[0].Message.EventID, ds[0].Message.OrderID)))
}

func TestDequeue_ExhaustedMessagesDoNotShrinkTheBatch(t *testing.T) {
	q, clk := newTestQueue(t, "refill", 1, 0)
	ctx := context.Background()

	// e1 and e2 use up their single delivery and sit at the head of the queue.
	require.NoError(t, q.Enqueue(ctx, evt("e1", "A1")))
	require.NoError(t, q.Enqueue(ctx, evt("e2", "A2")))
	ds, err := q.Dequeue(ctx, 2, time.Second)
	require.NoError(t, err)
	require.Len(t, ds, 2)
	clk.Advance(2 * time.Second)

	require.NoError(t, q.Enqueue(ctx, evt("e3", "A3")))
	require.NoError(t, q.Enqueue(ctx, evt("e4", "A4")))

	ds, err = q.Dequeue(ctx, 2, time.Minute)
	require.NoError(t, err)
	require.Len(t, ds, 2, "dead-lettered candidates must not consume batch slots")
	got := []string{ds[0].Message.EventID, ds[1].Message.EventID}
	require.ElementsMatch(t, []string{"e3", "e4"}, got)

	n, err := q.CountDeadLetters(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestDequeue_ConcurrentConsumersNeverShareALease(t *testing.T) {
	q, _ := newTestQueue(t, "concurrent", 5, 0)
	ctx := context.Background()
	const n = 20
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(ctx, evt(
			"e"+string(rune('a'+i)), "O"+string(rune('a'+i)))))
	}

	var (
		mu   sync.Mutex
		seen = map[uint64]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				ds, err := q.Dequeue(ctx, 3, time.Minute)
				if err != nil {
					continue
				}
				mu.Lock()
				for _, d := range ds {
					seen[d.Message.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id, c := range seen {
		require.Equalf(t, 1, c, "message %d leased %d times within one visibility window", id, c)
	}
}

func TestDequeue_RejectsNonPositiveVisibility(t *testing.T) {
	q, _ := newTestQueue(t, "badvis", 5, 0)
	_, err := q.Dequeue(context.Background(), 1, 0)
	require.ErrorIs(t, err, domain.ErrPermanent)
}

func TestDecodeEvent_Rejects(t *testing.T) {
	_, err := DecodeEvent([]byte("not json"))
	require.ErrorIs(t, err, domain.ErrPermanent)
	_, err = DecodeEvent([]byte(`{"event_id":"e1"}`))
	require.ErrorIs(t, err, domain.ErrPermanent)
}
