// Package queue implements the durable delivery queue between the notifier
// and the order consumers. Messages live in the order store's database;
// consumers take time-bounded leases on them (visibility timeout) and must
// acknowledge before the lease expires, or the message becomes visible again.
//
// Delivery is at-least-once and unordered. A message that has been delivered
// MaxReceiveCount times without an ack is moved to the dead-letter sink on its
// next dequeue instead of being handed out again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"github.com/tbourn/go-order-pipeline/internal/domain"
	"github.com/tbourn/go-order-pipeline/internal/observability"
	"github.com/tbourn/go-order-pipeline/internal/repo"
)

const tracerName = "queue/Queue"

// maxDequeueRounds bounds how often one Dequeue call refills its batch.
const maxDequeueRounds = 4

var (
	// ErrQueueFull is returned by Enqueue when the queue is at MaxDepth.
	ErrQueueFull = fmt.Errorf("%w: delivery queue is full", domain.ErrCapacity)
	// ErrLeaseLost is returned when a lease handle no longer refers to a
	// message held by the caller (expired and re-leased, acked, or unknown).
	ErrLeaseLost = errors.New("lease lost")
)

// Options configures a Queue.
type Options struct {
	Name            string
	MaxReceiveCount int   // deliveries allowed before dead-lettering; default 5
	MaxDepth        int64 // 0 = unbounded
	Now             func() time.Time
}

// Queue is a table-backed delivery queue. It is safe for concurrent use by
// any number of producers and consumers, including across processes sharing
// the same database.
type Queue struct {
	db         *gorm.DB
	name       string
	maxReceive int
	maxDepth   int64
	now        func() time.Time
	log        zerolog.Logger
}

// Delivery is one leased message. Handle is the receipt used for Ack,
// ExtendLease and DeadLetter; it is only valid for this lease.
type Delivery struct {
	Handle  string
	Message domain.QueueMessage
}

// New returns a Queue over db.
func New(db *gorm.DB, opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = "orders"
	}
	if opts.MaxReceiveCount < 1 {
		opts.MaxReceiveCount = 5
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Queue{
		db:         db,
		name:       opts.Name,
		maxReceive: opts.MaxReceiveCount,
		maxDepth:   opts.MaxDepth,
		now:        opts.Now,
		log:        log.With().Str("component", "queue").Str("queue", opts.Name).Logger(),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue appends a message carrying evt. Enqueueing the same event id twice
// is a no-op. Returns ErrQueueFull when the queue is at capacity; the depth
// check and the insert are one statement, see repo.InsertMessageBounded for
// how exact the limit is per driver.
func (q *Queue) Enqueue(ctx context.Context, evt domain.NotificationEvent) (err error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "Enqueue",
		attribute.String("queue", q.name),
		attribute.String("order.id", evt.OrderID),
		attribute.String("event.id", evt.EventID),
	)
	defer func() { observability.EndSpan(span, err) }()

	body, err := EncodeEvent(evt)
	if err != nil {
		return domain.Permanent(err)
	}
	now := q.now()
	m := &domain.QueueMessage{
		QueueName: q.name,
		EventID:   evt.EventID,
		OrderID:   evt.OrderID,
		Body:      body,
		VisibleAt: now,
		CreatedAt: now,
	}
	var inserted bool
	if q.maxDepth > 0 {
		inserted, err = repo.InsertMessageBounded(ctx, q.db, m, q.maxDepth)
	} else {
		inserted, err = repo.InsertMessage(ctx, q.db, m)
	}
	if errors.Is(err, repo.ErrQueueAtDepth) {
		return ErrQueueFull
	}
	if err != nil {
		return repo.Classify(err)
	}
	if inserted {
		observability.QueueEnqueued.WithLabelValues(q.name).Inc()
	}
	return nil
}

// Dequeue leases up to maxBatch visible messages for visibilityTimeout.
// Each returned message has had its receive count incremented. Messages that
// already reached the receive limit are dead-lettered instead of returned.
//
// If some claims succeed before a store error, the successful deliveries are
// returned and the error is logged; unreturned leases simply expire.
func (q *Queue) Dequeue(ctx context.Context, maxBatch int, visibilityTimeout time.Duration) (out []Delivery, err error) {
	ctx, span := observability.StartSpan(ctx, tracerName, "Dequeue",
		attribute.String("queue", q.name),
		attribute.Int("batch.max", maxBatch),
	)
	defer func() {
		span.SetAttributes(attribute.Int("batch.size", len(out)))
		observability.EndSpan(span, err)
	}()

	if maxBatch <= 0 {
		maxBatch = 1
	}
	if visibilityTimeout <= 0 {
		return nil, domain.Permanent(errors.New("visibility timeout must be positive"))
	}

	now := q.now()
	// Exhausted messages are dead-lettered and claims lost to other consumers
	// are skipped; both leave the visible set, so refill until the batch is
	// full or the queue runs dry.
	for round := 0; round < maxDequeueRounds && len(out) < maxBatch; round++ {
		want := maxBatch - len(out)
		candidates, err := repo.ListVisible(ctx, q.db, q.name, now, want)
		if err != nil {
			if len(out) == 0 {
				return nil, repo.Classify(err)
			}
			q.log.Warn().Err(err).Msg("list failed; returning partial batch")
			break
		}

		for i := range candidates {
			m := candidates[i]
			if m.ReceiveCount >= q.maxReceive {
				q.expire(ctx, &m, now)
				continue
			}

			token := uuid.NewString()
			won, cerr := repo.ClaimMessage(ctx, q.db, &m, token, now, now.Add(visibilityTimeout))
			if cerr != nil {
				if len(out) == 0 {
					return nil, repo.Classify(cerr)
				}
				q.log.Warn().Err(cerr).Uint64("message_id", m.ID).Msg("claim failed; returning partial batch")
				return q.leased(out), nil
			}
			if !won {
				continue
			}

			m.ReceiveCount++
			m.LeaseToken = token
			m.VisibleAt = now.Add(visibilityTimeout)
			if m.FirstReceivedAt == nil {
				first := now
				m.FirstReceivedAt = &first
			}
			out = append(out, Delivery{Handle: token, Message: m})
		}
		if len(candidates) < want {
			break
		}
	}
	return q.leased(out), nil
}

func (q *Queue) leased(out []Delivery) []Delivery {
	if len(out) > 0 {
		observability.QueueLeased.WithLabelValues(q.name).Add(float64(len(out)))
	}
	return out
}

// expire moves a message that exhausted its receive count to the dead-letter
// sink. Losing the race to another consumer is not an error.
func (q *Queue) expire(ctx context.Context, m *domain.QueueMessage, now time.Time) {
	reason := fmt.Sprintf("delivered %d times without acknowledgement (max %d)", m.ReceiveCount, q.maxReceive)
	dl, moved, err := repo.MoveToDeadLetter(ctx, q.db, m, domain.FailureMaxReceive, reason, now,
		"receive_count = ? AND visible_at <= ?", m.ReceiveCount, now)
	if err != nil {
		q.log.Error().Err(err).Uint64("message_id", m.ID).Msg("dead-letter move failed")
		return
	}
	if moved {
		q.alert(dl)
	}
}

func (q *Queue) alert(dl *domain.DeadLetter) {
	observability.QueueDeadLettered.WithLabelValues(q.name, dl.FailureKind).Inc()
	q.log.Error().
		Str("dead_letter_id", dl.ID).
		Str("order_id", dl.OrderID).
		Str("event_id", dl.EventID).
		Str("kind", dl.FailureKind).
		Int("receive_count", dl.ReceiveCount).
		Str("reason", dl.FailureReason).
		Msg("message dead-lettered")
}

// Ack deletes the message leased under handle. ErrLeaseLost is returned if
// the handle no longer refers to a message.
func (q *Queue) Ack(ctx context.Context, handle string) error {
	ok, err := repo.DeleteByLease(ctx, q.db, q.name, handle)
	if err != nil {
		return repo.Classify(err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// ExtendLease keeps the message leased under handle invisible for another d,
// measured from now. It fails with ErrLeaseLost once the lease has expired.
func (q *Queue) ExtendLease(ctx context.Context, handle string, d time.Duration) error {
	now := q.now()
	ok, err := repo.ExtendLease(ctx, q.db, q.name, handle, now, now.Add(d))
	if err != nil {
		return repo.Classify(err)
	}
	if !ok {
		return ErrLeaseLost
	}
	return nil
}

// DeadLetter acknowledges the message leased under handle and records it,
// with reason, in the dead-letter sink.
func (q *Queue) DeadLetter(ctx context.Context, handle, reason string) error {
	m, err := repo.GetMessageByLease(ctx, q.db, q.name, handle)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrLeaseLost
	}
	if err != nil {
		return repo.Classify(err)
	}
	dl, moved, err := repo.MoveToDeadLetter(ctx, q.db, m, domain.FailurePermanent, reason, q.now(),
		"lease_token = ?", handle)
	if err != nil {
		return repo.Classify(err)
	}
	if !moved {
		return ErrLeaseLost
	}
	q.alert(dl)
	return nil
}

// Depth returns the number of messages in the queue, leased or not.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := repo.CountMessages(ctx, q.db, q.name)
	return n, repo.Classify(err)
}

// Stats returns a snapshot of the queue and its dead-letter sink.
func (q *Queue) Stats(ctx context.Context) (repo.QueueStats, error) {
	st, err := repo.GetQueueStats(ctx, q.db, q.name, q.now())
	return st, repo.Classify(err)
}

// CountDeadLetters returns the number of dead letters for this queue.
func (q *Queue) CountDeadLetters(ctx context.Context) (int64, error) {
	n, err := repo.CountDeadLetters(ctx, q.db, q.name)
	return n, repo.Classify(err)
}

// ListDeadLetters returns a page of dead letters, newest first, and the total.
func (q *Queue) ListDeadLetters(ctx context.Context, offset, limit int) ([]domain.DeadLetter, int64, error) {
	total, err := q.CountDeadLetters(ctx)
	if err != nil {
		return nil, 0, err
	}
	items, err := repo.ListDeadLetters(ctx, q.db, q.name, offset, limit)
	if err != nil {
		return nil, 0, repo.Classify(err)
	}
	return items, total, nil
}

// Redrive returns a dead letter to the queue with a fresh receive count.
func (q *Queue) Redrive(ctx context.Context, deadLetterID string) (*domain.QueueMessage, error) {
	dl, err := repo.GetDeadLetter(ctx, q.db, deadLetterID)
	if err != nil {
		return nil, repo.Classify(err)
	}
	if dl.QueueName != q.name {
		return nil, repo.ErrNotFound
	}
	m, err := repo.RedriveDeadLetter(ctx, q.db, deadLetterID, q.now())
	if err != nil {
		return nil, repo.Classify(err)
	}
	q.log.Info().Str("dead_letter_id", deadLetterID).Str("order_id", m.OrderID).Msg("dead letter redriven")
	return m, nil
}
