// Package services – Consumer
//
// The consumer drains the delivery queue and applies the order's effect at
// most once per order id, despite at-least-once delivery. Deduplication is
// done through the idempotency ledger, keyed by (order_id, "process"); the
// event id is deliberately not part of the key since every publish mints a
// fresh one.
//
// Per-delivery outcome:
//
//	APPLIED        effect applied now, or earlier (ledger hit); message acked
//	REQUEUED       transient failure; message left to reappear after its lease
//	DEAD_LETTERED  permanent failure; message moved to the dead-letter sink
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/tbourn/go-order-pipeline/internal/domain"
	"github.com/tbourn/go-order-pipeline/internal/observability"
	"github.com/tbourn/go-order-pipeline/internal/queue"
	"github.com/tbourn/go-order-pipeline/internal/repo"
)

// Outcome is the final state of one delivery.
type Outcome string

const (
	OutcomeApplied      Outcome = "APPLIED"
	OutcomeRequeued     Outcome = "REQUEUED"
	OutcomeDeadLettered Outcome = "DEAD_LETTERED"
)

// LeaseQueue is the subset of *queue.Queue the consumer needs.
type LeaseQueue interface {
	Dequeue(ctx context.Context, maxBatch int, visibilityTimeout time.Duration) ([]queue.Delivery, error)
	Ack(ctx context.Context, handle string) error
	ExtendLease(ctx context.Context, handle string, d time.Duration) error
	DeadLetter(ctx context.Context, handle, reason string) error
}

// Effect is the business side effect applied once per order. Errors tagged
// domain.ErrPermanent fail the order; anything else is retried by redelivery.
type Effect func(ctx context.Context, o *domain.Order) error

// Consumer processes deliveries from Queue against the order store.
type Consumer struct {
	DB     *gorm.DB
	Queue  LeaseQueue
	Effect Effect

	// SigningKey, when set, is required to verify every event.
	SigningKey []byte

	Workers           int
	BatchSize         int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	// OperationTimeout bounds each store and queue call.
	OperationTimeout time.Duration

	Now func() time.Time
}

func (c *Consumer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Consumer) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.OperationTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.OperationTimeout)
}

func (c *Consumer) visibility() time.Duration {
	if c.VisibilityTimeout <= 0 {
		return 30 * time.Second
	}
	return c.VisibilityTimeout
}

// Process handles a single delivery. The returned error describes why a
// delivery was requeued or dead-lettered; it is nil for APPLIED.
func (c *Consumer) Process(ctx context.Context, d queue.Delivery) (outcome Outcome, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "services/Consumer", "Process",
		attribute.String("order.id", d.Message.OrderID),
		attribute.String("event.id", d.Message.EventID),
		attribute.Int("receive.count", d.Message.ReceiveCount),
	)
	l := log.With().
		Str("component", "consumer").
		Str("order_id", d.Message.OrderID).
		Str("event_id", d.Message.EventID).
		Int("receive_count", d.Message.ReceiveCount).
		Logger()
	defer func() {
		span.SetAttributes(attribute.String("outcome", string(outcome)))
		observability.EndSpan(span, err)
		observability.ConsumerMessages.WithLabelValues(string(outcome)).Inc()
		observability.ConsumerDuration.Observe(time.Since(start).Seconds())
	}()

	evt, err := queue.DecodeEvent(d.Message.Body)
	if err != nil {
		return c.deadLetter(ctx, l, d, err)
	}
	if len(c.SigningKey) > 0 && !evt.Verify(c.SigningKey) {
		return c.deadLetter(ctx, l, d, domain.Permanent(errors.New("event signature mismatch")))
	}

	opCtx, cancel := c.opCtx(ctx)
	done, err := repo.HasIdempotency(opCtx, c.DB, evt.OrderID, domain.OperationProcess)
	cancel()
	if err != nil {
		return c.requeue(l, repo.Classify(err))
	}
	if done {
		l.Debug().Msg("already processed; acknowledging duplicate")
		c.ack(ctx, l, d)
		return OutcomeApplied, nil
	}

	opCtx, cancel = c.opCtx(ctx)
	order, err := repo.GetOrder(opCtx, c.DB, evt.OrderID)
	cancel()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return c.deadLetter(ctx, l, d, domain.Permanent(fmt.Errorf("order %q not found", evt.OrderID)))
	case err != nil:
		return c.requeue(l, repo.Classify(err))
	case order.Status == domain.StatusFailed:
		return c.deadLetter(ctx, l, d, domain.Permanent(errors.New("order is FAILED")))
	}

	if c.Effect != nil {
		if err := c.runWithLease(ctx, l, d.Handle, func(ctx context.Context) error { return c.Effect(ctx, order) }); err != nil {
			if domain.IsRetryable(err) {
				return c.requeue(l, err)
			}
			c.fail(ctx, l, order.ID)
			return c.deadLetter(ctx, l, d, err)
		}
	}

	if err := c.commit(ctx, l, evt); err != nil {
		if errors.Is(err, repo.ErrInvalidTransition) {
			return c.deadLetter(ctx, l, d, err)
		}
		return c.requeue(l, err)
	}
	c.ack(ctx, l, d)
	l.Info().Msg("order processed")
	return OutcomeApplied, nil
}

// commit records completion: PROCESSED plus the ledger entry, atomically.
func (c *Consumer) commit(ctx context.Context, l zerolog.Logger, evt domain.NotificationEvent) error {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	now := c.now()
	err := c.DB.WithContext(opCtx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.AdvanceStatus(opCtx, tx, evt.OrderID, domain.StatusProcessed, now); err != nil {
			return err
		}
		return repo.CreateIdempotency(opCtx, tx, &domain.IdempotencyRecord{
			OrderID:     evt.OrderID,
			Operation:   domain.OperationProcess,
			EventID:     evt.EventID,
			CompletedAt: now,
		})
	})
	if errors.Is(err, repo.ErrDuplicate) {
		l.Info().Msg("lost ledger race to a concurrent consumer")
		return nil
	}
	return repo.Classify(err)
}

// runWithLease runs fn while a heartbeat keeps the lease alive. A lost lease
// cancels fn's context.
func (c *Consumer) runWithLease(ctx context.Context, l zerolog.Logger, handle string, fn func(context.Context) error) error {
	vt := c.visibility()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(vt / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				opCtx, opCancel := c.opCtx(ctx)
				err := c.Queue.ExtendLease(opCtx, handle, vt)
				opCancel()
				if errors.Is(err, queue.ErrLeaseLost) {
					l.Warn().Msg("lease lost during effect")
					cancel()
					return
				}
				if err != nil {
					l.Warn().Err(err).Msg("lease extension failed")
				}
			}
		}
	}()

	err := runEffect(ctx, l, fn)
	cancel()
	wg.Wait()
	return err
}

// runEffect converts a panicking effect into a permanent failure so one bad
// order cannot take the worker pool down.
func runEffect(ctx context.Context, l zerolog.Logger, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.Error().Interface("panic", r).Msg("effect panicked")
			err = domain.Permanent(fmt.Errorf("effect panic: %v", r))
		}
	}()
	return fn(ctx)
}

func (c *Consumer) fail(ctx context.Context, l zerolog.Logger, orderID string) {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if _, err := repo.AdvanceStatus(opCtx, c.DB, orderID, domain.StatusFailed, c.now()); err != nil {
		l.Error().Err(err).Msg("mark FAILED failed")
	}
}

func (c *Consumer) ack(ctx context.Context, l zerolog.Logger, d queue.Delivery) {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.Queue.Ack(opCtx, d.Handle); err != nil {
		// Redelivery is absorbed by the ledger.
		l.Warn().Err(err).Msg("ack failed")
	}
}

func (c *Consumer) requeue(l zerolog.Logger, err error) (Outcome, error) {
	l.Warn().Err(err).Msg("delivery requeued")
	return OutcomeRequeued, err
}

func (c *Consumer) deadLetter(ctx context.Context, l zerolog.Logger, d queue.Delivery, cause error) (Outcome, error) {
	opCtx, cancel := c.opCtx(ctx)
	defer cancel()
	if err := c.Queue.DeadLetter(opCtx, d.Handle, cause.Error()); err != nil {
		l.Error().Err(err).AnErr("cause", cause).Msg("dead-letter failed; message will be redelivered")
		return OutcomeRequeued, errors.Join(cause, err)
	}
	return OutcomeDeadLettered, cause
}

// RunOnce dequeues one batch and processes it sequentially. It returns the
// number of deliveries handled.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	batch := c.BatchSize
	if batch < 1 {
		batch = 1
	}
	opCtx, cancel := c.opCtx(ctx)
	ds, err := c.Queue.Dequeue(opCtx, batch, c.visibility())
	cancel()
	if err != nil {
		return 0, err
	}
	for _, d := range ds {
		if ctx.Err() != nil {
			break
		}
		_, _ = c.Process(ctx, d)
	}
	return len(ds), nil
}

// Run starts Workers polling loops and blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	workers := c.Workers
	if workers < 1 {
		workers = 1
	}
	idle := c.PollInterval
	if idle <= 0 {
		idle = 500 * time.Millisecond
	}
	log.Info().Int("workers", workers).Int("batch", c.BatchSize).Msg("consumer started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for {
				n, err := c.RunOnce(ctx)
				if err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Msg("dequeue failed")
				}
				if n > 0 && err == nil {
					continue
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(idle):
				}
			}
		})
	}
	err := g.Wait()
	log.Info().Msg("consumer stopped")
	return err
}
