// Package services – OrderService
//
// This file implements the ingestion path. Submit validates the request,
// durably stores the order with a conditional create (first writer wins), and
// only then publishes a notification. A failed publish never fails the
// request: every subscriber's acceptance is recorded, and the Reconciler
// republishes to the ones that have not accepted yet.
//
// Observability: public methods are OpenTelemetry-instrumented and ingestion
// outcomes are counted in orderpipeline_orders_ingested_total.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/go-order-pipeline/internal/domain"
	"github.com/tbourn/go-order-pipeline/internal/notify"
	"github.com/tbourn/go-order-pipeline/internal/observability"
	"github.com/tbourn/go-order-pipeline/internal/repo"
)

// Publisher is the notifier contract used by the ingestion path.
type Publisher interface {
	Subscribers() []string
	PublishTo(ctx context.Context, evt domain.NotificationEvent, names []string) error
}

// OrderService owns order ingestion and lookups.
type OrderService struct {
	// DB is the order store.
	DB *gorm.DB
	// Notifier fans out notifications once an order is stored.
	Notifier Publisher
	// Gate names the subscriber whose acceptance moves an order to NOTIFIED,
	// normally the delivery queue. Empty means every subscriber must accept.
	Gate string

	// MaxDetailsBytes caps the details blob; 0 disables the check.
	MaxDetailsBytes int
	// StoreAttempts bounds retries of a transient store failure on create.
	StoreAttempts int
	// StoreBackoff is the first retry delay for store writes.
	StoreBackoff time.Duration

	// Now is the clock; defaults to time.Now in UTC.
	Now func() time.Time
}

func (s *OrderService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// NormalizeOrderID trims surrounding whitespace and applies Unicode NFC so
// visually identical ids collide on the primary key.
func NormalizeOrderID(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// validateDetails requires a JSON object within the size limit.
func (s *OrderService) validateDetails(details []byte) error {
	if s.MaxDetailsBytes > 0 && len(details) > s.MaxDetailsBytes {
		return ErrPayloadTooLarge
	}
	trimmed := strings.TrimSpace(string(details))
	if !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
		return ErrInvalidDetails
	}
	return nil
}

// Submit ingests an order. It returns the stored order on acceptance,
// ErrOrderExists on a duplicate id, a validation or capacity error for bad
// input, and ErrStoreUnavailable when the store could not be written.
func (s *OrderService) Submit(ctx context.Context, orderID string, details []byte) (order *domain.Order, err error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "Submit",
		trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.Int("details.bytes", len(details)),
		),
	)
	defer func() {
		outcome := "accepted"
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrConflict):
			outcome = "conflict"
		case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrCapacity):
			outcome = "rejected"
		default:
			outcome = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		observability.OrdersIngested.WithLabelValues(outcome).Inc()
		span.End()
	}()

	orderID = NormalizeOrderID(orderID)
	if orderID == "" {
		return nil, ErrEmptyOrderID
	}
	if len(orderID) > MaxOrderIDBytes {
		return nil, ErrOrderIDTooLong
	}
	if err := s.validateDetails(details); err != nil {
		return nil, err
	}

	now := s.now()
	o := &domain.Order{
		ID:        orderID,
		Details:   details,
		Status:    domain.StatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.create(ctx, o); err != nil {
		return nil, err
	}

	// Stored: from here on the request is accepted whatever the notifier does.
	if err := s.Notify(ctx, o); err != nil {
		log.Ctx(ctx).Warn().Err(err).
			Str("order_id", o.ID).
			Msg("notification incomplete; left for reconciliation")
	}
	return o, nil
}

// create performs the conditional insert with bounded retries on transient
// store errors.
func (s *OrderService) create(ctx context.Context, o *domain.Order) error {
	attempts := s.StoreAttempts
	if attempts < 1 {
		attempts = 3
	}
	b := backoff.NewExponentialBackOff()
	if s.StoreBackoff > 0 {
		b.InitialInterval = s.StoreBackoff
	} else {
		b.InitialInterval = 50 * time.Millisecond
	}
	b.MaxInterval = 10 * b.InitialInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := repo.Classify(repo.CreateOrder(ctx, s.DB, o))
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, repo.ErrDuplicate):
			return struct{}{}, backoff.Permanent(ErrOrderExists)
		case domain.IsRetryable(err):
			return struct{}{}, err
		default:
			return struct{}{}, backoff.Permanent(err)
		}
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(attempts)), backoff.WithMaxElapsedTime(0))
	if err == nil {
		return nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if errors.Is(err, ErrOrderExists) {
		return ErrOrderExists
	}
	log.Ctx(ctx).Error().Err(err).Str("order_id", o.ID).Msg("order store write failed")
	return errors.Join(ErrStoreUnavailable, err)
}

// Notify publishes a fresh event for o to every subscriber that has not yet
// accepted one, records each outcome, and advances o to NOTIFIED once the
// gate subscriber has accepted. A failure of any other subscriber does not
// hold the order back; it is returned and left for the Reconciler. If a
// consumer already moved the order further the status is left alone.
// o.Status is refreshed when the store changed.
func (s *OrderService) Notify(ctx context.Context, o *domain.Order) error {
	if s.Notifier == nil {
		return nil
	}
	l := log.Ctx(ctx).With().Str("order_id", o.ID).Logger()
	now := s.now()

	delivered := map[string]bool{}
	rows, err := repo.ListDeliveries(ctx, s.DB, o.ID)
	if err != nil {
		// Unknown history: publish to everyone, duplicates are absorbed downstream.
		l.Warn().Err(err).Msg("delivery history unavailable")
	}
	for _, r := range rows {
		if r.Status == domain.DeliveryDelivered {
			delivered[r.Subscriber] = true
		}
	}
	var targets []string
	for _, name := range s.Notifier.Subscribers() {
		if !delivered[name] {
			targets = append(targets, name)
		}
	}

	var pubErr error
	if len(targets) > 0 {
		evt := domain.NotificationEvent{
			EventID:     uuid.NewString(),
			OrderID:     o.ID,
			PublishedAt: now,
		}
		pubErr = s.Notifier.PublishTo(ctx, evt, targets)
		failed := failedSubscribers(pubErr, targets)
		for _, name := range targets {
			var rerr error
			if cause, ok := failed[name]; ok {
				rerr = repo.MarkPending(ctx, s.DB, o.ID, name, evt.EventID, cause.Error(), now)
			} else {
				delivered[name] = true
				rerr = repo.MarkDelivered(ctx, s.DB, o.ID, name, evt.EventID, now)
			}
			if rerr != nil {
				l.Warn().Err(rerr).Str("subscriber", name).Msg("record delivery failed")
			}
		}
	}

	if !s.gateOpen(delivered) {
		return pubErr
	}
	changed, err := repo.AdvanceStatus(ctx, s.DB, o.ID, domain.StatusNotified, now)
	switch {
	case err == nil:
		if changed {
			o.Status = domain.StatusNotified
			o.NotifiedAt = &now
		}
	case errors.Is(err, repo.ErrInvalidTransition):
		l.Debug().Msg("order already past NOTIFIED")
	default:
		// Published but not marked: the reconciler picks the order up again
		// and, with every subscriber delivered, only retries the mark.
		l.Warn().Err(err).Msg("mark NOTIFIED failed")
	}
	return pubErr
}

// gateOpen reports whether enough subscribers accepted for the order to count
// as NOTIFIED.
func (s *OrderService) gateOpen(delivered map[string]bool) bool {
	if s.Gate != "" {
		return delivered[s.Gate]
	}
	for _, name := range s.Notifier.Subscribers() {
		if !delivered[name] {
			return false
		}
	}
	return true
}

// failedSubscribers maps each failed target to its cause. An error that is
// not a *notify.PublishError is charged to every target.
func failedSubscribers(err error, targets []string) map[string]error {
	if err == nil {
		return nil
	}
	var pe *notify.PublishError
	if errors.As(err, &pe) {
		return pe.Failures
	}
	out := make(map[string]error, len(targets))
	for _, name := range targets {
		out[name] = err
	}
	return out
}

// Get returns a stored order by id, or ErrOrderNotFound.
func (s *OrderService) Get(ctx context.Context, orderID string) (*domain.Order, error) {
	tr := otel.Tracer("services/OrderService")
	ctx, span := tr.Start(ctx, "Get", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	orderID = NormalizeOrderID(orderID)
	if orderID == "" {
		return nil, ErrEmptyOrderID
	}
	o, err := repo.GetOrder(ctx, s.DB, orderID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, repo.Classify(err)
	}
	return o, nil
}
