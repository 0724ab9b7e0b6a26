// Package notify fans a NotificationEvent out to every registered subscriber
// with bounded, exponentially backed-off retries. Subscribers are the delivery
// queue and, optionally, a Kafka topic and a RabbitMQ queue.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tbourn/go-order-pipeline/internal/domain"
	"github.com/tbourn/go-order-pipeline/internal/observability"
)

// Subscriber receives notification events. Deliver must be safe to call more
// than once for the same event.
type Subscriber interface {
	Name() string
	Deliver(ctx context.Context, evt domain.NotificationEvent) error
}

// PublishError reports the subscribers that did not accept an event after
// all retries. It is never returned for a partial success; every failed
// subscriber is listed.
type PublishError struct {
	EventID  string
	OrderID  string
	Failures map[string]error // subscriber name -> last error
}

func (e *PublishError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, n := range e.Subscribers() {
		parts = append(parts, n+": "+e.Failures[n].Error())
	}
	return fmt.Sprintf("publish %s for order %s failed: %s", e.EventID, e.OrderID, strings.Join(parts, "; "))
}

// Subscribers returns the failed subscriber names in sorted order.
func (e *PublishError) Subscribers() []string {
	names := make([]string, 0, len(e.Failures))
	for n := range e.Failures {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Unwrap exposes the per-subscriber causes to errors.Is / errors.As.
func (e *PublishError) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, n := range e.Subscribers() {
		out = append(out, e.Failures[n])
	}
	return out
}

// Notifier publishes events to its subscribers. The zero value is not usable;
// build one with New.
type Notifier struct {
	subs           []Subscriber
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	attemptTimeout time.Duration
	signingKey     []byte
	log            zerolog.Logger
}

// Options tunes retry behaviour. Zero fields take defaults.
type Options struct {
	MaxAttempts    int           // per subscriber, default 5
	InitialBackoff time.Duration // default 100ms
	MaxBackoff     time.Duration // default 2s
	AttemptTimeout time.Duration // default 3s
	SigningKey     []byte        // when set, events are signed before delivery
}

// New returns a Notifier over subs.
func New(opts Options, subs ...Subscriber) *Notifier {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 5
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 100 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = 2 * time.Second
		if opts.MaxBackoff < opts.InitialBackoff {
			opts.MaxBackoff = opts.InitialBackoff
		}
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = 3 * time.Second
	}
	return &Notifier{
		subs:           subs,
		maxAttempts:    opts.MaxAttempts,
		initialBackoff: opts.InitialBackoff,
		maxBackoff:     opts.MaxBackoff,
		attemptTimeout: opts.AttemptTimeout,
		signingKey:     opts.SigningKey,
		log:            log.With().Str("component", "notifier").Logger(),
	}
}

// Subscribers returns the names of the registered subscribers.
func (n *Notifier) Subscribers() []string {
	out := make([]string, 0, len(n.subs))
	for _, s := range n.subs {
		out = append(out, s.Name())
	}
	return out
}

// Publish delivers a fresh event for orderID to every subscriber. It returns
// nil once every subscriber accepted the event, or a *PublishError naming the
// ones that did not. Publishing with no subscribers succeeds.
func (n *Notifier) Publish(ctx context.Context, evt domain.NotificationEvent) error {
	return n.publish(ctx, evt, n.subs)
}

// PublishTo is Publish restricted to the named subscribers. Unknown names are
// ignored.
func (n *Notifier) PublishTo(ctx context.Context, evt domain.NotificationEvent, names []string) error {
	want := make(map[string]struct{}, len(names))
	for _, name := range names {
		want[name] = struct{}{}
	}
	subs := make([]Subscriber, 0, len(names))
	for _, s := range n.subs {
		if _, ok := want[s.Name()]; ok {
			subs = append(subs, s)
		}
	}
	return n.publish(ctx, evt, subs)
}

func (n *Notifier) publish(ctx context.Context, evt domain.NotificationEvent, subs []Subscriber) (err error) {
	ctx, span := observability.StartSpan(ctx, "notify/Notifier", "Publish",
		attribute.String("order.id", evt.OrderID),
		attribute.String("event.id", evt.EventID),
		attribute.Int("subscribers", len(subs)),
	)
	defer func() { observability.EndSpan(span, err) }()

	if evt.PublishedAt.IsZero() {
		evt.PublishedAt = time.Now().UTC()
	}
	if len(n.signingKey) > 0 {
		evt.Sign(n.signingKey)
	}

	var failures map[string]error
	for _, s := range subs {
		if derr := n.deliver(ctx, s, evt); derr != nil {
			if failures == nil {
				failures = make(map[string]error)
			}
			failures[s.Name()] = derr
			observability.NotifierPublish.WithLabelValues(s.Name(), "failed").Inc()
			n.log.Error().Err(derr).
				Str("subscriber", s.Name()).
				Str("order_id", evt.OrderID).
				Str("event_id", evt.EventID).
				Msg("publish failed after retries")
			continue
		}
		observability.NotifierPublish.WithLabelValues(s.Name(), "published").Inc()
	}
	if failures != nil {
		return &PublishError{EventID: evt.EventID, OrderID: evt.OrderID, Failures: failures}
	}
	return nil
}

// deliver retries one subscriber with exponential backoff. Capacity,
// validation and permanent errors stop the loop immediately.
func (n *Notifier) deliver(ctx context.Context, s Subscriber, evt domain.NotificationEvent) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = n.initialBackoff
	b.MaxInterval = n.maxBackoff

	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		if attempt > 1 {
			observability.NotifierRetries.WithLabelValues(s.Name()).Inc()
		}
		actx, cancel := context.WithTimeout(ctx, n.attemptTimeout)
		defer cancel()
		err := s.Deliver(actx, evt)
		if err != nil && !domain.IsRetryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}
	notify := func(err error, next time.Duration) {
		n.log.Warn().Err(err).
			Str("subscriber", s.Name()).
			Str("order_id", evt.OrderID).
			Int("attempt", attempt).
			Dur("retry_in", next).
			Msg("publish attempt failed")
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(n.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Err
		}
		return err
	}
	return nil
}
