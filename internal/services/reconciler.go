package services

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-order-pipeline/internal/domain"
	"github.com/tbourn/go-order-pipeline/internal/observability"
	"github.com/tbourn/go-order-pipeline/internal/repo"
)

// Reconciler republishes orders whose notification is incomplete: orders left
// in RECEIVED because the gate subscriber never accepted, and orders with a
// subscriber still PENDING. Only subscribers that have not accepted are
// published to again.
type Reconciler struct {
	Orders *OrderService

	Interval  time.Duration
	Grace     time.Duration // orders and deliveries younger than this are left alone
	BatchSize int
}

// RunOnce republishes one batch of incomplete orders and returns how many
// were completed.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	limit := r.BatchSize
	if limit < 1 {
		limit = 100
	}
	db := r.Orders.DB
	cutoff := r.Orders.now().Add(-r.Grace)

	stuck, err := repo.ListOrdersByStatus(ctx, db, domain.StatusReceived, cutoff, limit)
	if err != nil {
		return 0, repo.Classify(err)
	}
	pending, err := repo.ListPendingDeliveryOrders(ctx, db, cutoff, limit)
	if err != nil {
		return 0, repo.Classify(err)
	}

	seen := make(map[string]bool, len(stuck)+len(pending))
	candidates := make([]*domain.Order, 0, len(stuck)+len(pending))
	for i := range stuck {
		seen[stuck[i].ID] = true
		candidates = append(candidates, &stuck[i])
	}
	for _, id := range pending {
		if seen[id] {
			continue
		}
		seen[id] = true
		o, err := repo.GetOrder(ctx, db, id)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("order_id", id).Msg("load order for redelivery failed")
			continue
		}
		candidates = append(candidates, o)
	}

	n := 0
	for _, o := range candidates {
		if err := r.Orders.Notify(ctx, o); err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("order_id", o.ID).Msg("republish failed")
			continue
		}
		n++
		observability.ReconcilerRepublished.Inc()
	}
	if n > 0 {
		log.Info().Int("republished", n).Int("candidates", len(candidates)).Msg("reconciler pass")
	}
	return n, nil
}

// Start runs RunOnce every Interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("reconciler pass failed")
			}
		}
	}
}
