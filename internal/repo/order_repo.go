// Package repo implements the data persistence layer for the order pipeline.
// This file provides the Order Store: conditional create, lookups, and
// monotonic status transitions.
//
// All functions are free functions taking a *gorm.DB so they can run either
// on the root handle or inside a caller's transaction.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-order-pipeline/internal/domain"
)

// ErrInvalidTransition is returned when a status change would move an order
// backwards or out of a terminal state.
var ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", domain.ErrPermanent)

// CreateOrder inserts o only if no order with the same ID exists. The first
// writer wins; later writers get ErrDuplicate and the stored row is untouched.
func CreateOrder(ctx context.Context, db *gorm.DB, o *domain.Order) error {
	if o.Status == "" {
		o.Status = domain.StatusReceived
	}
	if err := db.WithContext(ctx).Create(o).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetOrder fetches a single order by ID, or ErrNotFound if missing.
func GetOrder(ctx context.Context, db *gorm.DB, id string) (*domain.Order, error) {
	var o domain.Order
	if err := db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

// AdvanceStatus moves the order to status `to` when that is a forward move
// from its current status. The update is guarded in the WHERE clause so
// concurrent writers can never regress a status.
//
// Returns (true, nil) when the row changed, (false, nil) when the order is
// already at `to`, ErrNotFound when the order is missing, and
// ErrInvalidTransition otherwise.
func AdvanceStatus(ctx context.Context, db *gorm.DB, id string, to domain.OrderStatus, now time.Time) (bool, error) {
	if !to.Valid() {
		return false, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	from := make([]string, 0, 3)
	for _, s := range to.Predecessors() {
		from = append(from, string(s))
	}

	updates := map[string]any{
		"status":     string(to),
		"updated_at": now,
	}
	if to == domain.StatusNotified {
		updates["notified_at"] = now
	}

	res := db.WithContext(ctx).Model(&domain.Order{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	cur, err := GetOrder(ctx, db, id)
	if err != nil {
		return false, err
	}
	if cur.Status == to {
		return false, nil
	}
	return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
}

// ListOrdersByStatus returns up to limit orders in status that were created
// at or before olderThan, oldest first.
func ListOrdersByStatus(ctx context.Context, db *gorm.DB, status domain.OrderStatus, olderThan time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []domain.Order
	err := db.WithContext(ctx).
		Where("status = ? AND created_at <= ?", string(status), olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}
