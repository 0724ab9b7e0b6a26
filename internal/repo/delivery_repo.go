// Package repo implements the data persistence layer for the order pipeline.
// This file tracks which subscribers have accepted an order's notification so
// a later publish only targets the ones that have not.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-order-pipeline/internal/domain"
)

const maxDeliveryErrorBytes = 1024

// ListDeliveries returns every delivery row recorded for orderID.
func ListDeliveries(ctx context.Context, db *gorm.DB, orderID string) ([]domain.SubscriberDelivery, error) {
	var out []domain.SubscriberDelivery
	err := db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("subscriber ASC").
		Find(&out).Error
	return out, err
}

// MarkDelivered records that subscriber accepted eventID for orderID. It is
// an upsert, so a concurrent failure report never downgrades the row.
func MarkDelivered(ctx context.Context, db *gorm.DB, orderID, subscriber, eventID string, at time.Time) error {
	row := domain.SubscriberDelivery{
		OrderID:     orderID,
		Subscriber:  subscriber,
		Status:      domain.DeliveryDelivered,
		LastEventID: eventID,
		UpdatedAt:   at,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "order_id"}, {Name: "subscriber"}},
			DoUpdates: clause.AssignmentColumns([]string{"status", "last_event_id", "last_error", "updated_at"}),
		}).
		Create(&row).Error
}

// MarkPending records a failed publish to subscriber. Rows that are already
// DELIVERED are left untouched.
func MarkPending(ctx context.Context, db *gorm.DB, orderID, subscriber, eventID, cause string, at time.Time) error {
	if len(cause) > maxDeliveryErrorBytes {
		cause = cause[:maxDeliveryErrorBytes]
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		seed := domain.SubscriberDelivery{
			OrderID:    orderID,
			Subscriber: subscriber,
			Status:     domain.DeliveryPending,
			UpdatedAt:  at,
		}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
			return err
		}
		return tx.Model(&domain.SubscriberDelivery{}).
			Where("order_id = ? AND subscriber = ? AND status = ?", orderID, subscriber, string(domain.DeliveryPending)).
			Updates(map[string]any{
				"failures":      gorm.Expr("failures + 1"),
				"last_event_id": eventID,
				"last_error":    cause,
				"updated_at":    at,
			}).Error
	})
}

// ListPendingDeliveryOrders returns up to limit order ids that still have a
// PENDING subscriber last touched at or before olderThan, stalest first.
func ListPendingDeliveryOrders(ctx context.Context, db *gorm.DB, olderThan time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := db.WithContext(ctx).
		Model(&domain.SubscriberDelivery{}).
		Where("status = ? AND updated_at <= ?", string(domain.DeliveryPending), olderThan).
		Group("order_id").
		Order("MIN(updated_at) ASC").
		Limit(limit).
		Pluck("order_id", &ids).Error
	return ids, err
}
