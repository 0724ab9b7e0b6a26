// Package repo implements the data persistence layer for the order pipeline.
// This file provides the Idempotency Ledger used by the queue consumer to
// make redelivered messages harmless.
package repo

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-order-pipeline/internal/domain"
)

// GetIdempotency returns the ledger record for (orderID, operation) or
// ErrNotFound. A miss is the common case on the consumer path, so it is
// looked up with Find rather than First and never reaches the SQL logger as
// an error.
func GetIdempotency(ctx context.Context, db *gorm.DB, orderID, operation string) (*domain.IdempotencyRecord, error) {
	var recs []domain.IdempotencyRecord
	err := db.WithContext(ctx).
		Where("order_id = ? AND operation = ?", orderID, operation).
		Limit(1).
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return &recs[0], nil
}

// HasIdempotency reports whether (orderID, operation) was already applied.
func HasIdempotency(ctx context.Context, db *gorm.DB, orderID, operation string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).
		Model(&domain.IdempotencyRecord{}).
		Where("order_id = ? AND operation = ?", orderID, operation).
		Limit(1).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CreateIdempotency is the ledger's atomic check-and-set: a single
// insert-if-absent on the composite key. It returns ErrDuplicate when another
// writer got there first. ON CONFLICT DO NOTHING keeps a surrounding postgres
// transaction usable after a lost race.
func CreateIdempotency(ctx context.Context, db *gorm.DB, rec *domain.IdempotencyRecord) error {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrDuplicate
	}
	return nil
}
