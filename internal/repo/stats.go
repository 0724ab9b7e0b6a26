// Package repo implements the data persistence layer for the order pipeline.
// This file provides small aggregate queries over the delivery queue used by
// the depth gauges and the queue stats endpoint.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-order-pipeline/internal/domain"
)

// QueueStats is a point-in-time snapshot of a delivery queue.
//
// Fields:
//   - Depth: all messages in the queue, leased or not.
//   - InFlight: messages currently hidden by an unexpired lease.
//   - DeadLetters: messages moved to the dead-letter sink.
//   - OldestVisibleAt: visibility time of the oldest message, nil when empty.
type QueueStats struct {
	Depth           int64      `json:"depth"`
	InFlight        int64      `json:"in_flight"`
	DeadLetters     int64      `json:"dead_letters"`
	OldestVisibleAt *time.Time `json:"oldest_visible_at,omitempty"`
}

// GetQueueStats runs a handful of lightweight queries scoped to queue. When
// the queue is empty OldestVisibleAt is nil.
func GetQueueStats(ctx context.Context, db *gorm.DB, queue string, now time.Time) (QueueStats, error) {
	var st QueueStats
	q := db.WithContext(ctx).Model(&domain.QueueMessage{}).Where("queue_name = ?", queue)

	if err := q.Count(&st.Depth).Error; err != nil {
		return QueueStats{}, err
	}
	if err := db.WithContext(ctx).Model(&domain.QueueMessage{}).
		Where("queue_name = ? AND lease_token <> '' AND visible_at > ?", queue, now).
		Count(&st.InFlight).Error; err != nil {
		return QueueStats{}, err
	}
	n, err := CountDeadLetters(ctx, db, queue)
	if err != nil {
		return QueueStats{}, err
	}
	st.DeadLetters = n

	if st.Depth == 0 {
		return st, nil
	}
	// Avoid MIN() -> TEXT in SQLite.
	var row struct {
		VisibleAt time.Time
	}
	if err := db.WithContext(ctx).Model(&domain.QueueMessage{}).
		Where("queue_name = ?", queue).
		Select("visible_at").Order("visible_at ASC").Limit(1).
		Scan(&row).Error; err != nil {
		return QueueStats{}, err
	}
	st.OldestVisibleAt = &row.VisibleAt
	return st, nil
}
