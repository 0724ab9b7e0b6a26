// Package repo implements the data persistence layer for the order pipeline.
// This file holds the table operations behind the delivery queue and its
// dead-letter sink. Lease semantics live in package queue; these helpers only
// guarantee that each statement is atomic on its own.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-order-pipeline/internal/domain"
)

// InsertMessage enqueues m unless a message with the same (queue, event id)
// is already present. It reports whether a row was inserted.
func InsertMessage(ctx context.Context, db *gorm.DB, m *domain.QueueMessage) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// ErrQueueAtDepth is returned by InsertMessageBounded when the queue already
// holds maxDepth messages.
var ErrQueueAtDepth = errors.New("queue at max depth")

// InsertMessageBounded is InsertMessage with a depth limit checked in the
// same INSERT ... SELECT statement. On SQLite, where writers are serialized,
// the limit is exact. On postgres under READ COMMITTED concurrent producers
// can each see the last free slot, so the queue may overshoot maxDepth by at
// most the number of concurrent enqueuers.
//
// It reports whether a row was inserted; a duplicate event is (false, nil)
// even when the queue is full.
func InsertMessageBounded(ctx context.Context, db *gorm.DB, m *domain.QueueMessage, maxDepth int64) (bool, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = m.VisibleAt
	}
	blob, ts := "?", "?"
	if db.Dialector.Name() == DriverPostgres {
		blob, ts = "CAST(? AS bytea)", "CAST(? AS timestamptz)"
	}
	stmt := "INSERT INTO queue_messages " +
		"(queue_name, event_id, order_id, body, receive_count, visible_at, lease_token, created_at) " +
		"SELECT ?, ?, ?, " + blob + ", 0, " + ts + ", '', " + ts + " " +
		"WHERE (SELECT COUNT(*) FROM queue_messages WHERE queue_name = ?) < ? " +
		"ON CONFLICT DO NOTHING"
	res := db.WithContext(ctx).Exec(stmt,
		m.QueueName, m.EventID, m.OrderID, m.Body, m.VisibleAt, m.CreatedAt,
		m.QueueName, maxDepth)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected > 0 {
		return true, nil
	}

	var dup int64
	err := db.WithContext(ctx).Model(&domain.QueueMessage{}).
		Where("queue_name = ? AND event_id = ?", m.QueueName, m.EventID).
		Count(&dup).Error
	if err != nil {
		return false, err
	}
	if dup > 0 {
		return false, nil
	}
	return false, ErrQueueAtDepth
}

// ListVisible returns up to limit messages of queue whose visibility time has
// passed, oldest first.
func ListVisible(ctx context.Context, db *gorm.DB, queue string, now time.Time, limit int) ([]domain.QueueMessage, error) {
	var out []domain.QueueMessage
	err := db.WithContext(ctx).
		Where("queue_name = ? AND visible_at <= ?", queue, now).
		Order("visible_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ClaimMessage leases m to a new holder identified by token. The update is
// guarded on the receive count observed by the caller, so of several
// concurrent claimers at most one succeeds. It reports whether the claim won.
func ClaimMessage(ctx context.Context, db *gorm.DB, m *domain.QueueMessage, token string, now, visibleAt time.Time) (bool, error) {
	updates := map[string]any{
		"lease_token":   token,
		"visible_at":    visibleAt,
		"receive_count": gorm.Expr("receive_count + 1"),
	}
	if m.FirstReceivedAt == nil {
		updates["first_received_at"] = now
	}
	res := db.WithContext(ctx).Model(&domain.QueueMessage{}).
		Where("id = ? AND receive_count = ? AND visible_at <= ?", m.ID, m.ReceiveCount, now).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// GetMessage loads a message by ID, or ErrNotFound.
func GetMessage(ctx context.Context, db *gorm.DB, id uint64) (*domain.QueueMessage, error) {
	var m domain.QueueMessage
	if err := db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &m, nil
}

// GetMessageByLease loads the message currently leased under token, or
// ErrNotFound.
func GetMessageByLease(ctx context.Context, db *gorm.DB, queue, token string) (*domain.QueueMessage, error) {
	var m domain.QueueMessage
	err := db.WithContext(ctx).
		Where("queue_name = ? AND lease_token = ?", queue, token).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteByLease removes the message leased under token. It reports whether a
// row was removed.
func DeleteByLease(ctx context.Context, db *gorm.DB, queue, token string) (bool, error) {
	res := db.WithContext(ctx).
		Where("queue_name = ? AND lease_token = ?", queue, token).
		Delete(&domain.QueueMessage{})
	return res.RowsAffected > 0, res.Error
}

// ExtendLease pushes the visibility time of a still-held lease to until.
// It reports false when the lease already expired or the message is gone.
func ExtendLease(ctx context.Context, db *gorm.DB, queue, token string, now, until time.Time) (bool, error) {
	res := db.WithContext(ctx).Model(&domain.QueueMessage{}).
		Where("queue_name = ? AND lease_token = ? AND visible_at > ?", queue, token, now).
		Update("visible_at", until)
	return res.RowsAffected > 0, res.Error
}

// MoveToDeadLetter deletes m from the queue and records it in dead_letters in
// one transaction. The delete is guarded by guard (an extra WHERE fragment
// with args) so a message that changed hands in the meantime is left alone;
// in that case it reports false and writes nothing.
func MoveToDeadLetter(ctx context.Context, db *gorm.DB, m *domain.QueueMessage, kind, reason string, now time.Time, guard string, args ...any) (*domain.DeadLetter, bool, error) {
	var dl *domain.DeadLetter
	moved := false
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.Where("id = ?", m.ID)
		if guard != "" {
			q = q.Where(guard, args...)
		}
		res := q.Delete(&domain.QueueMessage{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		firstSeen := m.CreatedAt
		if m.FirstReceivedAt != nil {
			firstSeen = *m.FirstReceivedAt
		}
		dl = &domain.DeadLetter{
			ID:             uuid.NewString(),
			QueueName:      m.QueueName,
			MessageID:      m.ID,
			EventID:        m.EventID,
			OrderID:        m.OrderID,
			Body:           m.Body,
			FailureKind:    kind,
			FailureReason:  reason,
			ReceiveCount:   m.ReceiveCount,
			FirstSeenAt:    firstSeen,
			DeadLetteredAt: now,
		}
		if err := tx.Create(dl).Error; err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return dl, moved, nil
}

// CountMessages returns the number of messages in queue, leased or not.
func CountMessages(ctx context.Context, db *gorm.DB, queue string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.QueueMessage{}).
		Where("queue_name = ?", queue).
		Count(&n).Error
	return n, err
}

// ListDeadLetters returns a page of dead letters for queue, newest first.
func ListDeadLetters(ctx context.Context, db *gorm.DB, queue string, offset, limit int) ([]domain.DeadLetter, error) {
	var out []domain.DeadLetter
	err := db.WithContext(ctx).
		Where("queue_name = ?", queue).
		Order("dead_lettered_at DESC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountDeadLetters returns the number of dead letters recorded for queue.
func CountDeadLetters(ctx context.Context, db *gorm.DB, queue string) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.DeadLetter{}).
		Where("queue_name = ?", queue).
		Count(&n).Error
	return n, err
}

// GetDeadLetter loads a dead letter by ID, or ErrNotFound.
func GetDeadLetter(ctx context.Context, db *gorm.DB, id string) (*domain.DeadLetter, error) {
	var dl domain.DeadLetter
	if err := db.WithContext(ctx).First(&dl, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &dl, nil
}

// RedriveDeadLetter puts a dead letter back on its queue with a reset receive
// count and removes it from the sink, atomically. The message is visible at
// now. ErrNotFound is returned when id does not exist.
func RedriveDeadLetter(ctx context.Context, db *gorm.DB, id string, now time.Time) (*domain.QueueMessage, error) {
	dl, err := GetDeadLetter(ctx, db, id)
	if err != nil {
		return nil, err
	}
	m := &domain.QueueMessage{
		QueueName: dl.QueueName,
		EventID:   dl.EventID,
		OrderID:   dl.OrderID,
		Body:      dl.Body,
		VisibleAt: now,
		CreatedAt: now,
	}
	err = db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ?", id).Delete(&domain.DeadLetter{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(m).Error
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}
