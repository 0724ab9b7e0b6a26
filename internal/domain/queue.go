package domain

import "time"

// QueueMessage is a durable delivery queue entry. A consumer holds a lease on
// the message through LeaseToken; the row stays owned by the queue until the
// lease holder acknowledges it.
//
// Fields:
//   - QueueName / EventID: unique together, so republishing the same event is a no-op.
//   - ReceiveCount: incremented on every dequeue.
//   - VisibleAt: the message is invisible to Dequeue until this instant.
//   - LeaseToken: receipt handle of the current (or last) lease.
//   - FirstReceivedAt: time of the first dequeue, nil until then.
type QueueMessage struct {
	ID              uint64     `gorm:"primaryKey;autoIncrement"`
	QueueName       string     `gorm:"type:varchar(64);not null;uniqueIndex:ux_queue_event,priority:1;index:idx_queue_visible,priority:1"`
	EventID         string     `gorm:"type:varchar(36);not null;uniqueIndex:ux_queue_event,priority:2"`
	OrderID         string     `gorm:"type:varchar(128);not null;index"`
	Body            []byte     `gorm:"not null"`
	ReceiveCount    int        `gorm:"not null;default:0"`
	VisibleAt       time.Time  `gorm:"not null;index:idx_queue_visible,priority:2"`
	LeaseToken      string     `gorm:"type:varchar(36);index"`
	FirstReceivedAt *time.Time
	CreatedAt       time.Time
}

// TableName implements the GORM tabler interface.
func (QueueMessage) TableName() string { return "queue_messages" }

// Dead-letter failure kinds.
const (
	FailureMaxReceive = "max_receive_exceeded"
	FailurePermanent  = "permanent"
)

// DeadLetter is a message removed from the delivery queue for manual
// inspection, together with the reason it could not be processed.
type DeadLetter struct {
	ID             string    `json:"id"               gorm:"type:char(36);primaryKey"`
	QueueName      string    `json:"queue"            gorm:"type:varchar(64);not null;index"`
	MessageID      uint64    `json:"message_id"       gorm:"not null"`
	EventID        string    `json:"event_id"         gorm:"type:varchar(36);not null"`
	OrderID        string    `json:"order_id"         gorm:"type:varchar(128);not null;index"`
	Body           []byte    `json:"-"                gorm:"not null"`
	FailureKind    string    `json:"failure_kind"     gorm:"type:varchar(32);not null"`
	FailureReason  string    `json:"failure_reason"   gorm:"type:text;not null"`
	ReceiveCount   int       `json:"receive_count"    gorm:"not null"`
	FirstSeenAt    time.Time `json:"first_seen_at"    gorm:"not null"`
	DeadLetteredAt time.Time `json:"dead_lettered_at" gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (DeadLetter) TableName() string { return "dead_letters" }
