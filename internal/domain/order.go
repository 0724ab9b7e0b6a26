// Package domain defines the persistence models and error kinds of the order
// pipeline. The types are mapped with GORM and shared by the repository,
// queue and service layers.
package domain

import "time"

// OrderStatus is the lifecycle state of an Order.
type OrderStatus string

const (
	StatusReceived  OrderStatus = "RECEIVED"
	StatusNotified  OrderStatus = "NOTIFIED"
	StatusProcessed OrderStatus = "PROCESSED"
	StatusFailed    OrderStatus = "FAILED"
)

// rank orders the forward statuses. FAILED has no rank of its own; it is
// reachable from any non-terminal state.
func (s OrderStatus) rank() int {
	switch s {
	case StatusReceived:
		return 1
	case StatusNotified:
		return 2
	case StatusProcessed:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known statuses.
func (s OrderStatus) Valid() bool {
	return s.rank() > 0 || s == StatusFailed
}

// Terminal reports whether no further transition is allowed out of s.
func (s OrderStatus) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// CanAdvanceTo reports whether moving from s to next is a forward move.
// Re-applying the current status is not a move; callers treat it as a no-op.
func (s OrderStatus) CanAdvanceTo(next OrderStatus) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	return next.rank() > s.rank()
}

// Predecessors lists every status from which s can be reached.
func (s OrderStatus) Predecessors() []OrderStatus {
	var out []OrderStatus
	for _, from := range []OrderStatus{StatusReceived, StatusNotified, StatusProcessed, StatusFailed} {
		if from.CanAdvanceTo(s) {
			out = append(out, from)
		}
	}
	return out
}

// Order is a client-submitted order. The ID is supplied by the client and is
// globally unique; Details is an opaque JSON object stored as-is.
//
// Fields:
//   - ID: client order id, primary key.
//   - Details: raw JSON object, bounded in size by the ingestion path.
//   - Status: lifecycle state; only ever moves forward or to FAILED.
//   - NotifiedAt: set when a notification was published for the order.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type Order struct {
	ID         string      `json:"order_id"    gorm:"type:varchar(128);primaryKey"`
	Details    []byte      `json:"-"           gorm:"not null"`
	Status     OrderStatus `json:"status"      gorm:"type:varchar(16);not null;index:idx_orders_status_created,priority:1"`
	NotifiedAt *time.Time  `json:"notified_at,omitempty"`
	CreatedAt  time.Time   `json:"created_at"  gorm:"index:idx_orders_status_created,priority:2"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Order.
func (Order) TableName() string { return "orders" }
