package domain

import "time"

// DeliveryStatus is the state of one subscriber's copy of an order's
// notification.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "PENDING"
	DeliveryDelivered DeliveryStatus = "DELIVERED"
)

// SubscriberDelivery tracks whether a subscriber has accepted a notification
// for an order. A row only moves PENDING -> DELIVERED; once delivered the
// subscriber is never published to again for that order.
//
// Failures counts publishes that exhausted their retries, and UpdatedAt is
// when the row last changed, which the reconciler uses as its retry clock.
type SubscriberDelivery struct {
	OrderID     string         `gorm:"type:varchar(128);primaryKey"`
	Subscriber  string         `gorm:"type:varchar(128);primaryKey"`
	Status      DeliveryStatus `gorm:"type:varchar(16);not null;index:idx_deliveries_status_updated,priority:1"`
	LastEventID string         `gorm:"type:varchar(36)"`
	LastError   string         `gorm:"type:text"`
	Failures    int            `gorm:"not null;default:0"`
	UpdatedAt   time.Time      `gorm:"index:idx_deliveries_status_updated,priority:2"`
}

// TableName implements the GORM tabler interface.
func (SubscriberDelivery) TableName() string { return "subscriber_deliveries" }
