package domain

import "time"

// OperationProcess is the ledger operation recorded by the queue consumer once
// an order's side effect has been durably applied.
const OperationProcess = "process"

// IdempotencyRecord marks an (order, operation) pair as durably applied.
// Existence of the row is the only signal; it is never updated or deleted by
// the pipeline. The composite primary key makes insert-if-absent the atomic
// check-and-set.
type IdempotencyRecord struct {
	OrderID     string    `gorm:"type:varchar(128);primaryKey"`
	Operation   string    `gorm:"type:varchar(64);primaryKey"`
	EventID     string    `gorm:"type:varchar(36);not null"`
	CompletedAt time.Time `gorm:"not null"`
}

// TableName implements the GORM tabler interface.
func (IdempotencyRecord) TableName() string { return "idempotency_records" }
