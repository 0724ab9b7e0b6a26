// Package services defines the business logic of the order pipeline:
// ingestion, queue consumption, reconciliation, and dead-letter inspection.
// This file centralizes service-level error values. Each wraps one of the
// domain error kinds so callers can branch either on the specific error or
// on its kind.
//
// Translation into HTTP status codes is performed at the handler layer.
package services

import (
	"errors"
	"fmt"

	"github.com/tbourn/go-order-pipeline/internal/domain"
)

// MaxOrderIDBytes bounds client-supplied order ids.
const MaxOrderIDBytes = 128

// Ingestion errors.
var (
	// ErrEmptyOrderID is returned when the order id is missing or blank.
	ErrEmptyOrderID = fmt.Errorf("%w: order id is required", domain.ErrValidation)

	// ErrOrderIDTooLong is returned when the order id exceeds MaxOrderIDBytes.
	ErrOrderIDTooLong = fmt.Errorf("%w: order id exceeds %d bytes", domain.ErrValidation, MaxOrderIDBytes)

	// ErrInvalidDetails is returned when details is not a JSON object.
	ErrInvalidDetails = fmt.Errorf("%w: details must be a JSON object", domain.ErrValidation)

	// ErrPayloadTooLarge is returned when details exceeds the size limit.
	ErrPayloadTooLarge = fmt.Errorf("%w: details exceed size limit", domain.ErrCapacity)

	// ErrOrderExists is returned when an order with the same id is already stored.
	ErrOrderExists = fmt.Errorf("%w: order already exists", domain.ErrConflict)

	// ErrStoreUnavailable is returned when the order store kept failing with
	// retryable errors.
	ErrStoreUnavailable = fmt.Errorf("%w: order store unavailable", domain.ErrTransient)
)

// Lookup errors.
var (
	// ErrOrderNotFound indicates that the requested order does not exist.
	ErrOrderNotFound = errors.New("order not found")

	// ErrDeadLetterNotFound indicates that the requested dead letter does not exist.
	ErrDeadLetterNotFound = errors.New("dead letter not found")
)
