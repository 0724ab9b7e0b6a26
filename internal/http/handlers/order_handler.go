// Order and dead-letter HTTP handlers.
//
// Endpoints:
//   - POST   /orders                      (ingest)
//   - GET    /orders/{id}                 (lookup, ETag support)
//   - GET    /dead-letters                (list, paginated)
//   - POST   /dead-letters/{id}/redrive   (return to queue)
//   - GET    /queue/stats                 (depth snapshot)
//
// Handlers are transport-thin: they decode input, call application services,
// and translate results and errors into HTTP responses.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-order-pipeline/internal/domain"
	"github.com/tbourn/go-order-pipeline/internal/repo"
)

//
// Service contracts (context-aware)
//

// OrderService ingests and looks up orders.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type OrderService interface {
	// Submit stores a new order and triggers its notification.
	Submit(ctx context.Context, orderID string, details []byte) (*domain.Order, error)
	// Get returns a stored order.
	Get(ctx context.Context, orderID string) (*domain.Order, error)
}

// DeadLetterService exposes the dead-letter sink.
type DeadLetterService interface {
	ListPage(ctx context.Context, page, pageSize int) ([]domain.DeadLetter, int64, error)
	Redrive(ctx context.Context, id string) (*domain.QueueMessage, error)
	Stats(ctx context.Context) (repo.QueueStats, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints.
type Handlers struct {
	orders      OrderService
	deadLetters DeadLetterService
}

// New constructs a Handlers instance bound to the given services.
func New(orders OrderService, deadLetters DeadLetterService) *Handlers {
	return &Handlers{orders: orders, deadLetters: deadLetters}
}

//
// DTOs
//

// SubmitOrderRequest is the JSON payload for submitting an order.
type SubmitOrderRequest struct {
	// ID is the client-chosen, globally unique order id.
	ID string `json:"id" example:"A1"`
	// Details is an opaque JSON object stored as-is.
	Details json.RawMessage `json:"details" swaggertype:"object"`
}

// SubmitOrderResponse acknowledges an accepted order.
type SubmitOrderResponse struct {
	Message string             `json:"message" example:"order accepted"`
	OrderID string             `json:"order_id" example:"A1"`
	Status  domain.OrderStatus `json:"status" example:"NOTIFIED"`
}

// OrderResponse is the public view of a stored order.
type OrderResponse struct {
	OrderID    string             `json:"order_id" example:"A1"`
	Status     domain.OrderStatus `json:"status" example:"PROCESSED"`
	Details    json.RawMessage    `json:"details" swaggertype:"object"`
	NotifiedAt *time.Time         `json:"notified_at,omitempty"`
	CreatedAt  time.Time          `json:"created_at"`
	UpdatedAt  time.Time          `json:"updated_at"`
}

func toOrderResponse(o *domain.Order) OrderResponse {
	return OrderResponse{
		OrderID:    o.ID,
		Status:     o.Status,
		Details:    json.RawMessage(o.Details),
		NotifiedAt: o.NotifiedAt,
		CreatedAt:  o.CreatedAt,
		UpdatedAt:  o.UpdatedAt,
	}
}

//
// Handlers
//

// CreateOrder godoc
// @ID          submitOrder
// @Summary     Submit an order
// @Description Durably stores the order and publishes a notification. A failed
// @Description notification does not fail the request; the order is republished later.
// @Tags        Orders
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.SubmitOrderRequest  true  "Order payload"
//
// @Success     200  {object}  handlers.SubmitOrderResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Invalid order"
// @Failure     409  {object}  handlers.ErrorResponse  "Order already exists"
// @Failure     413  {object}  handlers.ErrorResponse  "Details too large"
// @Failure     429  {object}  handlers.ErrorResponse  "Rate limited"
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /orders [post]
func (h *Handlers) CreateOrder(c *gin.Context) {
	var req SubmitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			fail(c, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
			return
		}
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	o, err := h.orders.Submit(c.Request.Context(), req.ID, req.Details)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, SubmitOrderResponse{
		Message: "order accepted",
		OrderID: o.ID,
		Status:  o.Status,
	})
}

// GetOrder godoc
// @ID          getOrder
// @Summary     Get an order
// @Description Returns the order and its lifecycle status. Supports weak ETag via If-None-Match.
// @Tags        Orders
// @Produce     json
//
// @Param       id             path    string  true   "Order ID"  example(A1)
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
//
// @Success     200  {object}  handlers.OrderResponse
// @Header      200  {string}  ETag  "Weak ETag for the current status"
// @Success     304  {string}  string  "Not Modified"
// @Failure     404  {object}  handlers.ErrorResponse  "Order not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /orders/{id} [get]
func (h *Handlers) GetOrder(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}

	etag := fmt.Sprintf(`W/"order:%s:%s:%d"`, o.ID, o.Status, o.UpdatedAt.UnixNano())
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
		c.Status(http.StatusNotModified)
		return
	}
	ok(c, http.StatusOK, toOrderResponse(o))
}
