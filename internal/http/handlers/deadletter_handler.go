package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-order-pipeline/internal/domain"
	"github.com/tbourn/go-order-pipeline/internal/utils"
)

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// DeadLetterItem is a dead letter plus its original message body.
type DeadLetterItem struct {
	ID             string    `json:"id" format:"uuid"`
	OrderID        string    `json:"order_id"`
	EventID        string    `json:"event_id"`
	FailureKind    string    `json:"failure_kind" example:"max_receive_exceeded"`
	FailureReason  string    `json:"failure_reason"`
	ReceiveCount   int       `json:"receive_count"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	DeadLetteredAt time.Time `json:"dead_lettered_at"`
	// Message is the original queue message body, verbatim.
	Message string `json:"message"`
}

// ListDeadLettersResponse wraps a page of dead letters.
type ListDeadLettersResponse struct {
	DeadLetters []DeadLetterItem `json:"dead_letters"`
	Pagination  Pagination       `json:"pagination"`
}

// RedriveResponse reports a dead letter returned to the queue.
type RedriveResponse struct {
	Message   string `json:"message" example:"redriven"`
	MessageID uint64 `json:"message_id"`
	OrderID   string `json:"order_id"`
}

func toDeadLetterItem(dl domain.DeadLetter) DeadLetterItem {
	return DeadLetterItem{
		ID:             dl.ID,
		OrderID:        dl.OrderID,
		EventID:        dl.EventID,
		FailureKind:    dl.FailureKind,
		FailureReason:  dl.FailureReason,
		ReceiveCount:   dl.ReceiveCount,
		FirstSeenAt:    dl.FirstSeenAt,
		DeadLetteredAt: dl.DeadLetteredAt,
		Message:        string(dl.Body),
	}
}

// ListDeadLetters godoc
// @ID          listDeadLetters
// @Summary     List dead letters (paginated)
// @Description Returns messages that could not be processed, newest first.
// @Tags        Operations
// @Produce     json
//
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object}  handlers.ListDeadLettersResponse
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /dead-letters [get]
func (h *Handlers) ListDeadLetters(c *gin.Context) {
	page, pageSize := utils.ClampPage(c.Query("page"), c.Query("page_size"))

	items, total, err := h.deadLetters.ListPage(c.Request.Context(), page, pageSize)
	if err != nil {
		failErr(c, err)
		return
	}

	out := make([]DeadLetterItem, 0, len(items))
	for _, dl := range items {
		out = append(out, toDeadLetterItem(dl))
	}
	totalPages := utils.TotalPages(total, pageSize)
	ok(c, http.StatusOK, ListDeadLettersResponse{
		DeadLetters: out,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// RedriveDeadLetter godoc
// @ID          redriveDeadLetter
// @Summary     Redrive a dead letter
// @Description Moves the dead letter back onto the delivery queue with a fresh receive count.
// @Tags        Operations
// @Produce     json
//
// @Param       id  path  string  true  "Dead letter ID (UUID)"  format(uuid)
//
// @Success     202  {object}  handlers.RedriveResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     404  {object}  handlers.ErrorResponse  "Dead letter not found"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /dead-letters/{id}/redrive [post]
func (h *Handlers) RedriveDeadLetter(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "dead letter id must be a UUID")
		return
	}
	m, err := h.deadLetters.Redrive(c.Request.Context(), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusAccepted, RedriveResponse{Message: "redriven", MessageID: m.ID, OrderID: m.OrderID})
}

// QueueStats godoc
// @ID          queueStats
// @Summary     Delivery queue snapshot
// @Tags        Operations
// @Produce     json
// @Success     200  {object}  repo.QueueStats
// @Failure     503  {object}  handlers.ErrorResponse  "Store unavailable"
// @Router      /queue/stats [get]
func (h *Handlers) QueueStats(c *gin.Context) {
	st, err := h.deadLetters.Stats(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, st)
}
