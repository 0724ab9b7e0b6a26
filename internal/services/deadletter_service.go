package services

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-order-pipeline/internal/domain"
	"github.com/tbourn/go-order-pipeline/internal/repo"
	"github.com/tbourn/go-order-pipeline/internal/utils"
)

// DeadLetterQueue is the subset of *queue.Queue used for inspection.
type DeadLetterQueue interface {
	ListDeadLetters(ctx context.Context, offset, limit int) ([]domain.DeadLetter, int64, error)
	Redrive(ctx context.Context, deadLetterID string) (*domain.QueueMessage, error)
	Stats(ctx context.Context) (repo.QueueStats, error)
}

// DeadLetterService exposes the dead-letter sink to operators.
type DeadLetterService struct {
	Queue DeadLetterQueue
}

// ListPage returns a page of dead letters (newest first) and the total count.
func (s *DeadLetterService) ListPage(ctx context.Context, page, pageSize int) ([]domain.DeadLetter, int64, error) {
	tr := otel.Tracer("services/DeadLetterService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if pageSize < 1 {
		pageSize = utils.DefaultPageSize
	}
	return s.Queue.ListDeadLetters(ctx, utils.Offset(page, pageSize), pageSize)
}

// Redrive puts a dead letter back on the queue.
func (s *DeadLetterService) Redrive(ctx context.Context, id string) (*domain.QueueMessage, error) {
	tr := otel.Tracer("services/DeadLetterService")
	ctx, span := tr.Start(ctx, "Redrive", trace.WithAttributes(attribute.String("dead_letter.id", id)))
	defer span.End()

	m, err := s.Queue.Redrive(ctx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrDeadLetterNotFound
	}
	return m, err
}

// Stats returns a queue snapshot.
func (s *DeadLetterService) Stats(ctx context.Context) (repo.QueueStats, error) {
	return s.Queue.Stats(ctx)
}
