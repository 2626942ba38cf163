package database

import (
	"context"

	"github.com/flowpbx/tdmcore/internal/database/models"
)

// CDRRepository manages call detail records.
type CDRRepository interface {
	Create(ctx context.Context, cdr *models.CDR) error
	GetByID(ctx context.Context, id int64) (*models.CDR, error)
	GetByUUID(ctx context.Context, uuid string) (*models.CDR, error)
	Update(ctx context.Context, cdr *models.CDR) error
	List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error)
	CountByDisposition(ctx context.Context) (map[string]int, error)
}

// CDRListFilter narrows a CDR listing. Zero values match everything.
type CDRListFilter struct {
	SpanID    int
	Direction string
	Search    string
	StartDate string
	EndDate   string
	Limit     int
	Offset    int
}

// SpanConfigRepository manages the driver parameters handed to a span's
// driver when the span is configured.
type SpanConfigRepository interface {
	Params(ctx context.Context, span string) (map[string]string, error)
	Set(ctx context.Context, span, key, value string) error
	Delete(ctx context.Context, span, key string) error
	List(ctx context.Context) ([]models.SpanParam, error)
}
