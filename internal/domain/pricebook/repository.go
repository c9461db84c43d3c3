package pricebook

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/types"
)

// Repository persists price books and their rules
type Repository interface {
	Create(ctx context.Context, book *PriceBook) error
	Get(ctx context.Context, id string) (*PriceBook, error)
	List(ctx context.Context) ([]*PriceBook, error)

	// GetEffective returns the book effective at the instant, newest
	// effective_from first. ErrNotFound when no book covers it.
	GetEffective(ctx context.Context, at time.Time) (*PriceBook, error)

	CreateRule(ctx context.Context, rule *Rule) error

	// GetRule returns the unique rule for (book, metric). ErrNotFound when
	// the book has no rule for the metric.
	GetRule(ctx context.Context, priceBookID string, metric types.MetricType) (*Rule, error)
}
