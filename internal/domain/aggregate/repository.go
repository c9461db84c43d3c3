package aggregate

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/types"
)

// Repository is the durable window store. Two workers updating the same
// window serialize via the version column; the loser reloads and retries.
type Repository interface {
	// GetOrCreate returns the unique non-final row for the key, creating
	// one from seed if none exists. The boolean reports whether a row was
	// created. Concurrent creators are resolved by the store's uniqueness
	// guarantee; the loser reads back the winner's row.
	GetOrCreate(ctx context.Context, key Key, seed func() *AggregatedUsage) (*AggregatedUsage, bool, error)

	// Update writes the row conditionally on its version. A conflicting
	// concurrent write surfaces as ErrVersionConflict.
	Update(ctx context.Context, row *AggregatedUsage) error

	// ListExpired returns all non-final rows whose window has passed the
	// watermark
	ListExpired(ctx context.Context, watermark time.Time) ([]*AggregatedUsage, error)

	// Finalize flips the row to final, bumps the version and stamps
	// computed_at. Safe to re-run on an already-final row.
	Finalize(ctx context.Context, row *AggregatedUsage) error

	Get(ctx context.Context, id string) (*AggregatedUsage, error)

	// FindFinalizedForWindow returns the finalized non-rerating aggregate
	// for the window, if any
	FindFinalizedForWindow(ctx context.Context, customerID string, metric types.MetricType, windowStart time.Time) (*AggregatedUsage, error)
}
