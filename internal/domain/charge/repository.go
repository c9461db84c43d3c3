package charge

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/types"
)

// MaxLineageDepth caps supersedes-chain traversal so a pathological
// history cannot loop forever.
const MaxLineageDepth = 64

// Repository persists rated charges. Charges are append-only.
type Repository interface {
	Create(ctx context.Context, charge *RatedCharge) error
	Get(ctx context.Context, id string) (*RatedCharge, error)

	// FindByAggregationID returns the charge produced from the given
	// aggregation, or ErrNotFound. At most one exists; rating is
	// idempotent per aggregation id.
	FindByAggregationID(ctx context.Context, aggregationID string) (*RatedCharge, error)

	// LatestForWindow returns the most recent charge for the customer,
	// metric and window, or ErrNotFound
	LatestForWindow(ctx context.Context, customerID string, metric types.MetricType, windowStart time.Time) (*RatedCharge, error)

	// FindChargesForPeriod returns all charges for the customer created in
	// [startDate, endDate), ordered by created_at ascending. This is the
	// interface the invoice subsystem consumes.
	FindChargesForPeriod(ctx context.Context, customerID string, startDate, endDate time.Time) ([]*RatedCharge, error)

	// Lineage walks the supersedes chain starting at the charge,
	// iteratively and depth-capped, newest first
	Lineage(ctx context.Context, chargeID string) ([]*RatedCharge, error)
}
