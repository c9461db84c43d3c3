package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/meterline/meterline/internal/domain/charge"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
)

type chargeRepository struct {
	db     *postgres.DB
	logger *logger.Logger
}

func NewChargeRepository(db *postgres.DB, logger *logger.Logger) charge.Repository {
	return &chargeRepository{db: db, logger: logger}
}

func (r *chargeRepository) Create(ctx context.Context, c *charge.RatedCharge) error {
	query := `
		INSERT INTO rated_charges (
			id, customer_id, aggregation_id, metric_type, window_start,
			price_book_id, price_version, rule_id, quantity, unit_price,
			subtotal, currency, calculation_metadata, calculated_at,
			rerating_job_id, supersedes_charge_id, created_at
		) VALUES (
			:id, :customer_id, :aggregation_id, :metric_type, :window_start,
			:price_book_id, :price_version, :rule_id, :quantity, :unit_price,
			:subtotal, :currency, :calculation_metadata, :calculated_at,
			:rerating_job_id, :supersedes_charge_id, :created_at
		)`

	r.logger.Debugw("creating rated charge",
		"charge_id", c.ID,
		"customer_id", c.CustomerID,
		"subtotal", c.Subtotal,
	)

	if _, err := r.db.NamedExecContext(ctx, query, c); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to insert rated charge").
			WithReportableDetails(map[string]interface{}{"charge_id": c.ID}).
			Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *chargeRepository) Get(ctx context.Context, id string) (*charge.RatedCharge, error) {
	var c charge.RatedCharge
	err := r.db.GetQuerier(ctx).GetContext(ctx, &c,
		`SELECT * FROM rated_charges WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ierr.NewError("charge not found").
			WithReportableDetails(map[string]interface{}{"charge_id": id}).
			Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to get charge").
			Mark(ierr.ErrDatabase)
	}
	return &c, nil
}

func (r *chargeRepository) FindByAggregationID(ctx context.Context, aggregationID string) (*charge.RatedCharge, error) {
	var c charge.RatedCharge
	err := r.db.GetQuerier(ctx).GetContext(ctx, &c,
		`SELECT * FROM rated_charges WHERE aggregation_id = $1 LIMIT 1`, aggregationID)
	if err == sql.ErrNoRows {
		return nil, ierr.NewError("no charge for aggregation").
			WithReportableDetails(map[string]interface{}{"aggregation_id": aggregationID}).
			Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to query charge by aggregation id").
			Mark(ierr.ErrDatabase)
	}
	return &c, nil
}

func (r *chargeRepository) LatestForWindow(
	ctx context.Context,
	customerID string,
	metric types.MetricType,
	windowStart time.Time,
) (*charge.RatedCharge, error) {
	var c charge.RatedCharge
	err := r.db.GetQuerier(ctx).GetContext(ctx, &c, `
		SELECT * FROM rated_charges
		WHERE customer_id = $1
		AND metric_type = $2
		AND window_start = $3
		ORDER BY created_at DESC
		LIMIT 1`, customerID, metric, windowStart.UTC())
	if err == sql.ErrNoRows {
		return nil, ierr.NewError("no charge for window").
			Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to query latest charge for window").
			Mark(ierr.ErrDatabase)
	}
	return &c, nil
}

func (r *chargeRepository) FindChargesForPeriod(
	ctx context.Context,
	customerID string,
	startDate, endDate time.Time,
) ([]*charge.RatedCharge, error) {
	var charges []*charge.RatedCharge
	err := r.db.GetQuerier(ctx).SelectContext(ctx, &charges, `
		SELECT * FROM rated_charges
		WHERE customer_id = $1
		AND created_at >= $2
		AND created_at < $3
		ORDER BY created_at ASC`,
		customerID, startDate.UTC(), endDate.UTC())
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to query charges for period").
			WithReportableDetails(map[string]interface{}{"customer_id": customerID}).
			Mark(ierr.ErrDatabase)
	}
	return charges, nil
}

// Lineage resolves the supersedes chain iteratively, newest first. The
// walk is depth-capped; a chain exceeding the cap is reported rather than
// traversed forever.
func (r *chargeRepository) Lineage(ctx context.Context, chargeID string) ([]*charge.RatedCharge, error) {
	var lineage []*charge.RatedCharge

	currentID := chargeID
	for depth := 0; depth < charge.MaxLineageDepth; depth++ {
		c, err := r.Get(ctx, currentID)
		if err != nil {
			if ierr.IsNotFound(err) && depth > 0 {
				// Weak reference; a pruned ancestor ends the chain
				return lineage, nil
			}
			return nil, err
		}
		lineage = append(lineage, c)

		if c.SupersedesChargeID == nil {
			return lineage, nil
		}
		currentID = *c.SupersedesChargeID
	}

	return nil, ierr.NewError("charge lineage exceeds maximum depth").
		WithReportableDetails(map[string]interface{}{
			"charge_id": chargeID,
			"max_depth": charge.MaxLineageDepth,
		}).
		Mark(ierr.ErrInvalidOperation)
}
