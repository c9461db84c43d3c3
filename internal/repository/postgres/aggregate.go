package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/meterline/meterline/internal/domain/aggregate"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/types"
)

type aggregateRepository struct {
	db     *postgres.DB
	logger *logger.Logger
}

func NewAggregateRepository(db *postgres.DB, logger *logger.Logger) aggregate.Repository {
	return &aggregateRepository{db: db, logger: logger}
}

func (r *aggregateRepository) GetOrCreate(
	ctx context.Context,
	key aggregate.Key,
	seed func() *aggregate.AggregatedUsage,
) (*aggregate.AggregatedUsage, bool, error) {
	row, err := r.findOpen(ctx, key)
	if err == nil {
		return row, false, nil
	}
	if !ierr.IsNotFound(err) {
		return nil, false, err
	}

	created := seed()
	query := `
		INSERT INTO aggregated_usage (
			id, customer_id, metric_type, window_start, window_end,
			value, unit, event_count, event_ids, is_final, version,
			computed_at, rerating_job_id, created_at, updated_at
		) VALUES (
			:id, :customer_id, :metric_type, :window_start, :window_end,
			:value, :unit, :event_count, :event_ids, :is_final, :version,
			:computed_at, :rerating_job_id, :created_at, :updated_at
		)
		ON CONFLICT (customer_id, metric_type, window_start, window_end)
			WHERE rerating_job_id IS NULL
		DO NOTHING`

	result, err := r.db.NamedExecContext(ctx, query, created)
	if err != nil {
		return nil, false, ierr.WithError(err).
			WithHint("Failed to insert aggregate").
			Mark(ierr.ErrDatabase)
	}

	if n, _ := result.RowsAffected(); n == 1 {
		return created, true, nil
	}

	// A concurrent creator won the insert race; read back its row.
	row, err = r.findOpen(ctx, key)
	if err != nil {
		return nil, false, err
	}
	return row, false, nil
}

func (r *aggregateRepository) findOpen(ctx context.Context, key aggregate.Key) (*aggregate.AggregatedUsage, error) {
	query := `
		SELECT * FROM aggregated_usage
		WHERE customer_id = :customer_id
		AND metric_type = :metric_type
		AND window_start = :window_start
		AND window_end = :window_end
		AND is_final = false
		AND rerating_job_id IS NULL`

	rows, err := r.db.NamedQueryContext(ctx, query, map[string]interface{}{
		"customer_id":  key.CustomerID,
		"metric_type":  key.MetricType,
		"window_start": key.WindowStart.UTC(),
		"window_end":   key.WindowEnd.UTC(),
	})
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to query aggregate").
			Mark(ierr.ErrDatabase)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ierr.NewError("open aggregate not found").
			Mark(ierr.ErrNotFound)
	}

	var row aggregate.AggregatedUsage
	if err := rows.StructScan(&row); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to scan aggregate").
			Mark(ierr.ErrDatabase)
	}
	return &row, nil
}

// Update is conditional on the row's version. On success the in-memory
// version is bumped to match the stored row.
func (r *aggregateRepository) Update(ctx context.Context, row *aggregate.AggregatedUsage) error {
	if err := row.Validate(); err != nil {
		return err
	}

	query := `
		UPDATE aggregated_usage SET
			value = :value,
			event_count = :event_count,
			event_ids = :event_ids,
			computed_at = :computed_at,
			updated_at = :updated_at,
			version = version + 1
		WHERE id = :id
		AND version = :version
		AND is_final = false`

	result, err := r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to update aggregate").
			WithReportableDetails(map[string]interface{}{"aggregation_id": row.ID}).
			Mark(ierr.ErrDatabase)
	}

	if n, _ := result.RowsAffected(); n == 0 {
		return ierr.NewError("aggregate version conflict").
			WithHint("The aggregate was modified concurrently; reload and retry").
			WithReportableDetails(map[string]interface{}{
				"aggregation_id": row.ID,
				"version":        row.Version,
			}).
			Mark(ierr.ErrVersionConflict)
	}

	row.Version++
	return nil
}

func (r *aggregateRepository) ListExpired(ctx context.Context, watermark time.Time) ([]*aggregate.AggregatedUsage, error) {
	query := `
		SELECT * FROM aggregated_usage
		WHERE is_final = false
		AND window_end <= :watermark
		ORDER BY window_end ASC`

	rows, err := r.db.NamedQueryContext(ctx, query, map[string]interface{}{
		"watermark": watermark.UTC(),
	})
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to list expired aggregates").
			Mark(ierr.ErrDatabase)
	}
	defer rows.Close()

	var result []*aggregate.AggregatedUsage
	for rows.Next() {
		var row aggregate.AggregatedUsage
		if err := rows.StructScan(&row); err != nil {
			return nil, ierr.WithError(err).
				WithHint("Failed to scan aggregate").
				Mark(ierr.ErrDatabase)
		}
		result = append(result, &row)
	}
	return result, nil
}

// Finalize flips the row to final exactly once. Re-running on an already
// final row is a no-op so the watermark driver can retry publishes.
func (r *aggregateRepository) Finalize(ctx context.Context, row *aggregate.AggregatedUsage) error {
	now := time.Now().UTC()
	query := `
		UPDATE aggregated_usage SET
			is_final = true,
			computed_at = :computed_at,
			updated_at = :computed_at,
			version = version + 1
		WHERE id = :id
		AND is_final = false`

	_, err := r.db.NamedExecContext(ctx, query, map[string]interface{}{
		"id":          row.ID,
		"computed_at": now,
	})
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to finalize aggregate").
			WithReportableDetails(map[string]interface{}{"aggregation_id": row.ID}).
			Mark(ierr.ErrDatabase)
	}

	stored, err := r.Get(ctx, row.ID)
	if err != nil {
		return err
	}
	if !stored.IsFinal {
		return ierr.NewError("aggregate finalization lost").
			WithReportableDetails(map[string]interface{}{"aggregation_id": row.ID}).
			Mark(ierr.ErrVersionConflict)
	}

	*row = *stored
	return nil
}

func (r *aggregateRepository) Get(ctx context.Context, id string) (*aggregate.AggregatedUsage, error) {
	var row aggregate.AggregatedUsage
	err := r.db.GetQuerier(ctx).GetContext(ctx, &row,
		`SELECT * FROM aggregated_usage WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, ierr.NewError("aggregate not found").
			WithReportableDetails(map[string]interface{}{"aggregation_id": id}).
			Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to get aggregate").
			Mark(ierr.ErrDatabase)
	}
	return &row, nil
}

func (r *aggregateRepository) FindFinalizedForWindow(
	ctx context.Context,
	customerID string,
	metric types.MetricType,
	windowStart time.Time,
) (*aggregate.AggregatedUsage, error) {
	var row aggregate.AggregatedUsage
	err := r.db.GetQuerier(ctx).GetContext(ctx, &row, `
		SELECT * FROM aggregated_usage
		WHERE customer_id = $1
		AND metric_type = $2
		AND window_start = $3
		AND is_final = true
		AND rerating_job_id IS NULL`,
		customerID, metric, windowStart.UTC())
	if err == sql.ErrNoRows {
		return nil, ierr.NewError("finalized aggregate not found").
			Mark(ierr.ErrNotFound)
	}
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to query finalized aggregate").
			Mark(ierr.ErrDatabase)
	}
	return &row, nil
}
