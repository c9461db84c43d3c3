package clickhouse

import (
	"context"
	"encoding/json"
	"time"

	"github.com/meterline/meterline/internal/clickhouse"
	"github.com/meterline/meterline/internal/domain/events"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/samber/lo"
)

type EventRepository struct {
	store  *clickhouse.ClickHouseStore
	logger *logger.Logger
}

func NewEventRepository(store *clickhouse.ClickHouseStore, logger *logger.Logger) events.Repository {
	return &EventRepository{store: store, logger: logger}
}

// InsertEvent persists one event, rejecting a duplicate event id. The
// events table is a ReplacingMergeTree keyed by id, so the rare racing
// duplicate that slips past the exists check collapses at merge time;
// downstream folding is idempotent on event id either way.
func (r *EventRepository) InsertEvent(ctx context.Context, event *events.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	var count uint64
	err := r.store.GetConn().QueryRow(ctx,
		`SELECT count() FROM telemetry_events WHERE id = ?`, event.ID,
	).Scan(&count)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to check for duplicate event").
			WithReportableDetails(map[string]interface{}{"event_id": event.ID}).
			Mark(ierr.ErrDatabase)
	}
	if count > 0 {
		return ierr.NewError("duplicate event").
			WithHint("An event with this id was already ingested").
			WithReportableDetails(map[string]interface{}{"event_id": event.ID}).
			Mark(ierr.ErrAlreadyExists)
	}

	propertiesJSON, err := json.Marshal(event.Properties)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to marshal event properties").
			WithReportableDetails(map[string]interface{}{"event_id": event.ID}).
			Mark(ierr.ErrValidation)
	}

	query := `
		INSERT INTO telemetry_events (
			id, event_name, customer_id, event_time, ingestion_time, properties, source
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	err = r.store.GetConn().Exec(ctx, query,
		event.ID,
		event.EventName,
		event.CustomerID,
		event.EventTime,
		event.IngestionTime,
		string(propertiesJSON),
		event.Source,
	)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to insert event").
			WithReportableDetails(map[string]interface{}{
				"event_id":   event.ID,
				"event_name": event.EventName,
			}).
			Mark(ierr.ErrDatabase)
	}

	return nil
}

// BulkInsertEvents inserts multiple events in batches for better throughput.
// Bulk ingestion skips the duplicate check; replays collapse in the
// ReplacingMergeTree.
func (r *EventRepository) BulkInsertEvents(ctx context.Context, evts []*events.Event) error {
	if len(evts) == 0 {
		return nil
	}

	for _, batchEvents := range lo.Chunk(evts, 100) {
		batch, err := r.store.GetConn().PrepareBatch(ctx, `
			INSERT INTO telemetry_events (
				id, event_name, customer_id, event_time, ingestion_time, properties, source
			)
		`)
		if err != nil {
			return ierr.WithError(err).
				WithHint("Failed to prepare event batch").
				Mark(ierr.ErrDatabase)
		}

		for _, event := range batchEvents {
			if err := event.Validate(); err != nil {
				return err
			}

			propertiesJSON, err := json.Marshal(event.Properties)
			if err != nil {
				return ierr.WithError(err).
					WithHint("Failed to marshal event properties").
					WithReportableDetails(map[string]interface{}{"event_id": event.ID}).
					Mark(ierr.ErrValidation)
			}

			if err := batch.Append(
				event.ID,
				event.EventName,
				event.CustomerID,
				event.EventTime,
				event.IngestionTime,
				string(propertiesJSON),
				event.Source,
			); err != nil {
				return ierr.WithError(err).
					WithHint("Failed to append event to batch").
					WithReportableDetails(map[string]interface{}{"event_id": event.ID}).
					Mark(ierr.ErrDatabase)
			}
		}

		if err := batch.Send(); err != nil {
			return ierr.WithError(err).
				WithHint("Failed to send event batch").
				Mark(ierr.ErrDatabase)
		}
	}

	return nil
}

func (r *EventRepository) GetByID(ctx context.Context, id string) (*events.Event, error) {
	query := `
		SELECT id, event_name, customer_id, event_time, ingestion_time, properties, source
		FROM telemetry_events
		WHERE id = ?
		LIMIT 1
	`

	rows, err := r.store.GetConn().Query(ctx, query, id)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to query event").
			WithReportableDetails(map[string]interface{}{"event_id": id}).
			Mark(ierr.ErrDatabase)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, ierr.NewError("event not found").
			WithReportableDetails(map[string]interface{}{"event_id": id}).
			Mark(ierr.ErrNotFound)
	}

	event, err := scanEvent(rows)
	if err != nil {
		return nil, err
	}
	return event, nil
}

func (r *EventRepository) FindEvents(ctx context.Context, params *events.FindEventsParams) ([]*events.Event, error) {
	query := `
		SELECT id, event_name, customer_id, event_time, ingestion_time, properties, source
		FROM telemetry_events
		WHERE 1 = 1
	`
	args := []interface{}{}

	if params.CustomerID != "" {
		query += " AND customer_id = ?"
		args = append(args, params.CustomerID)
	}
	if params.EventName != "" {
		query += " AND event_name = ?"
		args = append(args, params.EventName)
	}
	if !params.StartTime.IsZero() {
		query += " AND event_time >= ?"
		args = append(args, params.StartTime)
	}
	if !params.EndTime.IsZero() {
		query += " AND event_time < ?"
		args = append(args, params.EndTime)
	}

	query += " ORDER BY event_time ASC"

	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := r.store.GetConn().Query(ctx, query, args...)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to query events").
			Mark(ierr.ErrDatabase)
	}
	defer rows.Close()

	var result []*events.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, event)
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(rows rowScanner) (*events.Event, error) {
	var (
		event          events.Event
		eventTime      time.Time
		ingestionTime  time.Time
		propertiesJSON string
	)

	if err := rows.Scan(
		&event.ID,
		&event.EventName,
		&event.CustomerID,
		&eventTime,
		&ingestionTime,
		&propertiesJSON,
		&event.Source,
	); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to scan event").
			Mark(ierr.ErrDatabase)
	}

	event.EventTime = eventTime.UTC()
	event.IngestionTime = ingestionTime.UTC()

	if propertiesJSON != "" {
		if err := json.Unmarshal([]byte(propertiesJSON), &event.Properties); err != nil {
			return nil, ierr.WithError(err).
				WithHint("Failed to unmarshal event properties").
				WithReportableDetails(map[string]interface{}{"event_id": event.ID}).
				Mark(ierr.ErrValidation)
		}
	}

	return &event, nil
}
