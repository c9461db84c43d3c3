package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/meterline/meterline/internal/domain/aggregate"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
)

// InMemoryAggregateStore implements aggregate.Repository with the same
// optimistic-lock and uniqueness semantics as the Postgres store
type InMemoryAggregateStore struct {
	mu   sync.Mutex
	rows map[string]*aggregate.AggregatedUsage
}

func NewInMemoryAggregateStore() *InMemoryAggregateStore {
	return &InMemoryAggregateStore{
		rows: make(map[string]*aggregate.AggregatedUsage),
	}
}

func copyRow(row *aggregate.AggregatedUsage) *aggregate.AggregatedUsage {
	clone := *row
	clone.EventIDs = append(aggregate.JSONBEventIDs{}, row.EventIDs...)
	return &clone
}

func (s *InMemoryAggregateStore) findOpen(key aggregate.Key) *aggregate.AggregatedUsage {
	for _, row := range s.rows {
		if row.CustomerID == key.CustomerID &&
			row.MetricType == key.MetricType &&
			row.WindowStart.Equal(key.WindowStart) &&
			row.WindowEnd.Equal(key.WindowEnd) &&
			!row.IsFinal &&
			row.ReratingJobID == nil {
			return row
		}
	}
	return nil
}

func (s *InMemoryAggregateStore) GetOrCreate(
	ctx context.Context,
	key aggregate.Key,
	seed func() *aggregate.AggregatedUsage,
) (*aggregate.AggregatedUsage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if row := s.findOpen(key); row != nil {
		return copyRow(row), false, nil
	}

	// The partial uniqueness also covers finalized rows: a final row for
	// the key blocks re-creation, same as the store's unique index.
	for _, row := range s.rows {
		if row.CustomerID == key.CustomerID &&
			row.MetricType == key.MetricType &&
			row.WindowStart.Equal(key.WindowStart) &&
			row.WindowEnd.Equal(key.WindowEnd) &&
			row.ReratingJobID == nil {
			return nil, false, ierr.NewError("open aggregate not found").
				Mark(ierr.ErrNotFound)
		}
	}

	created := seed()
	s.rows[created.ID] = copyRow(created)
	return copyRow(created), true, nil
}

func (s *InMemoryAggregateStore) Update(ctx context.Context, row *aggregate.AggregatedUsage) error {
	if err := row.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rows[row.ID]
	if !ok || stored.Version != row.Version || stored.IsFinal {
		return ierr.NewError("aggregate version conflict").
			WithHint("The aggregate was modified concurrently; reload and retry").
			WithReportableDetails(map[string]any{
				"aggregation_id": row.ID,
				"version":        row.Version,
			}).
			Mark(ierr.ErrVersionConflict)
	}

	next := copyRow(row)
	next.Version = stored.Version + 1
	s.rows[row.ID] = next
	row.Version = next.Version
	return nil
}

func (s *InMemoryAggregateStore) ListExpired(ctx context.Context, watermark time.Time) ([]*aggregate.AggregatedUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*aggregate.AggregatedUsage
	for _, row := range s.rows {
		if !row.IsFinal && !row.WindowEnd.After(watermark) {
			result = append(result, copyRow(row))
		}
	}
	return result, nil
}

func (s *InMemoryAggregateStore) Finalize(ctx context.Context, row *aggregate.AggregatedUsage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.rows[row.ID]
	if !ok {
		return ierr.NewError("aggregate not found").
			Mark(ierr.ErrNotFound)
	}

	if !stored.IsFinal {
		stored.IsFinal = true
		stored.Version++
		stored.ComputedAt = time.Now().UTC()
		stored.UpdatedAt = stored.ComputedAt
	}

	*row = *copyRow(stored)
	return nil
}

func (s *InMemoryAggregateStore) Get(ctx context.Context, id string) (*aggregate.AggregatedUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.rows[id]
	if !ok {
		return nil, ierr.NewError("aggregate not found").
			WithReportableDetails(map[string]any{"aggregation_id": id}).
			Mark(ierr.ErrNotFound)
	}
	return copyRow(row), nil
}

func (s *InMemoryAggregateStore) FindFinalizedForWindow(
	ctx context.Context,
	customerID string,
	metric types.MetricType,
	windowStart time.Time,
) (*aggregate.AggregatedUsage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, row := range s.rows {
		if row.CustomerID == customerID &&
			row.MetricType == metric &&
			row.WindowStart.Equal(windowStart) &&
			row.IsFinal &&
			row.ReratingJobID == nil {
			return copyRow(row), nil
		}
	}
	return nil, ierr.NewError("finalized aggregate not found").
		Mark(ierr.ErrNotFound)
}
