package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meterline/meterline/internal/domain/charge"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
)

// InMemoryChargeStore implements charge.Repository. Charges are
// append-only; creation order doubles as created_at order.
type InMemoryChargeStore struct {
	mu      sync.RWMutex
	charges map[string]*charge.RatedCharge
	order   []string
}

func NewInMemoryChargeStore() *InMemoryChargeStore {
	return &InMemoryChargeStore{
		charges: make(map[string]*charge.RatedCharge),
	}
}

func (s *InMemoryChargeStore) Create(ctx context.Context, rated *charge.RatedCharge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.charges[rated.ID]; exists {
		return ierr.NewError("charge already exists").
			WithReportableDetails(map[string]any{"charge_id": rated.ID}).
			Mark(ierr.ErrAlreadyExists)
	}
	s.charges[rated.ID] = rated
	s.order = append(s.order, rated.ID)
	return nil
}

func (s *InMemoryChargeStore) Get(ctx context.Context, id string) (*charge.RatedCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

func (s *InMemoryChargeStore) get(id string) (*charge.RatedCharge, error) {
	rated, ok := s.charges[id]
	if !ok {
		return nil, ierr.NewError("charge not found").
			WithReportableDetails(map[string]any{"charge_id": id}).
			Mark(ierr.ErrNotFound)
	}
	return rated, nil
}

func (s *InMemoryChargeStore) FindByAggregationID(ctx context.Context, aggregationID string) (*charge.RatedCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, id := range s.order {
		rated := s.charges[id]
		if rated.AggregationID != nil && *rated.AggregationID == aggregationID {
			return rated, nil
		}
	}
	return nil, ierr.NewError("charge not found").
		WithReportableDetails(map[string]any{"aggregation_id": aggregationID}).
		Mark(ierr.ErrNotFound)
}

func (s *InMemoryChargeStore) LatestForWindow(
	ctx context.Context,
	customerID string,
	metric types.MetricType,
	windowStart time.Time,
) (*charge.RatedCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Walk creation order backwards: newest matching charge wins
	for i := len(s.order) - 1; i >= 0; i-- {
		rated := s.charges[s.order[i]]
		if rated.CustomerID == customerID &&
			rated.MetricType == metric &&
			rated.WindowStart.Equal(windowStart) {
			return rated, nil
		}
	}
	return nil, ierr.NewError("charge not found").
		Mark(ierr.ErrNotFound)
}

func (s *InMemoryChargeStore) FindChargesForPeriod(
	ctx context.Context,
	customerID string,
	startDate, endDate time.Time,
) ([]*charge.RatedCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*charge.RatedCharge
	for _, id := range s.order {
		rated := s.charges[id]
		if rated.CustomerID != customerID {
			continue
		}
		if rated.CreatedAt.Before(startDate) || !rated.CreatedAt.Before(endDate) {
			continue
		}
		result = append(result, rated)
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryChargeStore) Lineage(ctx context.Context, chargeID string) ([]*charge.RatedCharge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lineage []*charge.RatedCharge
	current, err := s.get(chargeID)
	if err != nil {
		return nil, err
	}

	for depth := 0; ; depth++ {
		if depth >= charge.MaxLineageDepth {
			return nil, ierr.NewError("supersedes chain exceeds maximum depth").
				WithReportableDetails(map[string]any{"charge_id": chargeID}).
				Mark(ierr.ErrInvalidOperation)
		}

		lineage = append(lineage, current)
		if current.SupersedesChargeID == nil {
			return lineage, nil
		}

		current, err = s.get(*current.SupersedesChargeID)
		if err != nil {
			if ierr.IsNotFound(err) {
				// Weak reference; a pruned ancestor ends the chain
				return lineage, nil
			}
			return nil, err
		}
	}
}

// Count returns the number of stored charges
func (s *InMemoryChargeStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.charges)
}
