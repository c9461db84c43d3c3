package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/meterline/meterline/internal/domain/pricebook"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
)

// InMemoryPriceBookStore implements pricebook.Repository
type InMemoryPriceBookStore struct {
	mu    sync.RWMutex
	books map[string]*pricebook.PriceBook
	rules map[string]*pricebook.Rule
}

func NewInMemoryPriceBookStore() *InMemoryPriceBookStore {
	return &InMemoryPriceBookStore{
		books: make(map[string]*pricebook.PriceBook),
		rules: make(map[string]*pricebook.Rule),
	}
}

func (s *InMemoryPriceBookStore) Create(ctx context.Context, book *pricebook.PriceBook) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.books {
		sameChain := (book.ParentID != nil && existing.ParentID != nil && *book.ParentID == *existing.ParentID) ||
			(book.ParentID != nil && *book.ParentID == existing.ID) ||
			(existing.ParentID != nil && *existing.ParentID == book.ID)
		if sameChain && book.Overlaps(existing) {
			return ierr.NewError("price book effective intervals overlap").
				WithReportableDetails(map[string]any{
					"price_book_id": book.ID,
					"conflicts":     existing.ID,
				}).
				Mark(ierr.ErrValidation)
		}
	}

	s.books[book.ID] = book
	return nil
}

func (s *InMemoryPriceBookStore) Get(ctx context.Context, id string) (*pricebook.PriceBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	book, ok := s.books[id]
	if !ok {
		return nil, ierr.NewError("price book not found").
			WithReportableDetails(map[string]any{"price_book_id": id}).
			Mark(ierr.ErrNotFound)
	}
	return book, nil
}

func (s *InMemoryPriceBookStore) List(ctx context.Context) ([]*pricebook.PriceBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*pricebook.PriceBook, 0, len(s.books))
	for _, book := range s.books {
		result = append(result, book)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].EffectiveFrom.Before(result[j].EffectiveFrom)
	})
	return result, nil
}

func (s *InMemoryPriceBookStore) GetEffective(ctx context.Context, at time.Time) (*pricebook.PriceBook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *pricebook.PriceBook
	for _, book := range s.books {
		if !book.Covers(at) {
			continue
		}
		if best == nil || book.EffectiveFrom.After(best.EffectiveFrom) {
			best = book
		}
	}
	if best == nil {
		return nil, ierr.NewError("no price book effective at this date").
			WithReportableDetails(map[string]any{"effective_date": at}).
			Mark(ierr.ErrNotFound)
	}
	return best, nil
}

func (s *InMemoryPriceBookStore) CreateRule(ctx context.Context, rule *pricebook.Rule) error {
	if err := rule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.rules {
		if existing.PriceBookID == rule.PriceBookID && existing.MetricType == rule.MetricType {
			return ierr.NewError("rule already exists for metric").
				WithReportableDetails(map[string]any{
					"price_book_id": rule.PriceBookID,
					"metric_type":   rule.MetricType,
				}).
				Mark(ierr.ErrAlreadyExists)
		}
	}

	s.rules[rule.ID] = rule
	return nil
}

func (s *InMemoryPriceBookStore) GetRule(ctx context.Context, priceBookID string, metric types.MetricType) (*pricebook.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, rule := range s.rules {
		if rule.PriceBookID == priceBookID && rule.MetricType == metric {
			return rule, nil
		}
	}
	return nil, ierr.NewError("no price rule for metric").
		WithReportableDetails(map[string]any{
			"price_book_id": priceBookID,
			"metric_type":   metric,
		}).
		Mark(ierr.ErrNotFound)
}
