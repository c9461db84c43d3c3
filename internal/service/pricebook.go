package service

import (
	"context"
	"time"

	"github.com/meterline/meterline/internal/api/dto"
	"github.com/meterline/meterline/internal/domain/pricebook"
	ierr "github.com/meterline/meterline/internal/errors"
)

// PriceBookService manages the pricing catalog
type PriceBookService interface {
	CreatePriceBook(ctx context.Context, req *dto.CreatePriceBookRequest) (*pricebook.PriceBook, error)
	GetPriceBook(ctx context.Context, id string) (*pricebook.PriceBook, error)
	ListPriceBooks(ctx context.Context) ([]*pricebook.PriceBook, error)
	GetEffectivePriceBook(ctx context.Context, at time.Time) (*pricebook.PriceBook, error)
	CreateRule(ctx context.Context, req *dto.CreatePriceRuleRequest) (*pricebook.Rule, error)
}

type priceBookService struct {
	ServiceParams
}

// NewPriceBookService creates the price book service
func NewPriceBookService(params ServiceParams) PriceBookService {
	return &priceBookService{ServiceParams: params}
}

func (s *priceBookService) CreatePriceBook(ctx context.Context, req *dto.CreatePriceBookRequest) (*pricebook.PriceBook, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	book := req.ToPriceBook()
	if err := s.PriceBookRepo.Create(ctx, book); err != nil {
		return nil, err
	}

	// Catalog edits must be visible to the rater promptly
	s.Cache.Flush(ctx)

	s.Logger.Infow("price book created",
		"price_book_id", book.ID,
		"name", book.Name,
		"effective_from", book.EffectiveFrom,
		"version", book.Version,
	)
	return book, nil
}

func (s *priceBookService) GetPriceBook(ctx context.Context, id string) (*pricebook.PriceBook, error) {
	if id == "" {
		return nil, ierr.NewError("price book id is required").
			Mark(ierr.ErrValidation)
	}
	return s.PriceBookRepo.Get(ctx, id)
}

func (s *priceBookService) ListPriceBooks(ctx context.Context) ([]*pricebook.PriceBook, error) {
	return s.PriceBookRepo.List(ctx)
}

func (s *priceBookService) GetEffectivePriceBook(ctx context.Context, at time.Time) (*pricebook.PriceBook, error) {
	return s.PriceBookRepo.GetEffective(ctx, at)
}

func (s *priceBookService) CreateRule(ctx context.Context, req *dto.CreatePriceRuleRequest) (*pricebook.Rule, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if _, err := s.PriceBookRepo.Get(ctx, req.PriceBookID); err != nil {
		return nil, err
	}

	rule := req.ToRule()
	if err := s.PriceBookRepo.CreateRule(ctx, rule); err != nil {
		return nil, err
	}

	s.Cache.Flush(ctx)

	s.Logger.Infow("price rule created",
		"rule_id", rule.ID,
		"price_book_id", rule.PriceBookID,
		"metric_type", rule.MetricType,
		"pricing_model", rule.Model,
	)
	return rule, nil
}
