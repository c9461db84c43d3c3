package dto

import (
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/domain/pricebook"
	"github.com/meterline/meterline/internal/types"
	"github.com/meterline/meterline/internal/validator"
)

// CreatePriceBookRequest opens a new effective pricing catalog
type CreatePriceBookRequest struct {
	Name           string     `json:"name" validate:"required"`
	Currency       string     `json:"currency" validate:"required,len=3"`
	EffectiveFrom  time.Time  `json:"effective_from" validate:"required"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	ParentID       *string    `json:"parent_id,omitempty"`
}

func (r *CreatePriceBookRequest) Validate() error {
	if err := validator.ValidateRequest(r); err != nil {
		return err
	}
	if r.EffectiveUntil != nil && !r.EffectiveUntil.After(r.EffectiveFrom) {
		return ierr.NewError("effective_until must be after effective_from").
			Mark(ierr.ErrValidation)
	}
	return nil
}

func (r *CreatePriceBookRequest) ToPriceBook() *pricebook.PriceBook {
	book := pricebook.New(r.Name, r.Currency, r.EffectiveFrom)
	book.ParentID = r.ParentID
	if r.EffectiveUntil != nil {
		until := r.EffectiveUntil.UTC()
		book.EffectiveUntil = &until
	}
	return book
}

// CreatePriceRuleRequest attaches a metric rule to a price book
type CreatePriceRuleRequest struct {
	PriceBookID  string             `json:"price_book_id" validate:"required"`
	MetricType   types.MetricType   `json:"metric_type" validate:"required"`
	PricingModel types.PricingModel `json:"pricing_model" validate:"required"`
	Tiers        []pricebook.Tier   `json:"tiers" validate:"required,min=1"`
}

func (r *CreatePriceRuleRequest) Validate() error {
	if err := validator.ValidateRequest(r); err != nil {
		return err
	}
	if !r.PricingModel.Validate() {
		return ierr.NewError("unknown pricing model").
			WithReportableDetails(map[string]any{"pricing_model": r.PricingModel}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

func (r *CreatePriceRuleRequest) ToRule() *pricebook.Rule {
	return pricebook.NewRule(r.PriceBookID, r.MetricType, r.PricingModel, r.Tiers)
}
