package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/domain/aggregate"
	"github.com/meterline/meterline/internal/domain/charge"
	"github.com/meterline/meterline/internal/domain/pricebook"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/kafka"
	"github.com/meterline/meterline/internal/types"
)

// RatingRequest asks for one quantity to be priced at an instant.
// Delta requests from the late path carry no AggregationID and stamp a
// ReratingJobID instead.
type RatingRequest struct {
	AggregationID      *string
	CustomerID         string
	MetricType         types.MetricType
	Quantity           decimal.Decimal
	EffectiveDate      time.Time
	WindowStart        time.Time
	SourceEvents       []string
	ReratingJobID      *string
	SupersedesChargeID *string
}

// RatingService turns finalized aggregates into immutable rated charges.
// Rating is deterministic: the same rule snapshot, quantity and effective
// date always produce the same subtotal and metadata.
type RatingService interface {
	// ProcessMessage rates one finalized aggregate from the stream. A nil
	// return consumes the message; pricing-catalog gaps are consumed too
	// since redelivery cannot fix them.
	ProcessMessage(ctx context.Context, payload []byte) error

	RateUsage(ctx context.Context, req *RatingRequest) (*charge.RatedCharge, error)

	// FindChargesForPeriod returns the customer's charges created in
	// [startDate, endDate), created_at ascending
	FindChargesForPeriod(ctx context.Context, customerID string, startDate, endDate time.Time) ([]*charge.RatedCharge, error)

	GetCharge(ctx context.Context, id string) (*charge.RatedCharge, error)
	GetLineage(ctx context.Context, chargeID string) ([]*charge.RatedCharge, error)
}

type ratingService struct {
	ServiceParams
}

// NewRatingService creates the rating service
func NewRatingService(params ServiceParams) RatingService {
	return &ratingService{ServiceParams: params}
}

func (s *ratingService) ProcessMessage(ctx context.Context, payload []byte) error {
	var agg aggregate.AggregatedUsage
	if err := json.Unmarshal(payload, &agg); err != nil {
		s.Logger.Warnw("dropping malformed aggregate payload", "error", err)
		return nil
	}
	if agg.ID == "" || agg.CustomerID == "" {
		s.Logger.Warnw("dropping incomplete aggregate payload")
		return nil
	}

	// Redelivered finalized aggregates must not double-charge; the sink
	// is keyed by aggregation id, regardless of any delta charges the
	// late path has written for the same window since.
	if existing, err := s.ChargeRepo.FindByAggregationID(ctx, agg.ID); err == nil {
		s.Logger.Debugw("aggregate already rated",
			"aggregation_id", agg.ID,
			"charge_id", existing.ID,
		)
		return nil
	} else if !ierr.IsNotFound(err) {
		return err
	}

	req := &RatingRequest{
		AggregationID: &agg.ID,
		CustomerID:    agg.CustomerID,
		MetricType:    agg.MetricType,
		Quantity:      agg.Value,
		EffectiveDate: agg.WindowStart,
		WindowStart:   agg.WindowStart,
		SourceEvents:  agg.EventIDs,
	}

	if _, err := s.RateUsage(ctx, req); err != nil {
		if ierr.IsNotFound(err) {
			// No price book or rule covers this usage. The aggregate stays
			// final; fixing the catalog allows a manual re-rate.
			s.Logger.Errorw("cannot rate aggregate, pricing catalog gap",
				"aggregation_id", agg.ID,
				"customer_id", agg.CustomerID,
				"metric_type", agg.MetricType,
				"error", err,
			)
			s.Sentry.CaptureException(err)
			return nil
		}
		return err
	}
	return nil
}

func (s *ratingService) RateUsage(ctx context.Context, req *RatingRequest) (*charge.RatedCharge, error) {
	if req.CustomerID == "" {
		return nil, ierr.NewError("customer id is required").
			Mark(ierr.ErrValidation)
	}
	if req.Quantity.IsNegative() {
		return nil, ierr.NewError("quantity must not be negative").
			WithReportableDetails(map[string]any{"quantity": req.Quantity}).
			Mark(ierr.ErrValidation)
	}

	book, err := s.effectiveBook(ctx, req.EffectiveDate)
	if err != nil {
		return nil, err
	}

	rule, err := s.ruleForMetric(ctx, book.ID, req.MetricType)
	if err != nil {
		return nil, err
	}

	quantity := types.RoundQuantity(req.Quantity)
	result, err := calculateCost(rule, quantity)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	rated := &charge.RatedCharge{
		ID:            types.GenerateUUIDWithPrefix(types.UUID_PREFIX_RATED_CHARGE),
		CustomerID:    req.CustomerID,
		AggregationID: req.AggregationID,
		MetricType:    req.MetricType,
		WindowStart:   req.WindowStart.UTC(),
		PriceBookID:   book.ID,
		PriceVersion:  book.Version,
		RuleID:        rule.ID,
		Quantity:      quantity,
		UnitPrice:     result.unitPrice,
		Subtotal:      result.subtotal,
		Currency:      book.Currency,
		CalculationMetadata: charge.JSONBMetadata{
			Formula:       result.formula,
			TiersApplied:  result.tiersApplied,
			SourceEvents:  req.SourceEvents,
			EffectiveDate: req.EffectiveDate.UTC(),
		},
		CalculatedAt:       now,
		ReratingJobID:      req.ReratingJobID,
		SupersedesChargeID: req.SupersedesChargeID,
		CreatedAt:          now,
	}

	if err := s.ChargeRepo.Create(ctx, rated); err != nil {
		return nil, err
	}

	s.Logger.Infow("usage rated",
		"charge_id", rated.ID,
		"customer_id", rated.CustomerID,
		"metric_type", rated.MetricType,
		"quantity", rated.Quantity,
		"subtotal", rated.Subtotal,
		"price_book_id", book.ID,
		"price_version", book.Version,
		"is_delta", rated.IsDelta(),
	)

	s.publishCharge(ctx, rated)
	return rated, nil
}

// publishCharge emits the charge to the rated-charges stream. The charge
// is already durable, so a publish failure is logged, not returned.
func (s *ratingService) publishCharge(ctx context.Context, rated *charge.RatedCharge) {
	payload, err := json.Marshal(rated)
	if err != nil {
		s.Logger.Errorw("failed to marshal rated charge", "charge_id", rated.ID, "error", err)
		return
	}

	msg := message.NewMessage(rated.ID, payload)
	msg.Metadata.Set(kafka.PartitionKeyMetadata, rated.CustomerID)

	if err := s.PubSub.Publish(ctx, s.Config.Kafka.Topics.RatedCharges, msg); err != nil {
		s.Logger.Errorw("failed to publish rated charge",
			"charge_id", rated.ID,
			"error", err,
		)
		s.Sentry.CaptureException(err)
	}
}

func (s *ratingService) effectiveBook(ctx context.Context, at time.Time) (*pricebook.PriceBook, error) {
	key := "pricebook:effective:" + at.UTC().Format(time.RFC3339)
	if cached, ok := s.Cache.Get(ctx, key); ok {
		if book, ok := cached.(*pricebook.PriceBook); ok {
			return book, nil
		}
	}

	book, err := s.PriceBookRepo.GetEffective(ctx, at)
	if err != nil {
		return nil, err
	}

	s.Cache.Set(ctx, key, book, cache.DefaultExpiration)
	return book, nil
}

func (s *ratingService) ruleForMetric(ctx context.Context, bookID string, metric types.MetricType) (*pricebook.Rule, error) {
	key := fmt.Sprintf("pricerule:%s:%s", bookID, metric)
	if cached, ok := s.Cache.Get(ctx, key); ok {
		if rule, ok := cached.(*pricebook.Rule); ok {
			return rule, nil
		}
	}

	rule, err := s.PriceBookRepo.GetRule(ctx, bookID, metric)
	if err != nil {
		return nil, err
	}

	s.Cache.Set(ctx, key, rule, cache.DefaultExpiration)
	return rule, nil
}

func (s *ratingService) FindChargesForPeriod(ctx context.Context, customerID string, startDate, endDate time.Time) ([]*charge.RatedCharge, error) {
	if customerID == "" {
		return nil, ierr.NewError("customer id is required").
			Mark(ierr.ErrValidation)
	}
	if !startDate.Before(endDate) {
		return nil, ierr.NewError("start date must precede end date").
			Mark(ierr.ErrValidation)
	}
	return s.ChargeRepo.FindChargesForPeriod(ctx, customerID, startDate, endDate)
}

func (s *ratingService) GetCharge(ctx context.Context, id string) (*charge.RatedCharge, error) {
	return s.ChargeRepo.Get(ctx, id)
}

func (s *ratingService) GetLineage(ctx context.Context, chargeID string) ([]*charge.RatedCharge, error) {
	return s.ChargeRepo.Lineage(ctx, chargeID)
}

// costResult carries the outcome of one pricing computation
type costResult struct {
	subtotal     decimal.Decimal
	unitPrice    decimal.Decimal
	formula      string
	tiersApplied []charge.TierBreakdown
}

// calculateCost prices the quantity against the rule. Intermediate
// products carry full precision; only the subtotal is rounded to money
// scale, half-up.
func calculateCost(rule *pricebook.Rule, quantity decimal.Decimal) (*costResult, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	switch rule.Model {
	case types.PRICING_MODEL_FLAT:
		return calculateFlatCost(rule)
	case types.PRICING_MODEL_PER_UNIT, types.PRICING_MODEL_COMMITTED:
		// committed is reserved; it currently prices as per_unit
		return calculatePerUnitCost(rule, quantity)
	case types.PRICING_MODEL_TIERED:
		return calculateTieredCost(rule, quantity)
	case types.PRICING_MODEL_VOLUME:
		return calculateVolumeCost(rule, quantity)
	default:
		return nil, ierr.NewError("unknown pricing model").
			WithReportableDetails(map[string]any{"pricing_model": rule.Model}).
			Mark(ierr.ErrValidation)
	}
}

func calculateFlatCost(rule *pricebook.Rule) (*costResult, error) {
	price := rule.Tiers[0].UnitPrice
	return &costResult{
		subtotal:  types.RoundMoney(price),
		unitPrice: types.RoundUnitPrice(price),
		formula:   price.String(),
	}, nil
}

func calculatePerUnitCost(rule *pricebook.Rule, quantity decimal.Decimal) (*costResult, error) {
	price := rule.Tiers[0].UnitPrice
	return &costResult{
		subtotal:  types.RoundMoney(price.Mul(quantity)),
		unitPrice: types.RoundUnitPrice(price),
		formula:   fmt.Sprintf("%s * %s", price, quantity),
	}, nil
}

// calculateTieredCost walks the tiers as graduated slabs: each tier
// prices only the units that fall inside it.
func calculateTieredCost(rule *pricebook.Rule, quantity decimal.Decimal) (*costResult, error) {
	var (
		subtotal      = decimal.Zero
		remaining     = quantity
		previousLimit = decimal.Zero
		breakdown     []charge.TierBreakdown
		parts         []string
		marginalPrice = rule.Tiers[0].UnitPrice
	)

	for _, tier := range rule.Tiers {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}

		unitsInTier := remaining
		if tier.UpTo != nil {
			capacity := tier.UpTo.Sub(previousLimit)
			if unitsInTier.GreaterThan(capacity) {
				unitsInTier = capacity
			}
			previousLimit = *tier.UpTo
		}

		flatFee := decimal.Zero
		if tier.FlatFee != nil {
			flatFee = *tier.FlatFee
		}

		amount := unitsInTier.Mul(tier.UnitPrice).Add(flatFee)
		subtotal = subtotal.Add(amount)
		marginalPrice = tier.UnitPrice

		breakdown = append(breakdown, charge.TierBreakdown{
			Tier:      tier.Tier,
			Units:     types.RoundQuantity(unitsInTier),
			UnitPrice: types.RoundUnitPrice(tier.UnitPrice),
			FlatFee:   types.RoundMoney(flatFee),
			Amount:    types.RoundMoney(amount),
		})
		parts = append(parts, fmt.Sprintf("(%s * %s)", unitsInTier, tier.UnitPrice))

		remaining = remaining.Sub(unitsInTier)
	}

	return &costResult{
		subtotal:     types.RoundMoney(subtotal),
		unitPrice:    types.RoundUnitPrice(marginalPrice),
		formula:      strings.Join(parts, " + "),
		tiersApplied: breakdown,
	}, nil
}

// calculateVolumeCost prices the whole quantity at the single tier that
// covers it.
func calculateVolumeCost(rule *pricebook.Rule, quantity decimal.Decimal) (*costResult, error) {
	selected := rule.Tiers[len(rule.Tiers)-1]
	for _, tier := range rule.Tiers {
		if tier.UpTo != nil && tier.UpTo.GreaterThanOrEqual(quantity) {
			selected = tier
			break
		}
		if tier.UpTo == nil {
			selected = tier
			break
		}
	}

	flatFee := decimal.Zero
	if selected.FlatFee != nil {
		flatFee = *selected.FlatFee
	}

	subtotal := quantity.Mul(selected.UnitPrice).Add(flatFee)
	return &costResult{
		subtotal:     types.RoundMoney(subtotal),
		unitPrice:    types.RoundUnitPrice(selected.UnitPrice),
		formula:      fmt.Sprintf("%s * %s [tier %d]", quantity, selected.UnitPrice, selected.Tier),
		tiersApplied: []charge.TierBreakdown{{
			Tier:      selected.Tier,
			Units:     types.RoundQuantity(quantity),
			UnitPrice: types.RoundUnitPrice(selected.UnitPrice),
			FlatFee:   types.RoundMoney(flatFee),
			Amount:    types.RoundMoney(subtotal),
		}},
	}, nil
}
