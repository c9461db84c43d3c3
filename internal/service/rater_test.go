package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/meterline/meterline/internal/domain/aggregate"
	"github.com/meterline/meterline/internal/domain/events"
	"github.com/meterline/meterline/internal/domain/pricebook"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/testutil"
	"github.com/meterline/meterline/internal/types"
)

type RatingServiceSuite struct {
	suite.Suite
	ctx     context.Context
	env     *testEnv
	service RatingService
	book    *pricebook.PriceBook
}

func TestRatingService(t *testing.T) {
	suite.Run(t, new(RatingServiceSuite))
}

func (s *RatingServiceSuite) SetupTest() {
	s.ctx = testutil.SetupContext()
	s.env = newTestEnv()
	s.service = NewRatingService(s.env.params)
	s.book = s.seedCatalog()
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func decPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

// seedCatalog installs one effective price book with a rule per pricing
// model, each on its own metric
func (s *RatingServiceSuite) seedCatalog() *pricebook.PriceBook {
	book := pricebook.New("standard", "USD", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(s.env.bookStore.Create(s.ctx, book))

	rules := []*pricebook.Rule{
		pricebook.NewRule(book.ID, types.MetricConcurrentUsersMax, types.PRICING_MODEL_FLAT, []pricebook.Tier{
			{Tier: 1, UnitPrice: dec("25.00")},
		}),
		pricebook.NewRule(book.ID, types.MetricBandwidthMB, types.PRICING_MODEL_PER_UNIT, []pricebook.Tier{
			{Tier: 1, UnitPrice: dec("0.02")},
		}),
		pricebook.NewRule(book.ID, types.MetricComputeHours, types.PRICING_MODEL_COMMITTED, []pricebook.Tier{
			{Tier: 1, UnitPrice: dec("0.50")},
		}),
		pricebook.NewRule(book.ID, types.MetricAPICalls, types.PRICING_MODEL_TIERED, []pricebook.Tier{
			{Tier: 1, UpTo: decPtr("1000"), UnitPrice: dec("0.10")},
			{Tier: 2, UnitPrice: dec("0.05")},
		}),
		pricebook.NewRule(book.ID, types.MetricStorageGBHours, types.PRICING_MODEL_VOLUME, []pricebook.Tier{
			{Tier: 1, UpTo: decPtr("1000"), UnitPrice: dec("0.10")},
			{Tier: 2, UpTo: decPtr("10000"), UnitPrice: dec("0.08")},
			{Tier: 3, UnitPrice: dec("0.05")},
		}),
	}
	for _, rule := range rules {
		s.Require().NoError(s.env.bookStore.CreateRule(s.ctx, rule))
	}
	return book
}

func (s *RatingServiceSuite) request(metric types.MetricType, quantity string) *RatingRequest {
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	return &RatingRequest{
		CustomerID:    "cust-1",
		MetricType:    metric,
		Quantity:      dec(quantity),
		EffectiveDate: windowStart,
		WindowStart:   windowStart,
		SourceEvents:  []string{"event-1"},
	}
}

func (s *RatingServiceSuite) TestFlatPricing() {
	rated, err := s.service.RateUsage(s.ctx, s.request(types.MetricConcurrentUsersMax, "937"))
	s.Require().NoError(err)
	s.True(rated.Subtotal.Equal(dec("25.00")), "subtotal %s", rated.Subtotal)
	s.Equal("USD", rated.Currency)
	s.Empty(rated.CalculationMetadata.TiersApplied)
}

func (s *RatingServiceSuite) TestPerUnitPricing() {
	rated, err := s.service.RateUsage(s.ctx, s.request(types.MetricBandwidthMB, "100"))
	s.Require().NoError(err)
	s.True(rated.Subtotal.Equal(dec("2.00")), "subtotal %s", rated.Subtotal)
	s.True(rated.UnitPrice.Equal(dec("0.02")))
}

func (s *RatingServiceSuite) TestCommittedPricesAsPerUnit() {
	rated, err := s.service.RateUsage(s.ctx, s.request(types.MetricComputeHours, "10"))
	s.Require().NoError(err)
	s.True(rated.Subtotal.Equal(dec("5.00")), "subtotal %s", rated.Subtotal)
}

func (s *RatingServiceSuite) TestTieredGraduatedPricing() {
	// 1200 units: first 1000 at 0.10, the remaining 200 at 0.05
	rated, err := s.service.RateUsage(s.ctx, s.request(types.MetricAPICalls, "1200"))
	s.Require().NoError(err)
	s.True(rated.Subtotal.Equal(dec("110.00")), "subtotal %s", rated.Subtotal)

	breakdown := rated.CalculationMetadata.TiersApplied
	s.Require().Len(breakdown, 2)
	s.Equal(1, breakdown[0].Tier)
	s.True(breakdown[0].Units.Equal(dec("1000")))
	s.True(breakdown[0].Amount.Equal(dec("100.00")))
	s.Equal(2, breakdown[1].Tier)
	s.True(breakdown[1].Units.Equal(dec("200")))
	s.True(breakdown[1].Amount.Equal(dec("10.00")))
	s.NotEmpty(rated.CalculationMetadata.Formula)
}

func (s *RatingServiceSuite) TestTieredQuantityInsideFirstTier() {
	rated, err := s.service.RateUsage(s.ctx, s.request(types.MetricAPICalls, "400"))
	s.Require().NoError(err)
	s.True(rated.Subtotal.Equal(dec("40.00")), "subtotal %s", rated.Subtotal)
	s.Require().Len(rated.CalculationMetadata.TiersApplied, 1)
}

func (s *RatingServiceSuite) TestVolumePricing() {
	// 5000 units all priced at the covering tier's 0.08 rate
	rated, err := s.service.RateUsage(s.ctx, s.request(types.MetricStorageGBHours, "5000"))
	s.Require().NoError(err)
	s.True(rated.Subtotal.Equal(dec("400.00")), "subtotal %s", rated.Subtotal)

	breakdown := rated.CalculationMetadata.TiersApplied
	s.Require().Len(breakdown, 1)
	s.Equal(2, breakdown[0].Tier)
	s.True(breakdown[0].Units.Equal(dec("5000")))
}

func (s *RatingServiceSuite) TestVolumeUnboundedTopTier() {
	rated, err := s.service.RateUsage(s.ctx, s.request(types.MetricStorageGBHours, "50000"))
	s.Require().NoError(err)
	s.True(rated.Subtotal.Equal(dec("2500.00")), "subtotal %s", rated.Subtotal)
	s.Equal(3, rated.CalculationMetadata.TiersApplied[0].Tier)
}

func (s *RatingServiceSuite) TestRatingIsDeterministic() {
	first, err := s.service.RateUsage(s.ctx, s.request(types.MetricAPICalls, "1200"))
	s.Require().NoError(err)
	second, err := s.service.RateUsage(s.ctx, s.request(types.MetricAPICalls, "1200"))
	s.Require().NoError(err)

	s.NotEqual(first.ID, second.ID)
	s.True(first.Subtotal.Equal(second.Subtotal))
	s.True(first.UnitPrice.Equal(second.UnitPrice))
	s.Equal(first.CalculationMetadata.Formula, second.CalculationMetadata.Formula)
	s.Equal(len(first.CalculationMetadata.TiersApplied), len(second.CalculationMetadata.TiersApplied))
}

func (s *RatingServiceSuite) TestChargeSnapshotsBookAndRule() {
	rated, err := s.service.RateUsage(s.ctx, s.request(types.MetricBandwidthMB, "100"))
	s.Require().NoError(err)
	s.Equal(s.book.ID, rated.PriceBookID)
	s.Equal(s.book.Version, rated.PriceVersion)
	s.NotEmpty(rated.RuleID)
	s.True(rated.CalculationMetadata.EffectiveDate.Equal(rated.WindowStart))
	s.Equal([]string{"event-1"}, rated.CalculationMetadata.SourceEvents)
}

func (s *RatingServiceSuite) TestNegativeQuantityRejected() {
	_, err := s.service.RateUsage(s.ctx, s.request(types.MetricBandwidthMB, "-1"))
	s.True(ierr.IsValidation(err))
}

func (s *RatingServiceSuite) TestNoEffectivePriceBook() {
	req := s.request(types.MetricBandwidthMB, "100")
	req.EffectiveDate = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.service.RateUsage(s.ctx, req)
	s.True(ierr.IsNotFound(err))
}

func (s *RatingServiceSuite) TestNoRuleForMetric() {
	_, err := s.service.RateUsage(s.ctx, s.request(types.MetricStorageGBPeak, "100"))
	s.True(ierr.IsNotFound(err))
}

func (s *RatingServiceSuite) finalizedAggregate(metric types.MetricType, value string) []byte {
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	agg := aggregate.New(aggregate.Key{
		CustomerID:  "cust-1",
		MetricType:  metric,
		WindowStart: windowStart,
		WindowEnd:   windowStart.Add(time.Hour),
	})
	agg.Value = dec(value)
	agg.EventIDs = aggregate.JSONBEventIDs{"event-1"}
	agg.EventCount = 1
	agg.IsFinal = true

	payload, err := json.Marshal(agg)
	s.Require().NoError(err)
	return payload
}

func (s *RatingServiceSuite) TestProcessMessageRatesAggregate() {
	payload := s.finalizedAggregate(types.MetricBandwidthMB, "100")
	s.NoError(s.service.ProcessMessage(s.ctx, payload))
	s.Equal(1, s.env.chargeStore.Count())

	published := s.env.pubsub.Published(s.env.params.Config.Kafka.Topics.RatedCharges)
	s.Len(published, 1)
}

func (s *RatingServiceSuite) TestProcessMessageRedeliveryDoesNotDoubleCharge() {
	payload := s.finalizedAggregate(types.MetricBandwidthMB, "100")
	s.NoError(s.service.ProcessMessage(s.ctx, payload))
	s.NoError(s.service.ProcessMessage(s.ctx, payload))
	s.Equal(1, s.env.chargeStore.Count())
}

func (s *RatingServiceSuite) TestRedeliveryAfterDeltaDoesNotDoubleCharge() {
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	payload := s.finalizedAggregate(types.MetricBandwidthMB, "100")
	s.NoError(s.service.ProcessMessage(s.ctx, payload))
	s.Equal(1, s.env.chargeStore.Count())

	// A late event lands in the same window and writes a delta charge,
	// which is now the newest charge there and carries no aggregation id.
	lateSvc := NewLateEventService(s.env.params, s.service)
	event := events.NewEvent("event-late", "bandwidth_mb", "cust-1",
		windowStart.Add(15*time.Minute), map[string]interface{}{"value": float64(10)}, "sdk")
	s.Require().NoError(lateSvc.ProcessLateEvent(s.ctx, &events.LateEvent{
		Event:      *event,
		ReceivedAt: windowStart.Add(3 * time.Hour),
		Watermark:  windowStart.Add(2 * time.Hour),
	}))
	s.Equal(2, s.env.chargeStore.Count())

	// The broker redelivers the finalized aggregate. It was already
	// rated, so no third charge may appear.
	s.NoError(s.service.ProcessMessage(s.ctx, payload))
	s.Equal(2, s.env.chargeStore.Count())
}

func (s *RatingServiceSuite) TestProcessMessageConsumesCatalogGap() {
	// No rule covers storage_gb_peak; the message must still be consumed
	payload := s.finalizedAggregate(types.MetricStorageGBPeak, "100")
	s.NoError(s.service.ProcessMessage(s.ctx, payload))
	s.Equal(0, s.env.chargeStore.Count())
}

func (s *RatingServiceSuite) TestProcessMessageDropsMalformedPayload() {
	s.NoError(s.service.ProcessMessage(s.ctx, []byte("not json")))
	s.Equal(0, s.env.chargeStore.Count())
}
