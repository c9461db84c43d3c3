package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/meterline/meterline/internal/domain/charge"
	"github.com/meterline/meterline/internal/domain/events"
	"github.com/meterline/meterline/internal/domain/pricebook"
	"github.com/meterline/meterline/internal/testutil"
	"github.com/meterline/meterline/internal/types"
)

type LateEventServiceSuite struct {
	suite.Suite
	ctx     context.Context
	env     *testEnv
	rating  RatingService
	service LateEventService
}

func TestLateEventService(t *testing.T) {
	suite.Run(t, new(LateEventServiceSuite))
}

func (s *LateEventServiceSuite) SetupTest() {
	s.ctx = testutil.SetupContext()
	s.env = newTestEnv()
	s.rating = NewRatingService(s.env.params)
	s.service = NewLateEventService(s.env.params, s.rating)

	book := pricebook.New("standard", "USD", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(s.env.bookStore.Create(s.ctx, book))
	s.Require().NoError(s.env.bookStore.CreateRule(s.ctx, pricebook.NewRule(
		book.ID, types.MetricAPICalls, types.PRICING_MODEL_PER_UNIT,
		[]pricebook.Tier{{Tier: 1, UnitPrice: dec("0.10")}},
	)))
}

func (s *LateEventServiceSuite) lateEvent(eventID string, eventTime time.Time, value float64) *events.LateEvent {
	event := events.NewEvent(eventID, "api_calls", "cust-1", eventTime,
		map[string]interface{}{"value": value}, "sdk")
	return &events.LateEvent{
		Event:      *event,
		ReceivedAt: eventTime.Add(3 * time.Hour),
		Watermark:  eventTime.Add(2 * time.Hour),
	}
}

// rateOriginal rates an already-finalized window so late events have a
// charge to supersede
func (s *LateEventServiceSuite) rateOriginal(windowStart time.Time, quantity string) *charge.RatedCharge {
	aggID := types.GenerateUUIDWithPrefix(types.UUID_PREFIX_AGGREGATED_USAGE)
	rated, err := s.rating.RateUsage(s.ctx, &RatingRequest{
		AggregationID: &aggID,
		CustomerID:    "cust-1",
		MetricType:    types.MetricAPICalls,
		Quantity:      dec(quantity),
		EffectiveDate: windowStart,
		WindowStart:   windowStart,
		SourceEvents:  []string{"event-orig"},
	})
	s.Require().NoError(err)
	return rated
}

func (s *LateEventServiceSuite) TestDeltaChargeSupersedesLatest() {
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	original := s.rateOriginal(windowStart, "100")

	late := s.lateEvent("event-late", windowStart.Add(15*time.Minute), 50)
	s.Require().NoError(s.service.ProcessLateEvent(s.ctx, late))

	delta, err := s.env.chargeStore.LatestForWindow(s.ctx, "cust-1", types.MetricAPICalls, windowStart)
	s.Require().NoError(err)
	s.NotEqual(original.ID, delta.ID)

	// The delta prices only the late quantity, never the whole window
	s.True(delta.Quantity.Equal(dec("50")))
	s.True(delta.Subtotal.Equal(dec("5.00")), "subtotal %s", delta.Subtotal)

	s.Require().NotNil(delta.SupersedesChargeID)
	s.Equal(original.ID, *delta.SupersedesChargeID)
	s.Require().NotNil(delta.ReratingJobID)
	s.Equal(types.ReratingJobID("cust-1", windowStart), *delta.ReratingJobID)
	s.Nil(delta.AggregationID)

	// Original charge is untouched
	stored, err := s.env.chargeStore.Get(s.ctx, original.ID)
	s.Require().NoError(err)
	s.True(stored.Subtotal.Equal(original.Subtotal))
	s.Nil(stored.SupersedesChargeID)
}

func (s *LateEventServiceSuite) TestNoPriorChargeStandsAlone() {
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	late := s.lateEvent("event-late", windowStart.Add(15*time.Minute), 50)
	s.Require().NoError(s.service.ProcessLateEvent(s.ctx, late))

	delta, err := s.env.chargeStore.LatestForWindow(s.ctx, "cust-1", types.MetricAPICalls, windowStart)
	s.Require().NoError(err)
	s.Nil(delta.SupersedesChargeID)
	s.NotNil(delta.ReratingJobID)
}

func (s *LateEventServiceSuite) TestLineageChainsAcrossDeltas() {
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	original := s.rateOriginal(windowStart, "100")

	s.Require().NoError(s.service.ProcessLateEvent(s.ctx,
		s.lateEvent("event-late-1", windowStart.Add(10*time.Minute), 50)))
	s.Require().NoError(s.service.ProcessLateEvent(s.ctx,
		s.lateEvent("event-late-2", windowStart.Add(20*time.Minute), 30)))

	latest, err := s.env.chargeStore.LatestForWindow(s.ctx, "cust-1", types.MetricAPICalls, windowStart)
	s.Require().NoError(err)

	lineage, err := s.rating.GetLineage(s.ctx, latest.ID)
	s.Require().NoError(err)
	s.Require().Len(lineage, 3)
	s.Equal(latest.ID, lineage[0].ID)
	s.Equal(original.ID, lineage[2].ID)

	// Both deltas share the window-derived job id
	s.Equal(*lineage[0].ReratingJobID, *lineage[1].ReratingJobID)
}

func (s *LateEventServiceSuite) TestLineageEndsAtPrunedAncestor() {
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	jobID := types.ReratingJobID("cust-1", windowStart)

	// Supersedes is a weak reference: the ancestor may have been pruned
	// by retention, and the walk ends there instead of failing.
	pruned := "chg_pruned"
	head, err := s.rating.RateUsage(s.ctx, &RatingRequest{
		CustomerID:         "cust-1",
		MetricType:         types.MetricAPICalls,
		Quantity:           dec("10"),
		EffectiveDate:      windowStart,
		WindowStart:        windowStart,
		SourceEvents:       []string{"event-late"},
		ReratingJobID:      &jobID,
		SupersedesChargeID: &pruned,
	})
	s.Require().NoError(err)

	lineage, err := s.rating.GetLineage(s.ctx, head.ID)
	s.Require().NoError(err)
	s.Require().Len(lineage, 1)
	s.Equal(head.ID, lineage[0].ID)
}

func (s *LateEventServiceSuite) TestSeparateWindowsDoNotChain() {
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	s.rateOriginal(windowStart, "100")

	// Late event for the following window; nothing to supersede there
	late := s.lateEvent("event-late", windowStart.Add(time.Hour+15*time.Minute), 50)
	s.Require().NoError(s.service.ProcessLateEvent(s.ctx, late))

	delta, err := s.env.chargeStore.LatestForWindow(s.ctx, "cust-1", types.MetricAPICalls, windowStart.Add(time.Hour))
	s.Require().NoError(err)
	s.Nil(delta.SupersedesChargeID)
}

func (s *LateEventServiceSuite) TestProcessMessageConsumesMalformedPayload() {
	s.NoError(s.service.ProcessMessage(s.ctx, []byte("not json")))
	s.Equal(0, s.env.chargeStore.Count())
}

func (s *LateEventServiceSuite) TestProcessMessageConsumesPricingGap() {
	// No rule for bandwidth_mb; the failure is logged and the message consumed
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	event := events.NewEvent("event-late", "bandwidth_mb", "cust-1",
		windowStart.Add(15*time.Minute), map[string]interface{}{"value": 10.0}, "sdk")
	late := &events.LateEvent{Event: *event}
	payload, err := json.Marshal(late)
	s.Require().NoError(err)

	s.NoError(s.service.ProcessMessage(s.ctx, payload))
	s.Equal(0, s.env.chargeStore.Count())
}
