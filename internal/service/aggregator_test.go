package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/meterline/meterline/internal/domain/aggregate"
	"github.com/meterline/meterline/internal/domain/events"
	"github.com/meterline/meterline/internal/testutil"
	"github.com/meterline/meterline/internal/types"
)

type AggregationServiceSuite struct {
	suite.Suite
	ctx     context.Context
	env     *testEnv
	service *aggregationService
	now     time.Time
}

func TestAggregationService(t *testing.T) {
	suite.Run(t, new(AggregationServiceSuite))
}

func (s *AggregationServiceSuite) SetupTest() {
	s.ctx = testutil.SetupContext()
	s.env = newTestEnv()
	s.now = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	s.service = &aggregationService{
		ServiceParams: s.env.params,
		now:           func() time.Time { return s.now },
	}
}

func (s *AggregationServiceSuite) newEvent(name, customerID string, eventTime time.Time, value interface{}) *events.Event {
	props := map[string]interface{}{}
	if value != nil {
		props["value"] = value
	}
	return events.NewEvent("", name, customerID, eventTime, props, "test")
}

func (s *AggregationServiceSuite) TestSumAggregation() {
	eventTime := s.now.Add(-10 * time.Minute)

	for _, value := range []float64{1, 5, 2} {
		event := s.newEvent("api_calls", "cust-1", eventTime, value)
		s.NoError(s.service.ProcessEvent(s.ctx, event))
	}

	windowStart, _ := types.WindowFor(eventTime, time.Hour)
	row, err := s.findOpenRow("cust-1", types.MetricAPICalls, windowStart)
	s.NoError(err)
	s.True(row.Value.Equal(decimal.NewFromInt(8)))
	s.Equal(3, row.EventCount)
	s.Len(row.EventIDs, 3)
	s.Equal("count", row.Unit)
	s.False(row.IsFinal)
}

func (s *AggregationServiceSuite) TestMaxAggregation() {
	eventTime := s.now.Add(-10 * time.Minute)

	for _, value := range []float64{30, 50, 40} {
		event := s.newEvent("concurrent_users_max", "cust-1", eventTime, value)
		s.NoError(s.service.ProcessEvent(s.ctx, event))
	}

	windowStart, _ := types.WindowFor(eventTime, time.Hour)
	row, err := s.findOpenRow("cust-1", types.MetricConcurrentUsersMax, windowStart)
	s.NoError(err)
	s.True(row.Value.Equal(decimal.NewFromInt(50)), "max should keep the greatest value, got %s", row.Value)
	s.Equal(3, row.EventCount)
}

func (s *AggregationServiceSuite) TestIdempotentRedelivery() {
	eventTime := s.now.Add(-10 * time.Minute)
	event := s.newEvent("api_calls", "cust-1", eventTime, float64(5))

	s.NoError(s.service.ProcessEvent(s.ctx, event))
	s.NoError(s.service.ProcessEvent(s.ctx, event))

	windowStart, _ := types.WindowFor(eventTime, time.Hour)
	row, err := s.findOpenRow("cust-1", types.MetricAPICalls, windowStart)
	s.NoError(err)
	s.True(row.Value.Equal(decimal.NewFromInt(5)))
	s.Equal(1, row.EventCount)
}

func (s *AggregationServiceSuite) TestMissingValueCountsOneForSum() {
	eventTime := s.now.Add(-10 * time.Minute)
	event := s.newEvent("api_calls", "cust-1", eventTime, nil)

	s.NoError(s.service.ProcessEvent(s.ctx, event))

	windowStart, _ := types.WindowFor(eventTime, time.Hour)
	row, err := s.findOpenRow("cust-1", types.MetricAPICalls, windowStart)
	s.NoError(err)
	s.True(row.Value.Equal(decimal.NewFromInt(1)))
}

func (s *AggregationServiceSuite) TestLateEventRedirected() {
	// Three hours old: well past the one-hour allowed lateness
	eventTime := s.now.Add(-3 * time.Hour)
	event := s.newEvent("api_calls", "cust-1", eventTime, float64(7))

	s.NoError(s.service.ProcessEvent(s.ctx, event))

	published := s.env.pubsub.Published(s.env.params.Config.Kafka.Topics.EventsLate)
	s.Require().Len(published, 1)

	var late events.LateEvent
	s.NoError(json.Unmarshal(published[0].Payload, &late))
	s.Equal(event.ID, late.ID)
	s.Equal("cust-1", late.CustomerID)
	s.True(late.Watermark.Equal(types.Watermark(s.now, time.Hour)))
	s.True(late.ReceivedAt.Equal(s.now))

	// No aggregate row was opened for the late window
	windowStart, _ := types.WindowFor(eventTime, time.Hour)
	_, err := s.findOpenRow("cust-1", types.MetricAPICalls, windowStart)
	s.Error(err)
}

func (s *AggregationServiceSuite) TestLatenessBoundaryUsesWindowStart() {
	// 75 minutes old: the event itself is within the one-hour lateness
	// horizon extended by the window, but its window opened at 13:00,
	// before the 13:30 watermark. The whole window is closed to it.
	eventTime := s.now.Add(-75 * time.Minute)
	event := s.newEvent("api_calls", "cust-1", eventTime, float64(4))

	s.NoError(s.service.ProcessEvent(s.ctx, event))

	published := s.env.pubsub.Published(s.env.params.Config.Kafka.Topics.EventsLate)
	s.Require().Len(published, 1)

	var late events.LateEvent
	s.NoError(json.Unmarshal(published[0].Payload, &late))
	s.Equal(event.ID, late.ID)

	windowStart, _ := types.WindowFor(eventTime, time.Hour)
	s.True(windowStart.Before(types.Watermark(s.now, time.Hour)))
	_, err := s.findOpenRow("cust-1", types.MetricAPICalls, windowStart)
	s.Error(err)
}

func (s *AggregationServiceSuite) TestWindowStartOnWatermarkStillAdmits() {
	// With the clock at 15:00 the watermark sits exactly on the 14:00
	// window boundary. That window is not yet closed.
	s.now = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	eventTime := time.Date(2026, 3, 10, 14, 5, 0, 0, time.UTC)
	event := s.newEvent("api_calls", "cust-1", eventTime, float64(2))

	s.NoError(s.service.ProcessEvent(s.ctx, event))

	windowStart, _ := types.WindowFor(eventTime, time.Hour)
	s.True(windowStart.Equal(types.Watermark(s.now, time.Hour)))

	row, err := s.findOpenRow("cust-1", types.MetricAPICalls, windowStart)
	s.NoError(err)
	s.True(row.Value.Equal(decimal.NewFromInt(2)))
	s.Empty(s.env.pubsub.Published(s.env.params.Config.Kafka.Topics.EventsLate))
}

func (s *AggregationServiceSuite) TestNegativeValueConsumedNotRedelivered() {
	eventTime := s.now.Add(-10 * time.Minute)
	event := s.newEvent("api_calls", "cust-1", eventTime, float64(-5))
	payload, err := json.Marshal(event)
	s.Require().NoError(err)

	// A negative quantity can never produce a valid aggregate; the
	// message must be consumed, not handed back for endless redelivery.
	s.NoError(s.service.ProcessMessage(s.ctx, payload))

	// The seeded window row stays empty: nothing was folded
	windowStart, _ := types.WindowFor(eventTime, time.Hour)
	row, err := s.findOpenRow("cust-1", types.MetricAPICalls, windowStart)
	s.Require().NoError(err)
	s.True(row.Value.Equal(decimal.Zero))
	s.Zero(row.EventCount)
}

func (s *AggregationServiceSuite) TestMalformedMessageDropped() {
	s.NoError(s.service.ProcessMessage(s.ctx, []byte("not json")))
	s.NoError(s.service.ProcessMessage(s.ctx, []byte(`{"event_name":"api_calls"}`)))

	s.Empty(s.env.pubsub.Published(s.env.params.Config.Kafka.Topics.EventsLate))
}

func (s *AggregationServiceSuite) TestProcessMessage() {
	eventTime := s.now.Add(-10 * time.Minute)
	event := s.newEvent("api_calls", "cust-1", eventTime, float64(3))
	payload, err := json.Marshal(event)
	s.Require().NoError(err)

	s.NoError(s.service.ProcessMessage(s.ctx, payload))

	windowStart, _ := types.WindowFor(eventTime, time.Hour)
	row, err := s.findOpenRow("cust-1", types.MetricAPICalls, windowStart)
	s.NoError(err)
	s.True(row.Value.Equal(decimal.NewFromInt(3)))
}

func (s *AggregationServiceSuite) TestSeparateWindowsPerCustomerAndMetric() {
	eventTime := s.now.Add(-10 * time.Minute)

	s.NoError(s.service.ProcessEvent(s.ctx, s.newEvent("api_calls", "cust-1", eventTime, float64(1))))
	s.NoError(s.service.ProcessEvent(s.ctx, s.newEvent("api_calls", "cust-2", eventTime, float64(2))))
	s.NoError(s.service.ProcessEvent(s.ctx, s.newEvent("bandwidth_mb", "cust-1", eventTime, float64(3))))

	windowStart, _ := types.WindowFor(eventTime, time.Hour)

	row1, err := s.findOpenRow("cust-1", types.MetricAPICalls, windowStart)
	s.NoError(err)
	s.True(row1.Value.Equal(decimal.NewFromInt(1)))

	row2, err := s.findOpenRow("cust-2", types.MetricAPICalls, windowStart)
	s.NoError(err)
	s.True(row2.Value.Equal(decimal.NewFromInt(2)))

	row3, err := s.findOpenRow("cust-1", types.MetricBandwidthMB, windowStart)
	s.NoError(err)
	s.True(row3.Value.Equal(decimal.NewFromInt(3)))
	s.Equal("megabytes", row3.Unit)
}

func (s *AggregationServiceSuite) findOpenRow(customerID string, metric types.MetricType, windowStart time.Time) (*aggregate.AggregatedUsage, error) {
	key := aggregate.Key{
		CustomerID:  customerID,
		MetricType:  metric,
		WindowStart: windowStart,
		WindowEnd:   windowStart.Add(time.Hour),
	}
	row, created, err := s.env.aggStore.GetOrCreate(s.ctx, key, func() *aggregate.AggregatedUsage {
		return aggregate.New(key)
	})
	if err != nil {
		return nil, err
	}
	if created {
		return nil, errNoRow
	}
	return row, nil
}

var errNoRow = errors.New("no existing aggregate row")
