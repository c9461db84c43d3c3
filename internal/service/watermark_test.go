package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/meterline/meterline/internal/domain/aggregate"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/testutil"
	"github.com/meterline/meterline/internal/types"
)

type WatermarkDriverSuite struct {
	suite.Suite
	ctx    context.Context
	env    *testEnv
	driver *watermarkDriver
	now    time.Time
}

func TestWatermarkDriver(t *testing.T) {
	suite.Run(t, new(WatermarkDriverSuite))
}

func (s *WatermarkDriverSuite) SetupTest() {
	s.ctx = testutil.SetupContext()
	s.env = newTestEnv()
	s.now = time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	s.driver = &watermarkDriver{
		ServiceParams: s.env.params,
		now:           func() time.Time { return s.now },
	}
}

// seedAggregate opens a window row and folds the given quantities into it
func (s *WatermarkDriverSuite) seedAggregate(customerID string, metric types.MetricType, windowStart time.Time, quantities ...int64) *aggregate.AggregatedUsage {
	key := aggregate.Key{
		CustomerID:  customerID,
		MetricType:  metric,
		WindowStart: windowStart,
		WindowEnd:   windowStart.Add(time.Hour),
	}
	row, _, err := s.env.aggStore.GetOrCreate(s.ctx, key, func() *aggregate.AggregatedUsage {
		return aggregate.New(key)
	})
	s.Require().NoError(err)

	for _, q := range quantities {
		s.Require().NoError(row.Apply(types.GenerateUUIDWithPrefix(types.UUID_PREFIX_EVENT), decimal.NewFromInt(q)))
	}
	s.Require().NoError(s.env.aggStore.Update(s.ctx, row))
	return row
}

func (s *WatermarkDriverSuite) TestTickFinalizesExpiredWindows() {
	// Window ended at 11:00; watermark is 13:30, well past it
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	row := s.seedAggregate("cust-1", types.MetricAPICalls, windowStart, 1, 5, 2)

	s.NoError(s.driver.Tick(s.ctx))

	stored, err := s.env.aggStore.Get(s.ctx, row.ID)
	s.NoError(err)
	s.True(stored.IsFinal)
	s.True(stored.Value.Equal(decimal.NewFromInt(8)))

	published := s.env.pubsub.Published(s.env.params.Config.Kafka.Topics.AggregatedUsage)
	s.Require().Len(published, 1)

	var payload aggregate.AggregatedUsage
	s.NoError(json.Unmarshal(published[0].Payload, &payload))
	s.Equal(row.ID, payload.ID)
	s.Equal("cust-1", payload.CustomerID)
	s.True(payload.IsFinal)
	s.True(payload.Value.Equal(decimal.NewFromInt(8)))
	s.Equal(3, payload.EventCount)
	s.Len(payload.EventIDs, 3)
}

func (s *WatermarkDriverSuite) TestTickLeavesOpenWindowsAlone() {
	// Window still inside allowed lateness: ends 14:00, watermark 13:30
	windowStart := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	row := s.seedAggregate("cust-1", types.MetricAPICalls, windowStart, 4)

	s.NoError(s.driver.Tick(s.ctx))

	stored, err := s.env.aggStore.Get(s.ctx, row.ID)
	s.NoError(err)
	s.False(stored.IsFinal)
	s.Empty(s.env.pubsub.Published(s.env.params.Config.Kafka.Topics.AggregatedUsage))
}

func (s *WatermarkDriverSuite) TestTickIsIdempotent() {
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	s.seedAggregate("cust-1", types.MetricAPICalls, windowStart, 3)

	s.NoError(s.driver.Tick(s.ctx))
	s.NoError(s.driver.Tick(s.ctx))

	published := s.env.pubsub.Published(s.env.params.Config.Kafka.Topics.AggregatedUsage)
	s.Len(published, 1, "a finalized window must not be re-emitted")
}

func (s *WatermarkDriverSuite) TestFinalizedRowIsImmutable() {
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	row := s.seedAggregate("cust-1", types.MetricAPICalls, windowStart, 3)

	s.NoError(s.driver.Tick(s.ctx))

	stored, err := s.env.aggStore.Get(s.ctx, row.ID)
	s.Require().NoError(err)
	s.Require().True(stored.IsFinal)

	// Folding into a final row is rejected by the domain model
	err = stored.Apply("event-x", decimal.NewFromInt(1))
	s.True(ierr.Is(err, ierr.ErrInvalidOperation))

	// And a stale conditional write is rejected by the store
	stale := *stored
	stale.Version = stored.Version - 1
	err = s.env.aggStore.Update(s.ctx, &stale)
	s.True(ierr.IsVersionConflict(err))
}

func (s *WatermarkDriverSuite) TestTickFinalizesMultipleWindows() {
	windowStart := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	s.seedAggregate("cust-1", types.MetricAPICalls, windowStart, 1)
	s.seedAggregate("cust-2", types.MetricAPICalls, windowStart, 2)
	s.seedAggregate("cust-1", types.MetricBandwidthMB, windowStart, 3)

	s.NoError(s.driver.Tick(s.ctx))

	published := s.env.pubsub.Published(s.env.params.Config.Kafka.Topics.AggregatedUsage)
	s.Len(published, 3)
}
