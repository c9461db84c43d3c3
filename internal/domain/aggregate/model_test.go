package aggregate

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
)

func testKey(metric types.MetricType) Key {
	start := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	return Key{
		CustomerID:  "cust-1",
		MetricType:  metric,
		WindowStart: start,
		WindowEnd:   start.Add(time.Hour),
	}
}

func TestApplySum(t *testing.T) {
	agg := New(testKey(types.MetricAPICalls))

	assert.NoError(t, agg.Apply("event-1", decimal.NewFromInt(3)))
	assert.NoError(t, agg.Apply("event-2", decimal.NewFromInt(4)))

	assert.True(t, agg.Value.Equal(decimal.NewFromInt(7)))
	assert.Equal(t, 2, agg.EventCount)
	assert.NoError(t, agg.Validate())
}

func TestApplyMax(t *testing.T) {
	agg := New(testKey(types.MetricConcurrentUsersMax))

	assert.NoError(t, agg.Apply("event-1", decimal.NewFromInt(30)))
	assert.NoError(t, agg.Apply("event-2", decimal.NewFromInt(50)))
	assert.NoError(t, agg.Apply("event-3", decimal.NewFromInt(40)))

	assert.True(t, agg.Value.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 3, agg.EventCount)
}

func TestApplyDuplicateEventRejected(t *testing.T) {
	agg := New(testKey(types.MetricAPICalls))

	assert.NoError(t, agg.Apply("event-1", decimal.NewFromInt(3)))
	err := agg.Apply("event-1", decimal.NewFromInt(3))
	assert.True(t, ierr.IsAlreadyExists(err))

	assert.True(t, agg.Value.Equal(decimal.NewFromInt(3)))
	assert.Equal(t, 1, agg.EventCount)
}

func TestApplyFinalizedRejected(t *testing.T) {
	agg := New(testKey(types.MetricAPICalls))
	agg.IsFinal = true

	err := agg.Apply("event-1", decimal.NewFromInt(3))
	assert.True(t, ierr.Is(err, ierr.ErrInvalidOperation))
}

func TestValidateCatchesDrift(t *testing.T) {
	agg := New(testKey(types.MetricAPICalls))
	assert.NoError(t, agg.Apply("event-1", decimal.NewFromInt(3)))

	agg.EventCount = 5
	assert.Error(t, agg.Validate())
}
