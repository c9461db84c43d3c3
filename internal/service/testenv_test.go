package service

import (
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/publisher"
	"github.com/meterline/meterline/internal/sentry"
	"github.com/meterline/meterline/internal/testutil"
	"github.com/meterline/meterline/internal/types"
)

// testEnv wires the services against in-memory stores and streams
type testEnv struct {
	params      ServiceParams
	pubsub      *testutil.InMemoryPubSub
	eventStore  *testutil.InMemoryEventStore
	aggStore    *testutil.InMemoryAggregateStore
	bookStore   *testutil.InMemoryPriceBookStore
	chargeStore *testutil.InMemoryChargeStore
}

func newTestEnv() *testEnv {
	cfg := config.GetDefaultConfig()
	log, _ := logger.NewLogger(types.LogLevelError)

	env := &testEnv{
		pubsub:      testutil.NewInMemoryPubSub(),
		eventStore:  testutil.NewInMemoryEventStore(),
		aggStore:    testutil.NewInMemoryAggregateStore(),
		bookStore:   testutil.NewInMemoryPriceBookStore(),
		chargeStore: testutil.NewInMemoryChargeStore(),
	}

	env.params = ServiceParams{
		Logger:         log,
		Config:         cfg,
		EventRepo:      env.eventStore,
		AggregateRepo:  env.aggStore,
		PriceBookRepo:  env.bookStore,
		ChargeRepo:     env.chargeStore,
		EventPublisher: publisher.NewEventPublisher(env.pubsub, cfg, log),
		PubSub:         env.pubsub,
		Cache:          cache.NewInMemoryCache(false),
		Sentry:         sentry.NewSentryService(cfg, log),
	}
	return env
}
