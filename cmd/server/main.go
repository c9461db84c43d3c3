package main

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"

	"github.com/meterline/meterline/internal/api"
	v1 "github.com/meterline/meterline/internal/api/v1"
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/clickhouse"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/kafka"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/publisher"
	"github.com/meterline/meterline/internal/pubsub"
	kafkaPubsub "github.com/meterline/meterline/internal/pubsub/kafka"
	memoryPubsub "github.com/meterline/meterline/internal/pubsub/memory"
	"github.com/meterline/meterline/internal/repository"
	"github.com/meterline/meterline/internal/sentry"
	"github.com/meterline/meterline/internal/service"
	"github.com/meterline/meterline/internal/types"
	"github.com/meterline/meterline/internal/validator"
)

func init() {
	// The whole pipeline reasons in UTC
	time.Local = time.UTC
}

func main() {
	var opts []fx.Option

	opts = append(opts,
		fx.Provide(
			validator.NewValidator,
			config.NewConfig,
			provideLogger,
			sentry.NewSentryService,
			provideCache,

			// Storage
			postgres.NewDB,
			clickhouse.NewClickHouseStore,

			// Streams
			providePubSub,
			providePublisherInterface,
			publisher.NewEventPublisher,

			// Repositories
			repository.NewEventRepository,
			repository.NewAggregateRepository,
			repository.NewPriceBookRepository,
			repository.NewChargeRepository,
		),
	)

	opts = append(opts,
		fx.Provide(
			service.NewServiceParams,
			service.NewEventService,
			service.NewPriceBookService,
			service.NewAggregationService,
			service.NewWatermarkDriver,
			service.NewRatingService,
			service.NewLateEventService,
		),
	)

	opts = append(opts,
		fx.Provide(
			provideHandlers,
			provideRouter,
		),
		fx.Invoke(
			sentry.RegisterHooks,
			startServer,
		),
	)

	app := fx.New(opts...)
	app.Run()
}

func provideLogger(cfg *config.Configuration) (*logger.Logger, error) {
	return logger.NewLogger(cfg.Logging.Level)
}

func provideCache(cfg *config.Configuration) cache.Cache {
	return cache.NewInMemoryCache(cfg.Cache.Enabled)
}

// providePubSub picks the transport for the pipeline streams: Kafka when
// brokers are configured, in-process gochannel otherwise
func providePubSub(cfg *config.Configuration, log *logger.Logger) (pubsub.PubSub, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		log.Info("no kafka brokers configured, using in-memory streams")
		return memoryPubsub.NewPubSub(log), nil
	}

	producer, err := kafka.NewProducer(cfg)
	if err != nil {
		return nil, err
	}

	consumer, err := kafka.NewConsumer(cfg, cfg.Kafka.Groups.Aggregator)
	if err != nil {
		return nil, err
	}

	return kafkaPubsub.NewPubSub(producer, consumer, log), nil
}

func providePublisherInterface(ps pubsub.PubSub) pubsub.Publisher {
	return ps
}

func provideHandlers(
	log *logger.Logger,
	eventService service.EventService,
	priceBookService service.PriceBookService,
	ratingService service.RatingService,
) api.Handlers {
	return api.Handlers{
		Health:     v1.NewHealthHandler(),
		Events:     v1.NewEventsHandler(eventService, log),
		PriceBooks: v1.NewPriceBookHandler(priceBookService, log),
		Charges:    v1.NewChargesHandler(ratingService, log),
	}
}

func provideRouter(handlers api.Handlers, cfg *config.Configuration) *gin.Engine {
	return api.NewRouter(handlers, cfg)
}

func startServer(
	lc fx.Lifecycle,
	cfg *config.Configuration,
	r *gin.Engine,
	ps pubsub.PubSub,
	aggregationService service.AggregationService,
	ratingService service.RatingService,
	lateEventService service.LateEventService,
	watermarkDriver service.WatermarkDriver,
	log *logger.Logger,
) {
	mode := cfg.Deployment.Mode
	if mode == "" {
		mode = types.ModeLocal
	}

	switch mode {
	case types.ModeLocal:
		startAPIServer(lc, r, cfg, log)
		startConsumers(lc, cfg, ps, aggregationService, ratingService, lateEventService, log)
		startWatermarkDriver(lc, watermarkDriver, log)
	case types.ModeAPI:
		startAPIServer(lc, r, cfg, log)
	case types.ModeConsumer:
		startConsumers(lc, cfg, ps, aggregationService, ratingService, lateEventService, log)
	case types.ModeWatermark:
		startWatermarkDriver(lc, watermarkDriver, log)
	default:
		log.Fatalf("unknown deployment mode: %s", mode)
	}
}

func startAPIServer(
	lc fx.Lifecycle,
	r *gin.Engine,
	cfg *config.Configuration,
	log *logger.Logger,
) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting API server", "address", cfg.Server.Address)
			go func() {
				if err := r.Run(cfg.Server.Address); err != nil {
					log.Fatalf("failed to start server: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down API server")
			return nil
		},
	})
}

// startConsumers runs the three pipeline consumer loops: aggregation,
// rating and re-rating. Each has its own consumer group so offsets
// advance independently.
func startConsumers(
	lc fx.Lifecycle,
	cfg *config.Configuration,
	ps pubsub.PubSub,
	aggregationService service.AggregationService,
	ratingService service.RatingService,
	lateEventService service.LateEventService,
	log *logger.Logger,
) {
	loopCtx, cancel := context.WithCancel(context.Background())

	loops := []struct {
		group   string
		topic   string
		handler func(ctx context.Context, payload []byte) error
	}{
		{cfg.Kafka.Groups.Aggregator, cfg.Kafka.Topics.Events, aggregationService.ProcessMessage},
		{cfg.Kafka.Groups.Rating, cfg.Kafka.Topics.AggregatedUsage, ratingService.ProcessMessage},
		{cfg.Kafka.Groups.Rerating, cfg.Kafka.Topics.EventsLate, lateEventService.ProcessMessage},
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, loop := range loops {
				sub, err := newSubscriber(cfg, ps, loop.group)
				if err != nil {
					cancel()
					return err
				}
				go consumeMessages(loopCtx, sub, loop.topic, loop.handler, log)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("shutting down consumers")
			cancel()
			return nil
		},
	})
}

// newSubscriber binds a consumer to a group. Without brokers the shared
// in-memory pubsub serves all groups.
func newSubscriber(cfg *config.Configuration, ps pubsub.PubSub, group string) (pubsub.Subscriber, error) {
	if len(cfg.Kafka.Brokers) == 0 {
		return ps, nil
	}
	if group == cfg.Kafka.Groups.Aggregator {
		// The shared pubsub's consumer is already bound to this group
		return ps, nil
	}
	return kafka.NewConsumer(cfg, group)
}

func consumeMessages(
	ctx context.Context,
	sub pubsub.Subscriber,
	topic string,
	handler func(ctx context.Context, payload []byte) error,
	log *logger.Logger,
) {
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		log.Fatalf("failed to subscribe to topic %s: %v", topic, err)
	}
	log.Infow("consumer started", "topic", topic)

	for msg := range messages {
		if err := handler(ctx, msg.Payload); err != nil {
			log.Errorw("failed to process message, redelivering",
				"topic", topic,
				"message_id", msg.UUID,
				"error", err,
			)
			msg.Nack()
			continue
		}
		msg.Ack()
	}
}

func startWatermarkDriver(
	lc fx.Lifecycle,
	driver service.WatermarkDriver,
	log *logger.Logger,
) {
	driverCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := driver.Run(driverCtx); err != nil && err != context.Canceled {
					log.Errorw("watermark driver exited", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("stopping watermark driver")
			cancel()
			return nil
		},
	})
}
