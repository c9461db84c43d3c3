package service

import (
	"github.com/meterline/meterline/internal/cache"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/domain/aggregate"
	"github.com/meterline/meterline/internal/domain/charge"
	"github.com/meterline/meterline/internal/domain/events"
	"github.com/meterline/meterline/internal/domain/pricebook"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	"github.com/meterline/meterline/internal/publisher"
	"github.com/meterline/meterline/internal/pubsub"
	"github.com/meterline/meterline/internal/sentry"
)

// ServiceParams holds common dependencies for services
type ServiceParams struct {
	Logger *logger.Logger
	Config *config.Configuration
	DB     *postgres.DB

	// Repositories
	EventRepo     events.Repository
	AggregateRepo aggregate.Repository
	PriceBookRepo pricebook.Repository
	ChargeRepo    charge.Repository

	// Messaging
	EventPublisher publisher.EventPublisher
	PubSub         pubsub.PubSub

	Cache  cache.Cache
	Sentry *sentry.Service
}

// NewServiceParams bundles the shared dependencies for service constructors
func NewServiceParams(
	logger *logger.Logger,
	config *config.Configuration,
	db *postgres.DB,
	eventRepo events.Repository,
	aggregateRepo aggregate.Repository,
	priceBookRepo pricebook.Repository,
	chargeRepo charge.Repository,
	eventPublisher publisher.EventPublisher,
	ps pubsub.PubSub,
	c cache.Cache,
	sentryService *sentry.Service,
) ServiceParams {
	return ServiceParams{
		Logger:         logger,
		Config:         config,
		DB:             db,
		EventRepo:      eventRepo,
		AggregateRepo:  aggregateRepo,
		PriceBookRepo:  priceBookRepo,
		ChargeRepo:     chargeRepo,
		EventPublisher: eventPublisher,
		PubSub:         ps,
		Cache:          c,
		Sentry:         sentryService,
	}
}
