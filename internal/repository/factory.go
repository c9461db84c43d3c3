package repository

import (
	"github.com/meterline/meterline/internal/clickhouse"
	"github.com/meterline/meterline/internal/domain/aggregate"
	"github.com/meterline/meterline/internal/domain/charge"
	"github.com/meterline/meterline/internal/domain/events"
	"github.com/meterline/meterline/internal/domain/pricebook"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/postgres"
	clickhouseRepo "github.com/meterline/meterline/internal/repository/clickhouse"
	postgresRepo "github.com/meterline/meterline/internal/repository/postgres"
)

func NewEventRepository(store *clickhouse.ClickHouseStore, logger *logger.Logger) events.Repository {
	return clickhouseRepo.NewEventRepository(store, logger)
}

func NewAggregateRepository(db *postgres.DB, logger *logger.Logger) aggregate.Repository {
	return postgresRepo.NewAggregateRepository(db, logger)
}

func NewPriceBookRepository(db *postgres.DB, logger *logger.Logger) pricebook.Repository {
	return postgresRepo.NewPriceBookRepository(db, logger)
}

func NewChargeRepository(db *postgres.DB, logger *logger.Logger) charge.Repository {
	return postgresRepo.NewChargeRepository(db, logger)
}
