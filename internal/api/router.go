package api

import (
	"github.com/gin-gonic/gin"

	v1 "github.com/meterline/meterline/internal/api/v1"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/rest/middleware"
)

type Handlers struct {
	Health     *v1.HealthHandler
	Events     *v1.EventsHandler
	PriceBooks *v1.PriceBookHandler
	Charges    *v1.ChargesHandler
}

func NewRouter(handlers Handlers, cfg *config.Configuration) *gin.Engine {
	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware,
		middleware.CORSMiddleware,
		middleware.SentryMiddleware(cfg),
		middleware.ErrorHandler(),
	)

	router.GET("/health", handlers.Health.Health)

	v1Group := router.Group("/v1")
	registerV1Routes(v1Group, handlers)

	return router
}

func registerV1Routes(router *gin.RouterGroup, handlers Handlers) {
	events := router.Group("/events")
	{
		events.POST("", handlers.Events.IngestEvent)
		events.POST("/bulk", handlers.Events.BulkIngestEvents)
		events.GET("/:id", handlers.Events.GetEvent)
	}

	books := router.Group("/pricebooks")
	{
		books.POST("", handlers.PriceBooks.CreatePriceBook)
		books.GET("", handlers.PriceBooks.ListPriceBooks)
		books.GET("/effective", handlers.PriceBooks.GetEffectivePriceBook)
		books.GET("/:id", handlers.PriceBooks.GetPriceBook)
		books.POST("/:id/rules", handlers.PriceBooks.CreateRule)
	}

	charges := router.Group("/charges")
	{
		charges.GET("/:id", handlers.Charges.GetCharge)
		charges.GET("/:id/lineage", handlers.Charges.GetLineage)
	}

	customers := router.Group("/customers")
	{
		customers.GET("/:id/charges", handlers.Charges.FindChargesForPeriod)
	}
}
