package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/meterline/meterline/internal/api/dto"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/service"
)

type PriceBookHandler struct {
	priceBookService service.PriceBookService
	log              *logger.Logger
}

func NewPriceBookHandler(priceBookService service.PriceBookService, log *logger.Logger) *PriceBookHandler {
	return &PriceBookHandler{
		priceBookService: priceBookService,
		log:              log,
	}
}

func (h *PriceBookHandler) CreatePriceBook(c *gin.Context) {
	var req dto.CreatePriceBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).
			WithHint("Invalid request payload").
			Mark(ierr.ErrValidation))
		return
	}

	book, err := h.priceBookService.CreatePriceBook(c.Request.Context(), &req)
	if err != nil {
		h.log.Errorw("failed to create price book", "error", err)
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, book)
}

func (h *PriceBookHandler) GetPriceBook(c *gin.Context) {
	book, err := h.priceBookService.GetPriceBook(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *PriceBookHandler) ListPriceBooks(c *gin.Context) {
	books, err := h.priceBookService.ListPriceBooks(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, books)
}

// GetEffectivePriceBook resolves the book effective at the "at" query
// parameter (RFC3339), defaulting to now
func (h *PriceBookHandler) GetEffectivePriceBook(c *gin.Context) {
	at := time.Now().UTC()
	if raw := c.Query("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.Error(ierr.WithError(err).
				WithHint("Invalid 'at' timestamp, expected RFC3339").
				Mark(ierr.ErrValidation))
			return
		}
		at = parsed
	}

	book, err := h.priceBookService.GetEffectivePriceBook(c.Request.Context(), at)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, book)
}

func (h *PriceBookHandler) CreateRule(c *gin.Context) {
	var req dto.CreatePriceRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).
			WithHint("Invalid request payload").
			Mark(ierr.ErrValidation))
		return
	}
	req.PriceBookID = c.Param("id")

	rule, err := h.priceBookService.CreateRule(c.Request.Context(), &req)
	if err != nil {
		h.log.Errorw("failed to create price rule", "error", err)
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, rule)
}
