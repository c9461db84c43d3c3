package v1

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/service"
)

type ChargesHandler struct {
	ratingService service.RatingService
	log           *logger.Logger
}

func NewChargesHandler(ratingService service.RatingService, log *logger.Logger) *ChargesHandler {
	return &ChargesHandler{
		ratingService: ratingService,
		log:           log,
	}
}

// FindChargesForPeriod lists a customer's charges created in
// [start_date, end_date), created_at ascending. This is the surface the
// invoice subsystem reads.
func (h *ChargesHandler) FindChargesForPeriod(c *gin.Context) {
	customerID := c.Param("id")

	startDate, err := parseDateParam(c.Query("start_date"))
	if err != nil {
		c.Error(err)
		return
	}
	endDate, err := parseDateParam(c.Query("end_date"))
	if err != nil {
		c.Error(err)
		return
	}

	charges, err := h.ratingService.FindChargesForPeriod(c.Request.Context(), customerID, startDate, endDate)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, charges)
}

func (h *ChargesHandler) GetCharge(c *gin.Context) {
	rated, err := h.ratingService.GetCharge(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rated)
}

// GetLineage returns the correction chain for a charge, newest first
func (h *ChargesHandler) GetLineage(c *gin.Context) {
	lineage, err := h.ratingService.GetLineage(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, lineage)
}

func parseDateParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, ierr.NewError("start_date and end_date are required").
			WithHint("Provide start_date and end_date as RFC3339 timestamps").
			Mark(ierr.ErrValidation)
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, ierr.WithError(err).
			WithHint("Invalid date, expected RFC3339").
			Mark(ierr.ErrValidation)
	}
	return parsed, nil
}
