package v1

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/meterline/meterline/internal/api/dto"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/service"
)

type EventsHandler struct {
	eventService service.EventService
	log          *logger.Logger
}

func NewEventsHandler(eventService service.EventService, log *logger.Logger) *EventsHandler {
	return &EventsHandler{
		eventService: eventService,
		log:          log,
	}
}

// IngestEvent accepts one telemetry event. A duplicate event id is
// rejected as a conflict; the first copy is authoritative.
func (h *EventsHandler) IngestEvent(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.IngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).
			WithHint("Invalid request payload").
			Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.eventService.CreateEvent(ctx, &req)
	if err != nil {
		h.log.Errorw("failed to ingest event", "error", err)
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// BulkIngestEvents accepts a batch of telemetry events
func (h *EventsHandler) BulkIngestEvents(c *gin.Context) {
	ctx := c.Request.Context()

	var req dto.BulkIngestEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).
			WithHint("Invalid request payload").
			Mark(ierr.ErrValidation))
		return
	}

	resp, err := h.eventService.BulkCreateEvents(ctx, &req)
	if err != nil {
		h.log.Errorw("failed to bulk ingest events", "error", err)
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, resp)
}

// GetEvent returns one stored event by id
func (h *EventsHandler) GetEvent(c *gin.Context) {
	event, err := h.eventService.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, event)
}
