package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/docflow/internal/intake"
	"github.com/feichai0017/docflow/pkg/logger"
)

// EventsHandler receives storage notification webhooks.
type EventsHandler struct {
	service *intake.Service
	logger  logger.Logger
}

func NewEventsHandler(service *intake.Service, log logger.Logger) *EventsHandler {
	return &EventsHandler{service: service, logger: log}
}

type eventResult struct {
	Subject  string `json:"subject"`
	JobID    string `json:"jobId,omitempty"`
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// HandleEvents accepts a batch of object-storage events. The body is
// either a JSON array of events or a single event object. Filtered
// events are reported as accepted=false, not as errors: emitters
// retry on error responses and a filtered event must not be retried.
func (h *EventsHandler) HandleEvents(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "unreadable body", Message: err.Error()})
		return
	}
	var events []intake.ObjectEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		var single intake.ObjectEvent
		if err := json.Unmarshal(raw, &single); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid body",
				Message: "expected an event or an array of events",
			})
			return
		}
		events = []intake.ObjectEvent{single}
	}

	results := make([]eventResult, 0, len(events))
	for _, ev := range events {
		jobID, accepted, err := h.service.HandleEvent(c.Request.Context(), ev)
		res := eventResult{Subject: ev.Subject, JobID: jobID, Accepted: accepted}
		if err != nil {
			res.Error = err.Error()
			h.logger.Error("Failed to handle event",
				logger.String("subject", ev.Subject),
				logger.Error(err),
			)
		}
		results = append(results, res)
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}
