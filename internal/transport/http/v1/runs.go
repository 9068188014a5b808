package v1

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
)

// EnqueueRun queues a new run.
// POST /v1/runs
func (h *Handler) EnqueueRun(c echo.Context) error {
	var req domain.EnqueueRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body", "code": string(domain.KindValidation)})
	}

	run, err := h.service.Enqueue(c.Request().Context(), req)
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// ListRuns returns all runs in queue order.
// GET /v1/runs
func (h *Handler) ListRuns(c echo.Context) error {
	runs, err := h.service.ListRuns(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	if runs == nil {
		runs = []*domain.Run{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"runs": runs,
	})
}

// GetRun returns a single run.
// GET /v1/runs/:run_id
func (h *Handler) GetRun(c echo.Context) error {
	run, err := h.service.GetRun(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

// RetryRun puts a failed run back in the queue.
// POST /v1/runs/:run_id/retry
func (h *Handler) RetryRun(c echo.Context) error {
	run, err := h.service.Retry(c.Request().Context(), c.Param("run_id"))
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// GetRunEvents retrieves the audit events of a run.
// GET /v1/runs/:run_id/events
func (h *Handler) GetRunEvents(c echo.Context) error {
	limit := 100
	if l := c.QueryParam("limit"); l != "" {
		if val, err := strconv.Atoi(l); err == nil {
			limit = val
		}
	}

	events, err := h.service.GetRunEvents(c.Request().Context(), c.Param("run_id"), limit)
	if err != nil {
		return errorResponse(c, err)
	}
	if events == nil {
		events = []domain.Event{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
	})
}

// Status returns the scheduler snapshot.
// GET /v1/status
func (h *Handler) Status(c echo.Context) error {
	status, err := h.service.Status(c.Request().Context())
	if err != nil {
		return errorResponse(c, err)
	}
	return c.JSON(http.StatusOK, status)
}
