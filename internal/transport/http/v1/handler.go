// Package v1 provides the HTTP handlers of the runner API.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
	"github.com/xiaot623/gogo/escrowrunner/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	service *service.Service
}

// NewHandler creates a new handler.
func NewHandler(service *service.Service) *Handler {
	return &Handler{
		service: service,
	}
}

// RegisterRoutes registers routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.POST("/v1/runs", h.EnqueueRun)
	e.GET("/v1/runs", h.ListRuns)
	e.GET("/v1/runs/:run_id", h.GetRun)
	e.POST("/v1/runs/:run_id/retry", h.RetryRun)
	e.GET("/v1/runs/:run_id/events", h.GetRunEvents)
	e.GET("/v1/status", h.Status)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// errorResponse maps a service error to a status code and body.
func errorResponse(c echo.Context, err error) error {
	var derr *domain.Error
	if errors.As(err, &derr) {
		status := http.StatusInternalServerError
		switch derr.Kind {
		case domain.KindNotFound:
			status = http.StatusNotFound
		case domain.KindInvalidState:
			status = http.StatusConflict
		case domain.KindValidation:
			status = http.StatusBadRequest
		}
		return c.JSON(status, map[string]string{"error": derr.Message, "code": string(derr.Kind)})
	}
	c.Logger().Errorf("request failed: %v", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error(), "code": "internal"})
}
