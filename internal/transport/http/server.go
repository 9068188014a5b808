// Package http provides the HTTP server implementation for the runner.
package http

import (
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/xiaot623/gogo/escrowrunner/internal/service"
	v1 "github.com/xiaot623/gogo/escrowrunner/internal/transport/http/v1"
)

// NewServer creates and configures the runner's HTTP server.
func NewServer(svc *service.Service) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	v1.NewHandler(svc).RegisterRoutes(e)

	return e
}
