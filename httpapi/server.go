// Package httpapi wires every component package to the REST surface:
// CI CRUD/topology/impact/browse, weighted/temporal/conditional
// relationship endpoints, the job queue, and the progress websocket.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"cmdbgraph.io/core/errs"
)

// ServerConfig configures the echo server's cross-cutting behavior.
type ServerConfig struct {
	Port            int
	Debug           bool
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8080,
		Debug:           false,
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		AllowedOrigins:  []string{"*"},
	}
}

// NewEchoServer builds an echo.Echo with the standard middleware stack.
// Per-endpoint rate limiting is layered on by Register via
// ratelimit.Middleware, not here — this stack is cross-cutting only.
func NewEchoServer(config ServerConfig) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = config.Debug

	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())

	if config.BodyLimit != "" {
		e.Use(middleware.BodyLimit(config.BodyLimit))
	}

	if len(config.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: config.AllowedOrigins,
			AllowMethods: []string{
				http.MethodGet, http.MethodPost, http.MethodPut,
				http.MethodDelete, http.MethodPatch, http.MethodOptions,
			},
			AllowHeaders: []string{
				echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization,
			},
		}))
	}

	e.Use(middleware.RequestID())
	e.HTTPErrorHandler = CustomHTTPErrorHandler
	return e
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status  string                 `json:"status"`
	Service string                 `json:"service,omitempty"`
	Version string                 `json:"version,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthCheckHandler reports liveness plus dependency connectivity
// (graph store and broker), surfaced via detailsFunc so callers don't
// need to import graphgateway/jobqueue into this file directly.
func HealthCheckHandler(serviceName, version string, detailsFunc func() map[string]interface{}) echo.HandlerFunc {
	return func(c echo.Context) error {
		details := map[string]interface{}{}
		if detailsFunc != nil {
			details = detailsFunc()
		}
		return c.JSON(http.StatusOK, HealthResponse{
			Status: "healthy", Service: serviceName, Version: version, Details: details,
		})
	}
}

// StartServer runs e until it is shut down, with read/write timeouts.
func StartServer(e *echo.Echo, config ServerConfig) error {
	s := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}
	logrus.WithField("port", config.Port).Info("starting cmdb server")
	return e.StartServer(s)
}

// GracefulShutdown shuts e down within timeout.
func GracefulShutdown(e *echo.Echo, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logrus.Info("shutting down server gracefully")
	if err := e.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logrus.Info("server stopped")
	return nil
}

// CustomHTTPErrorHandler routes classified errs.Error values through
// errs.WriteJSON and falls back to echo's own status/message for
// framework-level errors (404 route not found, method not allowed).
func CustomHTTPErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	if _, ok := errs.As(err); ok {
		if writeErr := errs.WriteJSON(c, err); writeErr != nil {
			logrus.WithError(writeErr).Error("failed to write error response")
		}
		return
	}

	code := http.StatusInternalServerError
	message := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if msg, ok := he.Message.(string); ok {
			message = msg
		}
	}

	if writeErr := c.JSON(code, errs.Response{Error: message}); writeErr != nil {
		logrus.WithError(writeErr).Error("failed to write fallback error response")
	}
}
