package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
)

// HealthChecker reports whether the upstream bus is usable. *bus.Bridge
// implements it.
type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// PingHandler serves /ping for liveness and /health for readiness.
type PingHandler struct {
	health HealthChecker
	logger *slog.Logger
}

// NewPingHandler creates a ping handler. A nil checker reports healthy.
func NewPingHandler(log *slog.Logger, health HealthChecker) *PingHandler {
	return &PingHandler{health: health, logger: log.With(slog.String("handler", "ping"))}
}

// Register mounts GET /ping and GET, HEAD /health on the Echo instance.
func (h *PingHandler) Register(e *echo.Echo) {
	e.GET("/ping", h.Ping)
	e.GET("/health", h.Health)
	e.HEAD("/health", h.HealthHead)
}

// Ping returns 200 JSON {"status":"ok"}.
func (h *PingHandler) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Health godoc
// @Summary Readiness
// @Description Returns 200 while the upstream bus is connected, 503 otherwise
// @Tags health
// @Success 200 {object} map[string]string
// @Failure 503 {object} ErrorResponse
// @Router /health [get].
func (h *PingHandler) Health(c echo.Context) error {
	if !h.healthy(c.Request().Context()) {
		return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Message: "upstream bus unavailable"})
	}
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// HealthHead returns 200 or 503 with no content.
func (h *PingHandler) HealthHead(c echo.Context) error {
	if !h.healthy(c.Request().Context()) {
		return c.NoContent(http.StatusServiceUnavailable)
	}
	return c.NoContent(http.StatusOK)
}

func (h *PingHandler) healthy(ctx context.Context) bool {
	if h.health == nil {
		return true
	}
	return h.health.Healthy(ctx)
}
