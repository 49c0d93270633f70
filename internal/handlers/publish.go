package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/eventgate/internal/auth"
	"github.com/memohai/eventgate/internal/bus"
	"github.com/memohai/eventgate/internal/event"
	"github.com/memohai/eventgate/internal/topic"
)

// Publisher injects envelopes into the upstream bus. *bus.Bridge implements it.
type Publisher interface {
	Publish(ctx context.Context, key topic.Key, env event.Envelope) error
}

// PublishHandler serves POST /v1/publish.
type PublishHandler struct {
	publisher Publisher
	logger    *slog.Logger
}

// PublishRequest is the body for POST /v1/publish.
type PublishRequest struct {
	Topic    string          `json:"topic"`
	ID       string          `json:"id,omitempty"`
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Retracts string          `json:"retracts,omitempty"`
}

// PublishResponse is the success body.
type PublishResponse struct {
	Status string `json:"status"`
	Topic  string `json:"topic"`
}

// NewPublishHandler creates a publish handler.
func NewPublishHandler(log *slog.Logger, publisher Publisher) *PublishHandler {
	return &PublishHandler{publisher: publisher, logger: log.With(slog.String("handler", "publish"))}
}

// Register mounts POST /v1/publish.
func (h *PublishHandler) Register(e *echo.Echo) {
	e.POST("/v1/publish", h.Publish, auth.RequireScope(auth.ScopePublish))
}

// Publish godoc
// @Summary Publish an event
// @Description Publishes an envelope on the upstream bus for the given topic
// @Tags events
// @Param payload body PublishRequest true "Event"
// @Success 202 {object} PublishResponse
// @Failure 400 {object} ErrorResponse
// @Failure 413 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /v1/publish [post].
func (h *PublishHandler) Publish(c echo.Context) error {
	if h.publisher == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "publisher not configured")
	}
	var req PublishRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key, err := topic.ParseKey(strings.TrimSpace(req.Topic))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	env := event.Envelope{
		ID:       req.ID,
		Type:     event.Type(req.Type),
		Data:     req.Data,
		Retracts: req.Retracts,
	}
	if _, err := event.FromEnvelope(key, env); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.publisher.Publish(c.Request().Context(), key, env); err != nil {
		if errors.Is(err, bus.ErrPayloadTooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
		}
		h.logger.Error("publish failed", slog.String("topic", key.String()), slog.Any("error", err))
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusAccepted, PublishResponse{Status: "accepted", Topic: key.String()})
}
