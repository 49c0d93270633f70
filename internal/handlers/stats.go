package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/memohai/eventgate/internal/auth"
	"github.com/memohai/eventgate/internal/hub"
	"github.com/memohai/eventgate/internal/session"
	"github.com/memohai/eventgate/internal/version"
)

// TopicLister reports live topics. *hub.Hub implements it.
type TopicLister interface {
	Stats() []hub.TopicStats
}

// StatsHandler serves GET /v1/stats.
type StatsHandler struct {
	gateway *session.Gateway
	topics  TopicLister
	logger  *slog.Logger
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Connections      int              `json:"connections"`
	ConnectionLimit  int              `json:"connection_limit"`
	ConnectionTarget int              `json:"connection_target"`
	OverTarget       bool             `json:"over_target"`
	Topics           []hub.TopicStats `json:"topics"`
	Sessions         []session.Stats  `json:"sessions,omitempty"`
	Version          version.Info     `json:"version"`
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(log *slog.Logger, gateway *session.Gateway, topics TopicLister) *StatsHandler {
	return &StatsHandler{gateway: gateway, topics: topics, logger: log.With(slog.String("handler", "stats"))}
}

// Register mounts GET /v1/stats.
func (h *StatsHandler) Register(e *echo.Echo) {
	e.GET("/v1/stats", h.Stats, auth.RequireScope(auth.ScopeAdmin))
}

// Stats godoc
// @Summary Gateway statistics
// @Description Reports open connections and live topics; sessions=true adds per-session counters
// @Tags stats
// @Param sessions query bool false "Include sessions"
// @Success 200 {object} StatsResponse
// @Router /v1/stats [get].
func (h *StatsHandler) Stats(c echo.Context) error {
	if h.gateway == nil || h.topics == nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "gateway not configured")
	}
	resp := StatsResponse{
		Connections:      h.gateway.Len(),
		ConnectionLimit:  h.gateway.Limit(),
		ConnectionTarget: h.gateway.Target(),
		OverTarget:       h.gateway.OverTarget(),
		Topics:           h.topics.Stats(),
		Version:          version.Get(),
	}
	if withSessions, _ := strconv.ParseBool(c.QueryParam("sessions")); withSessions {
		resp.Sessions = h.gateway.Sessions()
	}
	return c.JSON(http.StatusOK, resp)
}
