package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/memohai/eventgate/internal/auth"
	"github.com/memohai/eventgate/internal/logger"
	"github.com/memohai/eventgate/internal/protocol"
	"github.com/memohai/eventgate/internal/session"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultReadLimit    = 4096
)

// ReasonOverTarget is sent in the reconnect frame when the process is above
// its target connection count.
const ReasonOverTarget = "over target"

// EventsHandler serves the streaming endpoints.
type EventsHandler struct {
	gateway        *session.Gateway
	originPatterns []string
	writeTimeout   time.Duration
	readLimit      int64
	logger         *slog.Logger
}

// EventsOptions tunes the transports. Zero values use defaults.
type EventsOptions struct {
	OriginPatterns []string
	WriteTimeout   time.Duration
	ReadLimit      int64
}

// NewEventsHandler creates the WebSocket and SSE handler.
func NewEventsHandler(log *slog.Logger, gateway *session.Gateway, opts EventsOptions) *EventsHandler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = defaultReadLimit
	}
	return &EventsHandler{
		gateway:        gateway,
		originPatterns: opts.OriginPatterns,
		writeTimeout:   opts.WriteTimeout,
		readLimit:      opts.ReadLimit,
		logger:         log.With(slog.String("handler", "events")),
	}
}

// Register mounts GET /v1/events/ws and GET /v1/events/sse.
func (h *EventsHandler) Register(e *echo.Echo) {
	group := e.Group("/v1/events", auth.RequireScope(auth.ScopeSubscribe))
	group.GET("/ws", h.StreamWebSocket)
	group.GET("/sse", h.StreamSSE)
}

// requestLogger returns the request-scoped logger installed by the server,
// falling back to the handler logger.
func (h *EventsHandler) requestLogger(c echo.Context) *slog.Logger {
	return logger.FromContextOr(c.Request().Context(), h.logger)
}

// openSession opens and starts a session, mapping gateway refusals to 503.
func (h *EventsHandler) openSession(c echo.Context) (*session.Session, error) {
	if h.gateway == nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, "gateway not configured")
	}
	s, err := h.gateway.OpenSession()
	if err != nil {
		if errors.Is(err, session.ErrConnectionLimit) || errors.Is(err, session.ErrGatewayClosed) {
			return nil, echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := s.Start(); err != nil {
		s.Close(session.ReasonTransportError)
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sub, err := auth.SubjectFromContext(c); err == nil {
		h.requestLogger(c).Debug("session opened", slog.String("session_id", s.ID()), slog.String("subject", sub))
	}
	return s, nil
}

func helloFrame(s *session.Session) (protocol.Frame, error) {
	cfg := s.Config()
	return protocol.NewFrame(protocol.OpHello, protocol.Hello{
		SessionID:           s.ID(),
		HeartbeatIntervalMS: cfg.HeartbeatInterval.Milliseconds(),
		SubscriptionLimit:   cfg.SubscriptionLimit,
	})
}

// eventFrame converts a session event to the frame sent for it.
func eventFrame(ev session.Event) (protocol.Frame, error) {
	switch ev.Kind {
	case session.KindPayload:
		return protocol.NewFrame(protocol.OpDispatch, protocol.DispatchOf(ev.Payload))
	case session.KindHeartbeat:
		return protocol.NewFrame(protocol.OpHeartbeat, nil)
	case session.KindTopicClosed:
		return protocol.NewFrame(protocol.OpError, protocol.Error{
			Code:    protocol.CodeTopicClosed,
			Message: "topic closed upstream, subscribe again",
			Topic:   ev.Topic.String(),
		})
	default:
		return protocol.NewFrame(protocol.OpEndOfStream, protocol.Reason{Reason: ev.Reason})
	}
}
