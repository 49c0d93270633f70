package handlers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/memohai/eventgate/internal/protocol"
	"github.com/memohai/eventgate/internal/session"
)

// StreamSSE godoc
// @Summary Event stream over Server-Sent Events
// @Description Streams protocol frames as SSE events for the topics given at connect time.
// @Tags events
// @Param topic query []string true "Topics to subscribe to" collectionFormat(multi)
// @Success 200 {string} string "text/event-stream"
// @Failure 400 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /v1/events/sse [get].
func (h *EventsHandler) StreamSSE(c echo.Context) error {
	topics := c.QueryParams()["topic"]
	if len(topics) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "at least one topic is required")
	}
	s, err := h.openSession(c)
	if err != nil {
		return err
	}
	reason := session.ReasonClientClosed
	defer func() { s.Close(reason) }()

	ctx := c.Request().Context()
	for _, raw := range topics {
		if _, err := s.Subscribe(ctx, raw); err != nil {
			body := protocol.ErrorOf(err)
			status := http.StatusBadRequest
			if body.Code == protocol.CodeUnavailable {
				status = http.StatusServiceUnavailable
			}
			return echo.NewHTTPError(status, fmt.Sprintf("%s: %s", raw, err.Error()))
		}
	}

	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().WriteHeader(http.StatusOK)
	writer := bufio.NewWriter(c.Response().Writer)

	var seq uint64
	write := func(f protocol.Frame) error {
		seq++
		f.Seq = seq
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		_, _ = writer.WriteString("id: " + strconv.FormatUint(seq, 10) + "\n")
		_, _ = writer.WriteString("event: " + string(f.Op) + "\n")
		_, _ = writer.WriteString("data: " + string(data) + "\n\n")
		if err := writer.Flush(); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	hello, err := helloFrame(s)
	if err != nil {
		return nil
	}
	if err := write(hello); err != nil {
		reason = session.ReasonTransportError
		return nil
	}

	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return nil
		}
		if ev.Kind == session.KindHeartbeat {
			// SSE has no upstream channel; a heartbeat that reaches the socket
			// counts as acknowledged.
			if _, err := writer.WriteString(": heartbeat\n\n"); err != nil || writer.Flush() != nil {
				reason = session.ReasonTransportError
				return nil
			}
			flusher.Flush()
			s.Ack()
			continue
		}
		f, err := eventFrame(ev)
		if err != nil {
			h.logger.Warn("encode frame failed", slog.Any("error", err))
			continue
		}
		if err := write(f); err != nil {
			reason = session.ReasonTransportError
			return nil
		}
		if ev.Kind == session.KindClosed {
			return nil
		}
	}
}
