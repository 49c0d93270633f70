package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/labstack/echo/v4"
	"golang.org/x/sync/errgroup"

	"github.com/memohai/eventgate/internal/protocol"
	"github.com/memohai/eventgate/internal/session"
)

var errStreamEnded = errors.New("stream ended")

// StreamWebSocket godoc
// @Summary Event stream over WebSocket
// @Description Upgrades to a WebSocket carrying protocol frames. Clients subscribe and unsubscribe with commands.
// @Tags events
// @Success 101
// @Failure 503 {object} ErrorResponse
// @Router /v1/events/ws [get].
func (h *EventsHandler) StreamWebSocket(c echo.Context) error {
	s, err := h.openSession(c)
	if err != nil {
		return err
	}
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		s.Close(session.ReasonTransportError)
		h.requestLogger(c).Warn("websocket accept failed", slog.Any("error", err))
		return nil
	}
	defer conn.CloseNow()
	conn.SetReadLimit(h.readLimit)

	replies := make(chan protocol.Frame, 16)
	events := make(chan session.Event, 16)
	g, ctx := errgroup.WithContext(c.Request().Context())
	g.Go(func() error { return h.readLoop(ctx, conn, s, replies) })
	g.Go(func() error { return h.pullLoop(ctx, s, events) })
	g.Go(func() error { return h.writeLoop(ctx, conn, s, replies, events) })
	err = g.Wait()

	reason := session.ReasonTransportError
	if websocket.CloseStatus(err) != -1 {
		reason = session.ReasonClientClosed
	}
	// A draining session keeps the reason it drained with.
	s.Close(reason)
	h.requestLogger(c).Debug("websocket closed", slog.String("session_id", s.ID()), slog.String("reason", s.Reason()))
	return nil
}

// readLoop handles client commands. Replies go to the write loop, which is
// the only writer on conn.
func (h *EventsHandler) readLoop(ctx context.Context, conn *websocket.Conn, s *session.Session, replies chan<- protocol.Frame) error {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		reply, ok := h.handleCommand(ctx, s, typ, data)
		if !ok {
			continue
		}
		select {
		case replies <- reply:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *EventsHandler) handleCommand(ctx context.Context, s *session.Session, typ websocket.MessageType, data []byte) (protocol.Frame, bool) {
	var f protocol.Frame
	if typ != websocket.MessageText || json.Unmarshal(data, &f) != nil {
		return errorFrame("", protocol.Error{Code: protocol.CodeInvalidFrame, Message: "frames must be JSON text"}), true
	}
	if f.Op == protocol.OpHeartbeatAck {
		s.Ack()
		return protocol.Frame{}, false
	}
	if err := s.AllowCommand(); err != nil {
		return errorFrame(f.Nonce, protocol.ErrorOf(err)), true
	}

	switch f.Op {
	case protocol.OpSubscribe, protocol.OpUnsubscribe:
		var cmd protocol.TopicCommand
		if err := f.Decode(&cmd); err != nil {
			return errorFrame(f.Nonce, protocol.Error{Code: protocol.CodeInvalidFrame, Message: err.Error()}), true
		}
		var err error
		if f.Op == protocol.OpSubscribe {
			_, err = s.Subscribe(ctx, cmd.Topic)
		} else {
			_, err = s.Unsubscribe(cmd.Topic)
		}
		if err != nil {
			body := protocol.ErrorOf(err)
			body.Topic = cmd.Topic
			return errorFrame(f.Nonce, body), true
		}
		ack, _ := protocol.NewFrame(protocol.OpAck, protocol.Ack{Op: f.Op, Topic: cmd.Topic})
		ack.Nonce = f.Nonce
		return ack, true
	default:
		return errorFrame(f.Nonce, protocol.Error{Code: protocol.CodeUnknownOp, Message: "unknown op " + string(f.Op)}), true
	}
}

func errorFrame(nonce string, body protocol.Error) protocol.Frame {
	f, _ := protocol.NewFrame(protocol.OpError, body)
	f.Nonce = nonce
	return f
}

// pullLoop moves session events to the write loop until the session ends.
func (h *EventsHandler) pullLoop(ctx context.Context, s *session.Session, events chan<- session.Event) error {
	for {
		ev, err := s.Next(ctx)
		if err != nil {
			return err
		}
		select {
		case events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
		if ev.Kind == session.KindClosed {
			return nil
		}
	}
}

func (h *EventsHandler) writeLoop(ctx context.Context, conn *websocket.Conn, s *session.Session, replies <-chan protocol.Frame, events <-chan session.Event) error {
	var seq uint64
	send := func(f protocol.Frame) error {
		seq++
		f.Seq = seq
		wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		defer cancel()
		return wsjson.Write(wctx, conn, f)
	}

	hello, err := helloFrame(s)
	if err != nil {
		return err
	}
	if err := send(hello); err != nil {
		return err
	}
	if h.gateway.OverTarget() {
		f, _ := protocol.NewFrame(protocol.OpReconnect, protocol.Reason{Reason: ReasonOverTarget})
		if err := send(f); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-replies:
			if err := send(f); err != nil {
				return err
			}
		case ev := <-events:
			f, err := eventFrame(ev)
			if err != nil {
				h.logger.Warn("encode frame failed", slog.Any("error", err))
				continue
			}
			if err := send(f); err != nil {
				return err
			}
			if ev.Kind == session.KindClosed {
				_ = conn.Close(protocol.CloseCodeOf(ev.Reason), ev.Reason)
				return errStreamEnded
			}
		}
	}
}
