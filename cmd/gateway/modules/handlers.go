package modules

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/memohai/eventgate/internal/boot"
	"github.com/memohai/eventgate/internal/bus"
	"github.com/memohai/eventgate/internal/handlers"
	"github.com/memohai/eventgate/internal/hub"
	"github.com/memohai/eventgate/internal/server"
	"github.com/memohai/eventgate/internal/session"
)

var HandlersModule = fx.Module(
	"handlers",
	fx.Provide(
		provideServerHandler(providePingHandler),
		provideServerHandler(provideEventsHandler),
		provideServerHandler(providePublishHandler),
		provideServerHandler(provideStatsHandler),
	),
)

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func providePingHandler(log *slog.Logger, bridge *bus.Bridge) *handlers.PingHandler {
	return handlers.NewPingHandler(log, bridge)
}

func provideEventsHandler(log *slog.Logger, gateway *session.Gateway, rc *boot.RuntimeConfig) *handlers.EventsHandler {
	return handlers.NewEventsHandler(log, gateway, handlers.EventsOptions{
		OriginPatterns: rc.OriginPatterns,
		WriteTimeout:   rc.WriteTimeout,
	})
}

func providePublishHandler(log *slog.Logger, bridge *bus.Bridge) *handlers.PublishHandler {
	return handlers.NewPublishHandler(log, bridge)
}

func provideStatsHandler(log *slog.Logger, gateway *session.Gateway, h *hub.Hub) *handlers.StatsHandler {
	return handlers.NewStatsHandler(log, gateway, h)
}
