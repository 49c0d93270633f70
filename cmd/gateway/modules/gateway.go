package modules

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/memohai/eventgate/internal/boot"
	"github.com/memohai/eventgate/internal/bus"
	"github.com/memohai/eventgate/internal/hub"
	"github.com/memohai/eventgate/internal/session"
)

var GatewayModule = fx.Module(
	"gateway",
	fx.Provide(
		provideHub,
		provideGateway,
	),
)

func provideHub(lc fx.Lifecycle, log *slog.Logger, bridge *bus.Bridge, rc *boot.RuntimeConfig) *hub.Hub {
	h := hub.New(log, bridge, rc.BroadcastBuffer)
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return h.Close(ctx)
		},
	})
	return h
}

func provideGateway(log *slog.Logger, h *hub.Hub, rc *boot.RuntimeConfig) *session.Gateway {
	return session.NewGateway(log, h, rc.Gateway)
}
