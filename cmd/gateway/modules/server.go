package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.uber.org/fx"

	"github.com/memohai/eventgate/internal/boot"
	"github.com/memohai/eventgate/internal/server"
	"github.com/memohai/eventgate/internal/session"
	"github.com/memohai/eventgate/internal/version"
)

var ServerModule = fx.Module(
	"server",
	fx.Provide(
		provideServer,
	),
	fx.Invoke(startServer),
)

// ---------------------------------------------------------------------------
// server
// ---------------------------------------------------------------------------

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	RuntimeConfig  *boot.RuntimeConfig
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.RuntimeConfig.ServerAddr, params.RuntimeConfig.JwtSecret, params.ServerHandlers...)
}

// startServer runs the listener. On stop the gateway drains first so every
// session gets its end_of_stream, then the listener shuts down.
func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, gateway *session.Gateway, rc *boot.RuntimeConfig, shutdowner fx.Shutdowner) {
	fmt.Printf("Starting eventgate %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			logger.Info("server listening", slog.String("addr", rc.ServerAddr), slog.String("bus", rc.BusDriver))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := gateway.Shutdown(ctx); err != nil {
				logger.Warn("gateway drain incomplete", slog.Any("error", err))
			}
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
