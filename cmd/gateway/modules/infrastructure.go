package modules

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"

	"github.com/memohai/eventgate/internal/boot"
	"github.com/memohai/eventgate/internal/bus"
	"github.com/memohai/eventgate/internal/bus/memory"
	"github.com/memohai/eventgate/internal/bus/pgnotify"
	"github.com/memohai/eventgate/internal/config"
	"github.com/memohai/eventgate/internal/db"
	"github.com/memohai/eventgate/internal/logger"
)

const dbConnectTimeout = 10 * time.Second

var InfraModule = fx.Module(
	"infra",
	fx.Provide(
		provideConfig,
		provideLogger,
		boot.ProvideRuntimeConfig,
		provideBroker,
		provideBridge,
	),
)

// ---------------------------------------------------------------------------
// infrastructure providers
// ---------------------------------------------------------------------------

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

// provideBroker selects the upstream bus. The postgres driver owns a pool
// that is closed after the broker.
func provideBroker(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, rc *boot.RuntimeConfig) (bus.Broker, error) {
	switch rc.BusDriver {
	case config.BusDriverPostgres:
		pool, err := provideDBConn(lc, cfg)
		if err != nil {
			return nil, err
		}
		broker := pgnotify.NewBroker(log, pool, rc.Retry)
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return broker.Close()
			},
		})
		log.Info("bus driver selected", slog.String("driver", rc.BusDriver), slog.String("host", cfg.Postgres.Host))
		return broker, nil
	default:
		broker := memory.NewBroker(rc.BusBuffer)
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				return broker.Close()
			},
		})
		log.Info("bus driver selected", slog.String("driver", rc.BusDriver))
		return broker, nil
	}
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dbConnectTimeout)
	defer cancel()

	conn, err := db.Open(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideBridge(log *slog.Logger, broker bus.Broker, rc *boot.RuntimeConfig) *bus.Bridge {
	return bus.NewBridge(log, broker, rc.Retry)
}
