package app

import (
	"context"
	"fmt"
	"strings"

	"crosspost/internal/config"
	"crosspost/internal/eventbus"
	"crosspost/internal/queue"
	"crosspost/internal/storage"
	logx "crosspost/pkg/logx"
)

// openBackends connects storage, the queue and, when configured, NATS.
// On error the caller runs closeBackends to release what did open.
func (a *App) openBackends(ctx context.Context, cfg *config.Config) error {
	sc := mapStorageConfig(cfg)
	st, err := storage.Open(ctx, sc, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st

	qc := mapQueueConfig(cfg)
	q, err := queue.Open(ctx, qc, queue.WithLogger(a.log.With(logx.String("comp", "queue"))))
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	a.queue = q
	a.log.Info("queue opened",
		logx.String("driver", driverName(qc.Driver, "sqlite")),
		logx.Int("max_attempts", qc.Policy.MaxAttempts),
	)

	if url := strings.TrimSpace(cfg.Events.NATSURL); url != "" {
		nc, err := eventbus.Connect(url, "crosspost")
		if err != nil {
			return err
		}
		a.nc = nc
		a.log.Info("nats connected", logx.String("prefix", cfg.Events.Prefix))
	}
	return nil
}

func (a *App) closeBackends() {
	if a.nc != nil {
		_ = a.nc.Drain()
		a.nc = nil
	}
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.log.Warn("queue close failed", logx.Err(err))
		}
		a.queue = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

func driverName(d, def string) string {
	if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
		return d
	}
	return def
}
