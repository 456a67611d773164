// Package bootstrap assembles runner components from the application configuration.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/runner/internal/app/dispatcher"
	"github.com/coachpo/runner/internal/app/engine"
	"github.com/coachpo/runner/internal/app/engine/script"
	"github.com/coachpo/runner/internal/app/throttle"
	"github.com/coachpo/runner/internal/domain/runstore"
	"github.com/coachpo/runner/internal/infra/config"
	"github.com/coachpo/runner/internal/infra/notify"
	"github.com/coachpo/runner/internal/infra/persistence/memory"
	"github.com/coachpo/runner/internal/infra/persistence/migrations"
	"github.com/coachpo/runner/internal/infra/persistence/postgres"
	"github.com/coachpo/runner/internal/infra/telemetry"
	"github.com/coachpo/runner/internal/observability"
)

// Engines holds the script engines built from configuration.
type Engines struct {
	ByKind map[engine.Kind]*script.Engine
}

// Registry wraps the engines in a ref-counted registry.
func (e Engines) Registry() (*engine.Registry, error) {
	engines := make(map[engine.Kind]engine.Engine, len(e.ByKind))
	for kind, eng := range e.ByKind {
		engines[kind] = eng
	}
	return engine.NewRegistry(engines)
}

// BuildEngines compiles the brain scripts of every configured engine. Kinds listed in only
// restrict the build; an empty list builds both engines.
func BuildEngines(ctx context.Context, cfg config.EnginesConfig, logger observability.Logger, only ...engine.Kind) (Engines, error) {
	dirs := map[engine.Kind]string{
		engine.KindTest:       cfg.Test.ScriptDir,
		engine.KindProduction: cfg.Production.ScriptDir,
	}
	wanted := make(map[engine.Kind]bool, len(dirs))
	for _, kind := range only {
		wanted[kind] = true
	}

	out := Engines{ByKind: make(map[engine.Kind]*script.Engine, len(dirs))}
	for kind, dir := range dirs {
		if len(wanted) > 0 && !wanted[kind] {
			continue
		}
		loader, err := script.NewLoader(dir)
		if err != nil {
			return Engines{}, fmt.Errorf("%s engine: %w", kind, err)
		}
		if err := loader.Refresh(ctx); err != nil {
			return Engines{}, fmt.Errorf("%s engine: load brains: %w", kind, err)
		}
		eng, err := script.New(string(kind), loader, logger)
		if err != nil {
			return Engines{}, fmt.Errorf("%s engine: %w", kind, err)
		}
		out.ByKind[kind] = eng
	}
	return out, nil
}

// NotifyChannels builds the configured announcement channels.
func NotifyChannels(cfg config.NotifierConfig, client *http.Client) ([]notify.Channel, error) {
	var channels []notify.Channel
	if strings.TrimSpace(cfg.Telegram.BotToken) != "" || strings.TrimSpace(cfg.Telegram.ChannelID) != "" {
		telegram, err := notify.NewTelegram(notify.TelegramConfig{
			BotToken:  cfg.Telegram.BotToken,
			ChannelID: cfg.Telegram.ChannelID,
		}, client)
		if err != nil {
			return nil, err
		}
		channels = append(channels, telegram)
	}
	if strings.TrimSpace(cfg.Discord.WebhookURL) != "" {
		discord, err := notify.NewDiscord(cfg.Discord.WebhookURL, client)
		if err != nil {
			return nil, err
		}
		channels = append(channels, discord)
	}
	return channels, nil
}

// BuildNotifier constructs the replay announcer.
func BuildNotifier(cfg config.NotifierConfig, logger observability.Logger) (*notify.Notifier, error) {
	channels, err := NotifyChannels(cfg, nil)
	if err != nil {
		return nil, fmt.Errorf("notifier channels: %w", err)
	}
	notifyCfg := notify.DefaultConfig()
	notifyCfg.Workers = cfg.Workers
	notifyCfg.Queue = cfg.Queue
	if cfg.MaxAttempts > 0 {
		notifyCfg.MaxAttempts = uint(cfg.MaxAttempts)
	}
	return notify.New(notifyCfg, logger, channels...)
}

// RunStore is the configured run history backend and its release function.
type RunStore struct {
	Store runstore.Store
	Pool  *pgxpool.Pool
}

// Close releases the database pool, if any.
func (s RunStore) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// OpenRunStore returns a PostgreSQL store when a DSN is configured, otherwise an in-memory
// ring sized by the dispatch history setting.
func OpenRunStore(ctx context.Context, cfg config.AppConfig, logger *log.Logger) (RunStore, error) {
	if !cfg.Database.Enabled() {
		return RunStore{Store: memory.NewRunStore(cfg.Dispatch.HistorySize)}, nil
	}
	if cfg.Database.RunMigrations {
		if err := migrations.Apply(ctx, cfg.Database.DSN, cfg.Database.MigrationsDir, logger); err != nil {
			return RunStore{}, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := postgres.Open(ctx, postgres.PoolConfig{
		DSN:      cfg.Database.DSN,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
		Name:     "primary",
	})
	if err != nil {
		return RunStore{}, err
	}
	return RunStore{Store: postgres.NewRunStore(pool), Pool: pool}, nil
}

// TelemetryConfig maps application settings onto the telemetry provider config.
func TelemetryConfig(cfg config.AppConfig) telemetry.Config {
	return telemetry.Config{
		Enabled:       strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) != "",
		OTLPEndpoint:  cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:  cfg.Telemetry.OTLPInsecure,
		EnableMetrics: cfg.Telemetry.EnableMetrics,
		ServiceName:   cfg.Telemetry.ServiceName,
		Environment:   string(cfg.Environment),
	}
}

// Dispatcher wires a dispatcher from configuration.
func Dispatcher(cfg config.AppConfig, engines dispatcher.Engines, opts ...dispatcher.Option) (*dispatcher.Dispatcher, error) {
	sizing, err := cfg.Backtest.Sizing()
	if err != nil {
		return nil, fmt.Errorf("backtest sizing: %w", err)
	}
	gate := throttle.NewGate(cfg.Backtest.Throttle.Duration)
	return dispatcher.New(engines, gate, dispatcher.Settings{
		Parallel: cfg.Dispatch.ParallelExecution,
		Sizing:   sizing,
	}, opts...)
}
