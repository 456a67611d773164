package bootstrap

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/app/dispatcher"
	"github.com/coachpo/runner/internal/app/engine"
	"github.com/coachpo/runner/internal/app/history"
	"github.com/coachpo/runner/internal/domain/run"
	"github.com/coachpo/runner/internal/domain/runstore"
	"github.com/coachpo/runner/internal/infra/config"
	"github.com/coachpo/runner/internal/infra/persistence/memory"
	"github.com/coachpo/runner/internal/observability"
)

const markerBrain = `
module.exports = {
  metadata: { name: "marker", description: "logs the replay month" },
  start: function(ctx) {
    console.log("ran", ctx.instrument, ctx.replay, ctx.month, ctx.year);
  }
};
`

type captureLogger struct {
	mu    sync.Mutex
	lines []string
}

func (c *captureLogger) Debug(msg string, fields ...observability.Field) { c.add("DEBUG", msg, fields) }
func (c *captureLogger) Info(msg string, fields ...observability.Field)  { c.add("INFO", msg, fields) }
func (c *captureLogger) Error(msg string, fields ...observability.Field) { c.add("ERROR", msg, fields) }

func (c *captureLogger) add(level, msg string, fields []observability.Field) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, observability.Format(level, msg, fields...))
}

func (c *captureLogger) contains(prefix string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range c.lines {
		if len(line) >= len(prefix) && line[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T) config.AppConfig {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Engines.Test.ScriptDir = filepath.Join(root, "test")
	cfg.Engines.Production.ScriptDir = filepath.Join(root, "production")
	cfg.Backtest.Throttle = config.Duration{Duration: time.Millisecond}
	for _, dir := range []string{cfg.Engines.Test.ScriptDir, cfg.Engines.Production.ScriptDir} {
		require.NoError(t, os.MkdirAll(dir, 0o750))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "marker.js"), []byte(markerBrain), 0o600))
	}
	return cfg
}

func TestBuildEnginesLoadsBrains(t *testing.T) {
	cfg := testConfig(t)
	engines, err := BuildEngines(context.Background(), cfg.Engines, &captureLogger{})
	require.NoError(t, err)
	require.Len(t, engines.ByKind, 2)
	brains := engines.ByKind[engine.KindTest].Brains()
	require.Len(t, brains, 1)
	require.Equal(t, "marker", brains[0].Name)

	only, err := BuildEngines(context.Background(), cfg.Engines, &captureLogger{}, engine.KindTest)
	require.NoError(t, err)
	require.Len(t, only.ByKind, 1)
}

func TestBuildEnginesRejectsBrokenScripts(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Engines.Production.ScriptDir, "broken.js"), []byte("module.exports = {"), 0o600))
	_, err := BuildEngines(context.Background(), cfg.Engines, &captureLogger{})
	require.ErrorContains(t, err, "production engine")
}

func TestNotifyChannels(t *testing.T) {
	channels, err := NotifyChannels(config.NotifierConfig{}, nil)
	require.NoError(t, err)
	require.Empty(t, channels)

	_, err = NotifyChannels(config.NotifierConfig{Telegram: config.TelegramConfig{BotToken: "token"}}, nil)
	require.Error(t, err)

	channels, err = NotifyChannels(config.NotifierConfig{
		Telegram: config.TelegramConfig{BotToken: "token", ChannelID: "@runs"},
		Discord:  config.DiscordConfig{WebhookURL: "https://discord.example/webhook"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, channels, 2)
	require.Equal(t, "telegram", channels[0].Name())
	require.Equal(t, "discord", channels[1].Name())

	notifier, err := BuildNotifier(config.NotifierConfig{MaxAttempts: 2}, &captureLogger{})
	require.NoError(t, err)
	require.Empty(t, notifier.Channels())
	require.NoError(t, notifier.Close(context.Background()))
}

func TestOpenRunStoreFallsBackToMemory(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.HistorySize = 3
	store, err := OpenRunStore(context.Background(), cfg, nil)
	require.NoError(t, err)
	defer store.Close()
	require.Nil(t, store.Pool)
	_, ok := store.Store.(*memory.RunStore)
	require.True(t, ok)
}

func TestTelemetryConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Environment = config.EnvProd
	telemetryCfg := TelemetryConfig(cfg)
	require.False(t, telemetryCfg.Enabled)
	require.Equal(t, "prod", telemetryCfg.Environment)

	cfg.Telemetry.OTLPEndpoint = "http://collector:4318"
	require.True(t, TelemetryConfig(cfg).Enabled)
}

func TestDispatcherRejectsBadSizing(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backtest.SizingPercentage = "lots"
	_, err := Dispatcher(cfg, nil)
	require.ErrorContains(t, err, "backtest sizing")

	cfg.Backtest.SizingPercentage = "0.5"
	_, err = Dispatcher(cfg, nil)
	require.True(t, errs.Is(err, errs.CodeConfiguration))
}

func TestEndToEndReplayIsRecorded(t *testing.T) {
	cfg := testConfig(t)
	logger := &captureLogger{}
	engines, err := BuildEngines(context.Background(), cfg.Engines, logger)
	require.NoError(t, err)
	registry, err := engines.Registry()
	require.NoError(t, err)

	store := memory.NewRunStore(8)
	recorder := history.NewRecorder(store, logger, time.Second)
	d, err := Dispatcher(cfg, registry, dispatcher.WithSinks(recorder), dispatcher.WithLogger(logger))
	require.NoError(t, err)

	id, err := d.BackTest(context.Background(), "2021-03-05 10:00:00", "ETH/USD", "marker")
	require.NoError(t, err)
	require.True(t, logger.contains("INFO ran ETH/USD true 3 2021"))

	record, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, runstore.StatusSucceeded, record.Status)
	require.Equal(t, "test", record.Engine)

	_, err = d.Execute(context.Background(), run.Mode("staging"), "ETH/USD", "marker")
	require.True(t, errs.Is(err, errs.CodeConfiguration))

	require.NoError(t, registry.Close(context.Background()))
}
