// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/domain/run"
)

// DispatchConfig controls how dispatches are scheduled.
type DispatchConfig struct {
	ParallelExecution bool `yaml:"parallelExecution"`
	HistorySize       int  `yaml:"historySize"`
}

// BacktestConfig holds the static replay settings.
type BacktestConfig struct {
	Throttle         Duration `yaml:"throttle"`
	SizingPercentage string   `yaml:"sizingPercentage"`
	SizingMaxCount   int      `yaml:"sizingMaxCount"`
}

// Sizing parses the replay sizing parameters.
func (c BacktestConfig) Sizing() (run.Sizing, error) {
	raw := strings.TrimSpace(c.SizingPercentage)
	if raw == "" {
		raw = "0"
	}
	pct, err := decimal.NewFromString(raw)
	if err != nil {
		return run.Sizing{}, fmt.Errorf("sizingPercentage %q: %w", c.SizingPercentage, err)
	}
	return run.Sizing{Percentage: pct, MaxCount: c.SizingMaxCount}, nil
}

// EngineConfig locates the brain scripts for one engine.
type EngineConfig struct {
	ScriptDir string `yaml:"scriptDir"`
}

// EnginesConfig configures the test and production engines.
type EnginesConfig struct {
	Test       EngineConfig `yaml:"test"`
	Production EngineConfig `yaml:"production"`
}

// TelegramConfig addresses the replay announcement channel.
type TelegramConfig struct {
	BotToken  string `yaml:"botToken"`
	ChannelID string `yaml:"channelID"`
}

// DiscordConfig addresses a Discord webhook.
type DiscordConfig struct {
	WebhookURL string `yaml:"webhookURL"`
}

// NotifierConfig controls replay announcements.
type NotifierConfig struct {
	Workers     int            `yaml:"workers"`
	Queue       int            `yaml:"queue"`
	MaxAttempts int            `yaml:"maxAttempts"`
	Telegram    TelegramConfig `yaml:"telegram"`
	Discord     DiscordConfig  `yaml:"discord"`
}

// DatabaseConfig controls PostgreSQL connectivity. An empty DSN keeps run history in memory.
type DatabaseConfig struct {
	DSN           string `yaml:"dsn"`
	MigrationsDir string `yaml:"migrationsDir"`
	RunMigrations bool   `yaml:"runMigrations"`
	MaxConns      int32  `yaml:"maxConns"`
	MinConns      int32  `yaml:"minConns"`
}

// Enabled reports whether a database is configured.
func (c DatabaseConfig) Enabled() bool {
	return strings.TrimSpace(c.DSN) != ""
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr              string  `yaml:"addr"`
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// AppConfig is the unified runner configuration.
type AppConfig struct {
	Environment Environment     `yaml:"environment"`
	Dispatch    DispatchConfig  `yaml:"dispatch"`
	Backtest    BacktestConfig  `yaml:"backtest"`
	Engines     EnginesConfig   `yaml:"engines"`
	Notifier    NotifierConfig  `yaml:"notifier"`
	Database    DatabaseConfig  `yaml:"database"`
	APIServer   APIServerConfig `yaml:"apiServer"`
	Telemetry   TelemetryConfig `yaml:"telemetry"`
}

// Default returns the configuration used before YAML and environment overrides.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvDev,
		Dispatch: DispatchConfig{
			ParallelExecution: false,
			HistorySize:       256,
		},
		Backtest: BacktestConfig{
			Throttle:         Duration{Duration: time.Second},
			SizingPercentage: "1",
			SizingMaxCount:   1,
		},
		Engines: EnginesConfig{
			Test:       EngineConfig{ScriptDir: "strategies/test"},
			Production: EngineConfig{ScriptDir: "strategies/production"},
		},
		Notifier: NotifierConfig{
			Workers:     2,
			Queue:       64,
			MaxAttempts: 4,
		},
		Database: DatabaseConfig{
			MigrationsDir: "db/migrations",
			MaxConns:      8,
			MinConns:      1,
		},
		APIServer: APIServerConfig{
			Addr:              ":8880",
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "runner",
			EnableMetrics: true,
		},
	}
}

// Load reads the configuration with precedence defaults → YAML → env vars, then validates it.
// An empty path falls back to RUNNER_CONFIG, then config/app.yaml; a missing default file is
// not an error.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx
	cfg := Default()

	path, explicit := resolvePath(configPath)
	if err := cfg.loadYAML(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return AppConfig{}, fmt.Errorf("load yaml config: %w", err)
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return AppConfig{}, fmt.Errorf("load env config: %w", err)
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func resolvePath(path string) (string, bool) {
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		return trimmed, true
	}
	if env := strings.TrimSpace(os.Getenv("RUNNER_CONFIG")); env != "" {
		return env, true
	}
	return "config/app.yaml", false
}

func (c *AppConfig) loadYAML(path string) error {
	reader, closer, err := openConfigFile(path)
	if err != nil {
		return err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(bytes, c); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	return nil
}

func (c *AppConfig) loadEnv() error {
	if v := strings.TrimSpace(os.Getenv("RUNNER_ENV")); v != "" {
		c.Environment = Environment(v)
	}
	if v := strings.TrimSpace(os.Getenv("RUNNER_PARALLEL_EXECUTION")); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("RUNNER_PARALLEL_EXECUTION: %w", err)
		}
		c.Dispatch.ParallelExecution = parsed
	}
	if v := strings.TrimSpace(os.Getenv("RUNNER_BACKTEST_THROTTLE")); v != "" {
		parsed, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("RUNNER_BACKTEST_THROTTLE: %w", err)
		}
		c.Backtest.Throttle = Duration{Duration: parsed}
	}
	if v := strings.TrimSpace(os.Getenv("RUNNER_BACKTEST_SIZING_PERCENTAGE")); v != "" {
		c.Backtest.SizingPercentage = v
	}
	if v := strings.TrimSpace(os.Getenv("RUNNER_BACKTEST_SIZING_MAX_COUNT")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RUNNER_BACKTEST_SIZING_MAX_COUNT: %w", err)
		}
		c.Backtest.SizingMaxCount = parsed
	}
	if v := strings.TrimSpace(os.Getenv("RUNNER_DATABASE_DSN")); v != "" {
		c.Database.DSN = v
	}
	if v := strings.TrimSpace(os.Getenv("RUNNER_API_ADDR")); v != "" {
		c.APIServer.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("RUNNER_TELEGRAM_BOT_TOKEN")); v != "" {
		c.Notifier.Telegram.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("RUNNER_TELEGRAM_CHANNEL_ID")); v != "" {
		c.Notifier.Telegram.ChannelID = v
	}
	if v := strings.TrimSpace(os.Getenv("RUNNER_DISCORD_WEBHOOK_URL")); v != "" {
		c.Notifier.Discord.WebhookURL = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); v != "" {
		c.Telemetry.ServiceName = v
	}
	return nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Backtest.SizingPercentage = strings.TrimSpace(c.Backtest.SizingPercentage)
	c.Engines.Test.ScriptDir = cleanDir(c.Engines.Test.ScriptDir)
	c.Engines.Production.ScriptDir = cleanDir(c.Engines.Production.ScriptDir)
	c.Notifier.Telegram.BotToken = strings.TrimSpace(c.Notifier.Telegram.BotToken)
	c.Notifier.Telegram.ChannelID = strings.TrimSpace(c.Notifier.Telegram.ChannelID)
	c.Notifier.Discord.WebhookURL = strings.TrimSpace(c.Notifier.Discord.WebhookURL)
	c.Database.DSN = strings.TrimSpace(c.Database.DSN)
	c.Database.MigrationsDir = cleanDir(c.Database.MigrationsDir)
	if c.Database.MinConns > c.Database.MaxConns {
		c.Database.MinConns = c.Database.MaxConns
	}
	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
}

func cleanDir(dir string) string {
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return ""
	}
	return filepath.Clean(trimmed)
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return configError("environment must be one of dev, staging, prod", "environment", string(c.Environment))
	}
	if c.Dispatch.HistorySize <= 0 {
		return configError("dispatch historySize must be >0", "dispatch.historySize", strconv.Itoa(c.Dispatch.HistorySize))
	}
	if c.Backtest.Throttle.Duration < 0 {
		return configError("backtest throttle must be >=0", "backtest.throttle", c.Backtest.Throttle.String())
	}
	sizing, err := c.Backtest.Sizing()
	if err != nil {
		return errs.New("config", errs.CodeConfiguration,
			errs.WithMessage("backtest sizingPercentage must be a decimal"),
			errs.WithField("key", "backtest.sizingPercentage"),
			errs.WithCause(err))
	}
	if sizing.Percentage.IsNegative() {
		return configError("backtest sizingPercentage must be >=0", "backtest.sizingPercentage", c.Backtest.SizingPercentage)
	}
	if c.Backtest.SizingMaxCount < 0 {
		return configError("backtest sizingMaxCount must be >=0", "backtest.sizingMaxCount", strconv.Itoa(c.Backtest.SizingMaxCount))
	}
	if c.Engines.Test.ScriptDir == "" {
		return configError("engines test scriptDir required", "engines.test.scriptDir", "")
	}
	if c.Engines.Production.ScriptDir == "" {
		return configError("engines production scriptDir required", "engines.production.scriptDir", "")
	}
	if c.Notifier.Workers <= 0 {
		return configError("notifier workers must be >0", "notifier.workers", strconv.Itoa(c.Notifier.Workers))
	}
	if c.Notifier.Queue < 0 {
		return configError("notifier queue must be >=0", "notifier.queue", strconv.Itoa(c.Notifier.Queue))
	}
	if (c.Notifier.Telegram.BotToken == "") != (c.Notifier.Telegram.ChannelID == "") {
		return configError("notifier telegram needs both botToken and channelID", "notifier.telegram", "")
	}
	if c.Database.Enabled() {
		if c.Database.MaxConns <= 0 {
			return configError("database maxConns must be >0", "database.maxConns", fmt.Sprint(c.Database.MaxConns))
		}
		if c.Database.RunMigrations && c.Database.MigrationsDir == "" {
			return configError("database migrationsDir required when runMigrations is set", "database.migrationsDir", "")
		}
	}
	if c.APIServer.Addr == "" {
		return configError("apiServer addr required", "apiServer.addr", "")
	}
	if c.APIServer.RequestsPerSecond <= 0 {
		return configError("apiServer requestsPerSecond must be >0", "apiServer.requestsPerSecond", fmt.Sprint(c.APIServer.RequestsPerSecond))
	}
	if c.APIServer.Burst <= 0 {
		return configError("apiServer burst must be >0", "apiServer.burst", strconv.Itoa(c.APIServer.Burst))
	}
	if c.Telemetry.ServiceName == "" {
		return configError("telemetry serviceName required", "telemetry.serviceName", "")
	}
	return nil
}

func configError(message, key, value string) error {
	return errs.New("config", errs.CodeConfiguration,
		errs.WithMessage(message),
		errs.WithField("key", key),
		errs.WithField("value", value))
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
