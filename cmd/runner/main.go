// Command runner serves the strategy-run control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/runner/internal/app/bootstrap"
	"github.com/coachpo/runner/internal/app/dispatcher"
	"github.com/coachpo/runner/internal/app/engine"
	"github.com/coachpo/runner/internal/app/history"
	"github.com/coachpo/runner/internal/infra/config"
	"github.com/coachpo/runner/internal/infra/notify"
	httpserver "github.com/coachpo/runner/internal/infra/server/http"
	"github.com/coachpo/runner/internal/infra/telemetry"
	"github.com/coachpo/runner/internal/observability"
)

const (
	runnerLoggerPrefix           = "runner "
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	dispatchDrainTimeout         = 15 * time.Second
	notifierShutdownTimeout      = 5 * time.Second
	engineShutdownTimeout        = 5 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	streamBuffer                 = 64
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	stdLogger := newRunnerLogger()

	appCfg, err := config.Load(ctx, cfgPathFlag)
	if err != nil {
		stdLogger.Fatalf("load config: %v", err)
	}
	logger := observability.NewStdLogger(stdLogger, appCfg.Environment == config.EnvDev)
	observability.SetLogger(logger)
	stdLogger.Printf("configuration initialised: env=%s, parallel=%t, throttle=%s",
		appCfg.Environment, appCfg.Dispatch.ParallelExecution, appCfg.Backtest.Throttle.Duration)

	telemetryProvider, err := initTelemetry(ctx, stdLogger, appCfg)
	if err != nil {
		stdLogger.Fatalf("initialize telemetry: %v", err)
	}

	engines, err := bootstrap.BuildEngines(ctx, appCfg.Engines, logger)
	if err != nil {
		stdLogger.Fatalf("initialise engines: %v", err)
	}
	registry, err := engines.Registry()
	if err != nil {
		stdLogger.Fatalf("initialise engine registry: %v", err)
	}
	brains := make(map[engine.Kind]httpserver.BrainCatalog, len(engines.ByKind))
	for kind, eng := range engines.ByKind {
		brains[kind] = eng
		stdLogger.Printf("%s engine ready: brains=%d", kind, len(eng.Brains()))
	}

	notifier, err := bootstrap.BuildNotifier(appCfg.Notifier, logger)
	if err != nil {
		stdLogger.Fatalf("initialise notifier: %v", err)
	}
	stdLogger.Printf("replay notifier channels: %v", notifier.Channels())

	runs, err := bootstrap.OpenRunStore(ctx, appCfg, stdLogger)
	if err != nil {
		stdLogger.Fatalf("initialise run store: %v", err)
	}
	if runs.Pool != nil {
		stdLogger.Print("run history persisted to postgres")
	} else {
		stdLogger.Printf("run history kept in memory: size=%d", appCfg.Dispatch.HistorySize)
	}

	recorder := history.NewRecorder(runs.Store, logger, 0)
	stream := httpserver.NewBroadcaster(streamBuffer, logger)

	runDispatcher, err := bootstrap.Dispatcher(appCfg, registry,
		dispatcher.WithNotifier(notifier),
		dispatcher.WithSinks(recorder, stream),
		dispatcher.WithLogger(logger))
	if err != nil {
		stdLogger.Fatalf("initialise dispatcher: %v", err)
	}

	handler, err := httpserver.NewHandler(httpserver.Options{
		Dispatcher:        runDispatcher,
		Engines:           registry,
		Brains:            brains,
		Runs:              recorder,
		Stream:            stream,
		RequestsPerSecond: appCfg.APIServer.RequestsPerSecond,
		Burst:             appCfg.APIServer.Burst,
		Logger:            logger,
	})
	if err != nil {
		stdLogger.Fatalf("initialise control api: %v", err)
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := httpserver.Serve(serverCtx, appCfg.APIServer.Addr, handler, controlServerShutdownTimeout); err != nil {
			stdLogger.Printf("control server: %v", err)
			cancel()
		}
	})
	stdLogger.Printf("control API listening on %s", appCfg.APIServer.Addr)

	stdLogger.Print("runner started; awaiting shutdown signal")
	<-ctx.Done()
	stdLogger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, stdLogger, gracefulShutdownConfig{
		stopServer: stopServer,
		lifecycle:  &lifecycle,
		dispatcher: runDispatcher,
		stream:     stream,
		notifier:   notifier,
		registry:   registry,
		runs:       runs,
		telemetry:  telemetryProvider,
	})

	stdLogger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", "Path to application configuration file (default: $RUNNER_CONFIG or config/app.yaml)")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newRunnerLogger() *log.Logger {
	return log.New(os.Stdout, runnerLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, appCfg config.AppConfig) (*telemetry.Provider, error) {
	telemetryCfg := bootstrap.TelemetryConfig(appCfg)
	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}
	if provider.Enabled() {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

type gracefulShutdownConfig struct {
	stopServer context.CancelFunc
	lifecycle  *conc.WaitGroup
	dispatcher *dispatcher.Dispatcher
	stream     *httpserver.Broadcaster
	notifier   *notify.Notifier
	registry   *engine.Registry
	runs       bootstrap.RunStore
	telemetry  *telemetry.Provider
}

// performGracefulShutdown stops intake first, then drains in-flight runs before releasing
// the components they report to.
func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.stopServer != nil {
		cfg.stopServer()
	}
	if cfg.lifecycle != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout+time.Second, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.dispatcher != nil {
		shutdownStep("draining background runs", dispatchDrainTimeout, cfg.dispatcher.Wait)
	}

	if cfg.stream != nil {
		logger.Print("shutdown: closing run stream")
		cfg.stream.Close()
	}

	if cfg.notifier != nil {
		shutdownStep("flushing replay notifications", notifierShutdownTimeout, cfg.notifier.Close)
	}

	if cfg.registry != nil {
		shutdownStep("closing engines", engineShutdownTimeout, cfg.registry.Close)
	}

	cfg.runs.Close()

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry.Shutdown)
	}
}
