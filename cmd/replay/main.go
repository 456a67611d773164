// Command replay feeds a CSV of historical signals through the dispatcher's backtest path.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coachpo/runner/internal/app/bootstrap"
	"github.com/coachpo/runner/internal/app/dispatcher"
	"github.com/coachpo/runner/internal/app/engine"
	"github.com/coachpo/runner/internal/app/history"
	"github.com/coachpo/runner/internal/backtest"
	"github.com/coachpo/runner/internal/infra/config"
	"github.com/coachpo/runner/internal/observability"
)

const drainTimeout = time.Minute

type options struct {
	configPath  string
	dataPath    string
	brain       string
	base        string
	quote       string
	ordered     bool
	stopOnError bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to application configuration file")
	fs.StringVar(&opts.dataPath, "data", "", "CSV file with timestamp, instrument and brain columns")
	fs.StringVar(&opts.brain, "brain", "", "Brain used for rows with an empty brain column")
	fs.StringVar(&opts.base, "base", "", "Only replay instruments with this base currency")
	fs.StringVar(&opts.quote, "quote", "", "Only replay instruments with this quote currency")
	fs.BoolVar(&opts.ordered, "ordered", false, "Replay signals oldest first instead of in file order")
	fs.BoolVar(&opts.stopOnError, "stop-on-error", false, "Abort at the first failed replay")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if opts.dataPath == "" {
		return options{}, errors.New("-data flag is required")
	}
	return opts, nil
}

func run() error {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	stdLogger := log.New(os.Stdout, "replay ", log.LstdFlags|log.Lmicroseconds)
	appCfg, err := config.Load(ctx, opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := observability.NewStdLogger(stdLogger, appCfg.Environment == config.EnvDev)
	observability.SetLogger(logger)

	engines, err := bootstrap.BuildEngines(ctx, appCfg.Engines, logger, engine.KindTest)
	if err != nil {
		return fmt.Errorf("initialise engines: %w", err)
	}
	registry, err := engines.Registry()
	if err != nil {
		return fmt.Errorf("initialise engine registry: %w", err)
	}
	notifier, err := bootstrap.BuildNotifier(appCfg.Notifier, logger)
	if err != nil {
		return fmt.Errorf("initialise notifier: %w", err)
	}
	runs, err := bootstrap.OpenRunStore(ctx, appCfg, stdLogger)
	if err != nil {
		return fmt.Errorf("initialise run store: %w", err)
	}
	defer runs.Close()

	d, err := bootstrap.Dispatcher(appCfg, registry,
		dispatcher.WithNotifier(notifier),
		dispatcher.WithSinks(history.NewRecorder(runs.Store, logger, 0)),
		dispatcher.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("initialise dispatcher: %w", err)
	}

	feeder, err := backtest.NewCSVFeeder(opts.dataPath,
		backtest.WithPair(opts.base, opts.quote),
		backtest.WithDefaultBrain(opts.brain))
	if err != nil {
		return err
	}
	defer func() { _ = feeder.Close() }()

	replayOpts := []backtest.ReplayerOption{backtest.WithReplayLogger(logger)}
	if opts.ordered {
		replayOpts = append(replayOpts, backtest.WithChronologicalOrder())
	}
	if opts.stopOnError {
		replayOpts = append(replayOpts, backtest.WithStopOnError())
	}
	replayer, err := backtest.NewReplayer(feeder, d, replayOpts...)
	if err != nil {
		return err
	}

	started := time.Now()
	summary, runErr := replayer.Run(ctx)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
	defer drainCancel()
	if err := d.Wait(drainCtx); err != nil {
		stdLogger.Printf("drain background runs: %v", err)
	}
	if err := notifier.Close(drainCtx); err != nil {
		stdLogger.Printf("flush notifications: %v", err)
	}
	if err := registry.Close(drainCtx); err != nil {
		stdLogger.Printf("close engines: %v", err)
	}

	stdLogger.Printf("replay finished in %v: signals=%d dispatched=%d failed=%d",
		time.Since(started), summary.Signals, summary.Dispatched, summary.Failed)
	if runErr != nil {
		return fmt.Errorf("replay: %w", runErr)
	}
	if summary.Failed > 0 && opts.stopOnError {
		return fmt.Errorf("replay: %d signals failed", summary.Failed)
	}
	return nil
}
