package main

import (
	"bytes"
	"context"
	"log"
	"testing"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/runner/internal/app/bootstrap"
	"github.com/coachpo/runner/internal/app/dispatcher"
	"github.com/coachpo/runner/internal/app/engine"
	"github.com/coachpo/runner/internal/domain/run"
	"github.com/coachpo/runner/internal/infra/config"
	"github.com/coachpo/runner/internal/infra/notify"
	"github.com/coachpo/runner/internal/infra/persistence/memory"
	httpserver "github.com/coachpo/runner/internal/infra/server/http"
)

func TestPerformGracefulShutdownDrainsRuns(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	registry, err := engine.NewRegistry(map[engine.Kind]engine.Engine{
		engine.KindTest: engine.Func(func(context.Context, run.Context) error {
			<-release
			close(finished)
			return nil
		}),
	})
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Dispatch.ParallelExecution = true
	cfg.Backtest.Throttle = config.Duration{}
	d, err := bootstrap.Dispatcher(cfg, registry)
	require.NoError(t, err)
	_, err = d.Execute(context.Background(), run.ModeTest, "ETH/USD", "momentum")
	require.NoError(t, err)

	notifier, err := notify.New(notify.DefaultConfig(), nil)
	require.NoError(t, err)

	buf := new(bytes.Buffer)
	logger := log.New(buf, "", 0)
	var lifecycle conc.WaitGroup
	serverStopped := make(chan struct{})
	serverCtx, stopServer := context.WithCancel(context.Background())
	lifecycle.Go(func() {
		<-serverCtx.Done()
		close(serverStopped)
	})

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	performGracefulShutdown(ctx, logger, gracefulShutdownConfig{
		stopServer: stopServer,
		lifecycle:  &lifecycle,
		dispatcher: d,
		stream:     httpserver.NewBroadcaster(1, nil),
		notifier:   notifier,
		registry:   registry,
		runs:       bootstrap.RunStore{Store: memory.NewRunStore(1)},
	})

	require.Eventually(t, func() bool {
		select {
		case <-finished:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	<-serverStopped
	out := buf.String()
	require.Contains(t, out, "shutdown: stopping control server completed")
	require.Contains(t, out, "shutdown: draining background runs completed")
	require.Contains(t, out, "shutdown: closing engines completed")
	require.NotContains(t, out, "failed")
}

func TestInitTelemetryDisabledWithoutEndpoint(t *testing.T) {
	buf := new(bytes.Buffer)
	provider, err := initTelemetry(context.Background(), log.New(buf, "", 0), config.Default())
	require.NoError(t, err)
	require.False(t, provider.Enabled())
	require.Contains(t, buf.String(), "telemetry disabled")
	require.NoError(t, provider.Shutdown(context.Background()))
}

var _ dispatcher.Sink = (*httpserver.Broadcaster)(nil)
