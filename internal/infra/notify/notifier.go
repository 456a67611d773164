package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/infra/telemetry"
	"github.com/coachpo/runner/internal/observability"
	"github.com/coachpo/runner/lib/async"
)

// Config tunes delivery.
type Config struct {
	Workers      int
	Queue        int
	MaxAttempts  uint
	RetryInitial time.Duration
	RetryMax     time.Duration
}

// DefaultConfig returns the delivery settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Workers:      2,
		Queue:        64,
		MaxAttempts:  4,
		RetryInitial: 500 * time.Millisecond,
		RetryMax:     10 * time.Second,
	}
}

// Notifier fans replay announcements out to its channels on a bounded worker pool, so
// callers never wait on delivery.
type Notifier struct {
	cfg      Config
	channels []Channel
	pool     *async.Pool
	logger   observability.Logger

	deliveries metric.Int64Counter
}

// ReplayBanner renders the delimiter message that marks the start of a replay run.
func ReplayBanner(instrument string, month time.Month, year int) string {
	return fmt.Sprintf("=========%s %d %d=========>", strings.TrimSpace(instrument), int(month), year)
}

// New constructs a notifier over channels. With no channels every announcement is dropped.
func New(cfg Config, logger observability.Logger, channels ...Channel) (*Notifier, error) {
	defaults := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}
	if cfg.Queue <= 0 {
		cfg.Queue = defaults.Queue
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = defaults.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = defaults.RetryMax
	}
	if logger == nil {
		logger = observability.Log()
	}

	n := &Notifier{cfg: cfg, logger: logger}
	for _, ch := range channels {
		if ch != nil {
			n.channels = append(n.channels, ch)
		}
	}
	pool, err := async.NewPool(cfg.Workers, cfg.Queue, async.WithErrorHandler(func(err error) {
		n.logger.Error("replay notification failed", observability.F("error", err))
	}))
	if err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	n.pool = pool

	meter := otel.Meter("notify")
	n.deliveries, _ = meter.Int64Counter("notify.deliveries",
		metric.WithDescription("Replay notifications by channel and result"),
		metric.WithUnit("{message}"))
	return n, nil
}

// Channels returns the names of the configured channels.
func (n *Notifier) Channels() []string {
	names := make([]string, 0, len(n.channels))
	for _, ch := range n.channels {
		names = append(names, ch.Name())
	}
	return names
}

// ReplayStarted queues the replay banner on every channel and returns immediately. Delivery
// failures are logged, never returned.
func (n *Notifier) ReplayStarted(ctx context.Context, instrument string, month time.Month, year int) {
	if n == nil || len(n.channels) == 0 {
		return
	}
	text := ReplayBanner(instrument, month, year)
	detached := context.WithoutCancel(ctx)
	for _, ch := range n.channels {
		channel := ch
		err := n.pool.Submit(detached, func(taskCtx context.Context) error {
			return n.deliver(taskCtx, channel, text)
		})
		if err != nil {
			n.record(detached, channel.Name(), string(errs.CodeUnavailable))
			n.logger.Error("replay notification dropped",
				observability.F("channel", channel.Name()),
				observability.F("instrument", instrument),
				observability.F("error", err))
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, ch Channel, text string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = n.cfg.RetryInitial
	policy.MaxInterval = n.cfg.RetryMax

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, ch.Send(ctx, text)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(n.cfg.MaxAttempts))
	if err != nil {
		n.record(ctx, ch.Name(), "error")
		return errs.New("notify", errs.CodeDownstream,
			errs.WithMessage("deliver replay banner"),
			errs.WithField("channel", ch.Name()),
			errs.WithField("attempts", fmt.Sprint(attempt)),
			errs.WithCause(err))
	}
	n.record(ctx, ch.Name(), telemetry.ResultSuccess)
	n.logger.Debug("replay notification sent",
		observability.F("channel", ch.Name()),
		observability.F("attempts", attempt))
	return nil
}

func (n *Notifier) record(ctx context.Context, channel, result string) {
	if n.deliveries == nil {
		return
	}
	n.deliveries.Add(ctx, 1, metric.WithAttributes(telemetry.NotifyAttributes(telemetry.Environment(), channel, result)...))
}

// Close waits for queued notifications to be delivered or ctx to end.
func (n *Notifier) Close(ctx context.Context) error {
	if n == nil || n.pool == nil {
		return nil
	}
	if err := n.pool.Shutdown(ctx); err != nil {
		return fmt.Errorf("notify close: %w", err)
	}
	return nil
}
