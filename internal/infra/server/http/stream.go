package httpserver

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/coachpo/runner/internal/app/dispatcher"
	"github.com/coachpo/runner/internal/app/history"
	"github.com/coachpo/runner/internal/observability"
)

const streamWriteTimeout = 5 * time.Second

// Broadcaster fans dispatch outcomes out to websocket subscribers. It is a dispatcher sink
// and an http.Handler for the stream endpoint. Slow subscribers lose events rather than
// stalling dispatch.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[chan []byte]struct{}
	closed      bool
	buffer      int
	dropped     atomic.Uint64
	logger      observability.Logger
}

// NewBroadcaster constructs a Broadcaster buffering up to buffer events per subscriber.
func NewBroadcaster(buffer int, logger observability.Logger) *Broadcaster {
	if buffer <= 0 {
		buffer = 32
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &Broadcaster{
		subscribers: make(map[chan []byte]struct{}),
		buffer:      buffer,
		logger:      logger,
	}
}

// Deliver publishes the outcome as a run record to every subscriber.
func (b *Broadcaster) Deliver(_ context.Context, outcome dispatcher.Outcome) {
	payload, err := json.Marshal(history.ToRecord(outcome))
	if err != nil {
		b.logger.Error("encode run event", observability.F("error", err))
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subscribers {
		select {
		case ch <- payload:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of connected streams.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Dropped returns how many events were discarded for slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	return b.dropped.Load()
}

// Close disconnects every subscriber and rejects new ones.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}

func (b *Broadcaster) subscribe() (chan []byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	ch := make(chan []byte, b.buffer)
	b.subscribers[ch] = struct{}{}
	return ch, true
}

func (b *Broadcaster) unsubscribe(ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

// ServeHTTP upgrades the request and streams run events until either side disconnects.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	events, ok := b.subscribe()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "run stream closed")
		return
	}
	defer b.unsubscribe(events)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		b.logger.Error("run stream upgrade failed", observability.F("error", err))
		return
	}
	defer conn.CloseNow()

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case payload, open := <-events:
			if !open {
				_ = conn.Close(websocket.StatusGoingAway, "shutdown")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
