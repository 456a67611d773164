package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coachpo/runner/errs"
	"github.com/coachpo/runner/internal/domain/run"
	"github.com/coachpo/runner/internal/observability"
)

// Stats summarises the activity of a registered engine.
type Stats struct {
	Kind          Kind      `json:"kind"`
	Active        int       `json:"active"`
	Runs          uint64    `json:"runs"`
	Failures      uint64    `json:"failures"`
	LastStartedAt time.Time `json:"lastStartedAt,omitempty"`
	LastError     string    `json:"lastError,omitempty"`
}

type entry struct {
	engine Engine
	stats  Stats
}

// Registry owns the engine instances and hands out reference-counted handles to them.
type Registry struct {
	mu      sync.Mutex
	entries map[Kind]*entry
	closed  bool
	refs    sync.WaitGroup
	clock   func() time.Time

	closeOnce sync.Once
}

// NewRegistry constructs a registry for the provided engines.
func NewRegistry(engines map[Kind]Engine) (*Registry, error) {
	if len(engines) == 0 {
		return nil, errs.New("engine", errs.CodeConfiguration, errs.WithMessage("at least one engine required"))
	}
	entries := make(map[Kind]*entry, len(engines))
	for kind, eng := range engines {
		if _, err := ParseKind(string(kind)); err != nil {
			return nil, err
		}
		if eng == nil {
			return nil, errs.New("engine", errs.CodeConfiguration,
				errs.WithMessage("engine must not be nil"),
				errs.WithField("kind", string(kind)))
		}
		entries[kind] = &entry{engine: eng, stats: Stats{Kind: kind}}
	}
	return &Registry{entries: entries, clock: time.Now}, nil
}

// Acquire returns a handle to the engine of the given kind. Callers must Release it.
func (r *Registry) Acquire(kind Kind) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errs.New("engine", errs.CodeUnavailable, errs.WithMessage("registry closed"))
	}
	e, ok := r.entries[kind]
	if !ok {
		return nil, errs.New("engine", errs.CodeUnavailable,
			errs.WithMessage("engine not registered"),
			errs.WithField("kind", string(kind)))
	}
	e.stats.Active++
	r.refs.Add(1)
	return &Handle{registry: r, kind: kind, engine: e.engine}, nil
}

// Stats returns a snapshot of every registered engine ordered by kind.
func (r *Registry) Stats() []Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stats, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.stats)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

// Close stops handing out handles, waits for outstanding ones to be released and closes
// engines that hold resources. It may be retried after a context timeout.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.refs.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("engine registry close: %w", ctx.Err())
	case <-done:
	}

	var closeErrs []error
	r.closeOnce.Do(func() {
		closeErrs = r.closeEngines()
	})
	return observability.JoinErrors("engine registry close", closeErrs)
}

func (r *Registry) closeEngines() []error {
	var closeErrs []error
	for kind, e := range r.entries {
		closer, ok := e.engine.(Closer)
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil {
			closeErrs = append(closeErrs, fmt.Errorf("close %s engine: %w", kind, err))
		}
	}
	return closeErrs
}

func (r *Registry) started(kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[kind]; ok {
		e.stats.Runs++
		e.stats.LastStartedAt = r.clock()
	}
}

func (r *Registry) finished(kind Kind, err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[kind]; ok {
		e.stats.Failures++
		e.stats.LastError = err.Error()
	}
}

func (r *Registry) release(kind Kind) {
	r.mu.Lock()
	if e, ok := r.entries[kind]; ok && e.stats.Active > 0 {
		e.stats.Active--
	}
	r.mu.Unlock()
	r.refs.Done()
}

// Handle is a reference to a registered engine held for the duration of one run.
type Handle struct {
	registry *Registry
	kind     Kind
	engine   Engine
	once     sync.Once
}

// Kind returns the kind of engine the handle refers to.
func (h *Handle) Kind() Kind {
	return h.kind
}

// Start runs the engine and records the outcome in the registry statistics.
func (h *Handle) Start(ctx context.Context, rc run.Context) error {
	h.registry.started(h.kind)
	err := h.engine.Start(ctx, rc)
	h.registry.finished(h.kind, err)
	return err
}

// Release returns the handle to the registry. Subsequent calls are no-ops.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.registry.release(h.kind)
	})
}
