// Package lifecycle keeps the speech engine loaded exactly while sessions need it.
//
// Sessions call Acquire when they open and Release when they close. The first
// Acquire loads the engine and the last Release unloads it, unless the engine was
// preloaded, in which case it stays resident until Close. Loads and unloads run
// under the manager lock, so concurrent callers wait for a transition in flight.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-speechd/internal/engine"
)

// Transition is reported after the engine is loaded or unloaded.
type Transition struct {
	Engine     string
	Loaded     bool
	References int
}

type Options struct {
	Preload bool
	// OnTransition is called with the lock held; it must not call back into the manager.
	OnTransition func(Transition)
}

type Manager struct {
	engine engine.Engine
	opts   Options
	log    *slog.Logger

	mu     sync.Mutex
	refs   int
	loaded bool

	transitions metric.Int64Counter
}

func New(eng engine.Engine, opts Options, log *slog.Logger) *Manager {
	m := &Manager{
		engine: eng,
		opts:   opts,
		log:    log.With(slog.String("component", "engine-lifecycle")),
	}
	if err := m.initMetrics(); err != nil {
		m.log.Warn("failed to initialize metrics", slogError(err))
	}
	return m
}

// Preload loads the engine ahead of the first session when configured to.
func (m *Manager) Preload(ctx context.Context) error {
	if !m.opts.Preload {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loaded {
		return nil
	}
	return m.start(ctx)
}

// Acquire takes a reference on the engine, loading it when this is the first one.
// On a failed load the reference is not taken.
func (m *Manager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs == 0 && !m.loaded {
		if err := m.start(ctx); err != nil {
			return err
		}
	}
	m.refs++
	m.log.Debug("engine reference acquired", slog.Int("references", m.refs))
	return nil
}

// Release drops a reference taken by Acquire and unloads the engine after the last
// one. Releasing more than was acquired panics.
func (m *Manager) Release(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refs <= 0 {
		panic("lifecycle: Release called without a matching Acquire")
	}
	m.refs--
	m.log.Debug("engine reference released", slog.Int("references", m.refs))
	if m.refs > 0 || m.opts.Preload || !m.loaded {
		return nil
	}
	return m.stop(ctx)
}

// Close unloads the engine at shutdown if it is still resident.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil
	}
	if m.refs > 0 {
		m.log.Warn("unloading engine with sessions still open", slog.Int("references", m.refs))
	}
	return m.stop(ctx)
}

func (m *Manager) References() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.refs
}

func (m *Manager) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

func (m *Manager) start(ctx context.Context) error {
	m.log.Info("loading engine", slog.String("engine", m.engine.Name()))
	if err := m.engine.Start(ctx); err != nil {
		m.record(ctx, "start", false)
		return fmt.Errorf("start engine: %w", err)
	}
	m.loaded = true
	m.record(ctx, "start", true)
	m.log.Info("engine loaded", slog.String("engine", m.engine.Name()))
	m.notify()
	return nil
}

func (m *Manager) stop(ctx context.Context) error {
	m.log.Info("unloading engine", slog.String("engine", m.engine.Name()))
	// the engine is treated as unloaded even if Stop fails; a later Acquire reloads it
	m.loaded = false
	err := m.engine.Stop(ctx)
	m.record(ctx, "stop", err == nil)
	m.notify()
	if err != nil {
		return fmt.Errorf("stop engine: %w", err)
	}
	return nil
}

func (m *Manager) notify() {
	if m.opts.OnTransition == nil {
		return
	}
	m.opts.OnTransition(Transition{Engine: m.engine.Name(), Loaded: m.loaded, References: m.refs})
}

func (m *Manager) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-speechd/lifecycle")
	refs, err := meter.Int64ObservableGauge("speech.engine.references",
		metric.WithDescription("Sessions holding a reference on the engine"))
	if err != nil {
		return err
	}
	loaded, err := meter.Int64ObservableGauge("speech.engine.loaded",
		metric.WithDescription("1 while the engine is resident"))
	if err != nil {
		return err
	}
	m.transitions, err = meter.Int64Counter("speech.engine.transitions",
		metric.WithDescription("Engine load and unload attempts"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		m.mu.Lock()
		count, resident := m.refs, m.loaded
		m.mu.Unlock()
		obs.ObserveInt64(refs, int64(count))
		if resident {
			obs.ObserveInt64(loaded, 1)
		} else {
			obs.ObserveInt64(loaded, 0)
		}
		return nil
	}, refs, loaded)
	return err
}

func (m *Manager) record(ctx context.Context, op string, ok bool) {
	if m.transitions == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("ok", ok),
	))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
