package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speechd/internal/engine/enginetest"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestConcurrentAcquireStartsOnce(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New("alice")
	eng.LoadDelay = 20 * time.Millisecond
	m := New(eng, Options{}, newLogger())

	const sessions = 16
	var wg sync.WaitGroup
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Acquire(ctx); err != nil {
				t.Errorf("acquire: %v", err)
			}
		}()
	}
	wg.Wait()

	if eng.Starts() != 1 {
		t.Fatalf("expected one start, got %d", eng.Starts())
	}
	if m.References() != sessions {
		t.Fatalf("expected %d references, got %d", sessions, m.References())
	}

	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.Release(ctx); err != nil {
				t.Errorf("release: %v", err)
			}
		}()
	}
	wg.Wait()

	if eng.Stops() != 1 {
		t.Fatalf("expected one stop, got %d", eng.Stops())
	}
	if m.References() != 0 || m.Loaded() || eng.Loaded() {
		t.Fatalf("expected unloaded engine with no references")
	}
	if eng.Overlapped() {
		t.Fatal("start and stop overlapped")
	}
}

func TestStopOnlyAfterLastRelease(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New("alice")
	m := New(eng, Options{}, newLogger())

	for i := 0; i < 3; i++ {
		if err := m.Acquire(ctx); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	for i := 0; i < 2; i++ {
		if err := m.Release(ctx); err != nil {
			t.Fatalf("release: %v", err)
		}
		if eng.Stops() != 0 || !m.Loaded() {
			t.Fatalf("engine unloaded while %d references remain", m.References())
		}
	}
	if err := m.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if eng.Stops() != 1 {
		t.Fatalf("expected stop after last release, got %d", eng.Stops())
	}

	// a new session reloads the engine
	if err := m.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if eng.Starts() != 2 {
		t.Fatalf("expected reload, got %d starts", eng.Starts())
	}
}

func TestPreloadKeepsEngineResident(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New("alice")
	var transitions []Transition
	m := New(eng, Options{Preload: true, OnTransition: func(tr Transition) {
		transitions = append(transitions, tr)
	}}, newLogger())

	if err := m.Preload(ctx); err != nil {
		t.Fatalf("preload: %v", err)
	}
	if eng.Starts() != 1 || !m.Loaded() {
		t.Fatal("expected engine loaded by preload")
	}
	if err := m.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if eng.Starts() != 1 || eng.Stops() != 0 {
		t.Fatalf("preloaded engine should not cycle: starts=%d stops=%d", eng.Starts(), eng.Stops())
	}
	if err := m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if eng.Stops() != 1 {
		t.Fatalf("expected stop on close, got %d", eng.Stops())
	}
	if len(transitions) != 2 || !transitions[0].Loaded || transitions[1].Loaded {
		t.Fatalf("unexpected transitions %+v", transitions)
	}
}

func TestFailedStartLeavesCountUnchanged(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New("alice")
	eng.StartErr = errors.New("no model")
	m := New(eng, Options{}, newLogger())

	err := m.Acquire(ctx)
	if err == nil || !errors.Is(err, eng.StartErr) {
		t.Fatalf("expected start error, got %v", err)
	}
	if m.References() != 0 || m.Loaded() {
		t.Fatalf("failed start must not take a reference")
	}

	eng.StartErr = nil
	if err := m.Acquire(ctx); err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
	if eng.Starts() != 2 || m.References() != 1 {
		t.Fatalf("expected retry to load: starts=%d refs=%d", eng.Starts(), m.References())
	}
}

func TestUnmatchedReleasePanics(t *testing.T) {
	m := New(enginetest.New("alice"), Options{}, newLogger())
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on unmatched release")
		}
		if m.References() != 0 {
			t.Fatalf("count must not go negative, got %d", m.References())
		}
	}()
	_ = m.Release(context.Background())
}

func TestStopFailureStillDropsReference(t *testing.T) {
	ctx := context.Background()
	eng := enginetest.New("alice")
	eng.StopErr = errors.New("stuck")
	m := New(eng, Options{}, newLogger())

	if err := m.Acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := m.Release(ctx); !errors.Is(err, eng.StopErr) {
		t.Fatalf("expected stop error, got %v", err)
	}
	if m.References() != 0 || m.Loaded() {
		t.Fatal("expected reference dropped and engine marked unloaded")
	}
}
