// Package enginetest provides a scripted engine for exercising callers of engine.Engine.
package enginetest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speechd/internal/engine"
)

// Engine is a scripted engine.Engine. Every synthesis yields Chunks in order, unless
// Script returns a sequence for the request.
type Engine struct {
	Ident      string
	Rate       int
	VoiceNames []string
	Chunks     []engine.Chunk
	Script     func(req engine.Request) []engine.Chunk
	// FailAfter makes streams return NextErr after that many chunks when NextErr is set.
	FailAfter int
	NextErr   error
	// NextPanic, when set, makes streams panic with it after FailAfter chunks.
	NextPanic any
	StartErr  error
	StopErr   error
	LoadDelay time.Duration

	mu       sync.Mutex
	loaded   bool
	starts   int
	stops    int
	requests []engine.Request

	inTransition atomic.Int32
	overlapped   atomic.Bool
	openStreams  atomic.Int32
}

// New returns a loaded-on-start fake named XTTS2 at 24 kHz.
func New(voices ...string) *Engine {
	return &Engine{Ident: "XTTS2", Rate: 24000, VoiceNames: voices}
}

func (e *Engine) Name() string    { return e.Ident }
func (e *Engine) SampleRate() int { return e.Rate }

func (e *Engine) Start(ctx context.Context) error {
	if e.inTransition.Add(1) > 1 {
		e.overlapped.Store(true)
	}
	defer e.inTransition.Add(-1)
	if e.LoadDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.LoadDelay):
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts++
	if e.StartErr != nil {
		return e.StartErr
	}
	e.loaded = true
	return nil
}

func (e *Engine) Stop(context.Context) error {
	if e.inTransition.Add(1) > 1 {
		e.overlapped.Store(true)
	}
	defer e.inTransition.Add(-1)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stops++
	e.loaded = false
	return e.StopErr
}

func (e *Engine) Voices(context.Context) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return nil, engine.ErrNotLoaded
	}
	return append([]string(nil), e.VoiceNames...), nil
}

func (e *Engine) Synthesize(_ context.Context, req engine.Request) (engine.Stream, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.loaded {
		return nil, engine.ErrNotLoaded
	}
	known := false
	for _, v := range e.VoiceNames {
		if v == req.Voice {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w %q", engine.ErrUnknownVoice, req.Voice)
	}
	e.requests = append(e.requests, req)

	chunks := e.Chunks
	if e.Script != nil {
		chunks = e.Script(req)
	}
	e.openStreams.Add(1)
	return &stream{owner: e, chunks: chunks, failAfter: e.FailAfter, failErr: e.NextErr, panicWith: e.NextPanic}, nil
}

// Starts reports how many times Start ran.
func (e *Engine) Starts() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.starts
}

// Stops reports how many times Stop ran.
func (e *Engine) Stops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stops
}

func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loaded
}

// Requests returns the synthesis requests seen so far.
func (e *Engine) Requests() []engine.Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Request(nil), e.requests...)
}

// Overlapped reports whether two Start/Stop calls ever ran at the same time.
func (e *Engine) Overlapped() bool { return e.overlapped.Load() }

// OpenStreams counts streams that were handed out and not closed.
func (e *Engine) OpenStreams() int { return int(e.openStreams.Load()) }

type stream struct {
	owner     *Engine
	chunks    []engine.Chunk
	next      int
	failAfter int
	failErr   error
	panicWith any
	closed    bool
}

func (s *stream) Next(ctx context.Context) (engine.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.panicWith != nil && s.next >= s.failAfter {
		panic(s.panicWith)
	}
	if s.failErr != nil && s.next >= s.failAfter {
		return nil, s.failErr
	}
	if s.next >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.next]
	s.next++
	return c, nil
}

func (s *stream) Close() error {
	if !s.closed {
		s.closed = true
		s.owner.openStreams.Add(-1)
	}
	return nil
}
