package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"math"
	"strings"
	"sync"
	"time"
)

// MockConfig configures the tone generator engine.
type MockConfig struct {
	Name            string
	SampleRate      int
	Voices          []string
	ChunkDurationMS int
	LoadDelay       time.Duration
}

type mockEngine struct {
	cfg MockConfig

	mu     sync.RWMutex
	loaded bool

	// pitch per voice, derived on first use
	pitches sync.Map
}

// NewMock returns an engine that renders one short tone per word of input.
func NewMock(cfg MockConfig) Engine {
	if cfg.ChunkDurationMS <= 0 {
		cfg.ChunkDurationMS = 200
	}
	return &mockEngine{cfg: cfg}
}

func (m *mockEngine) Name() string    { return m.cfg.Name }
func (m *mockEngine) SampleRate() int { return m.cfg.SampleRate }

func (m *mockEngine) Start(ctx context.Context) error {
	if m.cfg.LoadDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.cfg.LoadDelay):
		}
	}
	m.mu.Lock()
	m.loaded = true
	m.mu.Unlock()
	return nil
}

func (m *mockEngine) Stop(context.Context) error {
	m.mu.Lock()
	m.loaded = false
	m.mu.Unlock()
	m.pitches.Range(func(key, _ any) bool {
		m.pitches.Delete(key)
		return true
	})
	return nil
}

func (m *mockEngine) Voices(context.Context) ([]string, error) {
	if !m.isLoaded() {
		return nil, ErrNotLoaded
	}
	return append([]string(nil), m.cfg.Voices...), nil
}

func (m *mockEngine) Synthesize(_ context.Context, req Request) (Stream, error) {
	if !m.isLoaded() {
		return nil, ErrNotLoaded
	}
	pitch, err := m.pitch(req.Voice)
	if err != nil {
		return nil, err
	}
	return &toneStream{
		words:      strings.Fields(req.Text),
		pitch:      pitch,
		sampleRate: m.cfg.SampleRate,
		samples:    m.cfg.SampleRate * m.cfg.ChunkDurationMS / 1000,
	}, nil
}

func (m *mockEngine) isLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

func (m *mockEngine) pitch(voice string) (float64, error) {
	if v, ok := m.pitches.Load(voice); ok {
		return v.(float64), nil
	}
	found := false
	for _, name := range m.cfg.Voices {
		if name == voice {
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("%w %q", ErrUnknownVoice, voice)
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(voice))
	pitch := 140 + float64(h.Sum32()%120)
	actual, _ := m.pitches.LoadOrStore(voice, pitch)
	return actual.(float64), nil
}

type toneStream struct {
	words      []string
	next       int
	pitch      float64
	sampleRate int
	samples    int
	closed     bool
}

func (s *toneStream) Next(ctx context.Context) (Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.closed || s.next >= len(s.words) {
		return nil, io.EOF
	}
	word := s.words[s.next]
	s.next++

	freq := s.pitch * (1 + float64(len(word)%5)/10)
	chunk := make(Chunk, s.samples)
	for i := range chunk {
		t := float64(i) / float64(s.sampleRate)
		chunk[i] = int16(math.Sin(2*math.Pi*freq*t) * 8000)
	}
	return chunk, nil
}

func (s *toneStream) Close() error {
	s.closed = true
	return nil
}
