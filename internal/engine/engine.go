package engine

import (
	"context"
	"errors"
)

var (
	ErrUnknownVoice = errors.New("unknown voice")
	ErrNotLoaded    = errors.New("engine not loaded")
)

// DefaultLanguages lists the languages the XTTS2 model speaks.
var DefaultLanguages = []string{
	"en", "es", "fr", "de", "it", "pt", "pl", "tr", "ru",
	"nl", "cs", "ar", "zh-cn", "ja", "hu", "ko", "hi",
}

// Request contains parameters to synthesize speech.
type Request struct {
	Text     string
	Voice    string
	Language string
}

// Chunk is one run of signed 16-bit mono samples. An empty chunk ends the stream.
type Chunk []int16

// Stream yields the chunks of one synthesis in order. Next returns io.EOF once the
// sequence is exhausted. Close releases the stream and may be called at any point.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

// Engine is the contract for the speech model. Start and Stop load and unload the
// model; callers are expected to serialize them.
type Engine interface {
	Name() string
	SampleRate() int
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Voices(ctx context.Context) ([]string, error)
	Synthesize(ctx context.Context, req Request) (Stream, error)
}
