package main

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/loqa-speechd/internal/playback"
	"github.com/loqalabs/loqa-speechd/internal/protocol"
	"github.com/loqalabs/loqa-speechd/pkg/client"
)

// sink receives the chunks of one stream.
type sink interface {
	Write(client.Chunk) error
	Close() error
}

// newFileSink picks the output format from the file extension: .wav gets a RIFF
// header, anything else is raw PCM16LE.
func newFileSink(w io.WriteSeeker, name string) (sink, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		return &wavSink{w: w}, nil
	case ".pcm", ".raw", "":
		return &pcmSink{w: bufio.NewWriter(w)}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q, use .wav or .pcm", filepath.Ext(name))
	}
}

// wavSink creates its encoder on the first chunk, when the sample rate is known.
type wavSink struct {
	w   io.WriteSeeker
	enc *wav.Encoder
}

func (s *wavSink) Write(ch client.Chunk) error {
	if s.enc == nil {
		s.enc = wav.NewEncoder(s.w, ch.SampleRate, 16, 1, 1)
	}
	data := make([]int, len(ch.Samples))
	for i, v := range ch.Samples {
		data[i] = int(v)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: ch.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := s.enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}

func (s *wavSink) Close() error {
	if s.enc == nil {
		return nil
	}
	enc := s.enc
	s.enc = nil
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

type pcmSink struct {
	w *bufio.Writer
}

func (s *pcmSink) Write(ch client.Chunk) error {
	_, err := s.w.Write(protocol.EncodeSamples(ch.Samples))
	return err
}

func (s *pcmSink) Close() error {
	return s.w.Flush()
}

type playerSink struct {
	p *playback.Player
}

func (s playerSink) Write(ch client.Chunk) error { return s.p.Write(ch.Samples) }
func (s playerSink) Close() error                { return s.p.Close() }
