//go:build cgo && !nocgo

package playback

import (
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/loqalabs/loqa-speechd/internal/protocol"
)

// Player feeds samples to the speaker through a pipe, so playback starts with the
// first chunk instead of waiting for the whole utterance.
type Player struct {
	player *oto.Player
	pw     *io.PipeWriter
}

// Open creates the audio context. oto allows one context per process, so Open may
// only be called once.
func Open(sampleRate int) (*Player, error) {
	options := &oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatSignedInt16LE,
	}
	switch runtime.GOOS {
	case "darwin":
		options.BufferSize = 100 * time.Millisecond
	case "windows":
		options.BufferSize = 80 * time.Millisecond
	default:
		options.BufferSize = 50 * time.Millisecond
	}

	ctx, ready, err := oto.NewContext(options)
	if err != nil {
		return nil, fmt.Errorf("create audio context: %w", err)
	}
	select {
	case <-ready:
	case <-time.After(5 * time.Second):
		return nil, fmt.Errorf("audio context initialization timeout")
	}

	pr, pw := io.Pipe()
	p := &Player{player: ctx.NewPlayer(pr), pw: pw}
	p.player.Play()
	return p, nil
}

// Write queues samples for playback. It blocks while the device buffer is full.
func (p *Player) Write(samples []int16) error {
	_, err := p.pw.Write(protocol.EncodeSamples(samples))
	return err
}

// Close waits for queued audio to finish and releases the player.
func (p *Player) Close() error {
	_ = p.pw.Close()
	for p.player.IsPlaying() {
		time.Sleep(10 * time.Millisecond)
	}
	return p.player.Close()
}
