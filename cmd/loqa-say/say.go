package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-speechd/internal/playback"
	"github.com/loqalabs/loqa-speechd/pkg/client"
)

type sayOptions struct {
	voice    string
	language string
	engine   string
	out      string
	play     bool
}

func newSayCommand(root *rootOptions) *cobra.Command {
	opts := &sayOptions{}
	cmd := &cobra.Command{
		Use:   "say TEXT...",
		Short: "Synthesize text and play it or write it to a file",
		Example: `loqa-say say "Hello there" --voice "Claribel Dervla" --play
loqa-say say "Hello there" --voice "Claribel Dervla" --out hello.wav`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.out == "" && !opts.play {
				return errors.New("nothing to do: pass --out, --play or both")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), root.timeout)
			defer cancel()
			return runSay(ctx, cmd, root.addr, strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVar(&opts.voice, "voice", "", "voice name, see `loqa-say voices`")
	cmd.Flags().StringVar(&opts.language, "language", "en", "language code")
	cmd.Flags().StringVar(&opts.engine, "engine", "XTTS2", "engine the server must be running")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "", "write audio to a .wav or raw .pcm file")
	cmd.Flags().BoolVar(&opts.play, "play", false, "play audio on the default output device")
	_ = cmd.MarkFlagRequired("voice")
	return cmd
}

func runSay(ctx context.Context, cmd *cobra.Command, addr, text string, opts *sayOptions) error {
	c, err := client.Dial(ctx, addr)
	if err != nil {
		return err
	}
	defer c.Close()

	var (
		sinks  []sink
		player *playback.Player
	)
	if opts.out != "" {
		f, err := os.Create(opts.out)
		if err != nil {
			return fmt.Errorf("create %s: %w", opts.out, err)
		}
		defer f.Close()
		s, err := newFileSink(f, opts.out)
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
	}
	defer func() {
		for _, s := range sinks {
			_ = s.Close()
		}
	}()

	var sinkErr error
	res, err := c.Stream(ctx, client.StreamRequest{
		Text:     text,
		Voice:    opts.voice,
		Engine:   opts.engine,
		Language: opts.language,
	}, func(ch client.Chunk) bool {
		if opts.play && player == nil {
			// the sample rate is only known once audio arrives
			if player, sinkErr = playback.Open(ch.SampleRate); sinkErr != nil {
				return false
			}
			sinks = append(sinks, playerSink{player})
		}
		for _, s := range sinks {
			if sinkErr = s.Write(ch); sinkErr != nil {
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	if sinkErr != nil {
		return sinkErr
	}

	for _, s := range sinks {
		if err := s.Close(); err != nil {
			return err
		}
	}
	sinks = nil

	fmt.Fprintf(cmd.ErrOrStderr(), "%d chunks at %d Hz\n", res.Chunks, res.SampleRate)
	return nil
}
