package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-speechd/internal/engine"
	"github.com/loqalabs/loqa-speechd/internal/protocol"
)

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	// OutcomeRejected means the engine refused the request before any audio was sent.
	OutcomeRejected Outcome = "rejected"
	// OutcomeFailed means the engine broke off after the stream header was sent.
	OutcomeFailed Outcome = "failed"
)

// StreamResult summarizes one ttsStream request.
type StreamResult struct {
	Outcome Outcome
	Chunks  int
	Bytes   int
	Err     error
}

// Streamer delivers synthesized audio one frame at a time, waiting for the client to
// acknowledge each frame before producing the next one.
type Streamer struct {
	engine engine.Engine
	log    *slog.Logger
}

func NewStreamer(eng engine.Engine, log *slog.Logger) *Streamer {
	return &Streamer{engine: eng, log: log}
}

// Stream runs one request to completion or cancellation. The returned error is
// only set when the connection itself failed and the session cannot continue.
//
// An engine failure before any audio is answered with an error response. Once the
// stream header is on the wire the framing cannot carry an error object, so a
// failure or panic from the engine ends the stream with the regular zero-length
// terminator: on the client side it looks like a short, completed stream. The
// result still reports OutcomeFailed.
func (s *Streamer) Stream(ctx context.Context, r *bufio.Reader, w io.Writer, req protocol.TTSStream) (res StreamResult, err error) {
	headerSent := false
	defer func() {
		p := recover()
		if p == nil {
			return
		}
		perr := fmt.Errorf("engine panic: %v", p)
		s.log.Error("synthesis panicked", slogError(perr), slog.Bool("header_sent", headerSent))
		res.Err = perr
		if headerSent {
			res.Outcome = OutcomeFailed
			err = protocol.WriteFrame(w, nil)
			return
		}
		res.Outcome = OutcomeRejected
		err = protocol.WriteJSONLine(w, protocol.ErrorResponse(perr.Error()))
	}()

	stream, err := s.engine.Synthesize(ctx, engine.Request{
		Text:     req.Text,
		Voice:    req.Voice,
		Language: req.Language,
	})
	if err != nil {
		res.Outcome = OutcomeRejected
		res.Err = err
		return res, protocol.WriteJSONLine(w, protocol.ErrorResponse(err.Error()))
	}
	defer stream.Close()

	if err := protocol.WriteJSONLine(w, protocol.StreamHeader(s.engine.SampleRate())); err != nil {
		return res, err
	}
	headerSent = true

	for {
		chunk, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			// the engine ran dry without a terminal chunk; close the stream for it
			res.Outcome = OutcomeCompleted
			return res, protocol.WriteFrame(w, nil)
		}
		if err != nil {
			s.log.Warn("synthesis failed mid-stream", slogError(err), slog.Int("chunks", res.Chunks))
			res.Outcome = OutcomeFailed
			res.Err = err
			return res, protocol.WriteFrame(w, nil)
		}

		payload := protocol.EncodeSamples(chunk)
		if err := protocol.WriteFrame(w, payload); err != nil {
			return res, err
		}
		if len(payload) == 0 {
			res.Outcome = OutcomeCompleted
			return res, nil
		}
		res.Chunks++
		res.Bytes += len(payload)

		ack, err := protocol.ReadLine(r)
		if err != nil {
			// a client that hangs up mid-stream cancels it; the session loop sees the EOF next
			res.Outcome = OutcomeCancelled
			if errors.Is(err, io.EOF) {
				return res, nil
			}
			return res, err
		}
		if string(ack) != protocol.Ack {
			res.Outcome = OutcomeCancelled
			return res, nil
		}
	}
}
