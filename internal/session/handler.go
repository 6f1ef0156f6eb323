// Package session serves one client connection: it reads line-delimited JSON
// commands and answers them until the client hangs up or sends a blank line.
package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/loqalabs/loqa-speechd/internal/engine"
	"github.com/loqalabs/loqa-speechd/internal/journal"
	"github.com/loqalabs/loqa-speechd/internal/protocol"
)

// Lifecycle hands out references on the shared engine.
type Lifecycle interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
}

// Recorder keeps a timeline of what happened on each connection.
type Recorder interface {
	OpenSession(ctx context.Context, sessionID, remote string) error
	CloseSession(ctx context.Context, sessionID string) error
	AppendEvent(ctx context.Context, evt journal.Event) error
}

// Publisher announces finished streams to other components.
type Publisher interface {
	PublishJSON(subject string, v any) error
}

const SubjectStreamDone = "speech.stream.done"

// StreamSummary is published on SubjectStreamDone.
type StreamSummary struct {
	SessionID string    `json:"session_id"`
	Voice     string    `json:"voice"`
	Language  string    `json:"language"`
	Outcome   Outcome   `json:"outcome"`
	Chunks    int       `json:"chunks"`
	Bytes     int       `json:"bytes"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type Config struct {
	Engine    engine.Engine
	Lifecycle Lifecycle
	Languages []string
	Recorder  Recorder
	Publisher Publisher
}

// Handler serves connections. It is safe for concurrent use; each connection gets
// its own session state.
type Handler struct {
	engine    engine.Engine
	lifecycle Lifecycle
	languages []string
	recorder  Recorder
	publisher Publisher
	streamer  *Streamer
	log       *slog.Logger
	tracer    trace.Tracer
	metrics   *metrics
	active    atomic.Int64
}

func NewHandler(cfg Config, log *slog.Logger) *Handler {
	log = log.With(slog.String("component", "session"))
	h := &Handler{
		engine:    cfg.Engine,
		lifecycle: cfg.Lifecycle,
		languages: cfg.Languages,
		recorder:  cfg.Recorder,
		publisher: cfg.Publisher,
		streamer:  NewStreamer(cfg.Engine, log),
		log:       log,
		tracer:    otel.Tracer("github.com/loqalabs/loqa-speechd/session"),
	}
	if h.recorder == nil {
		h.recorder = nopRecorder{}
	}
	if len(h.languages) == 0 {
		h.languages = engine.DefaultLanguages
	}
	m, err := newMetrics()
	if err != nil {
		log.Warn("failed to initialize metrics", slogError(err))
	}
	h.metrics = m
	return h
}

// ActiveSessions reports sessions holding an engine reference.
func (h *Handler) ActiveSessions() int {
	return int(h.active.Load())
}

type session struct {
	*Handler
	id     string
	conn   net.Conn
	reader *bufio.Reader
	log    *slog.Logger
}

// ServeConn runs the command loop for conn and closes it on return. The engine
// reference taken on entry is released on every exit path.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s := &session{
		Handler: h,
		id:      uuid.NewString(),
		conn:    conn,
		reader:  bufio.NewReader(conn),
	}
	s.log = h.log.With(slog.String("session_id", s.id), slog.String("remote", conn.RemoteAddr().String()))
	s.log.Info("connected")

	if err := h.lifecycle.Acquire(ctx); err != nil {
		s.log.Error("engine unavailable, closing connection", slogError(err))
		return
	}
	defer func() {
		if err := h.lifecycle.Release(context.WithoutCancel(ctx)); err != nil {
			s.log.Error("engine release failed", slogError(err))
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("session panicked", slog.Any("panic", p))
		}
	}()

	h.active.Add(1)
	defer h.active.Add(-1)
	h.metrics.sessionOpened(ctx)
	defer h.metrics.sessionClosed(context.WithoutCancel(ctx))

	if err := h.recorder.OpenSession(ctx, s.id, conn.RemoteAddr().String()); err != nil {
		s.log.Warn("failed to record session", slogError(err))
	}
	defer func() {
		if err := h.recorder.CloseSession(context.WithoutCancel(ctx), s.id); err != nil {
			s.log.Warn("failed to record session close", slogError(err))
		}
	}()

	err := s.run(ctx)
	switch {
	case err == nil, errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.log.Info("disconnected")
	default:
		s.log.Warn("connection failed", slogError(err))
	}
}

func (s *session) run(ctx context.Context) error {
	for {
		line, err := protocol.ReadLine(s.reader)
		if err != nil {
			return err
		}
		if len(line) == 0 {
			return nil
		}
		if err := s.dispatch(ctx, line); err != nil {
			return err
		}
	}
}

// dispatch handles one command. Only connection failures are returned; anything
// else, including a panic outside a stream, is answered on the wire and the loop
// carries on.
func (s *session) dispatch(ctx context.Context, line []byte) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("command panicked", slog.Any("panic", p))
			err = s.reject(ctx, fmt.Errorf("internal error: %v", p))
		}
	}()

	cmd, err := protocol.DecodeCommand(line)
	if err != nil {
		return s.reject(ctx, err)
	}

	switch c := cmd.(type) {
	case protocol.EnumerateVoices:
		return s.enumerateVoices(ctx)
	case protocol.TTSStream:
		if c.Engine != s.engine.Name() {
			s.log.Debug("ignoring request for unsupported engine", slog.String("engine", c.Engine))
			return nil
		}
		return s.stream(ctx, c)
	case protocol.Unknown:
		s.log.Debug("ignoring unknown method", slog.String("method", c.Method))
	}
	return nil
}

func (s *session) reject(ctx context.Context, cause error) error {
	s.log.Warn("command failed", slogError(cause))
	s.record(ctx, journal.EventCommandRejected, map[string]string{"error": cause.Error()})
	return protocol.WriteJSONLine(s.conn, protocol.ErrorResponse(cause.Error()))
}

func (s *session) enumerateVoices(ctx context.Context) error {
	names, err := s.engine.Voices(ctx)
	if err != nil {
		return s.reject(ctx, fmt.Errorf("enumerate voices: %w", err))
	}
	voices := make([]protocol.Voice, 0, len(names))
	for _, name := range names {
		voices = append(voices, protocol.Voice{
			Voice:      name,
			Engine:     s.engine.Name(),
			Languages:  s.languages,
			SampleRate: s.engine.SampleRate(),
		})
	}
	s.record(ctx, journal.EventVoicesEnumerated, map[string]int{"voices": len(voices)})
	return protocol.WriteJSONLine(s.conn, voices)
}

func (s *session) stream(ctx context.Context, req protocol.TTSStream) error {
	ctx, span := s.tracer.Start(ctx, "session.tts_stream", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.String("tts.voice", req.Voice),
		attribute.String("tts.language", req.Language),
		attribute.Int("tts.text_length", len(req.Text)),
	))
	defer span.End()

	res, err := s.streamer.Stream(ctx, s.reader, s.conn, req)

	span.SetAttributes(
		attribute.String("tts.outcome", string(res.Outcome)),
		attribute.Int("tts.chunks", res.Chunks),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
	}
	if err != nil {
		span.RecordError(err)
		return err
	}

	s.metrics.streamFinished(ctx, res)
	s.log.Info("stream finished",
		slog.String("outcome", string(res.Outcome)),
		slog.Int("chunks", res.Chunks),
		slog.Int("bytes", res.Bytes))

	summary := StreamSummary{
		SessionID: s.id,
		Voice:     req.Voice,
		Language:  req.Language,
		Outcome:   res.Outcome,
		Chunks:    res.Chunks,
		Bytes:     res.Bytes,
		Timestamp: time.Now().UTC(),
	}
	if res.Err != nil {
		summary.Error = res.Err.Error()
	}
	s.record(ctx, streamEventType(res.Outcome), summary)
	if s.publisher != nil {
		if err := s.publisher.PublishJSON(SubjectStreamDone, summary); err != nil {
			s.log.Warn("failed to publish stream summary", slogError(err))
		}
	}
	return nil
}

func (s *session) record(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	evt := journal.Event{SessionID: s.id, Type: eventType, Payload: data}
	if err := s.recorder.AppendEvent(ctx, evt); err != nil {
		s.log.Warn("failed to record event", slogError(err), slog.String("type", eventType))
	}
}

func streamEventType(o Outcome) string {
	switch o {
	case OutcomeCompleted:
		return journal.EventStreamCompleted
	case OutcomeCancelled:
		return journal.EventStreamCancelled
	default:
		return journal.EventStreamFailed
	}
}

type nopRecorder struct{}

func (nopRecorder) OpenSession(context.Context, string, string) error { return nil }
func (nopRecorder) CloseSession(context.Context, string) error        { return nil }
func (nopRecorder) AppendEvent(context.Context, journal.Event) error  { return nil }

type metrics struct {
	sessions metric.Int64UpDownCounter
	streams  metric.Int64Counter
	chunks   metric.Int64Counter
	bytes    metric.Int64Counter
}

func newMetrics() (*metrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-speechd/session")
	var (
		m   metrics
		err error
	)
	if m.sessions, err = meter.Int64UpDownCounter("speech.sessions.active",
		metric.WithDescription("Open client connections")); err != nil {
		return nil, err
	}
	if m.streams, err = meter.Int64Counter("speech.streams",
		metric.WithDescription("Finished ttsStream requests by outcome")); err != nil {
		return nil, err
	}
	if m.chunks, err = meter.Int64Counter("speech.stream.chunks",
		metric.WithDescription("Audio frames delivered")); err != nil {
		return nil, err
	}
	if m.bytes, err = meter.Int64Counter("speech.stream.bytes",
		metric.WithDescription("PCM bytes delivered"), metric.WithUnit("By")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *metrics) sessionOpened(ctx context.Context) {
	if m != nil {
		m.sessions.Add(ctx, 1)
	}
}

func (m *metrics) sessionClosed(ctx context.Context) {
	if m != nil {
		m.sessions.Add(ctx, -1)
	}
}

func (m *metrics) streamFinished(ctx context.Context, res StreamResult) {
	if m == nil {
		return
	}
	m.streams.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(res.Outcome))))
	m.chunks.Add(ctx, int64(res.Chunks))
	m.bytes.Add(ctx, int64(res.Bytes))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
