package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speechd/internal/bus"
	"github.com/loqalabs/loqa-speechd/internal/config"
	"github.com/loqalabs/loqa-speechd/internal/engine"
	"github.com/loqalabs/loqa-speechd/internal/journal"
	"github.com/loqalabs/loqa-speechd/internal/lifecycle"
	"github.com/loqalabs/loqa-speechd/internal/natsserver"
	"github.com/loqalabs/loqa-speechd/internal/server"
	"github.com/loqalabs/loqa-speechd/internal/session"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	httpListener   net.Listener
	tracerClose    func(context.Context) error
	metricsHandler http.Handler
	ready          atomic.Bool
	readyCh        chan struct{}
	wg             sync.WaitGroup

	journal    *journal.Journal
	natsServer *natsserver.EmbeddedServer
	busClient  *bus.Client
	engine     engine.Engine
	lifecycle  *lifecycle.Manager
	sessions   *session.Handler
	server     *server.Server
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		logger:  logger,
		readyCh: make(chan struct{}),
	}
}

// Ready is closed once the speech listener is accepting connections.
func (r *Runtime) Ready() <-chan struct{} {
	return r.readyCh
}

// SpeechAddr is the bound speech protocol address. Valid after Ready.
func (r *Runtime) SpeechAddr() net.Addr {
	return r.server.Addr()
}

// HTTPAddr is the bound health and metrics address, or nil when disabled. Valid after Ready.
func (r *Runtime) HTTPAddr() net.Addr {
	if r.httpListener == nil {
		return nil
	}
	return r.httpListener.Addr()
}

// Start brings up every component, serves until ctx is cancelled and then tears
// everything down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler
	defer r.shutdownTelemetry()

	if err := r.initJournal(ctx); err != nil {
		return err
	}
	defer r.closeJournal()

	if err := r.initBus(); err != nil {
		return err
	}
	defer r.closeBus()

	if err := r.initEngine(ctx); err != nil {
		return err
	}
	defer r.closeEngine()

	if err := r.initSpeechServer(); err != nil {
		return err
	}
	if err := r.startHTTP(); err != nil {
		_ = r.server.Close()
		return err
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		serveErr <- r.server.Serve(ctx)
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.pruneLoop(ctx)
	}()

	r.ready.Store(true)
	close(r.readyCh)
	r.logger.Info("runtime started",
		slog.String("speech_addr", r.server.Addr().String()),
		slog.String("engine", r.engine.Name()),
	)

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("speech server: %w", err)
		}
		cancel()
	}

	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.stopHTTP()
	_ = r.server.Close()
	r.wg.Wait()
	return runErr
}

func (r *Runtime) initJournal(ctx context.Context) error {
	j, err := journal.Open(ctx, r.cfg.Journal, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	r.journal = j
	return nil
}

func (r *Runtime) closeJournal() {
	if err := r.journal.Close(); err != nil {
		r.logger.Error("journal close error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) initBus() error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	var url string
	if r.cfg.Bus.Embedded {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS: %w", err)
		}
		r.natsServer = ns
		url = ns.ClientURL()
	}
	client, err := bus.Connect(r.cfg.Bus, url, r.logger)
	if err != nil {
		r.natsServer.Shutdown()
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.busClient = client
	return nil
}

func (r *Runtime) closeBus() {
	if r.busClient != nil {
		r.busClient.Close()
	}
	r.natsServer.Shutdown()
}

func (r *Runtime) initEngine(ctx context.Context) error {
	eng, err := newEngine(r.cfg.Engine)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	r.engine = eng

	opts := lifecycle.Options{Preload: r.cfg.Engine.Preload}
	if r.busClient != nil {
		opts.OnTransition = r.publishTransition
	}
	r.lifecycle = lifecycle.New(eng, opts, r.logger)
	if err := r.lifecycle.Preload(ctx); err != nil {
		return fmt.Errorf("failed to preload engine: %w", err)
	}
	return nil
}

func (r *Runtime) closeEngine() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.lifecycle.Close(ctx); err != nil {
		r.logger.Error("engine shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) publishTransition(t lifecycle.Transition) {
	subject := bus.SubjectEngineUnloaded
	if t.Loaded {
		subject = bus.SubjectEngineLoaded
	}
	evt := map[string]any{
		"engine":     t.Engine,
		"references": t.References,
		"timestamp":  time.Now().UTC(),
	}
	if err := r.busClient.PublishJSON(subject, evt); err != nil {
		r.logger.Warn("failed to publish engine transition", slog.String("error", err.Error()))
	}
}

func (r *Runtime) initSpeechServer() error {
	cfg := session.Config{
		Engine:    r.engine,
		Lifecycle: r.lifecycle,
		Languages: r.cfg.Engine.Languages,
		Recorder:  r.journal,
	}
	if r.busClient != nil {
		cfg.Publisher = r.busClient
	}
	r.sessions = session.NewHandler(cfg, r.logger)
	r.server = server.New(r.cfg.Server, r.sessions, r.logger)
	return r.server.Listen()
}

func (r *Runtime) startHTTP() error {
	if !r.cfg.HTTP.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/status", r.handleStatus)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}

	addr := net.JoinHostPort(r.cfg.HTTP.Bind, strconv.Itoa(r.cfg.HTTP.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen on %s: %w", addr, err)
	}
	r.httpListener = ln
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
	r.logger.Info("http server listening", slog.String("addr", ln.Addr().String()))
	return nil
}

func (r *Runtime) stopHTTP() {
	if r.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.httpServer.Shutdown(ctx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.journal.Prune(ctx); err != nil {
				r.logger.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func newEngine(cfg config.EngineConfig) (engine.Engine, error) {
	switch cfg.Mode {
	case "mock":
		return engine.NewMock(engine.MockConfig{
			Name:            cfg.Name,
			SampleRate:      cfg.SampleRate,
			Voices:          cfg.Voices,
			ChunkDurationMS: cfg.ChunkDurationMS,
			LoadDelay:       time.Duration(cfg.LoadDelayMS) * time.Millisecond,
		}), nil
	case "exec":
		return engine.NewExec(engine.ExecConfig{
			Name:       cfg.Name,
			Command:    cfg.Command,
			SampleRate: cfg.SampleRate,
			UseGPU:     cfg.UseGPU,
		})
	default:
		return nil, fmt.Errorf("unsupported engine mode %q", cfg.Mode)
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type status struct {
	Engine     string `json:"engine"`
	Loaded     bool   `json:"loaded"`
	References int    `json:"references"`
	Sessions   int    `json:"sessions"`
}

func (r *Runtime) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status{
		Engine:     r.engine.Name(),
		Loaded:     r.lifecycle.Loaded(),
		References: r.lifecycle.References(),
		Sessions:   r.sessions.ActiveSessions(),
	})
}
