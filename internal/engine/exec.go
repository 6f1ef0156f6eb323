package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-speechd/internal/protocol"
)

// ExecConfig configures an engine backed by an external model host command.
type ExecConfig struct {
	Name       string
	Command    string
	SampleRate int
	UseGPU     bool
}

type execEngine struct {
	name       string
	cmd        []string
	sampleRate int
	device     string

	mu     sync.RWMutex
	voices []string
	known  map[string]struct{}
}

type execRequest struct {
	Op         string `json:"op"`
	Text       string `json:"text,omitempty"`
	Voice      string `json:"voice,omitempty"`
	Language   string `json:"language,omitempty"`
	SampleRate int    `json:"sample_rate"`
	Device     string `json:"device"`
}

type execVoicesResponse struct {
	Voices []string `json:"voices"`
	Error  string   `json:"error"`
}

type execChunkResponse struct {
	PCMBase64 string `json:"pcm_base64"`
	Final     bool   `json:"final"`
	Error     string `json:"error"`
}

// NewExec parses the command line of the model host. Each call into the host spawns
// the command, writes one JSON request on stdin and reads JSON lines from stdout.
func NewExec(cfg ExecConfig) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command empty")
	}
	device := "cpu"
	if cfg.UseGPU {
		device = "cuda"
	}
	return &execEngine{name: cfg.Name, cmd: args, sampleRate: cfg.SampleRate, device: device}, nil
}

func (e *execEngine) Name() string    { return e.name }
func (e *execEngine) SampleRate() int { return e.sampleRate }

// Start asks the host for its speaker list. A host that cannot answer is not usable.
func (e *execEngine) Start(ctx context.Context) error {
	proc, err := e.spawn(ctx, execRequest{Op: "voices"})
	if err != nil {
		return err
	}
	defer proc.Close()

	line, err := proc.readLine()
	if err != nil {
		return fmt.Errorf("read voices: %w", err)
	}
	var resp execVoicesResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode voices: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("engine host: %s", resp.Error)
	}

	known := make(map[string]struct{}, len(resp.Voices))
	for _, v := range resp.Voices {
		known[v] = struct{}{}
	}
	e.mu.Lock()
	e.voices = resp.Voices
	e.known = known
	e.mu.Unlock()
	return nil
}

func (e *execEngine) Stop(context.Context) error {
	e.mu.Lock()
	e.voices = nil
	e.known = nil
	e.mu.Unlock()
	return nil
}

func (e *execEngine) Voices(context.Context) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.known == nil {
		return nil, ErrNotLoaded
	}
	return append([]string(nil), e.voices...), nil
}

func (e *execEngine) Synthesize(ctx context.Context, req Request) (Stream, error) {
	e.mu.RLock()
	known := e.known
	_, ok := known[req.Voice]
	e.mu.RUnlock()
	if known == nil {
		return nil, ErrNotLoaded
	}
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownVoice, req.Voice)
	}
	return e.spawn(ctx, execRequest{
		Op:       "synthesize",
		Text:     req.Text,
		Voice:    req.Voice,
		Language: req.Language,
	})
}

func (e *execEngine) spawn(ctx context.Context, req execRequest) (*execStream, error) {
	req.SampleRate = e.sampleRate
	req.Device = e.device
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, e.cmd[0], e.cmd[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start engine host: %w", err)
	}
	if _, err := stdin.Write(append(payload, '\n')); err != nil {
		cancel()
		_ = cmd.Wait()
		return nil, fmt.Errorf("write engine request: %w", err)
	}
	stdin.Close()

	return &execStream{cmd: cmd, cancel: cancel, out: bufio.NewReader(stdout)}, nil
}

type execStream struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	out    *bufio.Reader
	done   bool

	closeOnce sync.Once
	closeErr  error
}

func (s *execStream) readLine() ([]byte, error) {
	for {
		line, err := protocol.ReadLine(s.out)
		if err != nil {
			return nil, err
		}
		if len(line) > 0 {
			return line, nil
		}
	}
}

func (s *execStream) Next(ctx context.Context) (Chunk, error) {
	if s.done {
		return nil, io.EOF
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	line, err := s.readLine()
	if errors.Is(err, io.EOF) {
		s.done = true
		if werr := s.wait(); werr != nil {
			return nil, fmt.Errorf("engine host: %w", werr)
		}
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}

	var resp execChunkResponse
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("engine host: %s", resp.Error)
	}
	pcm, err := base64.StdEncoding.DecodeString(resp.PCMBase64)
	if err != nil {
		return nil, fmt.Errorf("decode chunk pcm: %w", err)
	}
	if resp.Final {
		s.done = true
	}
	return Chunk(protocol.DecodeSamples(pcm)), nil
}

func (s *execStream) wait() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.cmd.Wait()
		s.cancel()
	})
	return s.closeErr
}

// Close stops the host process if it is still producing audio.
func (s *execStream) Close() error {
	s.cancel()
	s.closeOnce.Do(func() {
		// the process was killed by cancel, so its exit status carries no information
		_ = s.cmd.Wait()
	})
	return nil
}
