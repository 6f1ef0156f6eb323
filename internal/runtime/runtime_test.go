package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-speechd/internal/config"
	"github.com/loqalabs/loqa-speechd/pkg/client"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.HTTP.Bind = "127.0.0.1"
	cfg.HTTP.Port = 0
	cfg.Engine.Voices = []string{"alice", "bob"}
	cfg.Engine.ChunkDurationMS = 10
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Journal.RetentionMode = "persistent"
	return cfg
}

func startRuntime(t *testing.T, cfg config.Config) *Runtime {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	rt := New(cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()

	select {
	case <-rt.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("runtime exited early: %v", err)
	case <-time.After(10 * time.Second):
		cancel()
		t.Fatal("runtime did not become ready")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("runtime did not stop")
		}
	})
	return rt
}

func getStatus(t *testing.T, rt *Runtime) status {
	t.Helper()
	resp, err := http.Get("http://" + rt.HTTPAddr().String() + "/status")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	defer resp.Body.Close()
	var st status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	return st
}

func TestRuntimeServesSpeechAndStatus(t *testing.T) {
	rt := startRuntime(t, testConfig(t))
	base := "http://" + rt.HTTPAddr().String()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("get %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s returned %d", path, resp.StatusCode)
		}
	}

	if st := getStatus(t, rt); st.Loaded || st.References != 0 || st.Engine != "XTTS2" {
		t.Fatalf("unexpected idle status %+v", st)
	}

	ctx := context.Background()
	c, err := client.Dial(ctx, rt.SpeechAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	voices, err := c.EnumerateVoices(ctx)
	if err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(voices) != 2 || voices[0].Voice != "alice" || len(voices[0].Languages) != 17 {
		t.Fatalf("unexpected voices %+v", voices)
	}

	res, err := c.Stream(ctx, client.StreamRequest{Text: "one two three", Voice: "bob", Engine: "XTTS2", Language: "en"},
		func(client.Chunk) bool { return true })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if res.Chunks != 3 || res.SampleRate != 24000 {
		t.Fatalf("unexpected stream result %+v", res)
	}

	st := getStatus(t, rt)
	if !st.Loaded || st.References != 1 || st.Sessions != 1 {
		t.Fatalf("unexpected busy status %+v", st)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		st = getStatus(t, rt)
		if !st.Loaded && st.References == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("engine not unloaded after last session: %+v", st)
		}
		time.Sleep(10 * time.Millisecond)
	}

	sessions, err := rt.journal.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("journal sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected one journaled session, got %d", len(sessions))
	}
	events, err := rt.journal.SessionEvents(ctx, sessions[0].ID, 10)
	if err != nil {
		t.Fatalf("journal events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected enumerate and stream events, got %+v", events)
	}
}

func TestRuntimePreloadKeepsEngineResident(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Preload = true
	cfg.Bus.Enabled = true
	cfg.Bus.Embedded = true
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	rt := startRuntime(t, cfg)

	if st := getStatus(t, rt); !st.Loaded {
		t.Fatalf("expected preloaded engine, got %+v", st)
	}

	nc, err := nats.Connect(rt.natsServer.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()
	sub, err := nc.SubscribeSync("speech.>")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	ctx := context.Background()
	c, err := client.Dial(ctx, rt.SpeechAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if _, err := c.Stream(ctx, client.StreamRequest{Text: "hi", Voice: "alice", Engine: "XTTS2", Language: "en"},
		func(client.Chunk) bool { return true }); err != nil {
		t.Fatalf("stream: %v", err)
	}
	c.Close()

	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("expected stream summary: %v", err)
	}
	if msg.Subject != "speech.stream.done" {
		t.Fatalf("unexpected subject %s", msg.Subject)
	}

	// a preloaded engine stays resident after the last session
	time.Sleep(50 * time.Millisecond)
	if st := getStatus(t, rt); !st.Loaded || st.References != 0 {
		t.Fatalf("expected resident engine, got %+v", st)
	}
	if _, err := sub.NextMsg(100 * time.Millisecond); err == nil {
		t.Fatal("unexpected engine transition while preloaded")
	}
}
