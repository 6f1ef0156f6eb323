package journal

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speechd/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openJournal(t *testing.T, cfg config.JournalConfig) *Journal {
	t.Helper()
	j, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestEphemeralJournalIsNoop(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, config.JournalConfig{RetentionMode: RetentionEphemeral})
	if err := j.OpenSession(ctx, "s1", "127.0.0.1:1"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := j.AppendEvent(ctx, Event{SessionID: "s1", Type: EventStreamCompleted}); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := j.SessionEvents(ctx, "s1", 10)
	if err != nil || events != nil {
		t.Fatalf("expected no events, got %v %v", events, err)
	}
}

func TestPersistentJournalKeepsTimeline(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: RetentionPersistent,
	})

	if err := j.OpenSession(ctx, "s1", "127.0.0.1:5000"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	for _, typ := range []string{EventVoicesEnumerated, EventStreamCancelled, EventStreamCompleted} {
		if err := j.AppendEvent(ctx, Event{SessionID: "s1", Type: typ, Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("append %s: %v", typ, err)
		}
	}
	if err := j.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("close session: %v", err)
	}

	events, err := j.SessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 || events[0].Type != EventVoicesEnumerated || events[2].Type != EventStreamCompleted {
		t.Fatalf("unexpected events %+v", events)
	}
	if events[0].CreatedAt.IsZero() {
		t.Fatal("expected creation time to be parsed")
	}

	sessions, err := j.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].Remote != "127.0.0.1:5000" || sessions[0].ClosedAt.IsZero() {
		t.Fatalf("unexpected sessions %+v", sessions)
	}
}

func TestSessionRetentionDropsEventsOnClose(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: RetentionSession,
	})
	if err := j.OpenSession(ctx, "s1", "peer"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := j.AppendEvent(ctx, Event{SessionID: "s1", Type: EventStreamCompleted}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := j.CloseSession(ctx, "s1"); err != nil {
		t.Fatalf("close session: %v", err)
	}
	events, err := j.SessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected events dropped, got %d", len(events))
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	ctx := context.Background()
	j := openJournal(t, config.JournalConfig{
		Path:          filepath.Join(t.TempDir(), "journal.db"),
		RetentionMode: RetentionPersistent,
		RetentionDays: 1,
		MaxSessions:   1,
	})

	j.clock = func() time.Time { return time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) }
	if err := j.OpenSession(ctx, "old", "peer"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := j.AppendEvent(ctx, Event{SessionID: "old", Type: EventStreamCompleted}); err != nil {
		t.Fatalf("append: %v", err)
	}

	j.clock = func() time.Time { return time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC) }
	if err := j.OpenSession(ctx, "new", "peer"); err != nil {
		t.Fatalf("open session: %v", err)
	}
	if err := j.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := j.SessionEvents(ctx, "old", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatal("expected old connection pruned")
	}
	sessions, err := j.Sessions(ctx, 10)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "new" {
		t.Fatalf("unexpected sessions after prune %+v", sessions)
	}
}
