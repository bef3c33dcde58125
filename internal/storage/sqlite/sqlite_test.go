package sqlite

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/safeshell/internal/audit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "nested", "audit.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := Open(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAudit_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	exit := 2
	id := uuid.New()

	rec := audit.Record{
		ID:          id,
		Tool:        "safe_shell",
		Caller:      "http",
		Verb:        "ls",
		ArgCount:    1,
		Status:      "completed",
		ExitCode:    &exit,
		Truncated:   true,
		OutputBytes: 8016,
		Duration:    1500 * time.Millisecond,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.Audit().Append(ctx, rec); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Audit().Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Recent returned %d records", len(got))
	}
	r := got[0]
	if r.ID != id || r.Verb != "ls" || r.Caller != "http" || !r.Truncated || r.OutputBytes != 8016 {
		t.Errorf("record = %+v", r)
	}
	if r.ExitCode == nil || *r.ExitCode != 2 {
		t.Errorf("ExitCode = %v", r.ExitCode)
	}
	if r.Duration != 1500*time.Millisecond {
		t.Errorf("Duration = %s", r.Duration)
	}
}

func TestAudit_DefaultsAndOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	for i, verb := range []string{"pwd", "ls", "cat"} {
		rec := audit.Record{Tool: "safe_shell", Caller: "agent", Verb: verb, Status: "completed",
			CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := s.Audit().Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// Zero ID and timestamp are filled in.
	if err := s.Audit().Append(ctx, audit.Record{Tool: "safe_shell", Caller: "cli", Status: "rejected", Kind: "empty_command"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Audit().Recent(ctx, 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("Recent returned %d records, want 4", len(got))
	}
	if got[0].Kind != "empty_command" || got[0].ID == uuid.Nil {
		t.Errorf("newest = %+v", got[0])
	}
	if got[1].Verb != "cat" || got[3].Verb != "pwd" {
		t.Errorf("order = %s, %s", got[1].Verb, got[3].Verb)
	}
	if got[0].ExitCode != nil {
		t.Errorf("rejected record ExitCode = %v, want nil", *got[0].ExitCode)
	}
}

func TestAudit_Prune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = s.Audit().Append(ctx, audit.Record{Tool: "safe_shell", Caller: "http", Status: "completed", CreatedAt: now.Add(-10 * 24 * time.Hour)})
	_ = s.Audit().Append(ctx, audit.Record{Tool: "safe_shell", Caller: "http", Status: "completed", CreatedAt: now})

	n, err := s.Audit().Prune(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 1 {
		t.Errorf("Prune removed %d rows, want 1", n)
	}
	left, _ := s.Audit().Recent(ctx, 10)
	if len(left) != 1 {
		t.Errorf("left %d records, want 1", len(left))
	}
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if s.Driver() != "sqlite" {
		t.Errorf("Driver = %q", s.Driver())
	}
}

func TestJournalMode(t *testing.T) {
	for in, want := range map[string]string{"": "wal", "WAL": "wal", " delete ": "delete", "off": "off"} {
		got, err := journalMode(in)
		if err != nil || got != want {
			t.Errorf("journalMode(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := journalMode("wal; drop table x"); err == nil {
		t.Error("expected error for unknown journal mode")
	}
}

func TestAudit_ConcurrentAppends(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- s.Audit().Append(ctx, audit.Record{
				ID:        uuid.New(),
				Tool:      "safe_shell",
				Verb:      "pwd",
				Status:    "completed",
				CreatedAt: time.Now().UTC(),
			})
		}()
	}
	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Append: %v", err)
		}
	}
	got, err := s.Audit().Recent(ctx, 100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != n {
		t.Errorf("Recent returned %d records, want %d", len(got), n)
	}
}
