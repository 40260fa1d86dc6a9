package janitor

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/ship-commander/fleet/internal/registry"
	"github.com/ship-commander/fleet/internal/store"
	"github.com/ship-commander/fleet/internal/workspace"
)

type fakeDestroyer struct {
	mu        sync.Mutex
	destroyed []string
	fail      map[string]error
}

func (f *fakeDestroyer) Destroy(_ context.Context, ws workspace.Workspace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[ws.Name]; err != nil {
		return err
	}
	f.destroyed = append(f.destroyed, ws.Name)
	return nil
}

type fakeSessions struct {
	killed []string
}

func (f *fakeSessions) KillSession(_ context.Context, name string) error {
	f.killed = append(f.killed, name)
	return nil
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func flag(t *testing.T, s *store.Store, name string, deadAt time.Time) {
	t.Helper()
	ws := workspace.Workspace{Name: name, Path: "/trees/" + name, BranchName: workspace.BranchPrefix + name}
	if err := s.FlagDead(context.Background(), ws, "task timed out", deadAt); err != nil {
		t.Fatalf("flag %s: %v", name, err)
	}
}

func TestSweepDestroysExpiredDeadWorkspaces(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	flags := newStore(t)
	flag(t, flags, "old-aaaaaa", now.Add(-100*time.Hour))
	flag(t, flags, "reused-bbbbbb", now.Add(-90*time.Hour))
	flag(t, flags, "fresh-cccccc", now.Add(-time.Hour))

	reg := registry.New()
	for _, id := range []string{"old-aaaaaa", "reused-bbbbbb"} {
		if err := reg.Register(registry.Agent{ID: id}); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	reg.MarkDead("old-aaaaaa", "timeout")

	destroyer := &fakeDestroyer{}
	sessions := &fakeSessions{}
	j, err := New(Options{
		Flags:      flags,
		Workspaces: destroyer,
		Registry:   reg,
		Sessions:   sessions,
		TTL:        72 * time.Hour,
		Now:        func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	report, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !reflect.DeepEqual(report.Swept, []string{"old-aaaaaa"}) {
		t.Fatalf("Swept = %v, want [old-aaaaaa]", report.Swept)
	}
	if !reflect.DeepEqual(report.Skipped, []string{"reused-bbbbbb"}) {
		t.Fatalf("Skipped = %v, want [reused-bbbbbb]", report.Skipped)
	}
	if !reflect.DeepEqual(destroyer.destroyed, []string{"old-aaaaaa"}) {
		t.Fatalf("destroyed = %v", destroyer.destroyed)
	}
	if !reflect.DeepEqual(sessions.killed, []string{"old-aaaaaa"}) {
		t.Fatalf("killed = %v", sessions.killed)
	}
	if _, ok := reg.Get("old-aaaaaa"); ok {
		t.Fatal("swept agent record should be removed")
	}

	again, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(again.Swept) != 0 {
		t.Fatalf("second sweep swept %v, want nothing", again.Swept)
	}
}

func TestSweepAllReleasesWorkspacesInsideTTL(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	flags := newStore(t)
	flag(t, flags, "tmux-pr7", now.Add(-time.Minute))

	destroyer := &fakeDestroyer{}
	j, err := New(Options{Flags: flags, Workspaces: destroyer, TTL: 72 * time.Hour, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	scheduled, err := j.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(scheduled.Swept) != 0 {
		t.Fatalf("scheduled sweep took %v inside the TTL", scheduled.Swept)
	}

	report, err := j.SweepAll(ctx)
	if err != nil {
		t.Fatalf("sweep all: %v", err)
	}
	if !reflect.DeepEqual(report.Swept, []string{"tmux-pr7"}) {
		t.Fatalf("Swept = %v, want [tmux-pr7]", report.Swept)
	}
	flagged, err := flags.IsFlagged(ctx, "tmux-pr7")
	if err != nil {
		t.Fatalf("is flagged: %v", err)
	}
	if flagged {
		t.Fatal("name should be released after sweep all")
	}
}

func TestSweepContinuesPastDestroyFailures(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	flags := newStore(t)
	flag(t, flags, "broken-aaaaaa", now.Add(-80*time.Hour))
	flag(t, flags, "ok-bbbbbb", now.Add(-79*time.Hour))

	destroyer := &fakeDestroyer{fail: map[string]error{"broken-aaaaaa": errors.New("permission denied")}}
	j, err := New(Options{Flags: flags, Workspaces: destroyer, Now: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}

	report, err := j.Sweep(context.Background())
	if err == nil {
		t.Fatal("expected joined destroy error")
	}
	if !reflect.DeepEqual(report.Swept, []string{"ok-bbbbbb"}) {
		t.Fatalf("Swept = %v, want [ok-bbbbbb]", report.Swept)
	}

	due, err := flags.DeadWorkspaces(context.Background(), now)
	if err != nil {
		t.Fatalf("list dead: %v", err)
	}
	if len(due) != 1 || due[0].Workspace.Name != "broken-aaaaaa" {
		t.Fatalf("failed workspace should stay flagged, got %+v", due)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	flags := newStore(t)
	tests := []struct {
		name string
		opts Options
	}{
		{name: "missing store", opts: Options{Workspaces: &fakeDestroyer{}}},
		{name: "missing workspaces", opts: Options{Flags: flags}},
		{name: "bad schedule", opts: Options{Flags: flags, Workspaces: &fakeDestroyer{}, Schedule: "every tuesday"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if _, err := New(tc.opts); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestNextFollowsSchedule(t *testing.T) {
	t.Parallel()

	j, err := New(Options{Flags: newStore(t), Workspaces: &fakeDestroyer{}, Schedule: "CRON_TZ=UTC 30 2 * * *"})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	from := time.Date(2026, 4, 10, 3, 0, 0, 0, time.UTC)
	if got, want := j.Next(from), time.Date(2026, 4, 11, 2, 30, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	j, err := New(Options{Flags: newStore(t), Workspaces: &fakeDestroyer{}})
	if err != nil {
		t.Fatalf("new janitor: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Start(ctx)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancellation")
	}
}
