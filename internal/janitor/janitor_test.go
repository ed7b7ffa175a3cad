package janitor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func touch(t *testing.T, path string, dir bool, age time.Duration) {
	t.Helper()
	if dir {
		if err := os.MkdirAll(path, 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(path, "index.ts"), []byte("x"), 0640); err != nil {
			t.Fatal(err)
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte("x"), 0640); err != nil {
			t.Fatal(err)
		}
	}
	mtime := now.Add(-age)
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

type fakePruner struct {
	before time.Time
	n      int64
	err    error
}

func (f *fakePruner) Prune(ctx context.Context, before time.Time) (int64, error) {
	f.before = before
	return f.n, f.err
}

func TestSweep(t *testing.T) {
	root := t.TempDir()

	oldCode := filepath.Join(root, "ctx-a", "code", "tool-1-aaaa")
	freshCode := filepath.Join(root, "ctx-a", "code", "tool-2-bbbb")
	oldLog := filepath.Join(root, "ctx-a", "logs", "log_ctx-a_e1.log")
	freshLog := filepath.Join(root, "ctx-b", "logs", "log_ctx-b_e2.log")
	oldOther := filepath.Join(root, "ctx-b", "logs", "notes.txt")
	oldCache := filepath.Join(root, "ctx-a", "cache", "deno")
	oldHome := filepath.Join(root, "ctx-a", "home")

	touch(t, oldCode, true, 48*time.Hour)
	touch(t, freshCode, true, time.Hour)
	touch(t, oldLog, false, 30*time.Hour)
	touch(t, freshLog, false, time.Minute)
	touch(t, oldOther, false, 72*time.Hour)
	touch(t, oldCache, true, 72*time.Hour)
	touch(t, oldHome, true, 72*time.Hour)

	pruner := &fakePruner{n: 4}
	counts := map[string]int{}
	j := New(root, 24*time.Hour, testLogger(),
		WithClock(func() time.Time { return now }),
		WithPruner(pruner),
		WithRemovedFunc(func(kind string, n int) { counts[kind] += n }),
	)

	report, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report.CodeDirs != 1 || report.LogFiles != 1 || report.Records != 4 {
		t.Errorf("report = %+v", report)
	}

	for _, p := range []string{oldCode, oldLog} {
		if exists(p) {
			t.Errorf("%s should have been removed", p)
		}
	}
	for _, p := range []string{freshCode, freshLog, oldOther, oldCache, oldHome} {
		if !exists(p) {
			t.Errorf("%s should have been kept", p)
		}
	}

	if want := now.Add(-24 * time.Hour); !pruner.before.Equal(want) {
		t.Errorf("prune cutoff = %v, want %v", pruner.before, want)
	}
	if counts[KindCode] != 1 || counts[KindLogs] != 1 || counts[KindHistory] != 4 {
		t.Errorf("removed counts = %v", counts)
	}
}

func TestSweep_MissingRoot(t *testing.T) {
	j := New(filepath.Join(t.TempDir(), "absent"), 0, testLogger())
	report, err := j.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if report != (Report{}) {
		t.Errorf("report = %+v, want empty", report)
	}
}

func TestSweep_PruneError(t *testing.T) {
	j := New(t.TempDir(), time.Hour, testLogger(), WithPruner(&fakePruner{err: errors.New("db down")}))
	if _, err := j.Sweep(context.Background()); err == nil {
		t.Fatal("expected prune error")
	}
}

func TestSweep_Canceled(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "ctx", "code", "old"), true, 48*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	j := New(root, time.Hour, testLogger(), WithClock(func() time.Time { return now }))
	if _, err := j.Sweep(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestStart_InvalidSchedule(t *testing.T) {
	j := New(t.TempDir(), time.Hour, testLogger(), WithSchedule("not a schedule"))
	if _, err := j.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestStart_Stop(t *testing.T) {
	j := New(t.TempDir(), time.Hour, testLogger(), WithSchedule("@every 1h"))
	stop, err := j.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
}
