//go:build integration

package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/coderunner/internal/storage"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestStore_SaveGetList(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	contextID := fmt.Sprintf("test-%s", uuid.New().String()[:8])

	start := time.Now().UTC().Truncate(time.Millisecond)
	for i := range 3 {
		rec := &storage.Record{
			ContextID:   contextID,
			ExecutionID: uuid.NewString(),
			Language:    "typescript",
			Backend:     "host",
			Status:      storage.StatusSuccess,
			StartedAt:   start.Add(time.Duration(i) * time.Second),
			FinishedAt:  start.Add(time.Duration(i)*time.Second + 100*time.Millisecond),
			DurationMS:  100,
		}
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
		if rec.ID == "" {
			t.Fatalf("save %d did not assign an id", i)
		}
	}

	got, err := store.List(ctx, contextID, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("list returned %d records, want 3", len(got))
	}
	if !got[0].StartedAt.After(got[2].StartedAt) {
		t.Errorf("records not newest first: %v then %v", got[0].StartedAt, got[2].StartedAt)
	}

	one, err := store.Get(ctx, got[1].ExecutionID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if one.ID != got[1].ID {
		t.Errorf("get id = %s, want %s", one.ID, got[1].ID)
	}

	n, err := store.Prune(ctx, start.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n < 3 {
		t.Errorf("prune removed %d, want at least 3", n)
	}
}

// --- Concurrent writers ---

func TestStore_ConcurrentSaves(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	contextID := fmt.Sprintf("conc-%s", uuid.New().String()[:8])

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			now := time.Now().UTC()
			errs <- store.Save(ctx, &storage.Record{
				ContextID:   contextID,
				ExecutionID: uuid.NewString(),
				Language:    "python",
				Status:      storage.StatusError,
				StartedAt:   now,
				FinishedAt:  now,
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent save: %v", err)
		}
	}

	got, err := store.List(ctx, contextID, 100)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != writers {
		t.Errorf("list returned %d records, want %d", len(got), writers)
	}
}

func TestStore_DuplicateExecutionID(t *testing.T) {
	store := NewStore(testDB(t))
	ctx := context.Background()
	now := time.Now().UTC()
	rec := storage.Record{
		ContextID:   "dup",
		ExecutionID: uuid.NewString(),
		Language:    "python",
		Status:      storage.StatusSuccess,
		StartedAt:   now,
		FinishedAt:  now,
	}
	first := rec
	if err := store.Save(ctx, &first); err != nil {
		t.Fatalf("first save: %v", err)
	}
	second := rec
	if err := store.Save(ctx, &second); err == nil {
		t.Fatal("expected unique violation on duplicate execution id")
	}
}
