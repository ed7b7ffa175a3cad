package tool

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/storage"
)

// HistoryStore is the subset of storage.Store the history wrapper needs.
type HistoryStore interface {
	Save(ctx context.Context, rec *storage.Record) error
}

// historyService records every run in a HistoryStore.
type historyService struct {
	next   Service
	store  HistoryStore
	logger *slog.Logger
	now    func() time.Time
}

// WithHistory wraps next so that each Run is saved to store. A failed save is
// logged and does not change the run's outcome.
func WithHistory(next Service, store HistoryStore, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &historyService{next: next, store: store, logger: logger, now: time.Now}
}

func (h *historyService) Run(ctx context.Context, req Request) (*execution.RunResult, error) {
	req = req.WithIdentity()
	lang, _ := req.ResolveLanguage()
	started := h.now()
	res, err := h.next.Run(ctx, req)
	finished := h.now()

	rec := &storage.Record{
		ContextID:   req.Context.ContextID,
		ExecutionID: req.Context.ExecutionID,
		Language:    string(lang),
		Status:      storage.StatusSuccess,
		DurationMS:  finished.Sub(started).Milliseconds(),
		StartedAt:   started.UTC(),
		FinishedAt:  finished.UTC(),
	}
	if res != nil {
		rec.Backend = res.Backend
	}
	if err != nil {
		rec.Status = storage.StatusError
		rec.Error = err.Error()
		rec.ErrorKind = string(sandbox.KindOf(err))
		if errors.Is(err, sandbox.ErrTimedOut) {
			rec.Status = storage.StatusTimeout
		}
		var re *RunError
		if errors.As(err, &re) {
			rec.Backend = string(re.Backend)
		}
	}

	// Recorded even when the run's context was canceled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if serr := h.store.Save(saveCtx, rec); serr != nil {
		h.logger.Warn("failed to record execution",
			slog.String("execution_id", rec.ExecutionID),
			slog.String("error", serr.Error()),
		)
	}
	return res, err
}

func (h *historyService) Check(ctx context.Context, req Request) ([]string, error) {
	return h.next.Check(ctx, req)
}

func (h *historyService) Definition(ctx context.Context, req Request) (*Definition, error) {
	return h.next.Definition(ctx, req)
}
