// Package janitor removes what finished runs leave behind under the storage
// root: per-run code directories that escaped cleanup, old log files and old
// execution history. Caches and guest home directories are never touched.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Defaults used when the configuration leaves them empty.
const (
	DefaultSchedule = "@every 1h"
	DefaultMaxAge   = 24 * time.Hour
)

// Removal kinds reported to the RemovedFunc.
const (
	KindCode    = "code"
	KindLogs    = "logs"
	KindHistory = "history"
)

// Pruner deletes execution history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// RemovedFunc is told how many entries of a kind a sweep removed.
type RemovedFunc func(kind string, n int)

// Report summarizes one sweep.
type Report struct {
	CodeDirs int   `json:"code_dirs"`
	LogFiles int   `json:"log_files"`
	Records  int64 `json:"records"`
}

// Janitor sweeps a storage root on a cron schedule.
type Janitor struct {
	root     string
	maxAge   time.Duration
	schedule string
	pruner   Pruner
	removed  RemovedFunc
	logger   *slog.Logger
	now      func() time.Time

	running sync.Mutex
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithPruner prunes execution history alongside the files.
func WithPruner(p Pruner) Option {
	return func(j *Janitor) { j.pruner = p }
}

// WithRemovedFunc reports removal counts, typically to a metrics counter.
func WithRemovedFunc(fn RemovedFunc) Option {
	return func(j *Janitor) { j.removed = fn }
}

// WithSchedule sets the cron spec used by Start.
func WithSchedule(spec string) Option {
	return func(j *Janitor) { j.schedule = spec }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// New creates a janitor for root. A non-positive maxAge selects DefaultMaxAge.
func New(root string, maxAge time.Duration, logger *slog.Logger, opts ...Option) *Janitor {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	j := &Janitor{
		root:     root,
		maxAge:   maxAge,
		schedule: DefaultSchedule,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// Start runs Sweep on the schedule until ctx is done or the returned cancel
// func is called.
func (j *Janitor) Start(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	c := cron.New(cron.WithParser(cron.NewParser(
		cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)))
	if _, err := c.AddFunc(j.schedule, func() {
		if _, err := j.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
			j.logger.Error("janitor sweep failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", j.schedule, err)
	}

	c.Start()
	j.logger.Info("janitor started",
		slog.String("root", j.root),
		slog.String("schedule", j.schedule),
		slog.String("max_age", j.maxAge.String()),
	)

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
		j.logger.Info("janitor stopped")
	}()
	return cancel, nil
}

// Sweep removes code directories and .log files under root/*/code and
// root/*/logs whose modification time is older than maxAge, then prunes
// history. Overlapping sweeps are skipped.
func (j *Janitor) Sweep(ctx context.Context) (Report, error) {
	var report Report
	if !j.running.TryLock() {
		j.logger.Debug("janitor sweep already running")
		return report, nil
	}
	defer j.running.Unlock()

	cutoff := j.now().Add(-j.maxAge)

	contexts, err := os.ReadDir(j.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return report, j.prune(ctx, cutoff, &report)
		}
		return report, fmt.Errorf("reading storage root: %w", err)
	}

	var errs []error
	for _, entry := range contexts {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		base := filepath.Join(j.root, entry.Name())

		n, err := j.removeOld(filepath.Join(base, "code"), cutoff, func(e fs.DirEntry) bool {
			return e.IsDir()
		})
		report.CodeDirs += n
		errs = append(errs, err)

		n, err = j.removeOld(filepath.Join(base, "logs"), cutoff, func(e fs.DirEntry) bool {
			return !e.IsDir() && strings.HasSuffix(e.Name(), ".log")
		})
		report.LogFiles += n
		errs = append(errs, err)
	}

	errs = append(errs, j.prune(ctx, cutoff, &report))

	j.report(KindCode, report.CodeDirs)
	j.report(KindLogs, report.LogFiles)
	j.report(KindHistory, int(report.Records))

	j.logger.Info("janitor sweep finished",
		slog.Int("code_dirs", report.CodeDirs),
		slog.Int("log_files", report.LogFiles),
		slog.Int64("records", report.Records),
	)
	return report, errors.Join(errs...)
}

func (j *Janitor) removeOld(dir string, cutoff time.Time, match func(fs.DirEntry) bool) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}

	removed := 0
	var errs []error
	for _, e := range entries {
		if !match(e) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		p := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", p, err))
			continue
		}
		removed++
		j.logger.Debug("janitor removed entry", slog.String("path", p))
	}
	return removed, errors.Join(errs...)
}

func (j *Janitor) prune(ctx context.Context, cutoff time.Time, report *Report) error {
	if j.pruner == nil {
		return nil
	}
	n, err := j.pruner.Prune(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pruning history: %w", err)
	}
	report.Records = n
	return nil
}

func (j *Janitor) report(kind string, n int) {
	if j.removed != nil && n > 0 {
		j.removed(kind, n)
	}
}
