package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/coderunner/internal/config"
)

const (
	defaultAnomalyWindow     = 5 * time.Minute
	defaultAnomalyMinSamples = 5
)

// AnomalyDetector warns when the failure rate of an operation (a tool
// language or a sandbox backend) crosses a threshold within a sliding window.
type AnomalyDetector struct {
	mu         sync.Mutex
	windows    map[string]*outcomeWindow
	threshold  float64
	minSamples int
	window     time.Duration
	alerting   map[string]bool
	logger     *slog.Logger
	now        func() time.Time
}

type outcome struct {
	at     time.Time
	failed bool
}

type outcomeWindow struct {
	entries []outcome
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.Window != "" {
		if d, err := time.ParseDuration(cfg.Window); err == nil && d > 0 {
			window = d
		}
	}
	minSamples := cfg.MinSamples
	if minSamples <= 0 {
		minSamples = defaultAnomalyMinSamples
	}
	return &AnomalyDetector{
		windows:    make(map[string]*outcomeWindow),
		threshold:  cfg.ErrorRateThreshold,
		minSamples: minSamples,
		window:     window,
		alerting:   make(map[string]bool),
		logger:     logger,
		now:        time.Now,
	}
}

// RecordError records a failed operation.
func (a *AnomalyDetector) RecordError(operation string) {
	a.record(operation, true)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	a.record(operation, false)
}

// ErrorRate returns the failure rate and sample count inside the window.
func (a *AnomalyDetector) ErrorRate(operation string) (float64, int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rateLocked(operation)
}

func (a *AnomalyDetector) record(operation string, failed bool) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.windows[operation]
	if !ok {
		w = &outcomeWindow{}
		a.windows[operation] = w
	}
	w.entries = append(w.entries, outcome{at: a.now(), failed: failed})
	a.check(operation)
}

// check logs once when the rate crosses the threshold and once when it
// recovers. Must be called with a.mu held.
func (a *AnomalyDetector) check(operation string) {
	if a.threshold <= 0 {
		return
	}
	rate, total := a.rateLocked(operation)
	if total < a.minSamples {
		return
	}
	high := rate > a.threshold
	if high == a.alerting[operation] {
		return
	}
	a.alerting[operation] = high
	if a.logger == nil {
		return
	}
	if high {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("samples", total),
		)
	} else {
		a.logger.Info("error rate back under threshold",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
		)
	}
}

func (a *AnomalyDetector) rateLocked(operation string) (float64, int) {
	w, ok := a.windows[operation]
	if !ok {
		return 0, 0
	}
	cutoff := a.now().Add(-a.window)
	i := 0
	for i < len(w.entries) && w.entries[i].at.Before(cutoff) {
		i++
	}
	w.entries = w.entries[i:]
	if len(w.entries) == 0 {
		return 0, 0
	}
	failed := 0
	for _, e := range w.entries {
		if e.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(w.entries)), len(w.entries)
}
