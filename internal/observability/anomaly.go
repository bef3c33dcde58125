package observability

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/safeshell/internal/config"
)

const defaultAnomalyWindow = 5 * time.Minute

var errTimedOut = errors.New("timed out")

// AnomalyDetector logs a warning when an operation's error rate over a
// sliding window exceeds the configured threshold.
type AnomalyDetector struct {
	mu        sync.Mutex
	errors    map[string]*slidingWindow
	successes map[string]*slidingWindow
	threshold float64
	window    time.Duration
	minEvents int
	logger    *slog.Logger
}

type slidingWindow struct {
	stamps []time.Time
	window time.Duration
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := time.Duration(cfg.WindowSeconds) * time.Second
	if window <= 0 {
		window = defaultAnomalyWindow
	}
	return &AnomalyDetector{
		errors:    make(map[string]*slidingWindow),
		successes: make(map[string]*slidingWindow),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		minEvents: 5,
		logger:    logger,
	}
}

// Record counts one outcome of operation; err == nil is a success. Nil-safe.
// It reports whether the error rate is above threshold after recording.
func (a *AnomalyDetector) Record(operation string, err error) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if err == nil {
		a.windowFor(a.successes, operation).add(now)
		return false
	}
	a.windowFor(a.errors, operation).add(now)
	return a.checkErrorRate(operation, now, err)
}

// checkErrorRate must be called with a.mu held.
func (a *AnomalyDetector) checkErrorRate(operation string, now time.Time, last error) bool {
	if a.threshold <= 0 {
		return false
	}
	errs := a.windowFor(a.errors, operation).count(now)
	total := errs + a.windowFor(a.successes, operation).count(now)
	if total < a.minEvents {
		return false
	}

	rate := float64(errs) / float64(total)
	if rate <= a.threshold {
		return false
	}
	if a.logger != nil {
		a.logger.Warn("anomaly detected: high error rate",
			slog.String("operation", operation),
			slog.Float64("error_rate", rate),
			slog.Float64("threshold", a.threshold),
			slog.Int("errors", errs),
			slog.Int("total", total),
			slog.String("last_error", last.Error()),
		)
	}
	return true
}

func (a *AnomalyDetector) windowFor(m map[string]*slidingWindow, key string) *slidingWindow {
	w, ok := m[key]
	if !ok {
		w = &slidingWindow{window: a.window}
		m[key] = w
	}
	return w
}

func (w *slidingWindow) add(now time.Time) {
	w.stamps = append(w.stamps, now)
	w.prune(now)
}

func (w *slidingWindow) count(now time.Time) int {
	w.prune(now)
	return len(w.stamps)
}

func (w *slidingWindow) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = w.stamps[i:]
	}
}
