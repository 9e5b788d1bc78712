// Package observability provides logging, metrics, and tracing.
//
// It integrates with OpenTelemetry for system monitoring and also carries
// the per-provider circuit breakers and answer quality drift tracking.
package observability

import (
	"log/slog"
	"sync"
)

// QualityDriftMonitor watches answer quality signals (confidence, grounding
// overlap) over a sliding window and warns when the window average drifts
// from an established baseline. A drift usually means a provider model or
// the indexed corpus changed underneath the service.
type QualityDriftMonitor struct {
	baselines      map[string]float64
	recent         map[string][]float64
	windowSize     int
	driftThreshold float64
	mu             sync.RWMutex
	logger         *slog.Logger
}

// NewQualityDriftMonitor creates a monitor with the given window size and
// drift threshold.
func NewQualityDriftMonitor(logger *slog.Logger, windowSize int, driftThreshold float64) *QualityDriftMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if windowSize <= 0 {
		windowSize = 10
	}
	return &QualityDriftMonitor{
		baselines:      make(map[string]float64),
		recent:         make(map[string][]float64),
		windowSize:     windowSize,
		driftThreshold: driftThreshold,
		logger:         logger,
	}
}

// SetBaseline fixes the expected value for a quality signal.
func (m *QualityDriftMonitor) SetBaseline(signal string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.baselines[signal] = value
	m.logger.Info("updated quality baseline",
		slog.String("signal", signal),
		slog.Float64("value", value))
}

// Record adds a new sample and warns when the full window has drifted past
// the threshold.
func (m *QualityDriftMonitor) Record(signal string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recent[signal] == nil {
		m.recent[signal] = make([]float64, 0, m.windowSize)
	}
	m.recent[signal] = append(m.recent[signal], value)
	if len(m.recent[signal]) > m.windowSize {
		m.recent[signal] = m.recent[signal][1:]
	}

	if len(m.recent[signal]) >= m.windowSize {
		drift := m.drift(signal)
		if drift > m.driftThreshold {
			m.logger.Warn("answer quality drift detected",
				slog.String("signal", signal),
				slog.Float64("drift", drift),
				slog.Float64("threshold", m.driftThreshold))
		}
	}
}

func (m *QualityDriftMonitor) drift(signal string) float64 {
	baseline, ok := m.baselines[signal]
	if !ok {
		return 0.0
	}
	window := m.recent[signal]
	if len(window) == 0 {
		return 0.0
	}

	avg := 0.0
	for _, v := range window {
		avg += v
	}
	avg /= float64(len(window))

	drift := avg - baseline
	if drift < 0 {
		drift = -drift
	}
	return drift
}

// Drift returns the current absolute drift for a signal.
func (m *QualityDriftMonitor) Drift(signal string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drift(signal)
}

// Baseline returns the baseline for a signal.
func (m *QualityDriftMonitor) Baseline(signal string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.baselines[signal]
	return v, ok
}

// Window returns a copy of the recent samples for a signal.
func (m *QualityDriftMonitor) Window(signal string) []float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]float64, len(m.recent[signal]))
	copy(out, m.recent[signal])
	return out
}

// Reset clears all baselines and windows.
func (m *QualityDriftMonitor) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baselines = make(map[string]float64)
	m.recent = make(map[string][]float64)
}
