package observability

import (
	"sync"
	"time"
)

// AlertThresholds are the configurable defaults of spec §4.9: success rate
// floor, average connection-establishment ceiling, and timeout-rate
// ceiling.
type AlertThresholds struct {
	MinSuccessRate     float64
	MaxAvgConnectionMs float64
	MaxTimeoutRate     float64
}

// DefaultAlertThresholds matches spec §4.9's stated defaults.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{
		MinSuccessRate:     0.95,
		MaxAvgConnectionMs: 3000,
		MaxTimeoutRate:     0.05,
	}
}

// ConnectionStats is the in-process aggregate backing the
// /v1/conversation/stages snapshot endpoint; Prometheus counters are
// write-only from this package's perspective, so a parallel lightweight
// aggregate is kept for the human-readable snapshot (mirrors the teacher's
// turnStageWindow indicator counters).
type ConnectionStats struct {
	Attempts          int            `json:"attempts"`
	Successes         int            `json:"successes"`
	FailuresByReason  map[string]int `json:"failures_by_reason,omitempty"`
	TimeoutCount      int            `json:"timeout_count"`
	SumEstablishMs    float64        `json:"-"`
	ActiveConcurrency int            `json:"active_concurrency"`
	PeakConcurrency   int            `json:"peak_concurrency"`
}

// SuccessRate returns Successes/Attempts, or 1.0 with zero attempts.
func (c ConnectionStats) SuccessRate() float64 {
	if c.Attempts == 0 {
		return 1
	}
	return float64(c.Successes) / float64(c.Attempts)
}

// TimeoutRate returns TimeoutCount/Attempts, or 0 with zero attempts.
func (c ConnectionStats) TimeoutRate() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return float64(c.TimeoutCount) / float64(c.Attempts)
}

// AvgEstablishMs returns the mean connection-establishment time.
func (c ConnectionStats) AvgEstablishMs() float64 {
	if c.Attempts == 0 {
		return 0
	}
	return round2(c.SumEstablishMs / float64(c.Attempts))
}

// AlertStatus reports whether one configured alert threshold is currently
// breached.
type AlertStatus struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	Breached  bool    `json:"breached"`
}

// Snapshot is the full body of the /v1/conversation/stages endpoint:
// turn-stage percentiles (generalizing the teacher's handlePerfLatency)
// plus the connection aggregate and alert evaluation.
type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Connections ConnectionStats   `json:"connections"`
	TurnStages  TurnStageSnapshot `json:"turn_stages"`
	Alerts      []AlertStatus     `json:"alerts"`
}

// Aggregator accumulates the connection-level counters backing the
// Snapshot endpoint, independent of the Prometheus instruments in Metrics
// (which are write-only once registered).
type Aggregator struct {
	mu         sync.Mutex
	stats      ConnectionStats
	thresholds AlertThresholds
}

// NewAggregator builds an [Aggregator] with the given alert thresholds.
func NewAggregator(thresholds AlertThresholds) *Aggregator {
	return &Aggregator{
		stats:      ConnectionStats{FailuresByReason: make(map[string]int)},
		thresholds: thresholds,
	}
}

// RecordConnection records one connection attempt's outcome. outcome is
// "success" or a failure reason code; isTimeout additionally increments the
// timeout counter (TIMEOUT failures and stage-level timeouts alike).
func (a *Aggregator) RecordConnection(outcome string, establishment time.Duration, isTimeout bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.Attempts++
	a.stats.SumEstablishMs += float64(establishment.Milliseconds())
	if outcome == "success" {
		a.stats.Successes++
	} else {
		a.stats.FailuresByReason[outcome]++
	}
	if isTimeout {
		a.stats.TimeoutCount++
	}
}

// SetConcurrency updates the active/peak concurrency gauges tracked for the
// snapshot endpoint.
func (a *Aggregator) SetConcurrency(active int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.ActiveConcurrency = active
	if active > a.stats.PeakConcurrency {
		a.stats.PeakConcurrency = active
	}
}

// Snapshot evaluates the current aggregate against the configured alert
// thresholds and returns the full endpoint body, combining it with the
// supplied turn-stage percentile snapshot.
func (a *Aggregator) Snapshot(turnStages TurnStageSnapshot) Snapshot {
	a.mu.Lock()
	stats := a.stats
	failures := make(map[string]int, len(a.stats.FailuresByReason))
	for k, v := range a.stats.FailuresByReason {
		failures[k] = v
	}
	stats.FailuresByReason = failures
	thresholds := a.thresholds
	a.mu.Unlock()

	alerts := []AlertStatus{
		{
			Name:      "success_rate",
			Value:     round2(stats.SuccessRate() * 100),
			Threshold: thresholds.MinSuccessRate * 100,
			Breached:  stats.SuccessRate() < thresholds.MinSuccessRate,
		},
		{
			Name:      "avg_connection_ms",
			Value:     stats.AvgEstablishMs(),
			Threshold: thresholds.MaxAvgConnectionMs,
			Breached:  stats.AvgEstablishMs() > thresholds.MaxAvgConnectionMs,
		},
		{
			Name:      "timeout_rate",
			Value:     round2(stats.TimeoutRate() * 100),
			Threshold: thresholds.MaxTimeoutRate * 100,
			Breached:  stats.TimeoutRate() > thresholds.MaxTimeoutRate,
		},
	}

	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Connections: stats,
		TurnStages:  turnStages,
		Alerts:      alerts,
	}
}
