// Package anomaly scores per-session validation behavior for signals of
// token theft, replay and automated abuse. The detector is a pure signal
// engine: it never blocks a request itself, it only reports a suspicion
// level that the calling middleware folds into its policy decision.
package anomaly

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
)

// Pattern names reported in anomaly analysis. Each represents one
// independent heuristic; the suspicion level is a function of how many
// trigger simultaneously.
const (
	PatternHighFailureRate  = "high_failure_rate"
	PatternRequestFlood     = "request_flood"
	PatternRapidFailures    = "rapid_repeated_failures"
	PatternBurstTiming      = "burst_timing"
	PatternUniformTiming    = "uniform_timing"
	PatternFingerprintChurn = "fingerprint_churn"
	PatternAddressChurn     = "address_churn"
)

// recentWindow is the sliding window used by the rate-based checks.
const recentWindow = 60 * time.Second

// Config tunes the detector's heuristics. Zero values fall back to the
// defaults below.
type Config struct {
	// FailureRateThreshold flags sessions whose cumulative failure fraction
	// exceeds it. Default 0.3.
	FailureRateThreshold float64
	// RequestRateThreshold flags sessions exceeding this many events in the
	// recent window. Default 100.
	RequestRateThreshold int
	// HistoryCapacity bounds the per-session event ring. Default 100.
	HistoryCapacity int
	// AnalysisInterval gates how often a session is re-analyzed. Default 60s.
	AnalysisInterval time.Duration
	// TimingUniformityRatio flags inter-arrival timing whose standard
	// deviation falls below ratio*mean. Scripted replay produces near
	// constant intervals; legitimate periodic clients can too, so this is a
	// tunable signal, not a hard gate. Default 0.1.
	TimingUniformityRatio float64
}

func (c Config) withDefaults() Config {
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 0.3
	}
	if c.RequestRateThreshold <= 0 {
		c.RequestRateThreshold = 100
	}
	if c.HistoryCapacity <= 0 {
		c.HistoryCapacity = 100
	}
	if c.AnalysisInterval <= 0 {
		c.AnalysisInterval = 60 * time.Second
	}
	if c.TimingUniformityRatio <= 0 {
		c.TimingUniformityRatio = 0.1
	}
	return c
}

// Report is a snapshot of a session's anomaly state.
type Report struct {
	SessionID         string
	Attempts          int
	Failures          int
	Successes         int
	AvgLatencyMs      float64
	RequestsPerMinute int
	Level             core.SuspicionLevel
	Patterns          []string
	LastAnalyzed      time.Time
}

// GlobalStats aggregates detector state across all sessions. It is built
// from a snapshot under the read lock and may be slightly stale relative to
// in-flight writers; it is diagnostic, not authorization-path, data.
type GlobalStats struct {
	Sessions           int
	TotalAttempts      int
	TotalFailures      int
	SuspiciousSessions int
	LevelCounts        map[core.SuspicionLevel]int
}

type sessionRecord struct {
	attempts     int
	failures     int
	successes    int
	avgLatencyMs float64
	history      *history
	level        core.SuspicionLevel
	patterns     []string
	lastAnalyzed time.Time
}

// Detector owns per-session anomaly state. Safe for concurrent use.
type Detector struct {
	mu       sync.RWMutex
	sessions map[string]*sessionRecord

	cfg    Config
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewDetector creates an anomaly detector.
func NewDetector(cfg Config, logger *zap.SugaredLogger) *Detector {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Detector{
		sessions: make(map[string]*sessionRecord),
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      time.Now,
	}
}

// RecordValidationAttempt appends one attempt to the session's metrics and
// bounded history, then re-analyzes the session if the analysis interval has
// elapsed. Fingerprint and address may be empty when the caller could not
// attribute them.
func (d *Detector) RecordValidationAttempt(sessionID string, success bool, duration time.Duration, fingerprint, address string) {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	rec, ok := d.sessions[sessionID]
	if !ok {
		rec = &sessionRecord{
			history:      newHistory(d.cfg.HistoryCapacity),
			level:        core.SuspicionLow,
			lastAnalyzed: now,
		}
		d.sessions[sessionID] = rec
	}

	rec.attempts++
	if success {
		rec.successes++
	} else {
		rec.failures++
	}
	// Incremental mean keeps the average exact without storing durations.
	ms := float64(duration) / float64(time.Millisecond)
	rec.avgLatencyMs += (ms - rec.avgLatencyMs) / float64(rec.attempts)

	rec.history.append(Event{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Success:     success,
		Duration:    duration,
		Fingerprint: fingerprint,
		Address:     address,
	})

	if now.Sub(rec.lastAnalyzed) >= d.cfg.AnalysisInterval {
		d.analyzeLocked(sessionID, rec, now)
	}
}

// Analyze forces an immediate re-analysis of the session, bypassing the
// analysis-interval gate. Used by diagnostics and tests.
func (d *Detector) Analyze(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.sessions[sessionID]; ok {
		d.analyzeLocked(sessionID, rec, d.now())
	}
}

// analyzeLocked recomputes the session's pattern list from scratch and
// re-derives the suspicion level from the resulting count. Caller must hold
// mu for writing.
func (d *Detector) analyzeLocked(sessionID string, rec *sessionRecord, now time.Time) {
	cutoff := now.Add(-recentWindow)
	var patterns []string

	if rec.attempts > 0 {
		if rate := float64(rec.failures) / float64(rec.attempts); rate > d.cfg.FailureRateThreshold {
			patterns = append(patterns, PatternHighFailureRate)
		}
	}
	if rec.history.countSince(cutoff) > d.cfg.RequestRateThreshold {
		patterns = append(patterns, PatternRequestFlood)
	}
	if rec.history.failuresSince(cutoff) >= 5 {
		patterns = append(patterns, PatternRapidFailures)
	}
	patterns = append(patterns, d.timingPatterns(rec.history)...)
	patterns = append(patterns, churnPatterns(rec.history)...)

	prev := rec.level
	rec.patterns = patterns
	rec.level = core.LevelForFlagCount(len(patterns))
	rec.lastAnalyzed = now

	if levelRank(rec.level) > levelRank(prev) {
		metrics.SuspicionEscalations.WithLabelValues(string(rec.level)).Inc()
		d.logger.Warnw("suspicion level escalated",
			"session_id", sessionID,
			"from", prev,
			"to", rec.level,
			"patterns", patterns)
	}
}

// timingPatterns inspects inter-arrival intervals across the bounded
// history. Bursts of sub-100ms gaps indicate superhuman request pacing;
// near-zero variance across many intervals indicates scripted replay.
func (d *Detector) timingPatterns(h *history) []string {
	events := h.events()
	if len(events) < 3 {
		return nil
	}
	intervals := make([]float64, 0, len(events)-1)
	for i := 1; i < len(events); i++ {
		intervals = append(intervals, float64(events[i].Timestamp.Sub(events[i-1].Timestamp))/float64(time.Millisecond))
	}

	var patterns []string
	burst := 0
	for _, iv := range intervals {
		if iv < 100 {
			burst++
		}
	}
	if burst >= 3 {
		patterns = append(patterns, PatternBurstTiming)
	}

	if len(intervals) >= 5 {
		mean := 0.0
		for _, iv := range intervals {
			mean += iv
		}
		mean /= float64(len(intervals))

		variance := 0.0
		for _, iv := range intervals {
			variance += (iv - mean) * (iv - mean)
		}
		variance /= float64(len(intervals))

		if mean > 0 && math.Sqrt(variance) < d.cfg.TimingUniformityRatio*mean {
			patterns = append(patterns, PatternUniformTiming)
		}
	}
	return patterns
}

// churnPatterns flags sessions whose history spans too many distinct
// identities: more than 3 fingerprints or more than 2 source addresses.
func churnPatterns(h *history) []string {
	fps := make(map[string]struct{})
	addrs := make(map[string]struct{})
	for _, e := range h.events() {
		if e.Fingerprint != "" {
			fps[e.Fingerprint] = struct{}{}
		}
		if e.Address != "" {
			addrs[e.Address] = struct{}{}
		}
	}
	var patterns []string
	if len(fps) > 3 {
		patterns = append(patterns, PatternFingerprintChurn)
	}
	if len(addrs) > 2 {
		patterns = append(patterns, PatternAddressChurn)
	}
	return patterns
}

// AnomalyReport returns a snapshot of the session's state, or false when the
// session has never recorded an attempt.
func (d *Detector) AnomalyReport(sessionID string) (Report, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.sessions[sessionID]
	if !ok {
		return Report{}, false
	}
	return Report{
		SessionID:         sessionID,
		Attempts:          rec.attempts,
		Failures:          rec.failures,
		Successes:         rec.successes,
		AvgLatencyMs:      rec.avgLatencyMs,
		RequestsPerMinute: rec.history.countSince(d.now().Add(-recentWindow)),
		Level:             rec.level,
		Patterns:          append([]string(nil), rec.patterns...),
		LastAnalyzed:      rec.lastAnalyzed,
	}, true
}

// SuspicionLevel returns the session's current level; unknown sessions are
// low.
func (d *Detector) SuspicionLevel(sessionID string) core.SuspicionLevel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if rec, ok := d.sessions[sessionID]; ok {
		return rec.level
	}
	return core.SuspicionLow
}

// IsSuspicious reports whether the session is at high or critical level.
func (d *Detector) IsSuspicious(sessionID string) bool {
	level := d.SuspicionLevel(sessionID)
	return level == core.SuspicionHigh || level == core.SuspicionCritical
}

// SuspiciousSessions returns the ids of all sessions currently at high or
// critical level.
func (d *Detector) SuspiciousSessions() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []string
	for id, rec := range d.sessions {
		if rec.level == core.SuspicionHigh || rec.level == core.SuspicionCritical {
			out = append(out, id)
		}
	}
	return out
}

// GlobalStatistics aggregates attempt counts and level distribution across
// all tracked sessions.
func (d *Detector) GlobalStatistics() GlobalStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := GlobalStats{LevelCounts: make(map[core.SuspicionLevel]int)}
	for _, rec := range d.sessions {
		stats.Sessions++
		stats.TotalAttempts += rec.attempts
		stats.TotalFailures += rec.failures
		stats.LevelCounts[rec.level]++
		if rec.level == core.SuspicionHigh || rec.level == core.SuspicionCritical {
			stats.SuspiciousSessions++
		}
	}
	return stats
}

// ClearSession discards all anomaly state for the session. Idempotent.
func (d *Detector) ClearSession(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, sessionID)
}

func levelRank(l core.SuspicionLevel) int {
	switch l {
	case core.SuspicionCritical:
		return 3
	case core.SuspicionHigh:
		return 2
	case core.SuspicionMedium:
		return 1
	default:
		return 0
	}
}
