package anomaly

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"bastion/core"
)

// fakeClock lets tests advance the detector's notion of time.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDetector(cfg Config) (*Detector, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)}
	d := NewDetector(cfg, zap.NewNop().Sugar())
	d.now = clock.now
	return d, clock
}

func TestFailureRateAndRapidFailures(t *testing.T) {
	d, clock := newTestDetector(Config{})

	// 6 failures out of 9 attempts, all inside the 60s window.
	for i := 0; i < 6; i++ {
		d.RecordValidationAttempt("s3", false, 12*time.Millisecond, "fp-a", "10.0.0.1")
		clock.advance(2 * time.Second)
	}
	for i := 0; i < 3; i++ {
		d.RecordValidationAttempt("s3", true, 9*time.Millisecond, "fp-a", "10.0.0.1")
		clock.advance(2 * time.Second)
	}
	d.Analyze("s3")

	report, ok := d.AnomalyReport("s3")
	require.True(t, ok)
	assert.Contains(t, report.Patterns, PatternHighFailureRate)
	assert.Contains(t, report.Patterns, PatternRapidFailures)
	assert.Equal(t, core.SuspicionHigh, report.Level)
	assert.True(t, d.IsSuspicious("s3"))
}

func TestUniformTimingFlagged(t *testing.T) {
	d, clock := newTestDetector(Config{})

	// 8 attempts at near-identical (±5ms) intervals around one second:
	// scripted-replay pacing. No interval is under 100ms, so the burst
	// check stays quiet and uniform timing is the only flag.
	jitter := []time.Duration{0, 3, -4, 2, -1, 4, -3}
	d.RecordValidationAttempt("s4", true, 10*time.Millisecond, "fp-a", "10.0.0.1")
	for _, j := range jitter {
		clock.advance(time.Second + j*time.Millisecond)
		d.RecordValidationAttempt("s4", true, 10*time.Millisecond, "fp-a", "10.0.0.1")
	}
	d.Analyze("s4")

	report, ok := d.AnomalyReport("s4")
	require.True(t, ok)
	assert.Contains(t, report.Patterns, PatternUniformTiming)
	assert.NotContains(t, report.Patterns, PatternBurstTiming)
	assert.Equal(t, core.SuspicionMedium, report.Level)
}

func TestHumanTimingNotFlagged(t *testing.T) {
	d, clock := newTestDetector(Config{})

	// Irregular, human-scale gaps.
	gaps := []time.Duration{800 * time.Millisecond, 3 * time.Second, 1400 * time.Millisecond,
		7 * time.Second, 2 * time.Second, 900 * time.Millisecond, 5 * time.Second}
	d.RecordValidationAttempt("s1", true, 10*time.Millisecond, "fp-a", "10.0.0.1")
	for _, g := range gaps {
		clock.advance(g)
		d.RecordValidationAttempt("s1", true, 10*time.Millisecond, "fp-a", "10.0.0.1")
	}
	d.Analyze("s1")

	report, ok := d.AnomalyReport("s1")
	require.True(t, ok)
	assert.Empty(t, report.Patterns)
	assert.Equal(t, core.SuspicionLow, report.Level)
	assert.False(t, d.IsSuspicious("s1"))
}

func TestBurstTimingFlagged(t *testing.T) {
	d, clock := newTestDetector(Config{})

	// Four requests 20ms apart: three sub-100ms gaps.
	for i := 0; i < 4; i++ {
		d.RecordValidationAttempt("s1", true, 5*time.Millisecond, "fp-a", "10.0.0.1")
		clock.advance(20 * time.Millisecond)
	}
	d.Analyze("s1")

	report, ok := d.AnomalyReport("s1")
	require.True(t, ok)
	assert.Contains(t, report.Patterns, PatternBurstTiming)
}

func TestIdentityChurnFlags(t *testing.T) {
	d, clock := newTestDetector(Config{})

	// 4 distinct fingerprints and 3 distinct addresses in history.
	for i := 0; i < 4; i++ {
		fp := fmt.Sprintf("fp-%d", i)
		addr := fmt.Sprintf("10.0.0.%d", i%3)
		d.RecordValidationAttempt("s1", true, 10*time.Millisecond, fp, addr)
		clock.advance(5 * time.Second)
	}
	d.Analyze("s1")

	report, ok := d.AnomalyReport("s1")
	require.True(t, ok)
	assert.Contains(t, report.Patterns, PatternFingerprintChurn)
	assert.Contains(t, report.Patterns, PatternAddressChurn)
}

func TestEmptyIdentitiesIgnoredForChurn(t *testing.T) {
	d, clock := newTestDetector(Config{})

	for i := 0; i < 10; i++ {
		d.RecordValidationAttempt("s1", true, 10*time.Millisecond, "", "")
		clock.advance(5 * time.Second)
	}
	d.Analyze("s1")

	report, ok := d.AnomalyReport("s1")
	require.True(t, ok)
	assert.NotContains(t, report.Patterns, PatternFingerprintChurn)
	assert.NotContains(t, report.Patterns, PatternAddressChurn)
}

func TestRequestFloodFlagged(t *testing.T) {
	d, clock := newTestDetector(Config{RequestRateThreshold: 5})

	for i := 0; i < 7; i++ {
		d.RecordValidationAttempt("s1", true, 10*time.Millisecond, "fp-a", "10.0.0.1")
		clock.advance(200 * time.Millisecond)
	}
	d.Analyze("s1")

	report, ok := d.AnomalyReport("s1")
	require.True(t, ok)
	assert.Contains(t, report.Patterns, PatternRequestFlood)
}

func TestLevelIsPureFunctionOfFlagCount(t *testing.T) {
	assert.Equal(t, core.SuspicionLow, core.LevelForFlagCount(0))
	assert.Equal(t, core.SuspicionMedium, core.LevelForFlagCount(1))
	assert.Equal(t, core.SuspicionHigh, core.LevelForFlagCount(2))
	assert.Equal(t, core.SuspicionHigh, core.LevelForFlagCount(3))
	assert.Equal(t, core.SuspicionCritical, core.LevelForFlagCount(4))
	assert.Equal(t, core.SuspicionCritical, core.LevelForFlagCount(9))
}

func TestLevelRecomputedDownwardWhenEvidenceFades(t *testing.T) {
	d, clock := newTestDetector(Config{})

	// Burst of rapid failures drives the level up.
	for i := 0; i < 6; i++ {
		d.RecordValidationAttempt("s1", false, 10*time.Millisecond, "fp-a", "10.0.0.1")
		clock.advance(time.Second)
	}
	d.Analyze("s1")
	require.Equal(t, core.SuspicionHigh, d.SuspicionLevel("s1"))

	// A long stretch of steady successes dilutes the cumulative failure
	// rate below threshold and pushes the failures out of the window.
	for i := 0; i < 60; i++ {
		d.RecordValidationAttempt("s1", true, 10*time.Millisecond, "fp-a", "10.0.0.1")
		clock.advance(7 * time.Second)
	}
	d.Analyze("s1")
	assert.Equal(t, core.SuspicionLow, d.SuspicionLevel("s1"))
}

func TestAnalysisIsTimeGated(t *testing.T) {
	d, clock := newTestDetector(Config{AnalysisInterval: 60 * time.Second})

	// Rapid failures recorded, but the analysis interval has not elapsed,
	// so the level is still the lazily initialized low.
	for i := 0; i < 6; i++ {
		d.RecordValidationAttempt("s1", false, 10*time.Millisecond, "fp-a", "10.0.0.1")
		clock.advance(time.Second)
	}
	assert.Equal(t, core.SuspicionLow, d.SuspicionLevel("s1"))

	// Once the interval elapses, the next recorded attempt triggers
	// analysis.
	clock.advance(55 * time.Second)
	d.RecordValidationAttempt("s1", false, 10*time.Millisecond, "fp-a", "10.0.0.1")
	assert.NotEqual(t, core.SuspicionLow, d.SuspicionLevel("s1"))
}

func TestIncrementalAverageLatency(t *testing.T) {
	d, clock := newTestDetector(Config{})

	durations := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	for _, dur := range durations {
		d.RecordValidationAttempt("s1", true, dur, "fp-a", "10.0.0.1")
		clock.advance(time.Second)
	}

	report, ok := d.AnomalyReport("s1")
	require.True(t, ok)
	assert.InDelta(t, 20.0, report.AvgLatencyMs, 0.001)
	assert.Equal(t, 3, report.Attempts)
	assert.Equal(t, 3, report.Successes)
}

func TestSuspiciousSessionsAndGlobalStatistics(t *testing.T) {
	d, clock := newTestDetector(Config{})

	for i := 0; i < 6; i++ {
		d.RecordValidationAttempt("bad", false, 10*time.Millisecond, "fp-a", "10.0.0.1")
		clock.advance(time.Second)
	}
	d.Analyze("bad")
	d.RecordValidationAttempt("good", true, 10*time.Millisecond, "fp-b", "10.0.0.2")
	d.Analyze("good")

	assert.Equal(t, []string{"bad"}, d.SuspiciousSessions())

	stats := d.GlobalStatistics()
	assert.Equal(t, 2, stats.Sessions)
	assert.Equal(t, 7, stats.TotalAttempts)
	assert.Equal(t, 6, stats.TotalFailures)
	assert.Equal(t, 1, stats.SuspiciousSessions)
	assert.Equal(t, 1, stats.LevelCounts[core.SuspicionHigh])
	assert.Equal(t, 1, stats.LevelCounts[core.SuspicionLow])
}

func TestClearSessionIdempotent(t *testing.T) {
	d, _ := newTestDetector(Config{})

	d.RecordValidationAttempt("s1", false, 10*time.Millisecond, "fp-a", "10.0.0.1")
	d.ClearSession("s1")
	_, ok := d.AnomalyReport("s1")
	assert.False(t, ok)
	assert.Equal(t, core.SuspicionLow, d.SuspicionLevel("s1"))

	// Second clear is a no-op.
	d.ClearSession("s1")
	assert.Equal(t, 0, d.GlobalStatistics().Sessions)
}

func TestHistoryBoundedAtConfiguredCapacity(t *testing.T) {
	d, clock := newTestDetector(Config{HistoryCapacity: 50})

	for i := 0; i < 200; i++ {
		d.RecordValidationAttempt("s1", true, 10*time.Millisecond, "fp-a", "10.0.0.1")
		clock.advance(100 * time.Millisecond)
	}

	report, ok := d.AnomalyReport("s1")
	require.True(t, ok)
	// Cumulative counters keep counting while the ring stays bounded.
	assert.Equal(t, 200, report.Attempts)
	assert.LessOrEqual(t, report.RequestsPerMinute, 50)
}
