package core

import "time"

// SuspicionLevel classifies how many independent anomaly heuristics
// currently trigger for a session. It is always recomputed from scratch
// during analysis, never incremented in place.
type SuspicionLevel string

const (
	SuspicionLow      SuspicionLevel = "low"
	SuspicionMedium   SuspicionLevel = "medium"
	SuspicionHigh     SuspicionLevel = "high"
	SuspicionCritical SuspicionLevel = "critical"
)

// LevelForFlagCount maps the number of triggered anomaly patterns to a
// suspicion level: 0 -> low, 1 -> medium, 2-3 -> high, 4+ -> critical.
func LevelForFlagCount(n int) SuspicionLevel {
	switch {
	case n >= 4:
		return SuspicionCritical
	case n >= 2:
		return SuspicionHigh
	case n == 1:
		return SuspicionMedium
	default:
		return SuspicionLow
	}
}

// DeviceInfo carries the connection metadata a fingerprint is derived from.
// The caller extracts it from request headers; sourceAddress should honor
// the first forwarded-for entry ahead of the raw socket address when the
// deployment trusts its proxy.
type DeviceInfo struct {
	UserAgent      string
	SourceAddress  string
	AcceptLanguage string
	AcceptEncoding string
}

// ValidationResult is the outcome of a token validation.
// Security-boundary negatives (unknown session, unknown token, expired
// token) are expressed through Valid=false, never through errors, so the
// calling middleware cannot leak which case occurred.
type ValidationResult struct {
	Valid        bool
	NewToken     string
	ShouldRotate bool
}

// DeviceCheck is the outcome of a device fingerprint verification.
type DeviceCheck struct {
	Valid   bool
	Trusted bool
	New     bool
}

// DeviceStats summarizes a session's device registry state.
type DeviceStats struct {
	TotalDevices   int
	TrustedDevices int
	Primary        string
	OldestSeen     time.Time
	NewestSeen     time.Time
}
