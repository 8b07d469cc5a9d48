// Package device derives stable fingerprints from connection metadata and
// tracks which fingerprints have been seen and trusted per session. A
// fingerprint is an identity hint, not a security boundary: it is spoofable
// and is only ever combined with the token check, never used alone.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
)

const fingerprintCacheSize = 4096

// Record is the observed state of one fingerprint within a session.
type Record struct {
	Fingerprint string
	CreatedAt   time.Time
	LastSeen    time.Time
	Verified    bool
	UsageCount  int
}

type sessionDevices struct {
	records map[string]*Record
	primary string // first-seen fingerprint, auto-trusted; "" if none
}

// Registry owns per-session fingerprint state. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionDevices

	// hashCache memoizes the sha256 derivation for repeat visitors. The
	// derivation is deterministic, so a stale-free cache is safe.
	hashCache *lru.Cache[core.DeviceInfo, string]

	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewRegistry creates a device fingerprint registry.
func NewRegistry(logger *zap.SugaredLogger) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	cache, _ := lru.New[core.DeviceInfo, string](fingerprintCacheSize)
	return &Registry{
		sessions:  make(map[string]*sessionDevices),
		hashCache: cache,
		logger:    logger,
		now:       time.Now,
	}
}

// GenerateFingerprint derives a deterministic one-way hash over the device
// metadata. The same input always yields the same fingerprint, which is what
// makes repeat-visit recognition possible.
func (r *Registry) GenerateFingerprint(info core.DeviceInfo) string {
	if fp, ok := r.hashCache.Get(info); ok {
		return fp
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s",
		info.UserAgent, info.SourceAddress, info.AcceptLanguage, info.AcceptEncoding)))
	fp := hex.EncodeToString(sum[:])
	r.hashCache.Add(info, fp)
	return fp
}

// RegisterDevice records an observation of the device for the session and
// returns its fingerprint. The first fingerprint a session ever presents
// becomes the session's primary and is auto-trusted as its baseline
// identity.
func (r *Registry) RegisterDevice(sessionID string, info core.DeviceInfo) string {
	fp := r.GenerateFingerprint(info)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		sess = &sessionDevices{records: make(map[string]*Record)}
		r.sessions[sessionID] = sess
	}

	rec, seen := sess.records[fp]
	if !seen {
		rec = &Record{Fingerprint: fp, CreatedAt: now}
		sess.records[fp] = rec
		metrics.DevicesRegistered.Inc()
	}
	rec.LastSeen = now
	rec.UsageCount++

	if sess.primary == "" {
		sess.primary = fp
		rec.Verified = true
		r.logger.Infow("primary device assigned", "session_id", sessionID, "fingerprint", short(fp))
	} else if !seen {
		r.logger.Debugw("new device observed", "session_id", sessionID, "fingerprint", short(fp))
	}
	return fp
}

// VerifyDevice reports whether the fingerprint is known for the session,
// whether it is trusted, and whether this is its first-ever observation.
func (r *Registry) VerifyDevice(sessionID, fingerprint string) core.DeviceCheck {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return core.DeviceCheck{}
	}
	rec, ok := sess.records[fingerprint]
	if !ok {
		return core.DeviceCheck{}
	}
	return core.DeviceCheck{Valid: true, Trusted: rec.Verified, New: rec.UsageCount == 1}
}

// TrustDevice promotes a fingerprint to verified, typically after a step-up
// verification handled outside this subsystem. Returns false when the
// fingerprint is not tracked for the session.
func (r *Registry) TrustDevice(sessionID, fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	rec, ok := sess.records[fingerprint]
	if !ok {
		return false
	}
	rec.Verified = true
	r.logger.Infow("device trusted", "session_id", sessionID, "fingerprint", short(fingerprint))
	return true
}

// IsSuspiciousDevice is true only when the fingerprint differs from the
// session's primary and has not been independently verified. Normal
// device/network churn on a trusted device does not trip this.
func (r *Registry) IsSuspiciousDevice(sessionID, fingerprint string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if fingerprint == sess.primary {
		return false
	}
	rec, ok := sess.records[fingerprint]
	if !ok {
		return true
	}
	return !rec.Verified
}

// RemoveDevice drops a fingerprint from the session. If the removed entry
// was primary, the oldest remaining fingerprint takes over as primary.
func (r *Registry) RemoveDevice(sessionID, fingerprint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if _, ok := sess.records[fingerprint]; !ok {
		return false
	}
	delete(sess.records, fingerprint)

	if sess.primary == fingerprint {
		sess.primary = ""
		var oldest *Record
		for _, rec := range sess.records {
			if oldest == nil || rec.CreatedAt.Before(oldest.CreatedAt) {
				oldest = rec
			}
		}
		if oldest != nil {
			sess.primary = oldest.Fingerprint
			r.logger.Infow("primary device reassigned",
				"session_id", sessionID, "fingerprint", short(oldest.Fingerprint))
		}
	}
	return true
}

// TrustedDevices returns copies of the session's verified records.
func (r *Registry) TrustedDevices(sessionID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(sess.records))
	for _, rec := range sess.records {
		if rec.Verified {
			out = append(out, *rec)
		}
	}
	return out
}

// AllDevices returns copies of every record for the session.
func (r *Registry) AllDevices(sessionID string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(sess.records))
	for _, rec := range sess.records {
		out = append(out, *rec)
	}
	return out
}

// DeviceStats summarizes the session's registry state for reporting.
func (r *Registry) DeviceStats(sessionID string) core.DeviceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return core.DeviceStats{}
	}
	stats := core.DeviceStats{TotalDevices: len(sess.records), Primary: sess.primary}
	for _, rec := range sess.records {
		if rec.Verified {
			stats.TrustedDevices++
		}
		if stats.OldestSeen.IsZero() || rec.CreatedAt.Before(stats.OldestSeen) {
			stats.OldestSeen = rec.CreatedAt
		}
		if rec.LastSeen.After(stats.NewestSeen) {
			stats.NewestSeen = rec.LastSeen
		}
	}
	return stats
}

// CleanupSession discards all device state for the session. Idempotent.
func (r *Registry) CleanupSession(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

func short(fp string) string {
	if len(fp) > 8 {
		return fp[:8]
	}
	return fp
}
