// Package token implements session-bound CSRF token issuance, validation
// and two-tier rotation: reactive rotation inline during validation once a
// token crosses the rotation-interval age, and proactive rotation on a
// per-session schedule that bounds the exposure window of tokens that are
// never re-validated.
package token

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"bastion/core"
	"bastion/metrics"
	"bastion/util/goroutine"
)

// ErrSessionNotTracked indicates a rotation was requested for a session this
// manager has no state for. Unlike a failed validation, this is a contract
// violation in the calling layer and is surfaced loudly.
var ErrSessionNotTracked = errors.New("token: session not tracked")

// Record is the lifecycle state of a single token. Deactivated tokens are
// retained until session cleanup so replay of a retired token stays
// detectable as an anomaly signal.
type Record struct {
	Token      string
	CreatedAt  time.Time
	LastUsed   time.Time
	UsageCount int
	Active     bool
}

type sessionState struct {
	records    []*Record // creation order
	cancel     context.CancelFunc
	cancelOnce sync.Once
}

// stopSchedule cancels the session's rotation schedule. Safe to call any
// number of times; only the first call has an effect.
func (s *sessionState) stopSchedule() {
	s.cancelOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Manager owns per-session token state. All exported methods are safe for
// concurrent use.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState

	rotationInterval time.Duration
	maxTokenAge      time.Duration
	tokensPerSession int

	logger *zap.SugaredLogger
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewManager creates a token rotation manager. Zero or negative options fall
// back to the package defaults (15m rotation, 60m max age, 3 tokens).
func NewManager(rotationInterval, maxTokenAge time.Duration, tokensPerSession int, logger *zap.SugaredLogger) *Manager {
	if rotationInterval <= 0 {
		rotationInterval = 15 * time.Minute
	}
	if maxTokenAge <= 0 {
		maxTokenAge = 60 * time.Minute
	}
	if tokensPerSession <= 0 {
		tokensPerSession = 3
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Manager{
		sessions:         make(map[string]*sessionState),
		rotationInterval: rotationInterval,
		maxTokenAge:      maxTokenAge,
		tokensPerSession: tokensPerSession,
		logger:           logger,
		now:              time.Now,
	}
}

// GenerateToken produces a cryptographically random 64-character hex token
// (256 bits of entropy). No session state is touched.
func (m *Manager) GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// InitializeSession resets any existing state for the session, issues one
// active token and starts the proactive rotation schedule. Idempotent: a
// second call discards the first call's tokens and schedule.
func (m *Manager) InitializeSession(sessionID string) (string, error) {
	tok, err := m.GenerateToken()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if prev, ok := m.sessions[sessionID]; ok {
		prev.stopSchedule()
	}
	now := m.now()
	state := &sessionState{
		records: []*Record{{Token: tok, CreatedAt: now, LastUsed: now, Active: true}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	state.cancel = cancel
	m.sessions[sessionID] = state
	m.mu.Unlock()

	m.startSchedule(ctx, sessionID)

	metrics.TokensIssued.WithLabelValues("init").Inc()
	m.logger.Infow("session initialized", "session_id", sessionID)
	return tok, nil
}

// startSchedule launches the per-session proactive rotation goroutine. The
// goroutine exits when the session's context is cancelled.
func (m *Manager) startSchedule(ctx context.Context, sessionID string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer goroutine.Recover("token-rotation-schedule", m.logger)

		ticker := time.NewTicker(m.rotationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.rotateScheduled(sessionID)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// rotateScheduled rotates the session's current active token from the
// background schedule. The session may have been cleaned up between the tick
// and the lock acquisition; that is a normal no-op.
func (m *Manager) rotateScheduled(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	cur := latestActive(state.records)
	if cur == nil {
		return
	}
	tok, err := m.rotateLocked(state, cur)
	if err != nil {
		m.logger.Errorw("scheduled rotation failed", "session_id", sessionID, "error", err)
		return
	}
	metrics.TokensIssued.WithLabelValues("rotation_scheduled").Inc()
	m.logger.Debugw("token rotated on schedule", "session_id", sessionID, "token_prefix", prefix(tok))
}

// ValidateAndRefresh validates a presented token and applies age policy.
// It fails closed: an unknown session, unknown token or deactivated token
// yields Valid=false with no further detail. A token past maxTokenAge is
// deactivated and reported with ShouldRotate=true; a token past the rotation
// interval (but still within max age) is rotated eagerly and the replacement
// returned alongside Valid=true.
func (m *Manager) ValidateAndRefresh(sessionID, presented string) core.ValidationResult {
	start := time.Now()
	defer func() {
		metrics.TokenValidationDuration.Observe(time.Since(start).Seconds())
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		metrics.TokenValidations.WithLabelValues("invalid").Inc()
		return core.ValidationResult{}
	}
	rec := findRecord(state.records, presented)
	if rec == nil || !rec.Active {
		metrics.TokenValidations.WithLabelValues("invalid").Inc()
		return core.ValidationResult{}
	}

	now := m.now()
	rec.LastUsed = now
	rec.UsageCount++

	age := now.Sub(rec.CreatedAt)
	if age > m.maxTokenAge {
		rec.Active = false
		metrics.TokenValidations.WithLabelValues("expired").Inc()
		m.logger.Infow("token expired", "session_id", sessionID, "age", age, "token_prefix", prefix(rec.Token))
		return core.ValidationResult{ShouldRotate: true}
	}

	if age > m.rotationInterval {
		next, err := m.rotateLocked(state, rec)
		if err != nil {
			// Token generation failed; the presented token stays valid so a
			// transient entropy error cannot lock the caller out.
			m.logger.Errorw("eager rotation failed", "session_id", sessionID, "error", err)
			metrics.TokenValidations.WithLabelValues("valid").Inc()
			return core.ValidationResult{Valid: true}
		}
		metrics.TokensIssued.WithLabelValues("rotation_eager").Inc()
		metrics.TokenValidations.WithLabelValues("valid").Inc()
		m.logger.Debugw("token rotated eagerly", "session_id", sessionID, "age", age)
		return core.ValidationResult{Valid: true, NewToken: next}
	}

	metrics.TokenValidations.WithLabelValues("valid").Inc()
	return core.ValidationResult{Valid: true}
}

// RotateToken deactivates oldToken and issues a replacement. The old record
// is retained as inactive. Returns ErrSessionNotTracked when the session was
// never initialized, which indicates a bug in the calling layer.
func (m *Manager) RotateToken(sessionID, oldToken string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return "", fmt.Errorf("rotate %q: %w", sessionID, ErrSessionNotTracked)
	}
	tok, err := m.rotateLocked(state, findRecord(state.records, oldToken))
	if err != nil {
		return "", err
	}
	metrics.TokensIssued.WithLabelValues("rotation_eager").Inc()
	return tok, nil
}

// rotateLocked deactivates old (if present), appends a fresh active token
// and enforces the per-session active-token cap by deactivating the oldest
// active record. Caller must hold mu.
func (m *Manager) rotateLocked(state *sessionState, old *Record) (string, error) {
	tok, err := m.GenerateToken()
	if err != nil {
		return "", err
	}
	if old != nil {
		old.Active = false
	}
	now := m.now()
	state.records = append(state.records, &Record{Token: tok, CreatedAt: now, LastUsed: now, Active: true})

	for countActive(state.records) > m.tokensPerSession {
		oldest := oldestActive(state.records)
		if oldest == nil {
			break
		}
		oldest.Active = false
	}
	return tok, nil
}

// ActiveToken returns the most recently created active token for the
// session, if any. Ties on CreatedAt resolve to the most recently appended.
func (m *Manager) ActiveToken(sessionID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return "", false
	}
	if rec := latestActive(state.records); rec != nil {
		return rec.Token, true
	}
	return "", false
}

// TokenRecord returns a copy of the record for a token, active or retired.
// Retired tokens remain queryable until session cleanup.
func (m *Manager) TokenRecord(sessionID, tok string) (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.sessions[sessionID]
	if !ok {
		return Record{}, false
	}
	if rec := findRecord(state.records, tok); rec != nil {
		return *rec, true
	}
	return Record{}, false
}

// CleanupSession cancels the rotation schedule and discards all token state
// for the session. Calling it for an unknown or already-cleaned session is a
// no-op.
func (m *Manager) CleanupSession(sessionID string) {
	m.mu.Lock()
	state, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	state.stopSchedule()
	metrics.SessionsCleaned.Inc()
	m.logger.Infow("session cleaned up", "session_id", sessionID)
}

// Close cancels every session's rotation schedule and waits for the
// background goroutines to exit, logging if they fail to stop in time.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, state := range m.sessions {
		state.stopSchedule()
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		m.logger.Warn("token rotation schedules did not stop within 5s")
	}
}

func findRecord(records []*Record, tok string) *Record {
	for _, r := range records {
		if r.Token == tok {
			return r
		}
	}
	return nil
}

func countActive(records []*Record) int {
	n := 0
	for _, r := range records {
		if r.Active {
			n++
		}
	}
	return n
}

func latestActive(records []*Record) *Record {
	var best *Record
	for _, r := range records {
		if !r.Active {
			continue
		}
		if best == nil || !r.CreatedAt.Before(best.CreatedAt) {
			best = r
		}
	}
	return best
}

func oldestActive(records []*Record) *Record {
	var best *Record
	for _, r := range records {
		if !r.Active {
			continue
		}
		if best == nil || r.CreatedAt.Before(best.CreatedAt) {
			best = r
		}
	}
	return best
}

// prefix truncates a token for log output so full token values never reach
// the log pipeline.
func prefix(tok string) string {
	if len(tok) > 8 {
		return tok[:8]
	}
	return tok
}
