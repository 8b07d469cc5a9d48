// Package middleware composes the token manager, device registry and
// anomaly detector into HTTP middleware. The three engine components never
// call each other; this layer coordinates them per request and owns every
// allow/deny decision, keeping the engine itself a pure signal provider.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"bastion/anomaly"
	"bastion/core"
	"bastion/device"
	"bastion/token"
)

// Header and cookie names of the external contract.
const (
	HeaderCSRFToken = "X-CSRF-Token"
	HeaderSessionID = "X-Session-ID"
	HeaderStepUp    = "X-Step-Up-Required"
	CookieSessionID = "session_id"
)

// Guard wires the three engine components behind http.Handler middleware.
type Guard struct {
	Tokens   *token.Manager
	Devices  *device.Registry
	Detector *anomaly.Detector

	// TrustProxy honors the first X-Forwarded-For entry ahead of the raw
	// socket address when deriving the client address.
	TrustProxy bool

	Logger *zap.SugaredLogger
}

// NewGuard creates a Guard over the given components.
func NewGuard(tokens *token.Manager, devices *device.Registry, detector *anomaly.Detector, trustProxy bool, logger *zap.SugaredLogger) *Guard {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Guard{Tokens: tokens, Devices: devices, Detector: detector, TrustProxy: trustProxy, Logger: logger}
}

// Protect enforces CSRF checks on state-changing methods. Safe methods pass
// through untouched. The combined token and device outcome is reported to
// the anomaly detector; policy is: hard-deny at critical suspicion, demand
// step-up verification at high, otherwise deny only on token failure.
func (g *Guard) Protect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet || r.Method == http.MethodHead || r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		sessionID := SessionID(r)
		if sessionID == "" {
			writeError(w, http.StatusForbidden, "missing session")
			return
		}

		info := DeviceInfoFromRequest(r, g.TrustProxy)
		fp := g.Devices.RegisterDevice(sessionID, info)

		start := time.Now()
		result := g.Tokens.ValidateAndRefresh(sessionID, r.Header.Get(HeaderCSRFToken))
		g.Detector.RecordValidationAttempt(sessionID, result.Valid, time.Since(start), fp, info.SourceAddress)

		check := g.Devices.VerifyDevice(sessionID, fp)
		if !check.Trusted && g.Devices.IsSuspiciousDevice(sessionID, fp) {
			g.Logger.Infow("unverified device on state-changing request",
				"session_id", sessionID, "fingerprint_prefix", fp[:8], "path", r.URL.Path)
		}

		switch level := g.Detector.SuspicionLevel(sessionID); level {
		case core.SuspicionCritical:
			g.Logger.Warnw("request denied at critical suspicion", "session_id", sessionID, "path", r.URL.Path)
			writeError(w, http.StatusForbidden, "request denied")
			return
		case core.SuspicionHigh:
			w.Header().Set(HeaderStepUp, "true")
		}

		if !result.Valid {
			if result.ShouldRotate {
				// Expired, not forged: tell the client to re-initialize.
				w.Header().Set(HeaderStepUp, "true")
			}
			writeError(w, http.StatusForbidden, "invalid or expired token")
			return
		}

		if result.NewToken != "" {
			w.Header().Set(HeaderCSRFToken, result.NewToken)
		}
		next.ServeHTTP(w, r)
	})
}

// SessionID extracts the session identity from the request: the session
// header first, then the session cookie. Empty when absent.
func SessionID(r *http.Request) string {
	if id := r.Header.Get(HeaderSessionID); id != "" {
		return id
	}
	if c, err := r.Cookie(CookieSessionID); err == nil {
		return c.Value
	}
	return ""
}

// DeviceInfoFromRequest builds the fingerprint input from request metadata.
func DeviceInfoFromRequest(r *http.Request, trustProxy bool) core.DeviceInfo {
	return core.DeviceInfo{
		UserAgent:      r.Header.Get("User-Agent"),
		SourceAddress:  clientAddress(r, trustProxy),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}

// clientAddress returns the first X-Forwarded-For entry when proxy trust is
// on, otherwise the socket address with the port stripped.
func clientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return first
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
