package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"bastion/util/goroutine"
)

func TestRateLimiterEnforcesBurst(t *testing.T) {
	goroutine.AssertNoLeaks(t)

	rl := NewRateLimiter(1, 2, false, zap.NewNop().Sugar())
	defer rl.Close()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(addr string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}

	// Burst of 2 allowed, third rejected.
	assert.Equal(t, http.StatusOK, do("203.0.113.10:1000"))
	assert.Equal(t, http.StatusOK, do("203.0.113.10:1001"))
	assert.Equal(t, http.StatusTooManyRequests, do("203.0.113.10:1002"))

	// Other clients are unaffected.
	assert.Equal(t, http.StatusOK, do("198.51.100.7:2000"))
}

func TestRateLimiterAllowDirect(t *testing.T) {
	rl := NewRateLimiter(1, 1, false, zap.NewNop().Sugar())
	defer rl.Close()

	assert.True(t, rl.Allow("k"))
	assert.False(t, rl.Allow("k"))
	assert.True(t, rl.Allow("other"))
}
