package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterAllowsWithinBudget(t *testing.T) {
	// 120 requests per minute is 2 per second, burst of 1.
	rl := NewRateLimiter(120, 1)
	limiter := rl.limiterFor("192.168.1.1")

	assert.True(t, limiter.Allow(), "first request should be allowed")
	assert.False(t, limiter.Allow(), "second request should be blocked, burst exhausted")

	// A token refills every 500ms at this rate.
	time.Sleep(600 * time.Millisecond)
	assert.True(t, limiter.Allow(), "request after refill should be allowed")
}

func TestRateLimiterIsolatesClients(t *testing.T) {
	rl := NewRateLimiter(2, 1)

	limiter1 := rl.limiterFor("192.168.1.1")
	limiter2 := rl.limiterFor("192.168.1.2")

	assert.True(t, limiter1.Allow())
	assert.True(t, limiter2.Allow(), "a busy neighbor must not consume this client's budget")

	assert.False(t, limiter1.Allow())
	assert.False(t, limiter2.Allow())
}

func TestRateLimitMiddlewareReturns429(t *testing.T) {
	e := echo.New()
	rl := NewRateLimiter(2, 1)

	handler := rl.RateLimitMiddleware()(func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/billing", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	rec := httptest.NewRecorder()
	assert.NoError(t, handler(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/webhook/billing", nil)
	req.RemoteAddr = "192.168.1.1:12346"
	rec = httptest.NewRecorder()
	assert.NoError(t, handler(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_limit_exceeded")
}

func TestRateLimitMiddlewareSeparatesIPs(t *testing.T) {
	e := echo.New()
	rl := NewRateLimiter(2, 1)

	handler := rl.RateLimitMiddleware()(func(c echo.Context) error {
		return c.String(http.StatusOK, "success")
	})

	for i := 1; i <= 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/plans", nil)
		req.RemoteAddr = fmt.Sprintf("192.168.1.%d:12345", i)
		rec := httptest.NewRecorder()
		assert.NoError(t, handler(e.NewContext(req, rec)))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiterBurst(t *testing.T) {
	// 60 req/min with burst of 10: ten immediate requests pass, then one
	// token per second.
	rl := NewRateLimiter(60, 10)
	limiter := rl.limiterFor("192.168.1.1")

	allowed := 0
	for i := 0; i < 15; i++ {
		if limiter.Allow() {
			allowed++
		}
	}
	assert.Equal(t, 10, allowed)

	time.Sleep(1100 * time.Millisecond)
	assert.True(t, limiter.Allow(), "one token should refill after a second")
}
