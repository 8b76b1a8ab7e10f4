package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimit_PerIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewIPRateLimiter(RateLimitConfig{Rate: rate.Limit(0.001), Burst: 2})

	r := gin.New()
	r.POST("/hook", RateLimit(rl), func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/hook", nil)
		req.RemoteAddr = remote
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, send("10.0.0.1:1000").Code)
	require.Equal(t, http.StatusOK, send("10.0.0.1:1001").Code)
	w := send("10.0.0.1:1002")
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "1", w.Header().Get("Retry-After"))

	// Another client has its own bucket.
	require.Equal(t, http.StatusOK, send("10.0.0.2:1000").Code)
}

func TestIPRateLimiter_Cleanup(t *testing.T) {
	rl := NewIPRateLimiter(RateLimitConfig{MaxAge: time.Minute})
	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"))

	require.Equal(t, 0, rl.cleanup(time.Now()))
	require.Equal(t, 2, rl.cleanup(time.Now().Add(2*time.Minute)))
}
