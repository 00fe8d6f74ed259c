package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"propfirm-core/internal/monitor"
	"propfirm-core/pkg/logger"
)

// ipLimiters hands out one token bucket per client IP. The table is reset
// every ttl so idle clients do not accumulate.
type ipLimiters struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	ttl     time.Duration
	resetAt time.Time
	byIP    map[string]*rate.Limiter
	now     func() time.Time
}

func newIPLimiters(perSecond float64, burst int) *ipLimiters {
	if burst <= 0 {
		burst = max(1, int(perSecond))
	}
	return &ipLimiters{
		limit: rate.Limit(perSecond),
		burst: burst,
		ttl:   5 * time.Minute,
		byIP:  make(map[string]*rate.Limiter),
		now:   time.Now,
	}
}

func (l *ipLimiters) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.After(l.resetAt) {
		clear(l.byIP)
		l.resetAt = now.Add(l.ttl)
	}
	lim, ok := l.byIP[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.byIP[ip] = lim
	}
	return lim
}

// CORSMiddleware handles Cross-Origin Resource Sharing
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Origin, X-API-Key, X-Operator-Token, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RequestIDMiddleware adds unique request ID for tracking
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("RequestID", requestID)
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Next()
	}
}

// RateLimitMiddleware rejects clients that exceed their per-IP budget.
func RateLimitMiddleware(limiters *ipLimiters) gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !limiters.get(ip).Allow() {
			logger.S().Warnw("rate limit exceeded", "ip", ip, "path", c.Request.URL.Path)
			respondError(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please slow down")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequestLogger logs every request and feeds the latency histogram when a recorder is set.
func RequestLogger(rec *monitor.Recorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		if rec != nil {
			rec.ObserveRequest(latency)
		}
		status := c.Writer.Status()
		fields := []any{
			"request_id", c.GetString("RequestID"),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", latency,
			"ip", c.ClientIP(),
		}
		if status >= http.StatusInternalServerError {
			logger.S().Errorw("api request", fields...)
			return
		}
		logger.S().Debugw("api request", fields...)
	}
}
