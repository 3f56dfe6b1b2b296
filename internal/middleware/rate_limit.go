package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"chat_sync/pkg/logger"
)

const limiterIdleTTL = 10 * time.Minute

// RateLimitMiddleware ограничивает частоту запросов с одного адреса (token bucket)
type RateLimitMiddleware struct {
	rps   rate.Limit
	burst int
	log   logger.Logger

	mu       sync.Mutex
	limiters map[string]*visitor
	now      func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimitMiddleware(rps float64, burst int, log logger.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		rps:      rate.Limit(rps),
		burst:    burst,
		log:      log,
		limiters: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (m *RateLimitMiddleware) Limit() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		limiter := m.limiter(key)

		c.Header("X-RateLimit-Limit", strconv.Itoa(m.burst))
		if !limiter.AllowN(m.now(), 1) {
			m.log.Warn("Rate limit exceeded", "client_ip", key, "path", c.Request.URL.Path)
			c.Header("X-RateLimit-Remaining", "0")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}

		c.Next()
	}
}

func (m *RateLimitMiddleware) limiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for k, v := range m.limiters {
		if now.Sub(v.lastSeen) > limiterIdleTTL {
			delete(m.limiters, k)
		}
	}

	v, ok := m.limiters[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(m.rps, m.burst)}
		m.limiters[key] = v
	}
	v.lastSeen = now
	return v.limiter
}
