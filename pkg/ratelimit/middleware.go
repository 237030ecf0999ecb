package ratelimit

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"herald/internal/config"
	apperrors "herald/pkg/errors"
	"herald/pkg/metrics"
)

type limiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
	mu       sync.Mutex
}

// PerClient holds one token bucket per client IP. Buckets idle for longer than MaxAge are
// dropped by Run.
type PerClient struct {
	cfg config.RateLimitConfig

	mu       sync.RWMutex
	limiters map[string]*limiter
}

func New(cfg config.RateLimitConfig) *PerClient {
	return &PerClient{cfg: cfg, limiters: make(map[string]*limiter)}
}

// Run evicts idle buckets until ctx is done.
func (p *PerClient) Run(ctx context.Context) {
	interval := p.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.evict(now)
		}
	}
}

func (p *PerClient) evict(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ip, l := range p.limiters {
		l.mu.Lock()
		lastSeen := l.lastSeen
		l.mu.Unlock()
		if now.Sub(lastSeen) > p.cfg.MaxAge {
			delete(p.limiters, ip)
		}
	}
}

func (p *PerClient) get(ip string) *limiter {
	p.mu.RLock()
	l, ok := p.limiters[ip]
	p.mu.RUnlock()
	if ok {
		return l
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok = p.limiters[ip]; !ok {
		l = &limiter{limiter: rate.NewLimiter(rate.Limit(p.cfg.RPS), p.cfg.Burst)}
		p.limiters[ip] = l
	}
	return l
}

func (p *PerClient) Middleware() gin.HandlerFunc {
	limit := strconv.Itoa(int(p.cfg.RPS))

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if clientIP == "" {
			clientIP = c.RemoteIP()
		}

		l := p.get(clientIP)
		l.mu.Lock()
		l.lastSeen = time.Now()
		l.mu.Unlock()

		c.Header("X-RateLimit-Limit", limit)

		if !l.limiter.Allow() {
			metrics.RateLimitRequestsTotal.WithLabelValues("limited").Inc()
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, apperrors.ToErrorResponse(apperrors.ErrRateLimited))
			return
		}

		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
		remaining := int(l.limiter.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))

		c.Next()
	}
}
