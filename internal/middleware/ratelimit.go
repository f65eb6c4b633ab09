package middleware

import (
	"net/http"
	"strings"
	"sync"

	"inboxflow/internal/config"
	appmetrics "inboxflow/internal/metrics"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterSet 按客户端 IP 维护令牌桶
type limiterSet struct {
	mu       sync.Mutex
	prefix   string
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

func newLimiterSet(prefix string, rpm, burst int) *limiterSet {
	if burst <= 0 {
		burst = rpm
	}
	return &limiterSet{
		prefix:   prefix,
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (s *limiterSet) allow(key string) bool {
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(s.limit, s.burst)
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.Allow()
}

// RateLimitMiddleware 按 IP 限流；Paths 中第一个匹配的前缀优先于全局配置
func RateLimitMiddleware(cfg *config.Config) gin.HandlerFunc {
	rl := cfg.Security.RateLimiting
	if !rl.Enabled {
		return func(c *gin.Context) { c.Next() }
	}

	var paths []*limiterSet
	for _, p := range rl.Paths {
		if !p.Enabled || p.RequestsPerMinute <= 0 || p.Prefix == "" {
			continue
		}
		paths = append(paths, newLimiterSet(p.Prefix, p.RequestsPerMinute, p.Burst))
	}
	var global *limiterSet
	if rl.RequestsPerMinute > 0 {
		global = newLimiterSet("global", rl.RequestsPerMinute, rl.Burst)
	}
	whitelist := make(map[string]struct{}, len(rl.WhitelistIPs))
	for _, ip := range rl.WhitelistIPs {
		whitelist[ip] = struct{}{}
	}

	reject := func(c *gin.Context, set *limiterSet) {
		appmetrics.IncRateLimitDrop(set.prefix)
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":   "Too Many Requests",
			"message": "rate limit exceeded",
		})
	}

	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if _, ok := whitelist[key]; ok {
			c.Next()
			return
		}

		path := c.Request.URL.Path
		for _, set := range paths {
			if strings.HasPrefix(path, set.prefix) {
				if !set.allow(key) {
					reject(c, set)
					return
				}
				c.Next()
				return
			}
		}

		if global != nil && !global.allow(key) {
			reject(c, global)
			return
		}
		c.Next()
	}
}
