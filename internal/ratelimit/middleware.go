package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pulseframe/pulseframe/internal/config"
)

// KeyFunc derives the caller identity for a request. The default keys by
// source IP; authenticated deployments substitute a user or API-key
// identity here.
type KeyFunc func(c *gin.Context) string

// IPIdentity keys by the first X-Forwarded-For hop when present, else the
// peer address.
func IPIdentity(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
			return "ip:" + ip
		}
	}
	return "ip:" + c.ClientIP()
}

// Middleware applies sliding-window limits to HTTP traffic. The global
// Handler resolves each request's rule from the configured path overrides;
// PerRoute attaches a fixed rule to a single route and removes it from the
// global handler's care.
type Middleware struct {
	limiter  *Limiter
	cfg      config.RateLimitSettings
	keyFunc  KeyFunc
	exclude  map[string]struct{}
	perRoute map[string]struct{}
	log      zerolog.Logger

	// Denied, when set, is invoked once per rejected request.
	Denied func()
}

// NewMiddleware builds the middleware. A nil keyFunc selects IPIdentity.
func NewMiddleware(limiter *Limiter, cfg config.RateLimitSettings, keyFunc KeyFunc, log zerolog.Logger) *Middleware {
	if keyFunc == nil {
		keyFunc = IPIdentity
	}
	exclude := make(map[string]struct{}, len(cfg.Exclude))
	for _, p := range cfg.Exclude {
		exclude[p] = struct{}{}
	}
	return &Middleware{
		limiter:  limiter,
		cfg:      cfg,
		keyFunc:  keyFunc,
		exclude:  exclude,
		perRoute: make(map[string]struct{}),
		log:      log.With().Str("subsystem", "ratelimit").Logger(),
	}
}

// Handler is the router-wide middleware. Excluded paths and routes owned by
// a PerRoute handler pass through untouched.
func (m *Middleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.cfg.Enabled {
			c.Next()
			return
		}
		path := c.Request.URL.Path
		if _, ok := m.exclude[path]; ok {
			c.Next()
			return
		}
		if _, ok := m.perRoute[c.FullPath()]; ok {
			c.Next()
			return
		}
		m.admit(c, m.resolve(path))
	}
}

// PerRoute returns a handler enforcing a fixed rule on one route. The path
// must be the route pattern as registered, and registration must complete
// before the router serves traffic.
func (m *Middleware) PerRoute(path string, limit, windowSeconds int) gin.HandlerFunc {
	m.perRoute[path] = struct{}{}
	rule := config.RateLimitRule{Limit: limit, Window: windowSeconds}
	return func(c *gin.Context) {
		if !m.cfg.Enabled {
			c.Next()
			return
		}
		m.admit(c, rule)
	}
}

// resolve picks the rule for a path: exact override, longest prefix
// override, then the global default.
func (m *Middleware) resolve(path string) config.RateLimitRule {
	if rule, ok := m.cfg.Paths[path]; ok {
		return rule
	}
	var (
		best    string
		rule    config.RateLimitRule
		matched bool
	)
	for prefix, r := range m.cfg.Paths {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best, rule, matched = prefix, r, true
		}
	}
	if matched {
		return rule
	}
	return config.RateLimitRule{Limit: m.cfg.Default, Window: m.cfg.Window}
}

func (m *Middleware) admit(c *gin.Context, rule config.RateLimitRule) {
	path := c.Request.URL.Path
	key := Key(m.keyFunc(c), path)
	window := time.Duration(rule.Window) * time.Second

	res := m.limiter.Check(c.Request.Context(), key, rule.Limit, window)

	c.Header("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	c.Header("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	c.Header("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))

	if res.Allowed {
		c.Next()
		return
	}

	if m.Denied != nil {
		m.Denied()
	}
	m.log.Warn().
		Str("key", key).
		Str("path", path).
		Int("limit", res.Limit).
		Int("current_usage", res.CurrentUsage).
		Msg("request rate limited")

	c.Header("Retry-After", strconv.Itoa(res.RetryAfter))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":         "rate_limited",
		"message":       "too many requests: limit is " + strconv.Itoa(rule.Limit) + " per " + strconv.Itoa(rule.Window) + " seconds",
		"limit":         res.Limit,
		"current_usage": res.CurrentUsage,
		"retry_after":   res.RetryAfter,
		"reset_at":      res.ResetAt.Unix(),
	})
}
