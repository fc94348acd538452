package ratelimit

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RouteClass groups paths that share one ceiling.
type RouteClass string

const (
	ClassAuth    RouteClass = "auth"
	ClassReports RouteClass = "reports"
	ClassAlerts  RouteClass = "alerts"
	ClassDefault RouteClass = "default"
)

// Limits maps each route class to its per-window request ceiling.
type Limits map[RouteClass]int

// DefaultLimits are the ceilings used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		ClassAuth:    20,
		ClassReports: 50,
		ClassAlerts:  100,
		ClassDefault: 200,
	}
}

func (l Limits) ceiling(c RouteClass) int {
	if n, ok := l[c]; ok && n > 0 {
		return n
	}
	if n, ok := l[ClassDefault]; ok && n > 0 {
		return n
	}
	return DefaultLimits()[ClassDefault]
}

// ClassifyPath derives the route class from the first path segment after an
// optional /api prefix.
func ClassifyPath(path string) RouteClass {
	if path == "/api" || strings.HasPrefix(path, "/api/") {
		path = path[len("/api"):]
	}
	seg := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	switch seg {
	case "auth":
		return ClassAuth
	case "reports":
		return ClassReports
	case "alerts":
		return ClassAlerts
	}
	return ClassDefault
}

// ClientIdentity is the first X-Forwarded-For hop, then X-Real-IP, then
// "unknown". The socket address is ignored: behind a proxy it names the proxy.
func ClientIdentity(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return "unknown"
}

type lifecycle interface {
	Start(interval time.Duration)
	Stop()
}

// Controller applies a Limiter to HTTP requests.
type Controller struct {
	limiter Limiter
	clock   Clock
	logger  *slog.Logger

	mu     sync.RWMutex
	limits Limits
}

type Option func(*Controller)

func WithClock(c Clock) Option { return func(ct *Controller) { ct.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(ct *Controller) { ct.logger = l } }

func NewController(limiter Limiter, limits Limits, opts ...Option) *Controller {
	c := &Controller{
		limiter: limiter,
		clock:   realClock{},
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.SetLimits(limits)
	return c
}

// SetLimits swaps the ceilings. Open windows keep their counts.
func (c *Controller) SetLimits(l Limits) {
	merged := DefaultLimits()
	for k, v := range l {
		if v > 0 {
			merged[k] = v
		}
	}
	c.mu.Lock()
	c.limits = merged
	c.mu.Unlock()
}

func (c *Controller) Limits() Limits {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(Limits, len(c.limits))
	for k, v := range c.limits {
		out[k] = v
	}
	return out
}

// Start begins the periodic sweep of expired windows, if the limiter has one.
func (c *Controller) Start(interval time.Duration) {
	if lc, ok := c.limiter.(lifecycle); ok {
		lc.Start(interval)
	}
}

func (c *Controller) Stop() {
	if lc, ok := c.limiter.(lifecycle); ok {
		lc.Stop()
	}
}

// Check counts r against its window.
func (c *Controller) Check(r *http.Request) (RouteClass, Decision) {
	class := ClassifyPath(r.URL.Path)
	c.mu.RLock()
	limit := c.limits.ceiling(class)
	c.mu.RUnlock()
	return class, c.limiter.Allow(string(class)+":"+ClientIdentity(r), limit)
}

// IsLimited counts r and reports whether it exceeds its class ceiling.
func (c *Controller) IsLimited(r *http.Request) bool {
	_, d := c.Check(r)
	return !d.Allowed
}

// Middleware rejects requests over their ceiling with 429 and sets the
// X-RateLimit headers on every response.
func (c *Controller) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		class, d := c.Check(r)
		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retry := retryAfterSeconds(d.ResetAt.Sub(c.clock.Now()))
		h.Set("Retry-After", strconv.Itoa(retry))
		h.Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error": "Too many requests",
			"details": map[string]any{
				"routeClass": class,
				"limit":      d.Limit,
				"retryAfter": retry,
			},
		})
		c.logger.Debug("request rate limited", "class", class, "client", clientHost(r), "count", d.Count)
	})
}

// retryAfterSeconds rounds up so a client never retries inside the window.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}

func clientHost(r *http.Request) string {
	id := ClientIdentity(r)
	if id != "unknown" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
