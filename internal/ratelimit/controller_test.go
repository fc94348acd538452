package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestClassifyPath(t *testing.T) {
	tests := []struct {
		path string
		want RouteClass
	}{
		{"/auth/login", ClassAuth},
		{"/api/auth/login", ClassAuth},
		{"/reports", ClassReports},
		{"/api/reports/abc", ClassReports},
		{"/alerts", ClassAlerts},
		{"/resources/r1", ClassDefault},
		{"/health", ClassDefault},
		{"/", ClassDefault},
		{"/apiary/reports", ClassDefault},
		{"/authors", ClassDefault},
	}
	for _, tt := range tests {
		if got := ClassifyPath(tt.path); got != tt.want {
			t.Errorf("ClassifyPath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestClientIdentity(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"forwarded chain", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "198.51.100.7"},
		{"forwarded wins", map[string]string{"X-Forwarded-For": "203.0.113.5", "X-Real-IP": "198.51.100.7"}, "203.0.113.5"},
		{"none", nil, "unknown"},
		{"blank forwarded", map[string]string{"X-Forwarded-For": " , 10.0.0.1"}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			if got := ClientIdentity(r); got != tt.want {
				t.Errorf("ClientIdentity = %q, want %q", got, tt.want)
			}
		})
	}
}

func newTestController(clock *fakeClock) *Controller {
	lim := NewInMemory(15 * time.Minute).WithClock(clock)
	return NewController(lim, DefaultLimits(), WithClock(clock))
}

func authRequest(ip string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
	r.Header.Set("X-Forwarded-For", ip)
	return r
}

func TestAuthCeilingAndFreshWindow(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock)
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 1; i <= 20; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, authRequest("203.0.113.5"))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}

	clock.Advance(5 * time.Minute)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authRequest("203.0.113.5"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("21st request: status %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "600" {
		t.Errorf("Retry-After = %q, want %q", got, "600")
	}
	var body struct {
		Error   string         `json:"error"`
		Details map[string]any `json:"details"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != "Too many requests" || body.Details["routeClass"] != "auth" {
		t.Errorf("body = %+v", body)
	}

	clock.Advance(10*time.Minute + time.Millisecond)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, authRequest("203.0.113.5"))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("first request of a fresh window: status %d", rec.Code)
	}
}

func TestRateLimitHeaders(t *testing.T) {
	clock := newFakeClock()
	c := newTestController(clock)
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/alerts", nil))

	if got := rec.Header().Get("X-RateLimit-Limit"); got != "100" {
		t.Errorf("X-RateLimit-Limit = %q, want 100", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "99" {
		t.Errorf("X-RateLimit-Remaining = %q, want 99", got)
	}
	if rec.Header().Get("X-RateLimit-Reset") == "" {
		t.Error("X-RateLimit-Reset missing")
	}
	if rec.Header().Get("Retry-After") != "" {
		t.Error("Retry-After set on an admitted request")
	}
}

func TestIdentitiesAndClassesAreSeparate(t *testing.T) {
	c := newTestController(newFakeClock())
	c.SetLimits(Limits{ClassAuth: 1})

	if c.IsLimited(authRequest("1.1.1.1")) {
		t.Fatal("first request limited")
	}
	if !c.IsLimited(authRequest("1.1.1.1")) {
		t.Fatal("second request from the same client not limited")
	}
	if c.IsLimited(authRequest("2.2.2.2")) {
		t.Error("different client shares the window")
	}
	r := httptest.NewRequest(http.MethodGet, "/reports", nil)
	r.Header.Set("X-Forwarded-For", "1.1.1.1")
	if c.IsLimited(r) {
		t.Error("different route class shares the window")
	}
}

func TestSetLimitsKeepsDefaultsForMissingClasses(t *testing.T) {
	c := newTestController(newFakeClock())
	c.SetLimits(Limits{ClassReports: 5, ClassAlerts: -3})

	got := c.Limits()
	if got[ClassReports] != 5 || got[ClassAlerts] != 100 || got[ClassAuth] != 20 || got[ClassDefault] != 200 {
		t.Errorf("Limits = %v", got)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{-time.Second, 1},
		{1500 * time.Millisecond, 2},
		{15 * time.Minute, 900},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRedisRetryAfterUsesControllerClock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	clock := newFakeClock()
	lim := NewRedis(client, 15*time.Minute).WithClock(clock)
	c := NewController(lim, DefaultLimits(), WithClock(clock))
	h := c.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 1; i <= 20; i++ {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, authRequest("203.0.113.9"))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("request %d: status %d", i, rec.Code)
		}
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, authRequest("203.0.113.9"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("21st request: status %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "900" {
		t.Errorf("Retry-After = %q, want %q", got, "900")
	}
}
