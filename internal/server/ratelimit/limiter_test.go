package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLimiterAllow(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	l := newLimiter(5, time.Minute, 5, clk.Now)
	defer l.Close()

	for i := range 5 {
		r := l.Allow("k")
		if !r.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if r.Limit != 5 {
			t.Errorf("Limit = %d, want 5", r.Limit)
		}
		if r.Remaining != 4-i {
			t.Errorf("request %d: Remaining = %d, want %d", i+1, r.Remaining, 4-i)
		}
	}
	r := l.Allow("k")
	if r.Allowed {
		t.Fatal("6th request should be rate limited")
	}
	if r.RetryAfter != 12*time.Second {
		t.Errorf("RetryAfter = %v, want 12s", r.RetryAfter)
	}
	if other := l.Allow("other"); !other.Allowed {
		t.Error("keys must not share a bucket")
	}
	clk.Advance(13 * time.Second)
	if r := l.Allow("k"); !r.Allowed {
		t.Error("a token should have been refilled")
	}
}

func TestLimiterCleanup(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	l := newLimiter(60, time.Minute, 60, clk.Now)
	defer l.Close()
	l.Allow("stale")
	clk.Advance(11 * time.Minute)
	l.Allow("fresh")
	l.cleanup()
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.buckets["stale"]; ok {
		t.Error("stale bucket kept")
	}
	if _, ok := l.buckets["fresh"]; !ok {
		t.Error("fresh bucket dropped")
	}
}

func TestNewTiers(t *testing.T) {
	tiers := NewTiers(Limits{CreatePerMin: 5, RetrievePerMin: 0, IngestPerMin: 600})
	defer tiers.Close()
	if tiers.Create == nil || tiers.Create.Scope != ScopeIP {
		t.Errorf("Create = %+v", tiers.Create)
	}
	if tiers.Retrieve != nil {
		t.Error("a zero limit must disable the tier")
	}
	if tiers.Ingest == nil || tiers.Ingest.Scope != ScopeTable {
		t.Errorf("Ingest = %+v", tiers.Ingest)
	}
	if got := tiers.Ingest.Key("orders"); got != "table:orders:ingest" {
		t.Errorf("Key = %q", got)
	}
	if got := tiers.Create.Key("203.0.113.1"); got != "ip:203.0.113.1:create" {
		t.Errorf("Key = %q", got)
	}
}

func TestResponseWriter(t *testing.T) {
	rec := httptest.NewRecorder()
	w := NewResponseWriter(rec, Result{Allowed: false, Limit: 5, Remaining: 0, ResetAt: time.Unix(100, 0), RetryAfter: 12 * time.Second})
	w.WriteHeader(http.StatusTooManyRequests)
	h := rec.Header()
	for k, want := range map[string]string{
		"X-RateLimit-Limit":     "5",
		"X-RateLimit-Remaining": "0",
		"X-RateLimit-Reset":     "100",
		"Retry-After":           "12",
	} {
		if got := h.Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}

	rec = httptest.NewRecorder()
	w = NewResponseWriter(rec, Result{Allowed: true, Limit: 5, Remaining: 4})
	w.(http.Flusher).Flush()
	if rec.Header().Get("X-RateLimit-Remaining") != "4" || rec.Header().Get("Retry-After") != "" {
		t.Errorf("headers = %v", rec.Header())
	}
	if !rec.Flushed {
		t.Error("Flush was not forwarded")
	}
}
