package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, limit int) (*Limiter, *time.Time) {
	t.Helper()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl := NewLimiter(Config{Limit: limit, Window: time.Minute, CleanupInterval: time.Hour})
	rl.SetClock(func() time.Time { return now })
	t.Cleanup(rl.Stop)
	return rl, &now
}

func TestLimiter_AllowWithinWindow(t *testing.T) {
	rl, now := newTestLimiter(t, 2)

	for i := range 2 {
		if ok, _ := rl.Allow("alice"); !ok {
			t.Fatalf("request %d rejected, want allowed", i+1)
		}
	}
	*now = now.Add(20 * time.Second)
	ok, retry := rl.Allow("alice")
	if ok {
		t.Fatal("third request allowed, want rejected")
	}
	if retry != 40*time.Second {
		t.Errorf("retry after = %v, want 40s", retry)
	}
	if ok, _ := rl.Allow("bob"); !ok {
		t.Error("other key rejected")
	}

	*now = now.Add(40 * time.Second)
	if ok, _ := rl.Allow("alice"); !ok {
		t.Error("request after window reset rejected")
	}
	if got := rl.GetMetrics().TotalHits; got != 1 {
		t.Errorf("TotalHits = %d, want 1", got)
	}
}

func TestLimiter_CleanupStaleEntries(t *testing.T) {
	rl, now := newTestLimiter(t, 5)
	rl.Allow("a")
	*now = now.Add(30 * time.Second)
	rl.Allow("b")
	*now = now.Add(45 * time.Second)

	if n := rl.cleanupStaleEntries(); n != 1 {
		t.Errorf("cleanupStaleEntries() = %d, want 1", n)
	}
	if rl.ActiveClients() != 1 {
		t.Errorf("ActiveClients() = %d, want 1", rl.ActiveClients())
	}
}

func TestLimiter_Middleware(t *testing.T) {
	rl, _ := newTestLimiter(t, 1)
	h := rl.Middleware(
		func(r *http.Request) string { return r.Header.Get("X-Owner-ID") },
		func(r *http.Request) bool { return r.Method != http.MethodGet },
		nil,
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	do := func(method string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/v1/transactions", nil)
		req.Header.Set("X-Owner-ID", "alice")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr
	}

	if rr := do(http.MethodPost); rr.Code != http.StatusNoContent {
		t.Fatalf("first POST status = %d", rr.Code)
	}
	rr := do(http.MethodPost)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second POST status = %d, want 429", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rr.Header().Get("Retry-After"))
	}
	for range 3 {
		if rr := do(http.MethodGet); rr.Code != http.StatusNoContent {
			t.Fatalf("GET status = %d, reads should not be limited", rr.Code)
		}
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{0, "1"},
		{300 * time.Millisecond, "1"},
		{time.Second, "1"},
		{1500 * time.Millisecond, "2"},
		{time.Minute, "60"},
	}
	for _, tt := range tests {
		if got := RetryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("RetryAfterSeconds(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
