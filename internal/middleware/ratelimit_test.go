package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func newTestLimiter(t *testing.T, r rate.Limit, burst int) *RateLimiter {
	t.Helper()
	rl := NewRateLimiter(RateLimiterConfig{Rate: r, Burst: burst, CleanupInterval: time.Minute})
	t.Cleanup(rl.Stop)
	return rl
}

func limitedHandler(rl *RateLimiter) http.Handler {
	return rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

func requestFrom(addr string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/login/google", nil)
	req.RemoteAddr = addr
	return req
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	if cfg.Burst != 30 {
		t.Errorf("Burst = %d, want 30", cfg.Burst)
	}
	if cfg.Rate != rate.Limit(0.5) {
		t.Errorf("Rate = %v, want 0.5", cfg.Rate)
	}
	if got := PerMinuteRateLimiterConfig(0); got.Burst != 30 {
		t.Errorf("non-positive input should fall back to the default, got %d", got.Burst)
	}
}

func TestRateLimiter_AllowsBurstThenRejects(t *testing.T) {
	rl := newTestLimiter(t, rate.Limit(1.0/60.0), 3)
	handler := limitedHandler(rl)

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFrom("10.0.0.1:1234"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want 200", i+1, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.1:5678"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	retry, err := strconv.Atoi(w.Header().Get("Retry-After"))
	if err != nil || retry != 60 {
		t.Errorf("Retry-After = %q, want 60", w.Header().Get("Retry-After"))
	}
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestRateLimiter_ClientsAreIndependent(t *testing.T) {
	rl := newTestLimiter(t, rate.Limit(1.0/60.0), 1)
	handler := limitedHandler(rl)

	handler.ServeHTTP(httptest.NewRecorder(), requestFrom("10.0.0.1:1"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFrom("10.0.0.2:1"))
	if w.Code != http.StatusOK {
		t.Errorf("other IP should not be limited, status = %d", w.Code)
	}

	// 認証済みリクエストはユーザー単位で数える
	req := requestFrom("10.0.0.1:1")
	req = req.WithContext(ContextWithUserID(req.Context(), "user-1"))
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated user should have its own bucket, status = %d", w.Code)
	}

	if got := rl.LimiterCount(); got != 3 {
		t.Errorf("LimiterCount = %d, want 3", got)
	}
}

func TestRateLimiter_Concurrent(t *testing.T) {
	rl := newTestLimiter(t, rate.Limit(1.0/60.0), 10)
	handler := limitedHandler(rl)

	var (
		mu      sync.Mutex
		allowed int
		wg      sync.WaitGroup
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, requestFrom("10.0.0.9:1"))
			if w.Code == http.StatusOK {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 10 {
		t.Errorf("allowed = %d, want 10", allowed)
	}
}

func TestRateLimiter_CleanupRemovesIdleEntries(t *testing.T) {
	rl := newTestLimiter(t, rate.Limit(1), 1)
	rl.getOrCreateLimiter("ip:old")
	rl.getOrCreateLimiter("ip:new")

	rl.mu.Lock()
	rl.limiters["ip:old"].lastAccess = time.Now().Add(-time.Hour)
	rl.mu.Unlock()

	rl.cleanup(time.Now())

	if got := rl.LimiterCount(); got != 1 {
		t.Errorf("LimiterCount = %d, want 1", got)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

func TestClientKey(t *testing.T) {
	if got := clientKey(requestFrom("192.0.2.1:443")); got != "ip:192.0.2.1" {
		t.Errorf("clientKey = %q", got)
	}
	if got := clientKey(requestFrom("192.0.2.1")); got != "ip:192.0.2.1" {
		t.Errorf("clientKey without port = %q", got)
	}
}
