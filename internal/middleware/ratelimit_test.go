package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func userRequest(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/tasks", nil)
	return req.WithContext(ContextWithUserID(req.Context(), userID))
}

func ipRequest(remoteAddr string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = remoteAddr
	return req
}

func okHandler(count *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*count++
		w.WriteHeader(http.StatusOK)
	})
}

// --- GeneralMiddleware（ユーザー単位）のテスト ---

func TestGeneralRateLimit_AllowsBurstThenRejects(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GeneralRate: 1, GeneralBurst: 3, AuthRate: 1, AuthBurst: 1}, nil)
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(okHandler(&calls))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, userRequest("user-1"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want 200", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, userRequest("user-1"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if calls != 3 {
		t.Errorf("handler calls = %d, want 3", calls)
	}
	if got := w.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if body.Code != "RATE_LIMIT_EXCEEDED" || body.Category != "system" {
		t.Errorf("body = %+v", body)
	}
}

func TestGeneralRateLimit_IsolatesUsers(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GeneralRate: 0.01, GeneralBurst: 1, AuthRate: 1, AuthBurst: 1}, nil)
	defer rl.Stop()

	calls := 0
	handler := rl.GeneralMiddleware()(okHandler(&calls))

	handler.ServeHTTP(httptest.NewRecorder(), userRequest("alice"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, userRequest("bob"))

	if w.Code != http.StatusOK {
		t.Errorf("bob status = %d, want 200", w.Code)
	}
	if rl.GeneralLimiterCount() != 2 {
		t.Errorf("GeneralLimiterCount() = %d, want 2", rl.GeneralLimiterCount())
	}
}

func TestGeneralRateLimit_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig(), nil)
	defer rl.Stop()

	calls := 0
	w := httptest.NewRecorder()
	rl.GeneralMiddleware()(okHandler(&calls)).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks", nil))

	if w.Code != http.StatusUnauthorized || calls != 0 {
		t.Errorf("status = %d, calls = %d", w.Code, calls)
	}
}

// --- AuthMiddleware（クライアントIP単位）のテスト ---

func TestAuthRateLimit_KeyedByClientIP(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GeneralRate: 1, GeneralBurst: 1, AuthRate: 0.5, AuthBurst: 2}, nil)
	defer rl.Stop()

	calls := 0
	handler := rl.AuthMiddleware()(okHandler(&calls))

	// 同一IPはポートが違っても同じ枠を使う
	handler.ServeHTTP(httptest.NewRecorder(), ipRequest("10.0.0.1:1111"))
	handler.ServeHTTP(httptest.NewRecorder(), ipRequest("10.0.0.1:2222"))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, ipRequest("10.0.0.1:3333"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("third request status = %d, want 429", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != strconv.Itoa(2) {
		t.Errorf("Retry-After = %q, want 2", got)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, ipRequest("10.0.0.2:1111"))
	if w.Code != http.StatusOK {
		t.Errorf("other IP status = %d, want 200", w.Code)
	}
	if rl.AuthLimiterCount() != 2 {
		t.Errorf("AuthLimiterCount() = %d, want 2", rl.AuthLimiterCount())
	}
}

func TestAuthRateLimit_IndependentFromGeneral(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{GeneralRate: 0.01, GeneralBurst: 1, AuthRate: 0.01, AuthBurst: 1}, nil)
	defer rl.Stop()

	calls := 0
	rl.GeneralMiddleware()(okHandler(&calls)).ServeHTTP(httptest.NewRecorder(), userRequest("u1"))

	w := httptest.NewRecorder()
	rl.AuthMiddleware()(okHandler(&calls)).ServeHTTP(w, ipRequest("192.0.2.1:1"))
	if w.Code != http.StatusOK {
		t.Errorf("auth status = %d, want 200", w.Code)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		remoteAddr string
		want       string
	}{
		{"192.0.2.1:1234", "192.0.2.1"},
		{"[2001:db8::1]:443", "2001:db8::1"},
		{"192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = tt.remoteAddr
		if got := clientIP(req); got != tt.want {
			t.Errorf("clientIP(%q) = %q, want %q", tt.remoteAddr, got, tt.want)
		}
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		GeneralRate: 2, GeneralBurst: 5, AuthRate: 1, AuthBurst: 1,
		CleanupInterval: 50 * time.Millisecond,
	}, nil)
	defer rl.Stop()

	calls := 0
	rl.GeneralMiddleware()(okHandler(&calls)).ServeHTTP(httptest.NewRecorder(), userRequest("user-cleanup"))
	rl.AuthMiddleware()(okHandler(&calls)).ServeHTTP(httptest.NewRecorder(), ipRequest("10.1.1.1:1"))

	if rl.GeneralLimiterCount() != 1 || rl.AuthLimiterCount() != 1 {
		t.Fatal("expected limiter entries")
	}

	// TTLはCleanupIntervalの2倍（100ms）
	time.Sleep(250 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("general entries after cleanup = %d, want 0", count)
	}
	if count := rl.AuthLimiterCount(); count != 0 {
		t.Errorf("auth entries after cleanup = %d, want 0", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(DefaultRateLimiterConfig(), nil)
	rl.Stop()
	rl.Stop()
}

func TestRateLimiterConfigPerMinute(t *testing.T) {
	cfg := RateLimiterConfigPerMinute(60, 6)
	if cfg.GeneralRate != 1 || cfg.GeneralBurst != 60 {
		t.Errorf("general = %v/%d", cfg.GeneralRate, cfg.GeneralBurst)
	}
	if cfg.AuthRate != 0.1 || cfg.AuthBurst != 6 {
		t.Errorf("auth = %v/%d", cfg.AuthRate, cfg.AuthBurst)
	}

	def := RateLimiterConfigPerMinute(0, -1)
	if def.GeneralBurst != 120 || def.AuthBurst != 10 {
		t.Errorf("defaults = %+v", def)
	}
	if def.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v", def.CleanupInterval)
	}
}
