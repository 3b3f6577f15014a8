package api

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
)

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(0)
	defer rl.Stop()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if ok, _ := rl.Allow("1.2.3.4", 3, time.Minute); !ok {
			t.Fatalf("request %d refused", i)
		}
	}
	if ok, v := rl.Allow("1.2.3.4", 3, time.Minute); ok || v.Remaining != 0 {
		t.Fatalf("fourth request allowed=%v remaining=%d", ok, v.Remaining)
	}
	if ok, _ := rl.Allow("5.6.7.8", 3, time.Minute); !ok {
		t.Fatal("keys must not share a window")
	}

	now = now.Add(2 * time.Minute)
	if removed := rl.prune(); removed != 2 {
		t.Fatalf("pruned %d windows", removed)
	}
	if ok, _ := rl.Allow("1.2.3.4", 3, time.Minute); !ok {
		t.Fatal("new window should allow")
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.GET("/", func(c *gin.Context) { NewResponseHelper().Success(c, nil) })

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(requestIDHeader, "caller-id")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Header().Get(requestIDHeader) != "caller-id" {
		t.Fatalf("request id not propagated: %q", w.Header().Get(requestIDHeader))
	}
	if env := decode(t, w, nil); env.RequestID != "caller-id" {
		t.Fatalf("envelope request id = %q", env.RequestID)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if len(w.Header().Get(requestIDHeader)) != 36 {
		t.Fatalf("generated id %q is not a uuid", w.Header().Get(requestIDHeader))
	}
}

func TestStatusForError(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{apperrors.NewValidationError("bad", nil), http.StatusBadRequest},
		{apperrors.NewNotFoundError("gone", nil), http.StatusNotFound},
		{apperrors.NewRemoteError("upstream", nil), http.StatusBadGateway},
		{apperrors.NewTimeoutError("slow", nil), http.StatusGatewayTimeout},
		{apperrors.NewShutdownError("bye", nil), http.StatusServiceUnavailable},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if status, _ := statusForError(tc.err); status != tc.status {
			t.Errorf("%v -> %d, want %d", tc.err, status, tc.status)
		}
	}
}

func TestSanitizeErrorMessage(t *testing.T) {
	if got := sanitizeErrorMessage("remote rejected api_key abc"); got != "An internal error occurred" {
		t.Fatalf("leaked: %q", got)
	}
	if got := sanitizeErrorMessage("no script"); got != "no script" {
		t.Fatalf("rewrote harmless message: %q", got)
	}
}
