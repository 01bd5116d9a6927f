package httpmiddleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestBucketRefills(t *testing.T) {
	now := time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(2, 60)
	l.SetClock(func() time.Time { return now })

	for i := 0; i < 2; i++ {
		if ok, _ := l.allow("a"); !ok {
			t.Fatalf("request %d should pass", i)
		}
	}
	ok, wait := l.allow("a")
	if ok {
		t.Fatal("bucket should be empty")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("wait = %v, want within one token interval", wait)
	}
	if ok, _ := l.allow("b"); !ok {
		t.Fatal("other keys have their own bucket")
	}

	now = now.Add(time.Second)
	if ok, _ := l.allow("a"); !ok {
		t.Fatal("one token should have refilled")
	}
}

func TestIdleBucketsAreDropped(t *testing.T) {
	now := time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)
	l := NewSimpleTokenBucket(2, 1)
	l.SetClock(func() time.Time { return now })

	for i := 0; i < 100; i++ {
		l.allow(fmt.Sprintf("10.0.0.%d", i))
	}
	// drained; one minute refills a single token, so it survives the sweep
	l.allow("busy")
	l.allow("busy")
	if n := l.size(); n != 101 {
		t.Fatalf("buckets = %d, want 101", n)
	}

	now = now.Add(sweepInterval)
	l.allow("busy")
	if n := l.size(); n != 1 {
		t.Fatalf("buckets after sweep = %d, want only the active key", n)
	}
	if ok, _ := l.allow("10.0.0.1"); !ok {
		t.Fatal("evicted key should start with a full bucket")
	}
}

func TestZeroRateDisablesLimit(t *testing.T) {
	l := NewSimpleTokenBucket(0, 0)
	for i := 0; i < 10; i++ {
		if ok, _ := l.allow("a"); !ok {
			t.Fatal("limit disabled")
		}
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	l := NewSimpleTokenBucket(1, 1)
	r := gin.New()
	r.Use(l.GinMiddleware(nil))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	do := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		r.ServeHTTP(w, req)
		return w
	}
	if w := do(); w.Code != http.StatusOK {
		t.Fatalf("first request: %d", w.Code)
	}
	w := do()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("missing Retry-After")
	}
}
