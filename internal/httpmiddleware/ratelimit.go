package httpmiddleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"labtrack/internal/auth"
)

// KeyFunc picks the bucket a request draws from.
type KeyFunc func(c *gin.Context) string

// ByClientIP keys requests by client address.
func ByClientIP(c *gin.Context) string {
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// BySubject keys authenticated requests by token subject (the station id)
// and falls back to the client address.
func BySubject(c *gin.Context) string {
	if claims, ok := auth.ClaimsFrom(c); ok && claims.Subject != "" {
		return "sub:" + claims.Subject
	}
	return ByClientIP(c)
}

// sweepInterval is how often idle buckets are dropped.
const sweepInterval = time.Minute

// SimpleTokenBucket is an in-memory rate limiter.
type SimpleTokenBucket struct {
	capacity int
	rate     int
	now      func() time.Time
	mu       sync.Mutex
	state    map[string]*bucket
	swept    time.Time
}

type bucket struct {
	tokens int
	last   time.Time
}

// NewSimpleTokenBucket creates limiter with capacity tokens and rate per minute.
func NewSimpleTokenBucket(capacity, perMinute int) *SimpleTokenBucket {
	if capacity <= 0 {
		capacity = perMinute
	}
	return &SimpleTokenBucket{
		capacity: capacity,
		rate:     perMinute,
		now:      time.Now,
		state:    make(map[string]*bucket),
	}
}

// SetClock replaces the refill clock.
func (l *SimpleTokenBucket) SetClock(now func() time.Time) { l.now = now }

// GinMiddleware returns a gin handler enforcing per-key limits. A nil key
// func keys by client IP.
func (l *SimpleTokenBucket) GinMiddleware(key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ByClientIP
	}
	return func(c *gin.Context) {
		if ok, wait := l.allow(key(c)); !ok {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit"})
			return
		}
		c.Next()
	}
}

// allow takes a token for key, or reports how long until one refills.
func (l *SimpleTokenBucket) allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rate <= 0 {
		return true, 0
	}
	now := l.now()
	if now.Sub(l.swept) >= sweepInterval {
		l.sweep(now)
	}
	b, ok := l.state[key]
	if !ok {
		b = &bucket{tokens: l.capacity - 1, last: now}
		l.state[key] = b
		return true, 0
	}
	elapsed := now.Sub(b.last).Minutes()
	refill := int(elapsed * float64(l.rate))
	if refill > 0 {
		b.tokens += refill
		if b.tokens > l.capacity {
			b.tokens = l.capacity
		}
		b.last = now
	}
	if b.tokens <= 0 {
		perToken := time.Minute / time.Duration(l.rate)
		return false, perToken - now.Sub(b.last)%perToken
	}
	b.tokens--
	return true, 0
}

// sweep drops buckets that have refilled to capacity; a fresh bucket is
// indistinguishable from them.
func (l *SimpleTokenBucket) sweep(now time.Time) {
	for key, b := range l.state {
		missing := l.capacity - b.tokens
		if now.Sub(b.last).Minutes()*float64(l.rate) >= float64(missing) {
			delete(l.state, key)
		}
	}
	l.swept = now
}

func (l *SimpleTokenBucket) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.state)
}
