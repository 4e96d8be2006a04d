package localapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// SendLimiter caps message submissions per session within a window so a
// runaway local script cannot flood one session's offline queue. Keying by
// session rather than client address matters here: the API binds loopback,
// so every caller shares one IP and an address-keyed limit would throttle
// all sessions jointly.
type SendLimiter struct {
	mu       sync.Mutex
	sessions map[string]*sendWindow
	limit    int
	interval time.Duration
	now      func() time.Time
}

type sendWindow struct {
	count   int
	resetAt time.Time
}

// pruneAbove bounds the session map; expired windows are swept once it is
// crossed rather than on a timer.
const pruneAbove = 256

func NewSendLimiter(limit int, interval time.Duration) *SendLimiter {
	return NewSendLimiterWithNow(limit, interval, time.Now)
}

func NewSendLimiterWithNow(limit int, interval time.Duration, now func() time.Time) *SendLimiter {
	return &SendLimiter{
		sessions: make(map[string]*sendWindow),
		limit:    limit,
		interval: interval,
		now:      now,
	}
}

// Allow consumes one send from the session's window, opening a fresh window
// when the previous one has lapsed.
func (sl *SendLimiter) Allow(sessionID string) bool {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	now := sl.now()
	if len(sl.sessions) > pruneAbove {
		for id, w := range sl.sessions {
			if now.After(w.resetAt) {
				delete(sl.sessions, id)
			}
		}
	}

	w, ok := sl.sessions[sessionID]
	if !ok || now.After(w.resetAt) {
		sl.sessions[sessionID] = &sendWindow{count: 1, resetAt: now.Add(sl.interval)}
		return true
	}
	if w.count >= sl.limit {
		return false
	}
	w.count++
	return true
}

// PerSessionLimit rejects sends once the session's window is exhausted. It
// assumes a route with an :id session parameter.
func PerSessionLimit(sl *SendLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !sl.Allow(c.Param("id")) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
