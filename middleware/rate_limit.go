package middleware

import (
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the limiter table
const maxTrackedClients = 10000

// ClientRateLimiter throttles requests per client IP
type ClientRateLimiter struct {
	clients *expirable.LRU[string, *rate.Limiter]
	limit   rate.Limit
	burst   int
}

// NewClientRateLimiter allows requestsPerMinute per client. Idle clients are
// forgotten after ten minutes.
func NewClientRateLimiter(requestsPerMinute int) *ClientRateLimiter {
	if requestsPerMinute < 1 {
		requestsPerMinute = 1
	}
	return &ClientRateLimiter{
		clients: expirable.NewLRU[string, *rate.Limiter](maxTrackedClients, nil, 10*time.Minute),
		limit:   rate.Limit(float64(requestsPerMinute) / 60),
		burst:   requestsPerMinute,
	}
}

func (rl *ClientRateLimiter) limiter(ip string) *rate.Limiter {
	if l, ok := rl.clients.Get(ip); ok {
		return l
	}
	l := rate.NewLimiter(rl.limit, rl.burst)
	rl.clients.Add(ip, l)
	return l
}

// Allow reports whether ip may make a request now, and how long to wait
// otherwise
func (rl *ClientRateLimiter) Allow(ip string) (bool, time.Duration) {
	r := rl.limiter(ip).Reserve()
	if !r.OK() {
		return false, time.Minute
	}
	delay := r.Delay()
	if delay == 0 {
		return true, 0
	}
	r.Cancel()
	return false, delay
}

// Middleware rejects clients over their budget with 429
func (rl *ClientRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := rl.Allow(c.ClientIP())
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			c.Header("Retry-After", fmt.Sprintf("%d", seconds))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limited",
				"message":     fmt.Sprintf("Too many requests. Please try again in %d second(s).", seconds),
				"retry_after": seconds,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}
