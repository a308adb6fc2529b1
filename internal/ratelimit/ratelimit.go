// Package ratelimit provides token-bucket rate limiting keyed by user or IP.
package ratelimit

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var rejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rideshare",
	Subsystem: "ratelimit",
	Name:      "rejected_total",
	Help:      "Requests rejected by the rate limiter, by key kind.",
}, []string{"kind"})

func init() {
	prometheus.MustRegister(rejectedTotal)
}

// Config configures rate limiting
type Config struct {
	// RequestsPerSecond is the sustained refill rate per key
	RequestsPerSecond float64
	// BurstSize allows brief bursts above the limit
	BurstSize int
	// CleanupInterval is how often idle buckets are dropped
	CleanupInterval time.Duration
}

// DefaultConfig returns 5 req/s with bursts of 20.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 5,
		BurstSize:         20,
		CleanupInterval:   time.Minute,
	}
}

// Limiter tracks one bucket per key
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	clients map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// New creates a limiter and starts its cleanup goroutine.
func New(cfg Config) *Limiter {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultConfig().RequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = int(math.Max(1, math.Ceil(cfg.RequestsPerSecond*4)))
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	l := &Limiter{
		cfg:     cfg,
		clients: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			// a bucket idle long enough to refill completely is equivalent to none
			idle := time.Duration(float64(l.cfg.BurstSize)/l.cfg.RequestsPerSecond*float64(time.Second)) + time.Minute
			cutoff := l.now().Add(-idle)
			for key, b := range l.clients {
				if b.lastCheck.Before(cutoff) {
					delete(l.clients, key)
				}
			}
			l.mu.Unlock()
		case <-l.stop:
			return
		}
	}
}

// Stop stops the cleanup goroutine
func (l *Limiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

// Allow takes a token for key. When none is left it reports how long until
// the next one.
func (l *Limiter) Allow(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, exists := l.clients[key]
	if !exists {
		l.clients[key] = &bucket{tokens: float64(l.cfg.BurstSize - 1), lastCheck: now}
		return true, 0
	}

	b.tokens += now.Sub(b.lastCheck).Seconds() * l.cfg.RequestsPerSecond
	if b.tokens > float64(l.cfg.BurstSize) {
		b.tokens = float64(l.cfg.BurstSize)
	}
	b.lastCheck = now

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / l.cfg.RequestsPerSecond * float64(time.Second))
	return false, wait
}

// Middleware limits by authenticated user when one is set, else by client IP.
// Mount it after the auth middleware.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, kind := "ip:"+c.ClientIP(), "ip"
		if user := c.GetString("authUserID"); user != "" {
			key, kind = "user:"+user, "user"
		}

		ok, wait := l.Allow(key)
		if !ok {
			rejectedTotal.WithLabelValues(kind).Inc()
			secs := int(math.Ceil(wait.Seconds()))
			if secs < 1 {
				secs = 1
			}
			c.Header("Retry-After", strconv.Itoa(secs))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate_limit_exceeded",
				"message": "Too many requests. Please slow down.",
			})
			return
		}
		c.Next()
	}
}
