// Package idempotency replays the first response for a repeated
// Idempotency-Key so a client retry never books or charges twice.
package idempotency

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rideshare/internal/cache"
	"github.com/mbd888/rideshare/internal/logging"
)

const (
	Header     = "Idempotency-Key"
	DefaultTTL = 24 * time.Hour

	maxKeyLen  = 128
	maxBody    = 1 << 20
	waitStep   = 100 * time.Millisecond
	waitBudget = 5 * time.Second
)

type captured struct {
	Status      int    `json:"status"`
	ContentType string `json:"contentType"`
	Body        []byte `json:"body"`
}

// Middleware caches responses by (user, method, path, key).
type Middleware struct {
	cache cache.Cache
	ttl   time.Duration
}

func New(c cache.Cache, ttl time.Duration) *Middleware {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Middleware{cache: c, ttl: ttl}
}

// Handler returns the gin middleware. Requests without the header pass
// through untouched.
func (m *Middleware) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(Header)
		if key == "" {
			c.Next()
			return
		}
		if len(key) > maxKeyLen {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "Idempotency-Key is too long"})
			return
		}

		ctx := c.Request.Context()
		scope := c.GetString("authUserID") + ":" + c.Request.Method + ":" + c.FullPath() + ":" + key
		dataKey := "idem:data:" + scope
		lockKey := "idem:lock:" + scope

		if m.replay(c, dataKey) {
			return
		}

		ok, err := m.cache.SetNX(ctx, lockKey, []byte("1"), waitBudget*2)
		if err != nil {
			logging.L(ctx).Error("idempotency lock failed", "error", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
			return
		}
		if !ok {
			// Another request with this key is in flight.
			for waited := time.Duration(0); waited < waitBudget; waited += waitStep {
				select {
				case <-ctx.Done():
					c.Abort()
					return
				case <-time.After(waitStep):
				}
				if m.replay(c, dataKey) {
					return
				}
			}
			c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "conflict", "message": "A request with this Idempotency-Key is still in progress"})
			return
		}
		defer func() { _ = m.cache.Delete(ctx, lockKey) }()

		w := &captureWriter{ResponseWriter: c.Writer}
		c.Writer = w
		c.Next()

		status := w.Status()
		// 5xx responses are not cached so the client can retry.
		if status >= http.StatusInternalServerError || w.buf.Len() > maxBody {
			return
		}
		raw, err := json.Marshal(captured{Status: status, ContentType: w.Header().Get("Content-Type"), Body: w.buf.Bytes()})
		if err != nil {
			return
		}
		if err := m.cache.Set(ctx, dataKey, raw, m.ttl); err != nil {
			logging.L(ctx).Warn("idempotency store failed", "error", err)
		}
	}
}

func (m *Middleware) replay(c *gin.Context, dataKey string) bool {
	raw, err := m.cache.Get(c.Request.Context(), dataKey)
	if err != nil {
		return false
	}
	var cr captured
	if err := json.Unmarshal(raw, &cr); err != nil {
		return false
	}
	c.Header("Idempotent-Replayed", "true")
	c.Data(cr.Status, cr.ContentType, cr.Body)
	c.Abort()
	return true
}

type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	return w.ResponseWriter.Write(p)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
