package syncutil

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrLockTimeout is returned when a lock could not be acquired within the
// configured bound. Callers should surface it as a retryable condition.
var ErrLockTimeout = errors.New("syncutil: lock wait timed out")

var (
	lockWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "rideshare",
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting to acquire a keyed lock.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"scope"},
	)

	lockTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "rideshare",
			Name:      "lock_timeouts_total",
			Help:      "Lock acquisitions abandoned after the wait bound elapsed.",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(lockWaitSeconds, lockTimeoutsTotal)
}

// Acquire waits at most timeout for key. It returns ErrLockTimeout when the
// bound elapses and the parent context's error when ctx itself ends first.
// A non-positive timeout waits for as long as ctx allows.
func Acquire(ctx context.Context, l Locker, key string, timeout time.Duration) (func(), error) {
	scope := lockScope(key)
	start := time.Now()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	unlock, err := l.LockContext(waitCtx, key)
	lockWaitSeconds.WithLabelValues(scope).Observe(time.Since(start).Seconds())
	if err == nil {
		return unlock, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		lockTimeoutsTotal.WithLabelValues(scope).Inc()
		return nil, ErrLockTimeout
	}
	return nil, err
}

// lockScope maps "ride:abc" to "ride" for metric labels.
func lockScope(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return "other"
}
