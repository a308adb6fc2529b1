// Package otp issues and checks one-time phone verification codes. Codes
// live in the expiring cache so they vanish on their own after the TTL.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/rideshare/internal/cache"
	"github.com/mbd888/rideshare/internal/logging"
	"github.com/mbd888/rideshare/internal/notify"
	"github.com/mbd888/rideshare/internal/syncutil"
)

var (
	ErrCodeNotFound    = errors.New("otp: code not found or expired")
	ErrCodeMismatch    = errors.New("otp: code does not match")
	ErrTooManyAttempts = errors.New("otp: too many attempts")
)

const (
	DefaultTTL  = 5 * time.Minute
	MaxAttempts = 5
	codeDigits  = 6
)

var verificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "rideshare",
	Subsystem: "otp",
	Name:      "verifications_total",
	Help:      "OTP verification attempts by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(verificationsTotal)
}

// record is the cached value for one pending code.
type record struct {
	Code      string    `json:"code"`
	Attempts  int       `json:"attempts"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issued is returned by Send. Code is only populated in development.
type Issued struct {
	Phone     string    `json:"phone"`
	ExpiresAt time.Time `json:"expiresAt"`
	Code      string    `json:"otp,omitempty"`
}

// Service sends and verifies codes.
type Service struct {
	cache    cache.Cache
	locker   syncutil.Locker
	notifier notify.Sink
	ttl      time.Duration
	echo     bool
	now      func() time.Time
}

// NewService creates an OTP service on c.
func NewService(c cache.Cache) *Service {
	return &Service{
		cache:    c,
		locker:   syncutil.NewKeyedMutex(),
		notifier: notify.Nop,
		ttl:      DefaultTTL,
		now:      time.Now,
	}
}

// WithTTL sets how long a code stays valid.
func (s *Service) WithTTL(ttl time.Duration) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithLocker serializes attempt counting across instances.
func (s *Service) WithLocker(l syncutil.Locker) *Service {
	s.locker = l
	return s
}

func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// WithEcho returns the code in the Send result. Development only.
func (s *Service) WithEcho(echo bool) *Service {
	s.echo = echo
	return s
}

func key(userID, phone string) string {
	return "otp:" + userID + ":" + normalize(phone)
}

func normalize(phone string) string {
	return strings.ReplaceAll(strings.TrimSpace(phone), " ", "")
}

// Send issues a fresh code for the user's phone, replacing any pending one.
func (s *Service) Send(ctx context.Context, userID, phone string) (*Issued, error) {
	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	expires := s.now().Add(s.ttl).UTC()
	raw, err := json.Marshal(record{Code: code, ExpiresAt: expires})
	if err != nil {
		return nil, err
	}
	if err := s.cache.Set(ctx, key(userID, phone), raw, s.ttl); err != nil {
		return nil, fmt.Errorf("store otp: %w", err)
	}

	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID:   userID,
		Title:    "OTP Verification",
		Body:     fmt.Sprintf("Your OTP is: %s. Valid for %d minutes.", code, int(s.ttl.Minutes())),
		Type:     notify.TypeOTPSent,
		Metadata: map[string]string{"phone": normalize(phone)},
	})
	logging.L(ctx).Info("otp sent", "user_id", userID)

	out := &Issued{Phone: normalize(phone), ExpiresAt: expires}
	if s.echo {
		out.Code = code
	}
	return out, nil
}

// Verify checks code against the pending one. A match consumes it. After
// MaxAttempts misses the code is discarded.
func (s *Service) Verify(ctx context.Context, userID, phone, code string) error {
	k := key(userID, phone)
	unlock, err := syncutil.Acquire(ctx, s.locker, k, 2*time.Second)
	if err != nil {
		return err
	}
	defer unlock()

	raw, err := s.cache.Get(ctx, k)
	if errors.Is(err, cache.ErrMiss) {
		verificationsTotal.WithLabelValues("not_found").Inc()
		return ErrCodeNotFound
	}
	if err != nil {
		return err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		_ = s.cache.Delete(ctx, k)
		return ErrCodeNotFound
	}
	remaining := rec.ExpiresAt.Sub(s.now())
	if remaining <= 0 {
		_ = s.cache.Delete(ctx, k)
		verificationsTotal.WithLabelValues("not_found").Inc()
		return ErrCodeNotFound
	}

	if subtle.ConstantTimeCompare([]byte(rec.Code), []byte(strings.TrimSpace(code))) == 1 {
		verificationsTotal.WithLabelValues("ok").Inc()
		return s.cache.Delete(ctx, k)
	}

	rec.Attempts++
	if rec.Attempts >= MaxAttempts {
		verificationsTotal.WithLabelValues("locked").Inc()
		_ = s.cache.Delete(ctx, k)
		return ErrTooManyAttempts
	}
	verificationsTotal.WithLabelValues("mismatch").Inc()
	if raw, err = json.Marshal(rec); err == nil {
		_ = s.cache.Set(ctx, k, raw, remaining)
	}
	return ErrCodeMismatch
}

func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}
