// Package auth provides API authentication for the rideshare service.
//
// Authentication model:
// - Public endpoints (ride search, health): no auth required
// - Everything user-scoped: HS256 bearer token whose subject is the user ID
// - Admin endpoints: X-Admin-Secret header
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrNoSecret     = errors.New("jwt secret not configured")
)

const (
	DefaultTokenTTL = 24 * time.Hour
	issuer          = "rideshare"
)

// Roles carried in Claims.Role.
const (
	RolePassenger = "PASSENGER"
	RoleDriver    = "DRIVER"
	RoleAdmin     = "ADMIN"
)

// Claims is the token payload. Gender is optional and only used to match
// rides with a gender preference.
type Claims struct {
	Gender string `json:"gender,omitempty"`
	Role   string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Manager issues and validates tokens.
type Manager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewManager creates a token manager signing with secret.
func NewManager(secret string, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &Manager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for userID.
func (m *Manager) Issue(userID, gender, role string) (string, time.Time, error) {
	if len(m.secret) == 0 {
		return "", time.Time{}, ErrNoSecret
	}
	now := m.now()
	expires := now.Add(m.ttl)
	claims := &Claims{
		Gender: strings.ToUpper(gender),
		Role:   strings.ToUpper(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Validate parses a raw token, with or without the "Bearer " prefix.
func (m *Manager) Validate(raw string) (*Claims, error) {
	raw = strings.TrimSpace(raw)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	if raw == "" {
		return nil, ErrNoToken
	}
	if len(m.secret) == 0 {
		return nil, ErrNoSecret
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
