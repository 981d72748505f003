package devices

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultSessionTTL is the lifetime of an issued device session token.
const DefaultSessionTTL = 30 * 24 * time.Hour

// ErrInvalidToken covers every session token validation failure.
var ErrInvalidToken = errors.New("invalid session token")

// Sessions issues and validates device session JWTs. A session token lets
// a reconnecting device skip the secret exchange.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSessions builds the session service. A zero ttl means
// DefaultSessionTTL.
func NewSessions(secret string, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// WithNow overrides the clock for tests.
func (s *Sessions) WithNow(now func() time.Time) *Sessions {
	s.now = now
	return s
}

type sessionClaims struct {
	IsAdmin bool `json:"admin,omitempty"`
	jwt.RegisteredClaims
}

// Issue signs a session token for the device.
func (s *Sessions) Issue(d *Device) (string, error) {
	if d == nil || strings.TrimSpace(d.ID) == "" {
		return "", errors.New("device id required")
	}
	now := s.now()
	claims := sessionClaims{
		IsAdmin: d.IsAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   d.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Validate parses a session token and returns the device id it names.
func (s *Sessions) Validate(token string) (deviceID string, isAdmin bool, err error) {
	parsed, err := jwt.ParseWithClaims(token, &sessionClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return s.now() }))
	if err != nil {
		return "", false, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*sessionClaims)
	if !ok || !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", false, ErrInvalidToken
	}
	return claims.Subject, claims.IsAdmin, nil
}
