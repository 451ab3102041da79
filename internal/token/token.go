// Package token mints and verifies the short-lived session tokens that bind a
// browser origin to one serial port and baud rate.
package token

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ricochet1k/beamlink/internal/domain"
)

const (
	TypeSession = "session"
	DefaultTTL  = 2 * time.Minute
	secretSize  = 32
)

// Claims is the signed payload of a session token.
type Claims struct {
	Origin string `json:"origin"`
	Com    string `json:"com"`
	Baud   int    `json:"baud"`
	Type   string `json:"type"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Issuer)

// WithClock overrides the time source used for iat/exp and validation.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

// NewIssuer builds an issuer. An empty secret is replaced by random bytes, so
// tokens from a previous process are rejected after restart.
func NewIssuer(secret string, ttl time.Duration, opts ...Option) (*Issuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, secretSize)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate token secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	i := &Issuer{secret: key, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

// Issue signs a session token for origin on com at baud.
func (i *Issuer) Issue(origin, com string, baud int) (string, time.Time, error) {
	return i.IssueFor(uuid.NewString(), origin, com, baud)
}

// IssueFor is Issue with the token id set to the session request id, so a
// port opened with the token can be traced back to the request.
func (i *Issuer) IssueFor(requestID, origin, com string, baud int) (string, time.Time, error) {
	if requestID == "" {
		return "", time.Time{}, domain.ValidationError("requestId", "is required")
	}
	if origin == "" {
		return "", time.Time{}, domain.ValidationError("origin", "is required")
	}
	if com == "" {
		return "", time.Time{}, domain.ValidationError("com", "is required")
	}
	if baud <= 0 {
		return "", time.Time{}, domain.ValidationError("baud", "must be positive")
	}

	now := i.now()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		Origin: origin,
		Com:    com,
		Baud:   baud,
		Type:   TypeSession,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        requestID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks signature, algorithm, expiry and token type.
func (i *Issuer) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing token", domain.ErrAuth)
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token expired", domain.ErrAuth)
		}
		return nil, fmt.Errorf("%w: invalid token: %v", domain.ErrAuth, err)
	}
	if claims.Type != TypeSession {
		return nil, fmt.Errorf("%w: unexpected token type %q", domain.ErrAuth, claims.Type)
	}
	return claims, nil
}

// VerifyFor is Verify plus the check that the token was issued to origin.
func (i *Issuer) VerifyFor(raw, origin string) (*Claims, error) {
	claims, err := i.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Origin != origin {
		return nil, fmt.Errorf("%w: token was issued to a different origin", domain.ErrAuth)
	}
	return claims, nil
}
