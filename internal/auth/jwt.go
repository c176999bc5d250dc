package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for bearer tokens that fail verification.
var ErrInvalidToken = errors.New("auth: invalid token")

// Verifier turns HS256 bearer tokens into owner ids. A Verifier without a
// secret treats every caller as anonymous.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

type Option func(*Verifier)

// WithIssuer requires and stamps the iss claim.
func WithIssuer(iss string) Option {
	return func(v *Verifier) {
		v.issuer = strings.TrimSpace(iss)
	}
}

func NewVerifier(secret string, opts ...Option) *Verifier {
	v := &Verifier{secret: []byte(strings.TrimSpace(secret)), now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Enabled reports whether tokens are verified at all.
func (v *Verifier) Enabled() bool {
	return len(v.secret) > 0
}

// Owner extracts the subject from an Authorization header value. An empty
// header yields an anonymous ("") owner.
func (v *Verifier) Owner(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" || !v.Enabled() {
		return "", nil
	}
	scheme, raw, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims.Subject, nil
}

// Issue signs a token for owner valid for ttl.
func (v *Verifier) Issue(owner string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", errors.New("auth: signing secret not configured")
	}
	if strings.TrimSpace(owner) == "" {
		return "", errors.New("auth: owner is required")
	}
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   owner,
		Issuer:    v.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("auth: sign: %w", err)
	}
	return signed, nil
}
