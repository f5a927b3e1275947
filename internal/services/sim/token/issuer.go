package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer mints tokens with the shared secret. Production tokens come from the
// auth service; this exists for local tooling and tests.
type Issuer struct {
	secret []byte
	method *jwt.SigningMethodHMAC
	issuer string
	now    func() time.Time
}

// NewIssuer builds an issuer for the given algorithm (empty means HS256).
func NewIssuer(secret []byte, algorithm string, issuer string, now func() time.Time) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if algorithm == "" {
		algorithm = DefaultAlgorithm
	}
	method, ok := supportedAlgorithms[algorithm]
	if !ok {
		return nil, fmt.Errorf("unsupported token algorithm %q", algorithm)
	}
	if now == nil {
		now = time.Now
	}
	return &Issuer{secret: secret, method: method, issuer: issuer, now: now}, nil
}

// Issue signs a token for subject valid for ttl.
func (i *Issuer) Issue(subject string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	now := i.now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    i.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(i.method, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
