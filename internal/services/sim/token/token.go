// Package token validates identity tokens issued by the external auth
// service and extracts the subject used throughout the sim service.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/princess.sim/internal/platform/errors"
)

// DefaultAlgorithm is the signing algorithm agreed with the auth issuer.
const DefaultAlgorithm = "HS256"

var supportedAlgorithms = map[string]*jwt.SigningMethodHMAC{
	"HS256": jwt.SigningMethodHS256,
	"HS384": jwt.SigningMethodHS384,
	"HS512": jwt.SigningMethodHS512,
}

// Config defines how tokens are verified.
type Config struct {
	Secret     []byte
	Algorithms []string
	// Issuer and Audience are checked only when set.
	Issuer   string
	Audience string
	Leeway   time.Duration
	Now      func() time.Time
}

// Validator verifies signed identity tokens.
type Validator struct {
	cfg    Config
	parser *jwt.Parser
}

// claims accepts the subject as either a JSON string or an integer.
type claims struct {
	jwt.RegisteredClaims
	Subject flexibleSubject `json:"sub"`
}

type flexibleSubject string

func (s *flexibleSubject) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		*s = flexibleSubject(text)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("sub must be a string or number")
	}
	if _, err := strconv.ParseInt(number.String(), 10, 64); err != nil {
		return fmt.Errorf("sub must be an integer")
	}
	*s = flexibleSubject(number.String())
	return nil
}

// NewValidator builds a validator. The secret is required.
func NewValidator(cfg Config) (*Validator, error) {
	if len(cfg.Secret) == 0 {
		return nil, errors.New("token secret is required")
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{DefaultAlgorithm}
	}
	for _, alg := range cfg.Algorithms {
		if _, ok := supportedAlgorithms[alg]; !ok {
			return nil, fmt.Errorf("unsupported token algorithm %q", alg)
		}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	options := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(cfg.Now),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		options = append(options, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		options = append(options, jwt.WithAudience(cfg.Audience))
	}
	return &Validator{cfg: cfg, parser: jwt.NewParser(options...)}, nil
}

// Validate verifies signature, algorithm, and expiry, then returns the subject.
// Every failure is reported as INVALID_TOKEN.
func (v *Validator) Validate(raw string) (string, error) {
	if v == nil || v.parser == nil {
		return "", errors.New("token validator is not configured")
	}
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	if raw == "" {
		return "", apperrors.New(apperrors.CodeInvalidToken, "token is required")
	}

	var parsed claims
	_, err := v.parser.ParseWithClaims(raw, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	})
	if err != nil {
		return "", mapJWTError(err)
	}

	subject := strings.TrimSpace(string(parsed.Subject))
	if subject == "" {
		return "", apperrors.New(apperrors.CodeInvalidToken, "token subject is required")
	}
	return subject, nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeInvalidToken, "token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeInvalidToken, "token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return apperrors.Wrap(apperrors.CodeInvalidToken, "token is malformed", err)
	case errors.Is(err, jwt.ErrTokenUnverifiable):
		return apperrors.Wrap(apperrors.CodeInvalidToken, "token alg is invalid", err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return apperrors.Wrap(apperrors.CodeInvalidToken, "token is missing a required claim", err)
	default:
		return apperrors.Wrap(apperrors.CodeInvalidToken, "token is invalid", err)
	}
}
