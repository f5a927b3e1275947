// Package simtoken mints development identity tokens and shared secrets.
package simtoken

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	entrypoint "github.com/louisbranch/princess.sim/internal/platform/cmd"
	"github.com/louisbranch/princess.sim/internal/services/sim/token"
)

// Config holds configuration for token issuing.
type Config struct {
	Secret    string        `env:"PRINCESS_SIM_TOKEN_SECRET"`
	Algorithm string        `env:"PRINCESS_SIM_TOKEN_ALGORITHM" envDefault:"HS256"`
	Issuer    string        `env:"PRINCESS_SIM_TOKEN_ISSUER"`
	Subject   string
	TTL       time.Duration
	// NewSecret prints a fresh secret instead of a token.
	NewSecret bool
	Bytes     int
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{TTL: time.Hour, Bytes: 32}
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.Subject, "subject", cfg.Subject, "subject id to embed in the token")
	fs.DurationVar(&cfg.TTL, "ttl", cfg.TTL, "token lifetime")
	fs.StringVar(&cfg.Secret, "secret", cfg.Secret, "shared HMAC secret")
	fs.StringVar(&cfg.Algorithm, "alg", cfg.Algorithm, "HMAC signing algorithm")
	fs.StringVar(&cfg.Issuer, "issuer", cfg.Issuer, "issuer claim (optional)")
	fs.BoolVar(&cfg.NewSecret, "new-secret", cfg.NewSecret, "print a random secret instead of a token")
	fs.IntVar(&cfg.Bytes, "bytes", cfg.Bytes, "random bytes for -new-secret")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run writes either a signed token or a new secret to out.
func Run(cfg Config, out io.Writer, reader io.Reader, now func() time.Time) error {
	if out == nil {
		return errors.New("output is required")
	}
	if cfg.NewSecret {
		return writeSecret(cfg.Bytes, out, reader)
	}
	if strings.TrimSpace(cfg.Subject) == "" {
		return errors.New("subject is required")
	}
	issuer, err := token.NewIssuer([]byte(cfg.Secret), cfg.Algorithm, cfg.Issuer, now)
	if err != nil {
		return err
	}
	signed, err := issuer.Issue(cfg.Subject, cfg.TTL)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, signed)
	return err
}

func writeSecret(size int, out io.Writer, reader io.Reader) error {
	if size <= 0 {
		return errors.New("bytes must be greater than zero")
	}
	if reader == nil {
		reader = rand.Reader
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return fmt.Errorf("generate random bytes: %w", err)
	}
	_, err := fmt.Fprintf(out, "PRINCESS_SIM_TOKEN_SECRET=%s\n", hex.EncodeToString(buf))
	return err
}
