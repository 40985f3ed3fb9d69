// Package auth authenticates callers of the run service. Requests arrive
// either from the docforge gateway, which forwards the caller's identity in
// signed headers, or from workers holding the shared internal secret.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/docforge-labs/docforge-go/internal/platform/env"
)

type Mode string

const (
	ModeHeaders  Mode = "headers"
	ModeDev      Mode = "dev"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Config struct {
	Mode Mode

	// InternalSecret signs the identity headers minted by the gateway.
	InternalSecret string
	MaxSkew        time.Duration

	DevSubject string
	DevEmail   string
	DevRoles   []string
}

func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(strings.TrimSpace(env.String("DOCFORGE_AUTH_MODE", string(ModeDisabled))))
	var mode Mode
	switch modeRaw {
	case string(ModeHeaders):
		mode = ModeHeaders
	case string(ModeDev):
		mode = ModeDev
	case string(ModeDisabled):
		mode = ModeDisabled
	default:
		return Config{}, fmt.Errorf("DOCFORGE_AUTH_MODE must be one of: headers, dev, disabled (got %q)", modeRaw)
	}

	maxSkew, err := env.Duration("DOCFORGE_AUTH_MAX_SKEW", 5*time.Minute)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		Mode:           mode,
		InternalSecret: env.String("DOCFORGE_INTERNAL_AUTH_SECRET", ""),
		MaxSkew:        maxSkew,
		DevSubject:     env.String("DOCFORGE_DEV_AUTH_SUBJECT", "dev-user"),
		DevEmail:       env.String("DOCFORGE_DEV_AUTH_EMAIL", "dev-user@example.local"),
		DevRoles:       parseCSV(env.String("DOCFORGE_DEV_AUTH_ROLES", "admin")),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeHeaders:
		if strings.TrimSpace(c.InternalSecret) == "" {
			return errors.New("DOCFORGE_INTERNAL_AUTH_SECRET is required when DOCFORGE_AUTH_MODE=headers")
		}
		if c.MaxSkew <= 0 {
			return errors.New("DOCFORGE_AUTH_MAX_SKEW must be positive")
		}
	case ModeDev:
		if strings.TrimSpace(c.DevSubject) == "" {
			return errors.New("DOCFORGE_DEV_AUTH_SUBJECT is required when DOCFORGE_AUTH_MODE=dev")
		}
		if len(c.DevRoles) == 0 {
			return errors.New("DOCFORGE_DEV_AUTH_ROLES must be non-empty when DOCFORGE_AUTH_MODE=dev")
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

// Authenticator resolves the identity behind a request, reporting
// ErrUnauthenticated when it cannot.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (Identity, error)
}

func NewAuthenticator(cfg Config) (Authenticator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Mode {
	case ModeHeaders:
		return &headersAuthenticator{secret: cfg.InternalSecret, maxSkew: cfg.MaxSkew}, nil
	case ModeDev:
		return &devAuthenticator{identity: Identity{
			Subject: cfg.DevSubject,
			Email:   cfg.DevEmail,
			Roles:   cfg.DevRoles,
		}}, nil
	default:
		return nil, fmt.Errorf("no authenticator for mode %q", cfg.Mode)
	}
}

// headersAuthenticator trusts identity headers only when their HMAC signature
// verifies against the shared internal secret.
type headersAuthenticator struct {
	secret  string
	maxSkew time.Duration
}

func (a *headersAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	subject := strings.TrimSpace(r.Header.Get(HeaderSubject))
	if subject == "" {
		return Identity{}, ErrUnauthenticated
	}
	email := strings.TrimSpace(r.Header.Get(HeaderEmail))
	rolesRaw := strings.TrimSpace(r.Header.Get(HeaderRoles))

	ts := strings.TrimSpace(r.Header.Get(HeaderAuthTimestamp))
	sig := strings.TrimSpace(r.Header.Get(HeaderAuthSignature))
	if ts == "" || sig == "" {
		return Identity{}, ErrUnauthenticated
	}
	if err := VerifyTimestamp(ts, time.Now().UTC(), a.maxSkew); err != nil {
		return Identity{}, err
	}
	err := VerifySignature(
		a.secret,
		ts,
		r.Method,
		r.URL.Path,
		r.Header.Get("X-Request-Id"),
		subject,
		email,
		rolesRaw,
		sig,
	)
	if err != nil {
		return Identity{}, err
	}

	return Identity{
		Subject: subject,
		Email:   email,
		Roles:   parseCSV(rolesRaw),
	}, nil
}

type devAuthenticator struct {
	identity Identity
}

func (a *devAuthenticator) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	return a.identity, nil
}

func parseCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		item := strings.ToLower(strings.TrimSpace(part))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
