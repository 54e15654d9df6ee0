// Package auth guards the program cache API with static bearer tokens.
//
// Each token carries one role. Reads need RoleReader, compiles need
// RoleCompiler. Health endpoints are never guarded.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/heliosforge/progcache/internal/platform/env"
)

type Mode string

const (
	ModeToken    Mode = "token"
	ModeDisabled Mode = "disabled"
)

var ErrUnauthenticated = errors.New("unauthenticated")

type Identity struct {
	// Subject is a short fingerprint of the token, safe to log.
	Subject string
	Role    string
}

type ctxKeyIdentity struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity{}, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity{}).(Identity)
	return id, ok
}

type Config struct {
	Mode Mode
	// Tokens maps bearer token to role.
	Tokens map[string]string
}

// ConfigFromEnv reads PROGCACHE_AUTH_MODE and PROGCACHE_AUTH_TOKENS, the
// latter as comma separated token:role pairs.
func ConfigFromEnv() (Config, error) {
	modeRaw := strings.ToLower(env.String("PROGCACHE_AUTH_MODE", string(ModeDisabled)))
	var mode Mode
	switch modeRaw {
	case string(ModeToken):
		mode = ModeToken
	case string(ModeDisabled):
		mode = ModeDisabled
	default:
		return Config{}, fmt.Errorf("PROGCACHE_AUTH_MODE must be one of: token, disabled (got %q)", modeRaw)
	}

	tokens, err := parseTokens(env.Strings("PROGCACHE_AUTH_TOKENS", nil))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{Mode: mode, Tokens: tokens}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case ModeToken:
		if len(c.Tokens) == 0 {
			return errors.New("PROGCACHE_AUTH_TOKENS must be non-empty when PROGCACHE_AUTH_MODE=token")
		}
		for token, role := range c.Tokens {
			if len(token) < 16 {
				return errors.New("auth tokens must be at least 16 characters")
			}
			if roleLevels[role] == 0 {
				return fmt.Errorf("unknown role %q", role)
			}
		}
	case ModeDisabled:
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Mode)
	}
	return nil
}

func parseTokens(items []string) (map[string]string, error) {
	out := make(map[string]string, len(items))
	for _, item := range items {
		token, role, ok := strings.Cut(item, ":")
		token = strings.TrimSpace(token)
		role = strings.ToLower(strings.TrimSpace(role))
		if !ok || token == "" || role == "" {
			return nil, errors.New("PROGCACHE_AUTH_TOKENS entries must be token:role")
		}
		if _, dup := out[token]; dup {
			return nil, errors.New("PROGCACHE_AUTH_TOKENS contains a duplicate token")
		}
		out[token] = role
	}
	return out, nil
}
