package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// TokenAuthenticator resolves bearer tokens to identities.
type TokenAuthenticator struct {
	tokens []tokenEntry
}

type tokenEntry struct {
	token   []byte
	subject string
	role    string
}

func NewTokenAuthenticator(tokens map[string]string) (*TokenAuthenticator, error) {
	if len(tokens) == 0 {
		return nil, errors.New("at least one token is required")
	}
	a := &TokenAuthenticator{}
	for token, role := range tokens {
		sum := sha256.Sum256([]byte(token))
		a.tokens = append(a.tokens, tokenEntry{
			token:   []byte(token),
			subject: "token:" + hex.EncodeToString(sum[:4]),
			role:    role,
		})
	}
	return a, nil
}

func (a *TokenAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return Identity{}, ErrUnauthenticated
	}
	presented := []byte(strings.TrimSpace(token))
	// Compare against every entry so timing does not reveal which matched.
	var match *tokenEntry
	for i := range a.tokens {
		if subtle.ConstantTimeCompare(a.tokens[i].token, presented) == 1 {
			match = &a.tokens[i]
		}
	}
	if match == nil {
		return Identity{}, ErrUnauthenticated
	}
	return Identity{Subject: match.subject, Role: match.role}, nil
}

// DenyEvent describes a request the middleware rejected.
type DenyEvent struct {
	Time       time.Time
	Status     int
	Reason     string
	Subject    string
	Role       string
	Required   string
	Method     string
	Path       string
	RemoteAddr string
	UserAgent  string
}

// Middleware enforces authentication and role checks. A nil Authenticator
// lets every request through.
type Middleware struct {
	Logger        *slog.Logger
	Authenticator *TokenAuthenticator
	// WriteError renders failures; it receives the status and an error code.
	WriteError   func(w http.ResponseWriter, r *http.Request, status int, code string)
	OnDeny       func(r *http.Request, event DenyEvent)
	SkipPrefixes []string
}

func (m Middleware) Wrap(next http.Handler) http.Handler {
	if m.Authenticator == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range m.SkipPrefixes {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		identity, err := m.Authenticator.Authenticate(r)
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="program-cache"`)
			m.deny(r, DenyEvent{Status: http.StatusUnauthorized, Reason: "unauthenticated"})
			m.writeError(w, r, http.StatusUnauthorized, "unauthenticated")
			return
		}
		required := RequiredRoleForRequest(r)
		if !HasAtLeast(identity.Role, required) {
			if m.Logger != nil {
				m.Logger.Warn("request forbidden",
					"subject", identity.Subject,
					"role", identity.Role,
					"required", required,
					"method", r.Method,
					"path", r.URL.Path,
				)
			}
			m.deny(r, DenyEvent{
				Status:   http.StatusForbidden,
				Reason:   "forbidden",
				Subject:  identity.Subject,
				Role:     identity.Role,
				Required: required,
			})
			m.writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}

func (m Middleware) deny(r *http.Request, event DenyEvent) {
	if m.OnDeny == nil {
		return
	}
	event.Time = time.Now().UTC()
	event.Method = r.Method
	event.Path = r.URL.Path
	event.RemoteAddr = r.RemoteAddr
	event.UserAgent = r.UserAgent()
	m.OnDeny(r, event)
}

func (m Middleware) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	if m.WriteError != nil {
		m.WriteError(w, r, status, code)
		return
	}
	http.Error(w, code, status)
}
