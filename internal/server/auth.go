package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrUnauthorized covers every bad-credential case: missing header,
	// malformed token, unknown key id, signature/issuer/expiry mismatch,
	// wrong shared key.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAuthConfig means the server side is missing required identity
	// configuration. The caller did nothing wrong.
	ErrAuthConfig = errors.New("authentication not configured")
)

// Principal is an authenticated caller: an end user carrying token claims,
// or the fixed downstream agent identity.
type Principal struct {
	Subject   string
	Audience  string
	Issuer    string
	ExpiresAt time.Time
	Agent     bool
}

// Authenticator validates one credential scheme. Both route groups go
// through the same middleware; only the Authenticator differs.
type Authenticator interface {
	Authenticate(r *http.Request) (*Principal, error)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

// TokenAuth verifies end-user bearer tokens against the identity
// provider's published key set.
type TokenAuth struct {
	Keys   *KeyCache
	Issuer string
	// Bypass skips verification entirely and synthesizes a fixed
	// development principal. Operator-controlled, never default.
	Bypass bool
	Log    *slog.Logger
}

func (t *TokenAuth) Authenticate(r *http.Request) (*Principal, error) {
	if t.Bypass {
		t.Log.Debug("token verification bypassed, using development principal")
		return &Principal{
			Subject:   "dev-user",
			Audience:  "dev",
			Issuer:    "dev",
			ExpiresAt: time.Now().Add(24 * time.Hour),
		}, nil
	}

	token, ok := bearerToken(r)
	if !ok {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	if t.Keys == nil || t.Keys.URI == "" {
		return nil, fmt.Errorf("%w: key set URI not set", ErrAuthConfig)
	}
	if t.Issuer == "" {
		return nil, fmt.Errorf("%w: issuer not set", ErrAuthConfig)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(t.Issuer),
		jwt.WithExpirationRequired(),
	)
	claims := &jwt.RegisteredClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token has no key id")
		}
		return t.Keys.Key(r.Context(), kid)
	})
	if err != nil {
		if errors.Is(err, ErrKeySetUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("token rejected (%v): %w", err, ErrUnauthorized)
	}

	p := &Principal{Subject: claims.Subject, Issuer: claims.Issuer}
	if len(claims.Audience) > 0 {
		p.Audience = claims.Audience[0]
	}
	if claims.ExpiresAt != nil {
		p.ExpiresAt = claims.ExpiresAt.Time
	}
	return p, nil
}

// AgentAuth validates the downstream service's shared key. Constant-time
// compare; the token length leaks, the content does not.
type AgentAuth struct {
	Key string
}

func (a *AgentAuth) Authenticate(r *http.Request) (*Principal, error) {
	if a.Key == "" {
		return nil, fmt.Errorf("%w: agent key not set", ErrAuthConfig)
	}
	token, ok := bearerToken(r)
	if !ok {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(a.Key)) != 1 {
		return nil, fmt.Errorf("agent key mismatch: %w", ErrUnauthorized)
	}
	return &Principal{Agent: true}, nil
}

type ctxKey int

const principalKey ctxKey = iota

func withPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func principalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey).(*Principal)
	return p
}
