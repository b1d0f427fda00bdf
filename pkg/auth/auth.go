// Package auth validates bearer tokens on the hot path and turns them into
// claims that ride in request metadata for the life of one call.
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"gateway/pkg/gwerrors"
)

// Claims are the validated fields extracted from a bearer token.
type Claims struct {
	Subject   string    `json:"sub"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
	Scopes    []string  `json:"scopes"`
}

// HasScope reports whether the claims include a scope.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AllowsMethod checks the claims against a canonical method. An empty scope
// list allows everything; otherwise the method's first segment (e.g. "tools"
// for "tools.call") or the full method must be granted.
func (c *Claims) AllowsMethod(method string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	if c.HasScope(method) {
		return true
	}
	if idx := strings.Index(method, "."); idx > 0 {
		return c.HasScope(method[:idx])
	}
	return false
}

// Validator checks HS256-signed tokens against a pre-loaded secret.
// A Validator with an empty secret treats auth as disabled and admits
// every request with anonymous claims.
type Validator struct {
	secret []byte
	parser *jwt.Parser
}

// NewValidator creates a validator for the given shared secret. The secret
// may be empty to disable authentication.
func NewValidator(secret string) *Validator {
	return &Validator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Enabled reports whether token validation is active.
func (v *Validator) Enabled() bool {
	return len(v.secret) > 0
}

// tokenClaims is the raw JWT claim set the gateway understands.
type tokenClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes,omitempty"`
}

// FromAuthorizationHeader validates the Authorization header value and
// returns the claims. The scheme match is case-insensitive. HMAC
// verification inside the JWT library is constant-time.
func (v *Validator) FromAuthorizationHeader(header string) (*Claims, error) {
	if !v.Enabled() {
		return &Claims{Subject: "anonymous"}, nil
	}

	token, err := extractBearer(header)
	if err != nil {
		return nil, err
	}
	return v.Validate(token)
}

func extractBearer(header string) (string, error) {
	if header == "" {
		return "", gwerrors.New(gwerrors.KindUnauthorized, "missing authorization header")
	}
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", gwerrors.New(gwerrors.KindUnauthorized, "authorization header is not a bearer token")
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}

// Validate checks a raw token string.
func (v *Validator) Validate(raw string) (*Claims, error) {
	var tc tokenClaims
	_, err := v.parser.ParseWithClaims(raw, &tc, func(_ *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindUnauthorized, err, "invalid token")
	}
	if tc.Subject == "" {
		return nil, gwerrors.New(gwerrors.KindUnauthorized, "token has no subject")
	}

	claims := &Claims{Subject: tc.Subject, Scopes: tc.Scopes}
	if tc.IssuedAt != nil {
		claims.IssuedAt = tc.IssuedAt.Time
	}
	if tc.ExpiresAt != nil {
		claims.ExpiresAt = tc.ExpiresAt.Time
	}
	return claims, nil
}

// Sign mints a token for the given subject and scopes. Used by tests.
func (v *Validator) Sign(subject string, scopes []string, ttl time.Duration) (string, error) {
	if !v.Enabled() {
		return "", fmt.Errorf("auth is disabled")
	}
	now := time.Now()
	tc := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tc)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// MetaValue renders claims for request metadata.
func (c *Claims) MetaValue() map[string]any {
	out := map[string]any{"sub": c.Subject}
	if len(c.Scopes) > 0 {
		scopes := make([]any, len(c.Scopes))
		for i, s := range c.Scopes {
			scopes[i] = s
		}
		out["scopes"] = scopes
	}
	if !c.ExpiresAt.IsZero() {
		out["exp"] = c.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return out
}
