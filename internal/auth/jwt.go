// Package auth resolves the calling actor from a gateway-issued JWT.
//
// Tokens are HS256, signed with a secret shared with the API gateway. The
// claims carry the actor's id, role and email. Nothing here issues tokens
// in production; Issue exists for local tooling and tests.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role is what the actor is acting as.
type Role string

const (
	RoleBuyer  Role = "buyer"
	RoleSeller Role = "seller"
	RoleAdmin  Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleAdmin:
		return true
	}
	return false
}

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Actor is the authenticated caller.
type Actor struct {
	ID    string `json:"id"`
	Role  Role   `json:"role"`
	Email string `json:"email,omitempty"`
}

type actorClaims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates tokens and extracts the actor.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewVerifier creates a verifier for secret. issuer is checked when non-empty.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("jwt secret must be at least 16 bytes")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}, nil
}

// Verify parses raw and returns the actor it names.
func (v *Verifier) Verify(raw string) (Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	parsed, err := jwt.ParseWithClaims(raw, &actorClaims{}, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Actor{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(*actorClaims)
	if !ok || !parsed.Valid {
		return Actor{}, ErrInvalidToken
	}

	actor := Actor{
		ID:    claims.Subject,
		Role:  Role(claims.Role),
		Email: strings.ToLower(strings.TrimSpace(claims.Email)),
	}
	if actor.ID == "" || !actor.Role.Valid() {
		return Actor{}, fmt.Errorf("%w: subject and role are required", ErrInvalidToken)
	}
	if actor.Role == RoleBuyer && actor.Email == "" {
		return Actor{}, fmt.Errorf("%w: buyer tokens need an email", ErrInvalidToken)
	}
	return actor, nil
}

// Issue signs a token for actor valid for ttl.
func (v *Verifier) Issue(actor Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, actorClaims{
		Role:  string(actor.Role),
		Email: actor.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(v.secret)
}
