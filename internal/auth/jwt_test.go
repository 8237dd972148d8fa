package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVerifier_ShortSecret(t *testing.T) {
	_, err := NewVerifier("short", "")
	assert.Error(t, err)
}

func TestVerify_RoundTrip(t *testing.T) {
	v, err := NewVerifier(testSecret, "gateway")
	require.NoError(t, err)

	tok, err := v.Issue(Actor{ID: "buyer-1", Role: RoleBuyer, Email: "Buyer@Example.com "}, time.Minute)
	require.NoError(t, err)

	actor, err := v.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "buyer-1", actor.ID)
	assert.Equal(t, RoleBuyer, actor.Role)
	assert.Equal(t, "buyer@example.com", actor.Email)
}

func TestVerify_Rejects(t *testing.T) {
	v, _ := NewVerifier(testSecret, "gateway")
	other, _ := NewVerifier("another-secret-0123456789", "gateway")
	wrongIssuer, _ := NewVerifier(testSecret, "elsewhere")

	expired, _ := v.Issue(Actor{ID: "s", Role: RoleSeller}, -time.Hour)
	foreign, _ := other.Issue(Actor{ID: "s", Role: RoleSeller}, time.Hour)
	badIssuer, _ := wrongIssuer.Issue(Actor{ID: "s", Role: RoleSeller}, time.Hour)
	unknownRole, _ := v.Issue(Actor{ID: "s", Role: Role("root")}, time.Hour)
	buyerNoEmail, _ := v.Issue(Actor{ID: "b", Role: RoleBuyer}, time.Hour)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "s", "role": "admin"})
	unsigned, _ := none.SignedString(jwt.UnsafeAllowNoneSignatureType)

	for name, tok := range map[string]string{
		"expired":        expired,
		"foreign secret": foreign,
		"wrong issuer":   badIssuer,
		"unknown role":   unknownRole,
		"buyer no email": buyerNoEmail,
		"alg none":       unsigned,
		"garbage":        "x.y.z",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}
