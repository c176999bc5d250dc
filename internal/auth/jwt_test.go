package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestOwner_RoundTrip(t *testing.T) {
	v := NewVerifier("s3cret", WithIssuer("chatline"))
	tok, err := v.Issue("user-1", time.Hour)
	require.NoError(t, err)

	owner, err := v.Owner("Bearer " + tok)
	require.NoError(t, err)
	require.Equal(t, "user-1", owner)

	owner, err = v.Owner("bearer   " + tok)
	require.NoError(t, err)
	require.Equal(t, "user-1", owner)
}

func TestOwner_Anonymous(t *testing.T) {
	owner, err := NewVerifier("s3cret").Owner("")
	require.NoError(t, err)
	require.Empty(t, owner)

	// Without a secret nothing is verified and everyone is anonymous.
	owner, err = NewVerifier("").Owner("Bearer whatever")
	require.NoError(t, err)
	require.Empty(t, owner)
}

func TestOwner_Rejects(t *testing.T) {
	v := NewVerifier("s3cret", WithIssuer("chatline"))
	other := NewVerifier("other", WithIssuer("chatline"))
	foreign, err := other.Issue("user-1", time.Hour)
	require.NoError(t, err)

	past := NewVerifier("s3cret", WithIssuer("chatline"))
	past.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := past.Issue("user-1", time.Hour)
	require.NoError(t, err)

	wrongIss, err := NewVerifier("s3cret", WithIssuer("elsewhere")).Issue("user-1", time.Hour)
	require.NoError(t, err)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "chatline",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	for name, header := range map[string]string{
		"scheme":     "Basic abc",
		"empty":      "Bearer ",
		"garbage":    "Bearer not-a-jwt",
		"signature":  "Bearer " + foreign,
		"expired":    "Bearer " + expired,
		"issuer":     "Bearer " + wrongIss,
		"no subject": "Bearer " + noSub,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := v.Owner(header)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestOwner_RejectsOtherAlgorithms(t *testing.T) {
	v := NewVerifier("s3cret")
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "u"}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	_, err = v.Owner("Bearer " + tok)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssue_Validation(t *testing.T) {
	_, err := NewVerifier("").Issue("u", time.Minute)
	require.Error(t, err)
	_, err = NewVerifier("k").Issue(" ", time.Minute)
	require.Error(t, err)
}
