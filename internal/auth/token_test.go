package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueVerify(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	user := uuid.NewString()

	tok, err := tokens.Issue(user)
	require.NoError(t, err)
	got, err := tokens.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

func TestIssue_RejectsNonID(t *testing.T) {
	_, err := NewTokens("secret", time.Hour).Issue("alice")
	assert.Error(t, err)
}

func TestVerify_Rejects(t *testing.T) {
	tokens := NewTokens("secret", time.Hour)
	user := uuid.NewString()
	good, err := tokens.Issue(user)
	require.NoError(t, err)

	expired := NewTokens("secret", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	old, err := expired.Issue(user)
	require.NoError(t, err)

	other, err := NewTokens("other", time.Hour).Issue(user)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Issuer: issuer, Subject: user, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: issuer, Subject: user,
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	badSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer: issuer, Subject: "alice", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"garbage":     "not.a.token",
		"tampered":    good + "x",
		"expired":     old,
		"wrong key":   other,
		"alg none":    none,
		"no expiry":   noExp,
		"bad subject": badSubject,
	} {
		_, err := tokens.Verify(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, name)
	}
}
