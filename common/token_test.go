package common

import (
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokens(t *testing.T) {
	secret := []byte("cluster-secret")

	token, expires, err := IssueToken(secret, GameServerSubject, time.Minute, time.Now())
	require.NoError(t, err)
	assert.Greater(t, expires, time.Now().Unix())

	subject, err := VerifyToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, GameServerSubject, subject)

	_, err = VerifyToken([]byte("other-secret"), token)
	assert.ErrorIs(t, err, ErrInvalidToken, "A token signed with another secret is rejected")

	expired, _, err := IssueToken(secret, "admin", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	_, err = VerifyToken(secret, expired)
	assert.ErrorIs(t, err, ErrInvalidToken, "Expired tokens are rejected")

	_, err = VerifyToken(secret, "not.a.token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestEmptySecretIsRefused(t *testing.T) {
	_, _, err := IssueToken(nil, GameServerSubject, time.Minute, time.Now())
	assert.ErrorIs(t, err, ErrEmptySecret)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.MapClaims{
		"iss": SoftwareName,
		"sub": GameServerSubject,
		"exp": time.Now().Add(time.Minute).Unix(),
	}).SignedString([]byte{})
	require.NoError(t, err)

	_, err = VerifyToken([]byte(""), forged)
	assert.ErrorIs(t, err, ErrInvalidToken, "A token signed with an empty key never verifies")
}
