package common

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// GameServerSubject is the JWT subject game servers register with
const GameServerSubject = "gameserver"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySecret  = errors.New("token secret is empty")
)

// IssueToken signs an HS384 JWT for subject that expires after ttl
func IssueToken(secret []byte, subject string, ttl time.Duration, now time.Time) (string, int64, error) {
	if len(secret) == 0 {
		return "", 0, ErrEmptySecret
	}
	expires := now.Add(ttl).Unix()
	t := jwt.NewWithClaims(jwt.SigningMethodHS384, jwt.MapClaims{
		"iss": SoftwareName,
		"sub": subject,
		"iat": now.Unix(),
		"exp": expires,
	})

	signed, err := t.SignedString(secret)
	if err != nil {
		return "", 0, fmt.Errorf("sign token for %s: %w", subject, err)
	}
	return signed, expires, nil
}

// VerifyToken checks the signature and expiry of a token and returns its subject. Nothing verifies
// against an empty secret.
func VerifyToken(secret []byte, tokenStr string) (string, error) {
	if len(secret) == 0 {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, ErrEmptySecret)
	}
	decodedToken, err := jwt.ParseWithClaims(tokenStr, &jwt.StandardClaims{}, func(token *jwt.Token) (interface{}, error) {
		// Don't forget to validate the alg is what you expect:
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("Unexpected signing method: %v", token.Header["alg"])
		}

		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := decodedToken.Claims.(*jwt.StandardClaims)
	if !ok || !decodedToken.Valid {
		return "", ErrInvalidToken
	}
	if claims.Issuer != SoftwareName {
		return "", fmt.Errorf("%w: issued by %q", ErrInvalidToken, claims.Issuer)
	}
	return claims.Subject, nil
}
