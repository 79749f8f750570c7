package account

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultIterations is the PBKDF2 work factor stored with every new password
	DefaultIterations = 10000

	saltBytes = 16
	keyBytes  = 64
)

// HashPassword derives the stored hash of a password
func HashPassword(password, salt string, iterations int) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, keyBytes, sha512.New)
	return hex.EncodeToString(key)
}

// CheckPassword compares a password against a stored hash in constant time
func CheckPassword(password, salt string, iterations int, hash string) bool {
	candidate := HashPassword(password, salt, iterations)
	return subtle.ConstantTimeCompare([]byte(candidate), []byte(hash)) == 1
}

func NewSalt() (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	return hex.EncodeToString(salt), nil
}

// SaveHash fingerprints a player save so clients holding the same save can skip the download
func SaveHash(playerJSON string) string {
	sum := sha512.Sum512([]byte(playerJSON))
	return hex.EncodeToString(sum[:])
}
