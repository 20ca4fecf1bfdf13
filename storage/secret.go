package storage

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// dummyHash is a bcrypt hash of "test". It is compared against when the client or
// user does not exist so that lookups of unknown ids take as long as real ones.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// HashSecret returns the bcrypt hash of a client secret or user password.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// CompareSecret checks secret against hash. An empty hash (unknown record) is
// compared against a dummy hash and always fails.
func CompareSecret(hash, secret string) error {
	known := hash != ""
	if !known {
		hash = dummyHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))
	if !known || err != nil {
		return ErrInvalidCredentials
	}
	return nil
}
