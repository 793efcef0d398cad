// Package hash wraps bcrypt for credential storage.
package hash

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	cost      = 12
	minLength = 8
)

var ErrTooShort = errors.New("password must be at least 8 characters")

// Hash bcrypt-hashes a password at the fixed cost, enforcing the minimum
// length shared with the register request validation.
func Hash(password string) (string, error) {
	if len(password) < minLength {
		return "", ErrTooShort
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashed), nil
}

// Compare reports whether password matches hashedPassword, as an error.
func Compare(hashedPassword, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password))
}
