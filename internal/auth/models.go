package auth

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const tokenCost = 12

// TokenHash is a bcrypt hash of the control token
type TokenHash struct {
	hash []byte
}

// ParseTokenHash wraps an encoded bcrypt hash as found in configuration
func ParseTokenHash(encoded string) (TokenHash, error) {
	if _, err := bcrypt.Cost([]byte(encoded)); err != nil {
		return TokenHash{}, err
	}
	return TokenHash{hash: []byte(encoded)}, nil
}

// HashToken hashes a plaintext control token for storage in configuration
func HashToken(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyToken
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), tokenCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// Matches checks if a plaintext token matches the hash
func (h TokenHash) Matches(plaintext string) (bool, error) {
	err := bcrypt.CompareHashAndPassword(h.hash, []byte(plaintext))
	if err != nil {
		switch {
		case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
			return false, nil
		default:
			return false, err
		}
	}
	return true, nil
}
