package utils

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// DefaultCost controls the bcrypt hashing cost of seeded dev users.
const DefaultCost = 12

// HashPassword hashes password with the given bcrypt cost. Tests pass
// bcrypt.MinCost to keep seeding fast.
func HashPassword(password string, cost int) (string, error) {
	if len(password) == 0 {
		return "", fmt.Errorf("password cannot be empty")
	}
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hashedBytes), nil
}

// CheckPasswordHash reports whether password matches the given bcrypt hash.
func CheckPasswordHash(password, hash string) bool {
	if len(password) == 0 || len(hash) == 0 {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
