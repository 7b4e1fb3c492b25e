package utils

import (
	"strings"

	"github.com/google/uuid"
)

// GenerateID returns a new random record identifier.
func GenerateID() string {
	return uuid.NewString()
}

// IsValidID reports whether id parses as a UUID.
func IsValidID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
