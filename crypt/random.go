package crypt

import "github.com/google/uuid"

// NewTokenID returns a unique identifier for a token artifact.
func NewTokenID() string {
	return uuid.NewString()
}
