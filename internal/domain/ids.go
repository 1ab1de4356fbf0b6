package domain

import "github.com/google/uuid"

// NewID generates an opaque unique identifier for any entity in the model.
func NewID() string {
	return uuid.New().String()
}
