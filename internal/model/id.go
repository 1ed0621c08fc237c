package model

import "github.com/google/uuid"

// NewID generates a new UUIDv7. Time-ordered ids keep listings that
// sort by id roughly chronological.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to v4 if v7 fails
		return uuid.New().String()
	}
	return id.String()
}
