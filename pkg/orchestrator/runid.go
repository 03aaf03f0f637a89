package orchestrator

import "github.com/google/uuid"

// NewRunID returns a time-ordered identifier (UUIDv7). Two runs started in
// the same millisecond still differ in their random bits.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
