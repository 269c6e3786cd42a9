package uuid

import (
	google_uuid "github.com/google/uuid"
)

// MustUUID returns a fresh random UUID string.
func MustUUID() string {
	return google_uuid.New().String()
}
