package model

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return NewIDAt(time.Now())
}

// NewIDAt generates a ULID stamped with t. IDs generated for the same
// millisecond are strictly increasing within the process.
func NewIDAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
