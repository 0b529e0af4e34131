package types

import "errors"

// TimeUUID-related errors
var (
	// ErrInvalidTimeUUIDLength is returned when a byte slice is not 16 bytes long.
	ErrInvalidTimeUUIDLength = errors.New("invalid time uuid length")

	// ErrTimestampOutOfRange is returned for timestamps that do not fit in 48 bits.
	ErrTimestampOutOfRange = errors.New("timestamp out of time uuid range")
)

// Message validation errors
var (
	ErrEmptyChannel   = errors.New("message channel is empty")
	ErrEmptyEventID   = errors.New("event id is empty")
	ErrEmptyEventType = errors.New("event type is empty")
)
