package eventstore

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed batch; nothing from it was stored.
	ErrValidation = errors.New("eventstore: invalid event")
	// ErrStorageUnavailable marks a failure of the durable store itself.
	ErrStorageUnavailable = errors.New("eventstore: storage unavailable")
)

// ValidationError describes the first rule an event broke.
type ValidationError struct {
	Index int
	Field string
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event[%d].%s: failed %s", e.Index, e.Field, e.Rule)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}
