package handle

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownKey is returned when releasing a key that has no handle.
	ErrUnknownKey = errors.New("handle: unknown key")

	// ErrNoPayload is wrapped into a LoadError when the backend reports success
	// without returning anything.
	ErrNoPayload = errors.New("handle: backend returned no payload")

	// ErrAbandoned marks a load whose owners all released it before it
	// completed.
	ErrAbandoned = errors.New("handle: load abandoned by all owners")
)

// LoadError reports a failed backend load. Every requester attached to the
// same in-flight load receives the same *LoadError.
type LoadError struct {
	Key string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %q: %v", e.Key, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }
