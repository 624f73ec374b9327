package market

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for malformed requests, before any
	// network call is made.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrTransport matches every *TransportError via errors.Is.
	ErrTransport = errors.New("market data feed unavailable")
)

// TransportError describes a failed upstream call: network failure,
// non-success status or a malformed payload.
type TransportError struct {
	Op         string // "snapshot" or "top"
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

func (e *TransportError) Error() string {
	prefix := "market " + e.Op
	if e.URL != "" {
		prefix += ": " + e.URL
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", prefix, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets callers test for ErrTransport without knowing the concrete type.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}
