package source

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidConfiguration is returned for descriptors that can never
	// produce a working source.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrUnavailable is returned by ReadFrame when no frame could be
	// produced; the caller is expected to retry.
	ErrUnavailable = errors.New("frame unavailable")

	// ErrReaderFailed is returned once the reconnect budget is exhausted.
	ErrReaderFailed = errors.New("reader failed: reconnect budget exhausted")

	// ErrReaderStopped is returned by Connect after Stop.
	ErrReaderStopped = errors.New("reader stopped")
)

// ConnectionError reports that a source could not be opened or read.
// Target never contains credentials.
type ConnectionError struct {
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}
