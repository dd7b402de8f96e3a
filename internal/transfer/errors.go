package transfer

import (
	"errors"
	"fmt"
)

// ErrMissingContentLength is returned when a size probe gets no Content-Length.
var ErrMissingContentLength = errors.New("transfer: server did not report a content length")

// NetworkError represents connect, timeout and stream-read failures.
type NetworkError struct {
	Operation string // The operation that failed (e.g., "head", "get", "read")
	URL       string
	Err       error
}

func (e *NetworkError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("network error during %s of %s", e.Operation, e.URL)
	}

	return fmt.Sprintf("network error during %s of %s: %v", e.Operation, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProtocolError represents an unexpected HTTP exchange: a non-success status,
// a missing size header, or a range the server did not honor.
type ProtocolError struct {
	Operation  string
	URL        string
	StatusCode int // HTTP status code, 0 when the status itself was acceptable
	Reason     string
	Err        error
}

func (e *ProtocolError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("protocol error during %s of %s (HTTP %d): %s", e.Operation, e.URL, e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("protocol error during %s of %s: %s", e.Operation, e.URL, e.Reason)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// FileError represents a filesystem failure on a download's local files.
type FileError struct {
	Operation string // open, write, sync, rename, stat, mkdir
	Path      string
	Err       error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file error during %s of %s: %v", e.Operation, e.Path, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}
