// Package integrity computes and checks SHA-256 digests of artifacts on disk.
package integrity

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

const (
	// DefaultBufferSize is the fixed read buffer. Memory use does not grow
	// with file size.
	DefaultBufferSize = 8 << 20

	// DefaultProgressThreshold is the size a file must exceed before hashing
	// reports progress.
	DefaultProgressThreshold int64 = 500 << 20

	// DefaultProgressStep is the minimum percentage advance between reports.
	DefaultProgressStep = 5.0
)

var (
	ErrFileNotFound     = errors.New("integrity: file not found")
	ErrPermissionDenied = errors.New("integrity: permission denied")
)

// Error describes a failed hashing operation. errors.Is matches
// ErrFileNotFound and ErrPermissionDenied against the underlying cause.
type Error struct {
	Op   string // open, stat, read
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("integrity: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	switch target {
	case ErrFileNotFound:
		return errors.Is(e.Err, fs.ErrNotExist)
	case ErrPermissionDenied:
		return errors.Is(e.Err, fs.ErrPermission)
	default:
		return false
	}
}

// Progress is a snapshot of a running large-file hash.
type Progress struct {
	BytesProcessed int64   `json:"bytes_processed"`
	TotalBytes     int64   `json:"total_bytes"`
	Percentage     float64 `json:"percentage"`
}

// ProgressFunc receives progress snapshots. It is called on the hashing
// goroutine and must not block for long.
type ProgressFunc func(Progress)

// Result is the outcome of Verify. A mismatch is reported with Verified
// false, not as an error.
type Result struct {
	Verified     bool   `json:"verified"`
	ComputedHash string `json:"computed_hash"`
	ExpectedHash string `json:"expected_hash"`
	FileSize     int64  `json:"file_size"`
}

// Verifier streams files through SHA-256.
type Verifier struct {
	bufferSize        int
	progressThreshold int64
	progressStep      float64
}

type Option func(*Verifier)

func WithBufferSize(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.bufferSize = n
		}
	}
}

// WithProgressThreshold sets the size a file must exceed before progress is
// reported.
func WithProgressThreshold(n int64) Option {
	return func(v *Verifier) {
		if n >= 0 {
			v.progressThreshold = n
		}
	}
}

func WithProgressStep(pct float64) Option {
	return func(v *Verifier) {
		if pct > 0 {
			v.progressStep = pct
		}
	}
}

func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		bufferSize:        DefaultBufferSize,
		progressThreshold: DefaultProgressThreshold,
		progressStep:      DefaultProgressStep,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// ComputeChecksum returns the lowercase hex SHA-256 of the file at path.
func (v *Verifier) ComputeChecksum(ctx context.Context, path string) (string, error) {
	sum, _, err := v.hashFile(ctx, path, nil)

	return sum, err
}

// ComputeChecksumWithProgress is ComputeChecksum that reports to sink while
// hashing files larger than the progress threshold.
func (v *Verifier) ComputeChecksumWithProgress(ctx context.Context, path string, sink ProgressFunc) (string, error) {
	sum, _, err := v.hashFile(ctx, path, sink)

	return sum, err
}

// Verify hashes path and compares it with expected, ignoring case.
func (v *Verifier) Verify(ctx context.Context, path, expected string) (Result, error) {
	return v.VerifyWithProgress(ctx, path, expected, nil)
}

func (v *Verifier) VerifyWithProgress(ctx context.Context, path, expected string, sink ProgressFunc) (Result, error) {
	sum, size, err := v.hashFile(ctx, path, sink)
	if err != nil {
		return Result{}, err
	}

	expected = strings.ToLower(strings.TrimSpace(expected))

	return Result{
		Verified:     sum == expected,
		ComputedHash: sum,
		ExpectedHash: expected,
		FileSize:     size,
	}, nil
}

func (v *Verifier) hashFile(ctx context.Context, path string, sink ProgressFunc) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, &Error{Op: "open", Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return "", 0, &Error{Op: "stat", Path: path, Err: err}
	}

	total := info.Size()
	report := sink != nil && total > v.progressThreshold

	hash := sha256.New()
	buf := make([]byte, v.bufferSize)

	var (
		processed int64
		lastPct   float64
	)

	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			hash.Write(buf[:n])
			processed += int64(n)

			if report {
				pct := float64(processed) * 100 / float64(total)
				if pct-lastPct >= v.progressStep {
					sink(Progress{BytesProcessed: processed, TotalBytes: total, Percentage: pct})
					lastPct = pct
				}
			}
		}

		if readErr == io.EOF {
			break
		}

		if readErr != nil {
			return "", 0, &Error{Op: "read", Path: path, Err: readErr}
		}
	}

	return hex.EncodeToString(hash.Sum(nil)), processed, nil
}
