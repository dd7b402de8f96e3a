package transfer

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// Client is the HTTP capability the downloader consumes.
type Client interface {
	// Head probes the remote size of url.
	Head(ctx context.Context, url string) (*RemoteFile, error)
	// Get streams url starting at offset. A zero offset requests the whole body.
	Get(ctx context.Context, url string, offset int64) (io.ReadCloser, error)
}

type RemoteFile struct {
	Size          int64
	AcceptsRanges bool
	ETag          string
}

// Status is the lifecycle state of a download.
type Status int

const (
	StatusQueued Status = iota
	StatusDownloading
	StatusPaused
	StatusVerifying
	StatusCompleted
	StatusVerified
	StatusFailed
	StatusCancelled
	StatusCorrupted
)

var statusNames = [...]string{
	StatusQueued:      "queued",
	StatusDownloading: "downloading",
	StatusPaused:      "paused",
	StatusVerifying:   "verifying",
	StatusCompleted:   "completed",
	StatusVerified:    "verified",
	StatusFailed:      "failed",
	StatusCancelled:   "cancelled",
	StatusCorrupted:   "corrupted",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}

	return statusNames[s]
}

// ParseStatus maps the wire name of a status back to its value.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(i), nil
		}
	}

	return 0, fmt.Errorf("unknown download status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(statusNames) {
		return nil, fmt.Errorf("invalid download status %d", int(s))
	}

	return []byte(statusNames[s]), nil
}

func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}

	*s = parsed

	return nil
}

// IsTerminal reports whether no further events follow this status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusVerified, StatusFailed, StatusCancelled, StatusCorrupted:
		return true
	default:
		return false
	}
}

// IsActive reports whether a transfer task owns the download.
func (s Status) IsActive() bool {
	return s == StatusDownloading || s == StatusVerifying
}

// StopReason tags why a running transfer was asked to stop.
type StopReason int32

const (
	StopNone StopReason = iota
	StopPause
	StopCancel
)

func (r StopReason) String() string {
	switch r {
	case StopPause:
		return "pause"
	case StopCancel:
		return "cancel"
	default:
		return "none"
	}
}

// StopSignal is a raise-once signal shared between a download record and its
// transfer task. The first reason raised wins.
type StopSignal struct {
	reason atomic.Int32
	done   chan struct{}
}

func NewStopSignal() *StopSignal {
	return &StopSignal{done: make(chan struct{})}
}

// Raise sets the stop reason. It returns false if the signal was already raised.
func (s *StopSignal) Raise(reason StopReason) bool {
	if reason == StopNone {
		return false
	}

	if !s.reason.CompareAndSwap(int32(StopNone), int32(reason)) {
		return false
	}

	close(s.done)

	return true
}

func (s *StopSignal) Reason() StopReason {
	return StopReason(s.reason.Load())
}

func (s *StopSignal) Raised() bool {
	return s.Reason() != StopNone
}

// Done is closed once the signal is raised.
func (s *StopSignal) Done() <-chan struct{} {
	return s.done
}

// Download is one in-flight or recently active transfer of an artifact.
type Download struct {
	ID              string
	ArtifactID      string
	URL             string
	CompanionURL    string
	FinalPath       string
	PartialPath     string
	BytesDownloaded int64
	TotalBytes      int64
	Status          Status
	ExpectedHash    string
	StartedAt       time.Time

	Stop *StopSignal
}

// HasExpectedHash reports whether the download is verified before finalizing.
func (d Download) HasExpectedHash() bool {
	return strings.TrimSpace(d.ExpectedHash) != ""
}
