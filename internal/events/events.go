// Package events defines the notifications emitted while artifacts are
// downloaded and verified, and a bus that fans them out to subscribers.
package events

import (
	"context"
	"time"

	"github.com/italolelis/artifactd/internal/transfer"
)

type Kind string

const (
	KindDownload     Kind = "download"
	KindVerification Kind = "verification"
	KindCorruption   Kind = "corruption"
)

// Event is one of DownloadEvent, VerificationProgress or Corruption.
type Event interface {
	Kind() Kind
	// Critical events are never dropped by the bus.
	Critical() bool
}

// Publisher receives events from the downloader.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event)

func (f PublisherFunc) Publish(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(context.Context, Event) {})

// DownloadEvent reports progress or a status change of one download.
type DownloadEvent struct {
	ID              string          `json:"id"`
	ArtifactID      string          `json:"artifact_id"`
	Status          transfer.Status `json:"status"`
	BytesDownloaded int64           `json:"bytes_downloaded"`
	TotalBytes      int64           `json:"total_bytes"`
	SpeedBps        float64         `json:"speed_bps"`
	ETASeconds      float64         `json:"eta_seconds"`
	Error           string          `json:"error,omitempty"`
	Time            time.Time       `json:"time"`
}

func (DownloadEvent) Kind() Kind { return KindDownload }

// Critical is true for every status change. Plain progress updates while
// downloading may be dropped for slow subscribers.
func (e DownloadEvent) Critical() bool {
	return e.Status != transfer.StatusDownloading
}

// Terminal reports whether this is the last event of the download.
func (e DownloadEvent) Terminal() bool {
	return e.Status.IsTerminal()
}

// VerificationProgress reports hashing progress of a large artifact.
type VerificationProgress struct {
	DownloadID     string  `json:"download_id"`
	ArtifactID     string  `json:"artifact_id"`
	BytesProcessed int64   `json:"bytes_processed"`
	TotalBytes     int64   `json:"total_bytes"`
	Percentage     float64 `json:"percentage"`
}

func (VerificationProgress) Kind() Kind { return KindVerification }

func (VerificationProgress) Critical() bool { return false }

// Corruption carries the details of a failed verification. It precedes the
// terminal corrupted DownloadEvent.
type Corruption struct {
	DownloadID     string    `json:"download_id"`
	ArtifactID     string    `json:"artifact_id"`
	ExpectedHash   string    `json:"expected_hash"`
	ActualHash     string    `json:"actual_hash"`
	QuarantinePath string    `json:"quarantine_path"`
	Time           time.Time `json:"time"`
}

func (Corruption) Kind() Kind { return KindCorruption }

func (Corruption) Critical() bool { return true }

// IsTerminal reports whether ev ends a download's event stream.
func IsTerminal(ev Event) bool {
	de, ok := ev.(DownloadEvent)

	return ok && de.Terminal()
}

// Envelope is the wire form of an event.
type Envelope struct {
	Type Kind  `json:"type"`
	Data Event `json:"data"`
}

func Wrap(ev Event) Envelope {
	return Envelope{Type: ev.Kind(), Data: ev}
}
