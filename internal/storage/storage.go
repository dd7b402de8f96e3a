// Package storage keeps the download history: one row per download that
// reached a terminal state, for post-restart inspection.
package storage

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("history record not found")

// HistoryRecord represents the outcome of one download.
type HistoryRecord struct {
	DownloadID      string    `json:"download_id"`
	ArtifactID      string    `json:"artifact_id"`
	Status          string    `json:"status"`
	BytesDownloaded int64     `json:"bytes_downloaded"`
	TotalBytes      int64     `json:"total_bytes"`
	Error           string    `json:"error,omitempty"`
	FinishedAt      time.Time `json:"finished_at"`
	InstanceID      string    `json:"instance_id"`
}

type HistoryReadRepository interface {
	// GetHistory returns the newest records first, at most limit of them.
	GetHistory(ctx context.Context, limit int) ([]HistoryRecord, error)
	GetArtifactHistory(ctx context.Context, artifactID string, limit int) ([]HistoryRecord, error)
	GetRecord(ctx context.Context, downloadID string) (HistoryRecord, error)
}

type HistoryWriteRepository interface {
	// RecordOutcome stores rec, replacing an earlier record of the same download.
	RecordOutcome(ctx context.Context, rec HistoryRecord) error
}

type HistoryRepository interface {
	HistoryReadRepository
	HistoryWriteRepository
}
