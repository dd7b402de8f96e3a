package events

import (
	"context"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/artifactd/internal/logctx"
	"github.com/italolelis/artifactd/internal/transfer"
)

// Log writes status changes and corruption reports to the context logger.
// Plain progress is logged at debug level.
func Log(ctx context.Context, ev Event) {
	logger := logctx.LoggerFromContext(ctx)

	switch e := ev.(type) {
	case DownloadEvent:
		attrs := []any{
			"download_id", e.ID,
			"artifact_id", e.ArtifactID,
			"status", e.Status.String(),
			"bytes_downloaded", e.BytesDownloaded,
			"total_bytes", e.TotalBytes,
			"downloaded", humanize.IBytes(uint64(max(e.BytesDownloaded, 0))),
		}

		switch e.Status {
		case transfer.StatusDownloading:
			attrs = append(attrs, "speed", humanize.IBytes(uint64(e.SpeedBps))+"/s", "eta_seconds", int64(e.ETASeconds))
			logger.DebugContext(ctx, "download progress", attrs...)
		case transfer.StatusFailed:
			logger.ErrorContext(ctx, "download failed", append(attrs, "err", e.Error)...)
		case transfer.StatusCorrupted:
			logger.ErrorContext(ctx, "download corrupted", attrs...)
		default:
			logger.InfoContext(ctx, "download status changed", attrs...)
		}
	case VerificationProgress:
		logger.DebugContext(ctx, "verification progress",
			"download_id", e.DownloadID,
			"artifact_id", e.ArtifactID,
			"percentage", e.Percentage,
			"processed", humanize.IBytes(uint64(max(e.BytesProcessed, 0))),
		)
	case Corruption:
		logger.WarnContext(ctx, "artifact quarantined",
			"download_id", e.DownloadID,
			"artifact_id", e.ArtifactID,
			"expected_hash", e.ExpectedHash,
			"actual_hash", e.ActualHash,
			"quarantine_path", e.QuarantinePath,
		)
	}
}
