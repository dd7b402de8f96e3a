package storage

import (
	"context"

	"github.com/italolelis/artifactd/internal/events"
	"github.com/italolelis/artifactd/internal/logctx"
)

// Recorder writes every terminal download event to the history.
type Recorder struct {
	repo       HistoryWriteRepository
	instanceID string
}

func NewRecorder(repo HistoryWriteRepository, instanceID string) *Recorder {
	return &Recorder{repo: repo, instanceID: instanceID}
}

// Handle is an events.Consume callback.
func (r *Recorder) Handle(ctx context.Context, ev events.Event) {
	de, ok := ev.(events.DownloadEvent)
	if !ok || !de.Terminal() {
		return
	}

	rec := HistoryRecord{
		DownloadID:      de.ID,
		ArtifactID:      de.ArtifactID,
		Status:          de.Status.String(),
		BytesDownloaded: de.BytesDownloaded,
		TotalBytes:      de.TotalBytes,
		Error:           de.Error,
		FinishedAt:      de.Time.UTC(),
		InstanceID:      r.instanceID,
	}

	if err := r.repo.RecordOutcome(ctx, rec); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to record download outcome",
			"download_id", de.ID, "err", err)
	}
}
