package notifier

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/artifactd/internal/events"
	"github.com/italolelis/artifactd/internal/logctx"
	"github.com/italolelis/artifactd/internal/transfer"
)

// EventHandler turns terminal download events and corruption reports into
// notifications. Everything else is ignored.
func EventHandler(n Notifier) func(context.Context, events.Event) {
	return func(ctx context.Context, ev events.Event) {
		content, ok := Message(ev)
		if !ok {
			return
		}

		if err := n.Notify(ctx, content); err != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to send notification", "kind", ev.Kind(), "err", err)
		}
	}
}

// Message renders ev for a chat channel. ok is false for events that are not
// worth a notification.
func Message(ev events.Event) (string, bool) {
	switch e := ev.(type) {
	case events.DownloadEvent:
		switch e.Status {
		case transfer.StatusCompleted:
			return fmt.Sprintf("✅ Download finished for artifact: %s (%s)", e.ArtifactID, humanize.IBytes(uint64(max(e.TotalBytes, 0)))), true
		case transfer.StatusVerified:
			return fmt.Sprintf("✅ Download finished and verified for artifact: %s (%s)", e.ArtifactID, humanize.IBytes(uint64(max(e.TotalBytes, 0)))), true
		case transfer.StatusFailed:
			return fmt.Sprintf("❌ Download failed for artifact: %s: %s", e.ArtifactID, e.Error), true
		case transfer.StatusCancelled:
			return "🛑 Download cancelled for artifact: " + e.ArtifactID, true
		}
	case events.Corruption:
		return fmt.Sprintf("⚠️ Checksum mismatch for artifact: %s, quarantined at %s (expected %s, got %s)",
			e.ArtifactID, e.QuarantinePath, e.ExpectedHash, e.ActualHash), true
	}

	return "", false
}
