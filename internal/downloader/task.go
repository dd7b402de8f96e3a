package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/artifactd/internal/downloader/progress"
	"github.com/italolelis/artifactd/internal/events"
	"github.com/italolelis/artifactd/internal/integrity"
	"github.com/italolelis/artifactd/internal/logctx"
	"github.com/italolelis/artifactd/internal/quarantine"
	"github.com/italolelis/artifactd/internal/transfer"
)

// run is the transfer task. It owns dl until it returns and publishes at most
// one terminal event; a cancelled task publishes none, Cancel does.
func (d *Downloader) run(ctx context.Context, t *task, dl transfer.Download) {
	defer d.wg.Done()
	defer d.release(dl.ArtifactID, t)

	ctx, logger := logctx.With(ctx, "download_id", dl.ID, "artifact_id", dl.ArtifactID)

	defer func() {
		if r := recover(); r != nil {
			logger.ErrorContext(ctx, "transfer task panic",
				"panic", r,
				"stack", string(debug.Stack()))

			d.fail(ctx, t, dl, fmt.Errorf("transfer task panic: %v", r))
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A stop aborts a blocked read. The chunk loop still checks the signal
	// before every write, so a stop never lands mid-write.
	go func() {
		select {
		case <-t.stop.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	_ = d.telemetry.InstrumentDownload(ctx, func(ctx context.Context) (string, error) {
		return d.execute(ctx, t, dl)
	})
}

func (d *Downloader) execute(ctx context.Context, t *task, dl transfer.Download) (string, error) {
	if err := d.stream(ctx, t, dl); err != nil {
		return d.abort(ctx, t, dl, err)
	}

	if t.stop.Raised() {
		return d.stopped(ctx, t, dl), nil
	}

	status := transfer.StatusCompleted

	if dl.HasExpectedHash() {
		verified, err := d.verify(ctx, t, dl)
		if err != nil {
			return d.abort(ctx, t, dl, err)
		}

		if !verified {
			return transfer.StatusCorrupted.String(), nil
		}

		status = transfer.StatusVerified
	}

	// The transition is the commit point: a Pause that lands first wins and
	// one that lands later finds the download no longer active.
	committed, _ := d.registry.Transition(dl.ID, status,
		transfer.StatusQueued, transfer.StatusDownloading, transfer.StatusVerifying)
	if !committed {
		return d.stopped(ctx, t, dl), nil
	}

	if err := os.Rename(dl.PartialPath, dl.FinalPath); err != nil {
		return d.abort(ctx, t, dl, &transfer.FileError{Operation: "rename", Path: dl.FinalPath, Err: err})
	}

	d.finish(ctx, t, dl, status)

	return status.String(), nil
}

// stream appends the remaining bytes of dl to its partial file.
func (d *Downloader) stream(ctx context.Context, t *task, dl transfer.Download) error {
	f, err := os.OpenFile(dl.PartialPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, filePerm)
	if err != nil {
		return &transfer.FileError{Operation: "open", Path: dl.PartialPath, Err: err}
	}

	var copyErr error

	if dl.BytesDownloaded < dl.TotalBytes {
		copyErr = d.copyChunks(ctx, t, dl, f)
	}

	syncErr := f.Sync()
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		return copyErr
	case syncErr != nil:
		return &transfer.FileError{Operation: "sync", Path: dl.PartialPath, Err: syncErr}
	case closeErr != nil:
		return &transfer.FileError{Operation: "close", Path: dl.PartialPath, Err: closeErr}
	}

	return nil
}

func (d *Downloader) copyChunks(ctx context.Context, t *task, dl transfer.Download, f *os.File) error {
	body, err := d.client.Get(ctx, dl.URL, dl.BytesDownloaded)
	if err != nil {
		return err
	}
	defer body.Close()

	meter := progress.NewMeter(dl.BytesDownloaded, dl.TotalBytes,
		progress.WithInterval(d.cfg.ProgressInterval),
		progress.WithClock(d.now),
	)

	buf := make([]byte, d.cfg.ChunkSize)
	downloaded := dl.BytesDownloaded

	for {
		n, readErr := body.Read(buf)

		if t.stop.Raised() {
			return errStopped
		}

		if n > 0 {
			if downloaded+int64(n) > dl.TotalBytes {
				return &transfer.ProtocolError{Operation: "get", URL: dl.URL, Reason: "response body exceeds reported size"}
			}

			written, err := f.Write(buf[:n])
			downloaded += int64(written)
			d.recordBytes(t, dl, downloaded, written)

			if err != nil {
				return &transfer.FileError{Operation: "write", Path: dl.PartialPath, Err: err}
			}

			if snap, ok := meter.Observe(downloaded); ok {
				t.live.Store(&snap)
				d.publish(ctx, d.downloadEvent(dl, transfer.StatusDownloading, downloaded, snap))
			}
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			return &transfer.NetworkError{Operation: "read", URL: dl.URL, Err: readErr}
		}
	}

	if downloaded != dl.TotalBytes {
		return &transfer.ProtocolError{
			Operation: "get",
			URL:       dl.URL,
			Reason:    fmt.Sprintf("stream ended at %d of %d bytes", downloaded, dl.TotalBytes),
		}
	}

	t.live.Store(nil)

	return nil
}

func (d *Downloader) recordBytes(t *task, dl transfer.Download, downloaded int64, written int) {
	t.bytes.Store(downloaded)

	// The record is gone once the download is cancelled.
	_ = d.registry.UpdateProgress(dl.ID, downloaded)

	d.telemetry.AddDownloadedBytes(int64(written))
}

// verify checks the partial file against the expected hash. A mismatch moves
// the file into quarantine and publishes the corruption and the terminal
// event; it is reported as verified == false with a nil error.
func (d *Downloader) verify(ctx context.Context, t *task, dl transfer.Download) (bool, error) {
	logger := logctx.LoggerFromContext(ctx)

	_, _ = d.registry.Transition(dl.ID, transfer.StatusVerifying, transfer.StatusDownloading)
	d.publish(ctx, d.downloadEvent(dl, transfer.StatusVerifying, dl.TotalBytes, progress.Snapshot{}))

	var res integrity.Result

	verified, err := d.telemetry.InstrumentVerification(ctx, func(ctx context.Context) (bool, error) {
		var err error

		res, err = d.verifier.VerifyWithProgress(ctx, dl.PartialPath, dl.ExpectedHash, func(p integrity.Progress) {
			d.publish(ctx, events.VerificationProgress{
				DownloadID:     dl.ID,
				ArtifactID:     dl.ArtifactID,
				BytesProcessed: p.BytesProcessed,
				TotalBytes:     p.TotalBytes,
				Percentage:     p.Percentage,
			})
		})

		return res.Verified, err
	})
	if err != nil {
		return false, fmt.Errorf("failed to verify artifact: %w", err)
	}

	if verified {
		logger.InfoContext(ctx, "checksum verified", "hash", res.ComputedHash)

		return true, nil
	}

	entry, err := d.quarantine.Quarantine(ctx, dl.PartialPath, d.artifactExt(), quarantine.Metadata{
		DownloadID:   dl.ID,
		ArtifactID:   dl.ArtifactID,
		ExpectedHash: res.ExpectedHash,
		ActualHash:   res.ComputedHash,
	})
	if err != nil {
		return false, fmt.Errorf("failed to quarantine corrupted artifact: %w", err)
	}

	d.telemetry.RecordQuarantine()

	logger.WarnContext(ctx, "checksum mismatch, artifact quarantined",
		"expected_hash", res.ExpectedHash,
		"actual_hash", res.ComputedHash,
		"quarantine_path", entry.FilePath)

	d.publish(ctx, events.Corruption{
		DownloadID:     dl.ID,
		ArtifactID:     dl.ArtifactID,
		ExpectedHash:   res.ExpectedHash,
		ActualHash:     res.ComputedHash,
		QuarantinePath: entry.FilePath,
		Time:           d.now(),
	})

	_ = d.registry.UpdateStatus(dl.ID, transfer.StatusCorrupted)

	t.terminal.Store(true)
	d.publish(ctx, d.downloadEvent(dl, transfer.StatusCorrupted, t.bytes.Load(), progress.Snapshot{}))

	return false, nil
}

// abort turns a task error into its outcome. Errors caused by a raised stop
// signal are a stop, not a failure.
func (d *Downloader) abort(ctx context.Context, t *task, dl transfer.Download, err error) (string, error) {
	if t.stop.Raised() || errors.Is(err, errStopped) {
		return d.stopped(ctx, t, dl), nil
	}

	d.fail(ctx, t, dl, err)

	return transfer.StatusFailed.String(), err
}

func (d *Downloader) stopped(ctx context.Context, t *task, dl transfer.Download) string {
	logger := logctx.LoggerFromContext(ctx)
	bytes := t.bytes.Load()

	t.live.Store(nil)

	if t.stop.Reason() == transfer.StopCancel {
		logger.InfoContext(ctx, "transfer task stopped by cancel", "bytes_downloaded", bytes)

		return transfer.StatusCancelled.String()
	}

	// Pause sets the status itself; shutdown does not.
	_, _ = d.registry.Transition(dl.ID, transfer.StatusPaused,
		transfer.StatusQueued, transfer.StatusDownloading, transfer.StatusVerifying)

	logger.InfoContext(ctx, "transfer task paused",
		"bytes_downloaded", bytes,
		"downloaded", humanize.IBytes(uint64(bytes)))

	d.publish(ctx, d.downloadEvent(dl, transfer.StatusPaused, bytes, progress.Snapshot{}))

	return transfer.StatusPaused.String()
}

func (d *Downloader) fail(ctx context.Context, t *task, dl transfer.Download, err error) {
	if t.terminal.Load() {
		return
	}

	bytes := t.bytes.Load()

	logctx.LoggerFromContext(ctx).ErrorContext(ctx, "download failed",
		"bytes_downloaded", bytes,
		"total_bytes", dl.TotalBytes,
		"err", err)

	_ = d.registry.UpdateStatus(dl.ID, transfer.StatusFailed)

	t.terminal.Store(true)

	ev := d.downloadEvent(dl, transfer.StatusFailed, bytes, progress.Snapshot{})
	ev.Error = err.Error()

	d.publish(ctx, ev)
}

func (d *Downloader) finish(ctx context.Context, t *task, dl transfer.Download, status transfer.Status) {
	_ = d.registry.UpdateProgress(dl.ID, dl.TotalBytes)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download finished",
		"status", status.String(),
		"size", humanize.IBytes(uint64(dl.TotalBytes)),
		"duration", d.now().Sub(dl.StartedAt).Round(time.Millisecond).String(),
		"path", dl.FinalPath)

	t.terminal.Store(true)
	d.publish(ctx, d.downloadEvent(dl, status, dl.TotalBytes, progress.Snapshot{}))
}
