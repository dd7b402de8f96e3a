package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/artifactd/internal/events"
	"github.com/italolelis/artifactd/internal/transfer"
)

func TestStart_CompletesWithoutHash(t *testing.T) {
	f := newFixture(t, 64*1024)
	ctx := context.Background()

	id, err := f.d.Start(ctx, f.request(""))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	ev := f.events.WaitStatus(t, id, transfer.StatusCompleted)
	assert.Equal(t, int64(len(f.content)), ev.BytesDownloaded)
	assert.Equal(t, int64(len(f.content)), ev.TotalBytes)

	got, err := os.ReadFile(f.finalPath())
	require.NoError(t, err)
	assert.Equal(t, f.content, got)

	assert.NoFileExists(t, f.partialPath())

	companion, err := os.ReadFile(filepath.Join(f.models, "phi-3-mini", "tokenizer.json"))
	require.NoError(t, err)
	assert.Equal(t, companionBody, string(companion))

	snap, err := f.d.Query(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusCompleted, snap.Status)
	assert.Equal(t, snap.TotalBytes, snap.BytesDownloaded)
	assert.Zero(t, snap.SpeedBps)
}

func TestStart_VerifiesChecksum(t *testing.T) {
	f := newFixture(t, 32*1024)

	id, err := f.d.Start(context.Background(), f.request(strings.ToUpper(f.checksum)))
	require.NoError(t, err)

	f.events.WaitStatus(t, id, transfer.StatusVerified)

	var sawVerifying bool

	for _, ev := range f.events.Downloads(id) {
		if ev.Status == transfer.StatusVerifying {
			sawVerifying = true
		}
	}

	assert.True(t, sawVerifying, "expected a verifying event before verified")
	assert.FileExists(t, f.finalPath())
	assert.Len(t, f.events.Terminals(id), 1)
}

func TestStart_ChecksumMismatchQuarantines(t *testing.T) {
	f := newFixture(t, 16*1024)

	id, err := f.d.Start(context.Background(), f.request(strings.Repeat("0", 64)))
	require.NoError(t, err)

	f.events.WaitStatus(t, id, transfer.StatusCorrupted)

	assert.NoFileExists(t, f.finalPath())
	assert.NoFileExists(t, f.partialPath())

	var corruption *events.Corruption

	for _, ev := range f.events.All() {
		if c, ok := ev.(events.Corruption); ok {
			corruption = &c
		}
	}

	require.NotNil(t, corruption)
	assert.Equal(t, "phi-3-mini", corruption.ArtifactID)
	assert.Equal(t, strings.Repeat("0", 64), corruption.ExpectedHash)
	assert.Equal(t, f.checksum, corruption.ActualHash)
	assert.FileExists(t, corruption.QuarantinePath)
	assert.True(t, strings.HasPrefix(filepath.Base(corruption.QuarantinePath), "phi-3-mini_"))
	assert.True(t, strings.HasSuffix(corruption.QuarantinePath, ".gguf.corrupted"))

	quarantined, err := os.ReadFile(corruption.QuarantinePath)
	require.NoError(t, err)
	assert.Equal(t, f.content, quarantined)

	terminals := f.events.Terminals(id)
	require.Len(t, terminals, 1)
	assert.Equal(t, transfer.StatusCorrupted, terminals[0].Status)
}

func TestStart_ResumesFromPartial(t *testing.T) {
	f := newFixture(t, 64*1024)

	const offset = 20 * 1024

	require.NoError(t, os.MkdirAll(filepath.Dir(f.partialPath()), 0o755))
	require.NoError(t, os.WriteFile(f.partialPath(), f.content[:offset], 0o644))

	id, err := f.d.Start(context.Background(), f.request(f.checksum))
	require.NoError(t, err)

	f.events.WaitStatus(t, id, transfer.StatusVerified)

	assert.Equal(t, []string{"bytes=20480-"}, f.server.Ranges())

	got, err := os.ReadFile(f.finalPath())
	require.NoError(t, err)
	assert.Equal(t, f.content, got)

	var last int64

	for _, ev := range f.events.Downloads(id) {
		assert.GreaterOrEqual(t, ev.BytesDownloaded, int64(offset))
		assert.GreaterOrEqual(t, ev.BytesDownloaded, last, "progress went backwards")
		last = ev.BytesDownloaded
	}
}

func TestStart_CompletePartialSkipsTransfer(t *testing.T) {
	f := newFixture(t, 8*1024)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.partialPath()), 0o755))
	require.NoError(t, os.WriteFile(f.partialPath(), f.content, 0o644))

	id, err := f.d.Start(context.Background(), f.request(f.checksum))
	require.NoError(t, err)

	f.events.WaitStatus(t, id, transfer.StatusVerified)

	assert.Empty(t, f.server.Ranges(), "no GET expected for a complete partial")
	assert.FileExists(t, f.finalPath())
}

func TestStart_PartialLargerThanRemoteRestarts(t *testing.T) {
	f := newFixture(t, 8*1024)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.partialPath()), 0o755))
	require.NoError(t, os.WriteFile(f.partialPath(), make([]byte, 16*1024), 0o644))

	id, err := f.d.Start(context.Background(), f.request(f.checksum))
	require.NoError(t, err)

	f.events.WaitStatus(t, id, transfer.StatusVerified)

	assert.Equal(t, []string{""}, f.server.Ranges())

	got, err := os.ReadFile(f.finalPath())
	require.NoError(t, err)
	assert.Equal(t, f.content, got)
}

func TestStart_MissingContentLength(t *testing.T) {
	f := newFixture(t, 1024)
	f.server.noLength.Store(true)

	_, err := f.d.Start(context.Background(), f.request(""))
	require.Error(t, err)
	assert.ErrorIs(t, err, transfer.ErrMissingContentLength)

	assert.Empty(t, f.d.List())
	assert.NoFileExists(t, f.partialPath())
}

func TestStart_CompanionSkippedWhenPresent(t *testing.T) {
	f := newFixture(t, 1024)

	companion := filepath.Join(f.models, "phi-3-mini", "tokenizer.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(companion), 0o755))
	require.NoError(t, os.WriteFile(companion, []byte("local"), 0o644))

	id, err := f.d.Start(context.Background(), f.request(""))
	require.NoError(t, err)

	f.events.WaitStatus(t, id, transfer.StatusCompleted)

	assert.Zero(t, f.server.companionGets.Load())

	got, err := os.ReadFile(companion)
	require.NoError(t, err)
	assert.Equal(t, "local", string(got))
}

func TestStart_Validation(t *testing.T) {
	f := newFixture(t, 1024)

	tests := []struct {
		name string
		req  StartRequest
		want error
	}{
		{name: "empty artifact id", req: StartRequest{URL: f.server.ArtifactURL()}, want: ErrInvalidArtifactID},
		{name: "path separator", req: StartRequest{ArtifactID: "a/b", URL: f.server.ArtifactURL()}, want: ErrInvalidArtifactID},
		{name: "dot dot", req: StartRequest{ArtifactID: "..", URL: f.server.ArtifactURL()}, want: ErrInvalidArtifactID},
		{name: "missing url", req: StartRequest{ArtifactID: "phi-3-mini"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.d.Start(context.Background(), tt.req)
			require.Error(t, err)

			if tt.want != nil {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestStart_ArtifactBusy(t *testing.T) {
	f := newFixture(t, 64*1024)
	f.server.stallAt.Store(8 * 1024)

	_, err := f.d.Start(context.Background(), f.request(""))
	require.NoError(t, err)

	_, err = f.d.Start(context.Background(), f.request(""))
	assert.ErrorIs(t, err, ErrArtifactBusy)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t, 64*1024)

	const stall = 24 * 1024

	f.server.stallAt.Store(stall)

	ctx := context.Background()

	id, err := f.d.Start(ctx, f.request(f.checksum))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := f.d.Query(id)
		return err == nil && s.BytesDownloaded == stall
	}, 5*time.Second, 5*time.Millisecond)

	_, err = f.d.Resume(ctx, id)
	require.ErrorIs(t, err, ErrNotPaused)

	require.NoError(t, f.d.Pause(ctx, id))

	paused := f.events.WaitStatus(t, id, transfer.StatusPaused)
	assert.Equal(t, int64(stall), paused.BytesDownloaded)
	assert.Empty(t, f.events.Terminals(id), "pause is not terminal")

	// Pausing twice is harmless.
	require.NoError(t, f.d.Pause(ctx, id))

	snap, err := f.d.Query(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPaused, snap.Status)

	info, err := os.Stat(f.partialPath())
	require.NoError(t, err)
	assert.Equal(t, int64(stall), info.Size())

	f.server.stallAt.Store(0)

	newID, err := f.d.Resume(ctx, id)
	require.NoError(t, err)
	assert.NotEqual(t, id, newID)

	_, err = f.d.Query(id)
	assert.ErrorIs(t, err, ErrNotFound)

	f.events.WaitStatus(t, newID, transfer.StatusVerified)

	ranges := f.server.Ranges()
	require.Len(t, ranges, 2)
	assert.Equal(t, "bytes=24576-", ranges[1])

	got, err := os.ReadFile(f.finalPath())
	require.NoError(t, err)
	assert.Equal(t, f.content, got)

	_, err = f.d.Resume(ctx, newID)
	assert.ErrorIs(t, err, ErrNotPaused)

	assert.ErrorIs(t, f.d.Pause(ctx, newID), ErrNotActive)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, 64*1024)

	const stall = 16 * 1024

	f.server.stallAt.Store(stall)

	ctx := context.Background()

	id, err := f.d.Start(ctx, f.request(""))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := f.d.Query(id)
		return err == nil && s.BytesDownloaded == stall
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.d.Cancel(ctx, id))

	_, err = f.d.Query(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, f.partialPath())

	terminals := f.events.Terminals(id)
	require.Len(t, terminals, 1)
	assert.Equal(t, transfer.StatusCancelled, terminals[0].Status)
	assert.Equal(t, int64(stall), terminals[0].BytesDownloaded)

	for _, ev := range f.events.Downloads(id) {
		assert.NotEqual(t, transfer.StatusPaused, ev.Status)
	}

	assert.ErrorIs(t, f.d.Cancel(ctx, id), ErrNotFound)

	// The slot is free again.
	f.server.stallAt.Store(0)

	next, err := f.d.Start(ctx, f.request(""))
	require.NoError(t, err)
	f.events.WaitStatus(t, next, transfer.StatusCompleted)
}

func TestCancel_FinishedDownloadPublishesNothing(t *testing.T) {
	f := newFixture(t, 4*1024)
	ctx := context.Background()

	id, err := f.d.Start(ctx, f.request(""))
	require.NoError(t, err)

	f.events.WaitStatus(t, id, transfer.StatusCompleted)

	require.NoError(t, f.d.Cancel(ctx, id))

	terminals := f.events.Terminals(id)
	require.Len(t, terminals, 1)
	assert.Equal(t, transfer.StatusCompleted, terminals[0].Status)
	assert.FileExists(t, f.finalPath())
}

func TestTransferFailureKeepsPartial(t *testing.T) {
	f := newFixture(t, 64*1024)

	const cut = 10 * 1024

	f.server.truncateAt.Store(cut)

	ctx := context.Background()

	id, err := f.d.Start(ctx, f.request(f.checksum))
	require.NoError(t, err)

	failed := f.events.WaitStatus(t, id, transfer.StatusFailed)
	assert.NotEmpty(t, failed.Error)
	assert.Equal(t, int64(cut), failed.BytesDownloaded)
	assert.Len(t, f.events.Terminals(id), 1)

	info, err := os.Stat(f.partialPath())
	require.NoError(t, err)
	assert.Equal(t, int64(cut), info.Size())

	snap, err := f.d.Query(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusFailed, snap.Status)

	// A failed download is retried with a fresh start that picks up the partial.
	f.server.truncateAt.Store(0)

	retry, err := f.d.Start(ctx, f.request(f.checksum))
	require.NoError(t, err)

	f.events.WaitStatus(t, retry, transfer.StatusVerified)

	got, err := os.ReadFile(f.finalPath())
	require.NoError(t, err)
	assert.Equal(t, f.content, got)
}

func TestIgnoredRangeIsProtocolError(t *testing.T) {
	f := newFixture(t, 16*1024)
	f.server.ignoreRange.Store(true)

	const offset = 4 * 1024

	require.NoError(t, os.MkdirAll(filepath.Dir(f.partialPath()), 0o755))
	require.NoError(t, os.WriteFile(f.partialPath(), f.content[:offset], 0o644))

	id, err := f.d.Start(context.Background(), f.request(""))
	require.NoError(t, err)

	failed := f.events.WaitStatus(t, id, transfer.StatusFailed)
	assert.Contains(t, failed.Error, "range")

	info, err := os.Stat(f.partialPath())
	require.NoError(t, err)
	assert.Equal(t, int64(offset), info.Size(), "partial must not grow")
}

func TestClosePausesRunningDownloads(t *testing.T) {
	f := newFixture(t, 64*1024)
	f.server.stallAt.Store(4 * 1024)

	ctx := context.Background()

	id, err := f.d.Start(ctx, f.request(""))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := f.d.Query(id)
		return err == nil && s.BytesDownloaded == 4*1024
	}, 5*time.Second, 5*time.Millisecond)

	closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	require.NoError(t, f.d.Close(closeCtx))

	snap, err := f.d.Query(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPaused, snap.Status)
	assert.FileExists(t, f.partialPath())

	_, err = f.d.Start(ctx, f.request(""))
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestList(t *testing.T) {
	f := newFixture(t, 2*1024)
	ctx := context.Background()

	first, err := f.d.Start(ctx, f.request(""))
	require.NoError(t, err)
	f.events.WaitStatus(t, first, transfer.StatusCompleted)

	req := f.request("")
	req.ArtifactID = "llama"

	second, err := f.d.Start(ctx, req)
	require.NoError(t, err)
	f.events.WaitStatus(t, second, transfer.StatusCompleted)

	list := f.d.List()
	require.Len(t, list, 2)
	assert.Equal(t, first, list[0].ID)
	assert.Equal(t, second, list[1].ID)
}
