package downloader

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/artifactd/internal/events"
	"github.com/italolelis/artifactd/internal/integrity"
	"github.com/italolelis/artifactd/internal/transfer"
)

// reportingVerifier reports progress for any file, in small steps.
func reportingVerifier() *integrity.Verifier {
	return integrity.NewVerifier(
		integrity.WithProgressThreshold(0),
		integrity.WithBufferSize(1024),
	)
}

func TestCancel_EndedContextStillFinishes(t *testing.T) {
	f := newFixture(t, 64*1024)

	const stall = 16 * 1024

	f.server.stallAt.Store(stall)

	id, err := f.d.Start(context.Background(), f.request(""))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s, err := f.d.Query(id)
		return err == nil && s.BytesDownloaded == stall
	}, 5*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, f.d.Cancel(ctx, id))

	_, err = f.d.Query(id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoFileExists(t, f.partialPath())

	terminals := f.events.Terminals(id)
	require.Len(t, terminals, 1)
	assert.Equal(t, transfer.StatusCancelled, terminals[0].Status)
	assert.Equal(t, int64(stall), terminals[0].BytesDownloaded)
}

func TestStart_PublishesVerificationProgress(t *testing.T) {
	const size = 64 * 1024

	f := newFixture(t, size, withVerifier(reportingVerifier()))

	id, err := f.d.Start(context.Background(), f.request(f.checksum))
	require.NoError(t, err)

	f.events.WaitStatus(t, id, transfer.StatusVerified)

	var reports []events.VerificationProgress

	for _, ev := range f.events.All() {
		if vp, ok := ev.(events.VerificationProgress); ok && vp.DownloadID == id {
			reports = append(reports, vp)
		}
	}

	require.NotEmpty(t, reports)

	for i := 1; i < len(reports); i++ {
		assert.GreaterOrEqual(t, reports[i].Percentage, reports[i-1].Percentage)
		assert.GreaterOrEqual(t, reports[i].BytesProcessed, reports[i-1].BytesProcessed)
	}

	last := reports[len(reports)-1]
	assert.InDelta(t, 100.0, last.Percentage, 0.001)
	assert.Equal(t, int64(size), last.TotalBytes)
	assert.Equal(t, "phi-3-mini", last.ArtifactID)
}

func TestPause_DuringVerification(t *testing.T) {
	const size = 64 * 1024

	var gate *gatedPublisher

	f := newFixture(t, size,
		withVerifier(reportingVerifier()),
		withPublisher(func(r *recorder) events.Publisher {
			gate = newGatedPublisher(t, r)
			return gate
		}),
	)

	ctx := context.Background()

	id, err := f.d.Start(ctx, f.request(f.checksum))
	require.NoError(t, err)

	gate.waitReached(t)

	snap, err := f.d.Query(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusVerifying, snap.Status)

	require.NoError(t, f.d.Pause(ctx, id))
	gate.open()

	paused := f.events.WaitStatus(t, id, transfer.StatusPaused)
	assert.Equal(t, int64(size), paused.BytesDownloaded)
	assert.Empty(t, f.events.Terminals(id))

	snap, err = f.d.Query(id)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPaused, snap.Status)

	assert.NoFileExists(t, f.finalPath())
	assert.FileExists(t, f.partialPath())

	// The partial is complete, so resuming only verifies it.
	newID, err := f.d.Resume(ctx, id)
	require.NoError(t, err)

	f.events.WaitStatus(t, newID, transfer.StatusVerified)
	assert.Len(t, f.server.Ranges(), 1)
	assert.FileExists(t, f.finalPath())
}

func TestCancel_DuringVerification(t *testing.T) {
	var gate *gatedPublisher

	f := newFixture(t, 64*1024,
		withVerifier(reportingVerifier()),
		withPublisher(func(r *recorder) events.Publisher {
			gate = newGatedPublisher(t, r)
			return gate
		}),
	)

	ctx := context.Background()

	id, err := f.d.Start(ctx, f.request(f.checksum))
	require.NoError(t, err)

	gate.waitReached(t)

	errCh := make(chan error, 1)

	go func() { errCh <- f.d.Cancel(ctx, id) }()

	require.Eventually(t, func() bool {
		_, err := f.d.Query(id)
		return errors.Is(err, ErrNotFound)
	}, 5*time.Second, 5*time.Millisecond)

	gate.open()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not return")
	}

	terminals := f.events.Terminals(id)
	require.Len(t, terminals, 1)
	assert.Equal(t, transfer.StatusCancelled, terminals[0].Status)

	for _, ev := range f.events.Downloads(id) {
		assert.NotEqual(t, transfer.StatusPaused, ev.Status)
	}

	assert.NoFileExists(t, f.partialPath())
	assert.NoFileExists(t, f.finalPath())

	entries, err := os.ReadDir(f.quarDir)
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestExecute_PausedBeforeCommitKeepsPartial(t *testing.T) {
	const size = 4 * 1024

	f := newFixture(t, size)

	require.NoError(t, os.MkdirAll(filepath.Dir(f.partialPath()), dirPerm))
	require.NoError(t, os.WriteFile(f.partialPath(), f.content, filePerm))

	// The record was paused after the task last looked at its stop signal.
	dl := transfer.Download{
		ID:              "dl-paused",
		ArtifactID:      "phi-3-mini",
		URL:             f.server.ArtifactURL(),
		FinalPath:       f.finalPath(),
		PartialPath:     f.partialPath(),
		BytesDownloaded: size,
		TotalBytes:      size,
		Status:          transfer.StatusPaused,
		StartedAt:       time.Now(),
		Stop:            transfer.NewStopSignal(),
	}
	require.NoError(t, f.reg.Add(dl))

	tk := &task{downloadID: dl.ID, stop: dl.Stop, done: make(chan struct{})}
	tk.bytes.Store(size)

	outcome, err := f.d.execute(context.Background(), tk, dl)
	require.NoError(t, err)
	assert.Equal(t, transfer.StatusPaused.String(), outcome)

	assert.NoFileExists(t, f.finalPath())
	assert.FileExists(t, f.partialPath())

	got, ok := f.reg.Get(dl.ID)
	require.True(t, ok)
	assert.Equal(t, transfer.StatusPaused, got.Status)

	assert.Empty(t, f.events.Terminals(dl.ID))

	downloads := f.events.Downloads(dl.ID)
	require.Len(t, downloads, 1)
	assert.Equal(t, transfer.StatusPaused, downloads[0].Status)
}
