// Package downloader runs resumable artifact transfers: one task per active
// download streaming into a partial file, followed by optional checksum
// verification, quarantine on mismatch and an atomic rename on success.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/italolelis/artifactd/internal/downloader/progress"
	"github.com/italolelis/artifactd/internal/events"
	"github.com/italolelis/artifactd/internal/integrity"
	"github.com/italolelis/artifactd/internal/logctx"
	"github.com/italolelis/artifactd/internal/quarantine"
	"github.com/italolelis/artifactd/internal/registry"
	"github.com/italolelis/artifactd/internal/telemetry"
	"github.com/italolelis/artifactd/internal/transfer"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	// PartialSuffix marks a file that is still being written.
	PartialSuffix = ".part"

	defaultChunkSize = 256 * 1024
	publishTimeout   = 5 * time.Second
	stopWaitTimeout  = 30 * time.Second
)

// Config holds the on-disk layout and transfer tuning.
type Config struct {
	// ModelsDir holds one directory per artifact.
	ModelsDir         string
	MainFileName      string
	CompanionFileName string
	ProgressInterval  time.Duration
	ChunkSize         int
}

// StartRequest describes an artifact to fetch.
type StartRequest struct {
	ArtifactID   string `json:"artifact_id"`
	URL          string `json:"url"`
	CompanionURL string `json:"companion_url,omitempty"`
	ExpectedHash string `json:"expected_hash,omitempty"`
}

// Snapshot is the caller-visible state of a download. Speed and ETA are only
// non-zero while a transfer task is streaming.
type Snapshot struct {
	ID              string          `json:"id"`
	ArtifactID      string          `json:"artifact_id"`
	URL             string          `json:"url"`
	CompanionURL    string          `json:"companion_url,omitempty"`
	Status          transfer.Status `json:"status"`
	BytesDownloaded int64           `json:"bytes_downloaded"`
	TotalBytes      int64           `json:"total_bytes"`
	SpeedBps        float64         `json:"speed_bps"`
	ETASeconds      float64         `json:"eta_seconds"`
	ExpectedHash    string          `json:"expected_hash,omitempty"`
	FinalPath       string          `json:"final_path"`
	StartedAt       time.Time       `json:"started_at"`
}

// task is the per-artifact slot. At most one exists per artifact, which
// keeps two tasks from appending to the same partial file.
type task struct {
	downloadID string // guarded by Downloader.mu
	stop       *transfer.StopSignal
	done       chan struct{}

	bytes atomic.Int64
	live  atomic.Pointer[progress.Snapshot]

	// terminal is set once the task itself published a terminal event.
	terminal atomic.Bool
}

type Downloader struct {
	cfg        Config
	client     transfer.Client
	registry   *registry.Registry
	verifier   *integrity.Verifier
	quarantine *quarantine.Store
	publisher  events.Publisher
	telemetry  *telemetry.Telemetry

	now   func() time.Time
	newID func() string

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	wg     sync.WaitGroup
}

type Option func(*Downloader)

func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(d *Downloader) {
		d.telemetry = tel
	}
}

// WithClock replaces time.Now for timestamps and progress metering.
func WithClock(now func() time.Time) Option {
	return func(d *Downloader) {
		d.now = now
	}
}

// WithIDGenerator replaces the download id source.
func WithIDGenerator(newID func() string) Option {
	return func(d *Downloader) {
		d.newID = newID
	}
}

func NewDownloader(
	cfg Config,
	client transfer.Client,
	reg *registry.Registry,
	verifier *integrity.Verifier,
	store *quarantine.Store,
	publisher events.Publisher,
	opts ...Option,
) *Downloader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}

	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = progress.DefaultInterval
	}

	if publisher == nil {
		publisher = events.Discard
	}

	d := &Downloader{
		cfg:        cfg,
		client:     client,
		registry:   reg,
		verifier:   verifier,
		quarantine: store,
		publisher:  publisher,
		now:        time.Now,
		newID:      uuid.NewString,
		tasks:      make(map[string]*task),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Start prepares the artifact directory, fetches the companion file, probes
// the remote size and spawns a transfer task. It returns the new download id.
// An existing partial file is resumed from its current length.
func (d *Downloader) Start(ctx context.Context, req StartRequest) (string, error) {
	if err := validateArtifactID(req.ArtifactID); err != nil {
		return "", err
	}

	if strings.TrimSpace(req.URL) == "" {
		return "", errors.New("downloader: url is required")
	}

	t, err := d.acquire(ctx, req.ArtifactID)
	if err != nil {
		return "", err
	}

	dl, err := d.prepare(ctx, req, t)
	if err != nil {
		d.release(req.ArtifactID, t)

		return "", err
	}

	d.wg.Add(1)

	go d.run(context.WithoutCancel(ctx), t, dl)

	return dl.ID, nil
}

func (d *Downloader) prepare(ctx context.Context, req StartRequest, t *task) (transfer.Download, error) {
	logger := logctx.LoggerFromContext(ctx).With("artifact_id", req.ArtifactID)

	dir := d.artifactDir(req.ArtifactID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return transfer.Download{}, &transfer.FileError{Operation: "mkdir", Path: dir, Err: err}
	}

	if req.CompanionURL != "" {
		if err := d.fetchCompanion(ctx, req.CompanionURL, d.companionPath(req.ArtifactID)); err != nil {
			return transfer.Download{}, fmt.Errorf("failed to fetch companion file: %w", err)
		}
	}

	partial := d.partialPath(req.ArtifactID)

	offset, err := fileSize(partial)
	if err != nil {
		return transfer.Download{}, &transfer.FileError{Operation: "stat", Path: partial, Err: err}
	}

	remote, err := d.client.Head(ctx, req.URL)
	if err != nil {
		return transfer.Download{}, fmt.Errorf("failed to probe remote size: %w", err)
	}

	if offset > remote.Size {
		// The remote artifact changed since the partial was written.
		logger.WarnContext(ctx, "partial file larger than remote, restarting",
			"partial_bytes", offset, "remote_bytes", remote.Size)

		if err := os.Remove(partial); err != nil && !errors.Is(err, os.ErrNotExist) {
			return transfer.Download{}, &transfer.FileError{Operation: "remove", Path: partial, Err: err}
		}

		offset = 0
	}

	dl := transfer.Download{
		ID:              d.newID(),
		ArtifactID:      req.ArtifactID,
		URL:             req.URL,
		CompanionURL:    req.CompanionURL,
		FinalPath:       d.finalPath(req.ArtifactID),
		PartialPath:     partial,
		BytesDownloaded: offset,
		TotalBytes:      remote.Size,
		Status:          transfer.StatusDownloading,
		ExpectedHash:    strings.TrimSpace(req.ExpectedHash),
		StartedAt:       d.now(),
		Stop:            t.stop,
	}

	d.mu.Lock()
	t.downloadID = dl.ID
	d.mu.Unlock()

	t.bytes.Store(offset)

	if err := d.registry.Add(dl); err != nil {
		return transfer.Download{}, err
	}

	logger.InfoContext(ctx, "download started",
		"download_id", dl.ID,
		"offset", humanize.IBytes(uint64(offset)),
		"total", humanize.IBytes(uint64(remote.Size)),
	)

	d.publish(ctx, d.downloadEvent(dl, transfer.StatusDownloading, offset, progress.Snapshot{}))

	return dl, nil
}

// Pause stops the running task at its next chunk boundary. The partial file
// is kept and the download can be continued with Resume.
func (d *Downloader) Pause(ctx context.Context, id string) error {
	dl, ok := d.registry.Get(id)
	if !ok {
		return ErrNotFound
	}

	if dl.Status == transfer.StatusPaused {
		return nil
	}

	changed, err := d.registry.Transition(id, transfer.StatusPaused,
		transfer.StatusQueued, transfer.StatusDownloading, transfer.StatusVerifying)
	if err != nil {
		return ErrNotFound
	}

	if !changed {
		return ErrNotActive
	}

	dl.Stop.Raise(transfer.StopPause)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download paused", "download_id", id, "artifact_id", dl.ArtifactID)

	return nil
}

// Resume restarts a paused download from its partial file. The old id is
// discarded and the new one returned.
func (d *Downloader) Resume(ctx context.Context, id string) (string, error) {
	dl, ok := d.registry.Get(id)
	if !ok {
		return "", ErrNotFound
	}

	if dl.Status != transfer.StatusPaused {
		return "", ErrNotPaused
	}

	d.registry.Remove(id)

	return d.Start(ctx, StartRequest{
		ArtifactID:   dl.ArtifactID,
		URL:          dl.URL,
		CompanionURL: dl.CompanionURL,
		ExpectedHash: dl.ExpectedHash,
	})
}

// Cancel forgets the download, stops its task and deletes the partial file.
// Failing to delete the partial file is logged, not returned. Once the record
// is removed the cancellation runs to completion even if ctx ends.
func (d *Downloader) Cancel(ctx context.Context, id string) error {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	dl, ok := d.registry.Remove(id)
	if !ok {
		return ErrNotFound
	}

	dl.Stop.Raise(transfer.StopCancel)

	bytesDownloaded := dl.BytesDownloaded

	alreadyTerminal := dl.Status.IsTerminal()

	taskStopped := true

	if t := d.taskOf(dl.ArtifactID, id); t != nil {
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopWaitTimeout)

		select {
		case <-t.done:
		case <-waitCtx.Done():
			taskStopped = false

			logger.WarnContext(ctx, "transfer task did not stop in time", "artifact_id", dl.ArtifactID)
		}

		cancel()

		bytesDownloaded = max(bytesDownloaded, t.bytes.Load())
		alreadyTerminal = alreadyTerminal || t.terminal.Load()
	}

	if !taskStopped {
		logger.WarnContext(ctx, "keeping partial file of a task still stopping", "path", dl.PartialPath)
	} else if t := d.taskFor(dl.ArtifactID); t != nil {
		// A newer download of the same artifact owns the partial file now.
		logger.InfoContext(ctx, "keeping partial file in use by another download", "artifact_id", dl.ArtifactID)
	} else if err := os.Remove(dl.PartialPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.WarnContext(ctx, "failed to delete partial file", "path", dl.PartialPath, "err", err)
	}

	// A download that already reached a terminal state has had its one
	// terminal event.
	if alreadyTerminal {
		return nil
	}

	logger.InfoContext(ctx, "download cancelled", "artifact_id", dl.ArtifactID)

	d.publish(ctx, d.downloadEvent(dl, transfer.StatusCancelled, bytesDownloaded, progress.Snapshot{}))

	return nil
}

// Query returns the current state of a download.
func (d *Downloader) Query(id string) (Snapshot, error) {
	dl, ok := d.registry.Get(id)
	if !ok {
		return Snapshot{}, ErrNotFound
	}

	return d.snapshot(dl), nil
}

// List returns every known download, oldest first.
func (d *Downloader) List() []Snapshot {
	downloads := d.registry.List()
	out := make([]Snapshot, 0, len(downloads))

	for _, dl := range downloads {
		out = append(out, d.snapshot(dl))
	}

	return out
}

func (d *Downloader) snapshot(dl transfer.Download) Snapshot {
	s := Snapshot{
		ID:              dl.ID,
		ArtifactID:      dl.ArtifactID,
		URL:             dl.URL,
		CompanionURL:    dl.CompanionURL,
		Status:          dl.Status,
		BytesDownloaded: dl.BytesDownloaded,
		TotalBytes:      dl.TotalBytes,
		ExpectedHash:    dl.ExpectedHash,
		FinalPath:       dl.FinalPath,
		StartedAt:       dl.StartedAt,
	}

	if dl.Status != transfer.StatusDownloading {
		return s
	}

	if t := d.taskOf(dl.ArtifactID, dl.ID); t != nil {
		if live := t.live.Load(); live != nil {
			s.SpeedBps = live.SpeedBps
			s.ETASeconds = live.ETASeconds
		}
	}

	return s
}

// Close stops every running task as if paused and waits for them to exit.
func (d *Downloader) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true

	for _, t := range d.tasks {
		t.stop.Raise(transfer.StopPause)
	}
	d.mu.Unlock()

	done := make(chan struct{})

	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed waiting for transfers to stop: %w", ctx.Err())
	}
}

// acquire reserves the artifact slot. A task that has been told to stop is
// waited for; a running one makes the artifact busy.
func (d *Downloader) acquire(ctx context.Context, artifactID string) (*task, error) {
	for {
		d.mu.Lock()

		if d.closed {
			d.mu.Unlock()

			return nil, ErrClosed
		}

		existing, ok := d.tasks[artifactID]
		if !ok {
			t := &task{stop: transfer.NewStopSignal(), done: make(chan struct{})}
			d.tasks[artifactID] = t
			d.mu.Unlock()

			return t, nil
		}

		d.mu.Unlock()

		if !existing.stop.Raised() {
			return nil, ErrArtifactBusy
		}

		select {
		case <-existing.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (d *Downloader) release(artifactID string, t *task) {
	d.mu.Lock()
	if d.tasks[artifactID] == t {
		delete(d.tasks, artifactID)
	}
	d.mu.Unlock()

	close(t.done)
}

func (d *Downloader) taskFor(artifactID string) *task {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.tasks[artifactID]
}

// taskOf returns the artifact's task only if it runs the given download.
func (d *Downloader) taskOf(artifactID, downloadID string) *task {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.tasks[artifactID]; ok && t.downloadID == downloadID {
		return t
	}

	return nil
}

// fetchCompanion downloads url to path unless path already exists. The file
// appears under its final name only once complete.
func (d *Downloader) fetchCompanion(ctx context.Context, url, path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	body, err := d.client.Get(ctx, url, 0)
	if err != nil {
		return err
	}
	defer body.Close()

	tmp := path + PartialSuffix

	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePerm)
	if err != nil {
		return &transfer.FileError{Operation: "open", Path: tmp, Err: err}
	}

	if _, err := io.Copy(out, body); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)

		return &transfer.NetworkError{Operation: "read", URL: url, Err: err}
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()

		return &transfer.FileError{Operation: "sync", Path: tmp, Err: err}
	}

	if err := out.Close(); err != nil {
		return &transfer.FileError{Operation: "close", Path: tmp, Err: err}
	}

	if err := os.Rename(tmp, path); err != nil {
		return &transfer.FileError{Operation: "rename", Path: path, Err: err}
	}

	return nil
}

func (d *Downloader) publish(ctx context.Context, ev events.Event) {
	// Stopping a task cancels its context; status events must still go out.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	d.publisher.Publish(ctx, ev)
}

func (d *Downloader) downloadEvent(dl transfer.Download, status transfer.Status, bytes int64, p progress.Snapshot) events.DownloadEvent {
	return events.DownloadEvent{
		ID:              dl.ID,
		ArtifactID:      dl.ArtifactID,
		Status:          status,
		BytesDownloaded: bytes,
		TotalBytes:      dl.TotalBytes,
		SpeedBps:        p.SpeedBps,
		ETASeconds:      p.ETASeconds,
		Time:            d.now(),
	}
}

func validateArtifactID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidArtifactID, id)
	}

	return nil
}

// fileSize returns 0 for a missing file.
func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func (d *Downloader) artifactDir(artifactID string) string {
	return filepath.Join(d.cfg.ModelsDir, artifactID)
}

func (d *Downloader) finalPath(artifactID string) string {
	return filepath.Join(d.artifactDir(artifactID), d.cfg.MainFileName)
}

func (d *Downloader) partialPath(artifactID string) string {
	return d.finalPath(artifactID) + PartialSuffix
}

func (d *Downloader) companionPath(artifactID string) string {
	return filepath.Join(d.artifactDir(artifactID), d.cfg.CompanionFileName)
}

func (d *Downloader) artifactExt() string {
	return strings.TrimPrefix(filepath.Ext(d.cfg.MainFileName), ".")
}
