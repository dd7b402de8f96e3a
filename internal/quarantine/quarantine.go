// Package quarantine stores artifacts that failed checksum verification.
//
// Files are named {artifact_id}_{YYYYMMDD_HHMMSS}.{ext}.corrupted with the
// timestamp in UTC. Each file may carry a JSON sidecar ({file}.json) holding
// the hashes that were compared. Nothing in this package deletes a
// quarantined file except an explicit Delete.
package quarantine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/italolelis/artifactd/internal/logctx"
)

const (
	// Suffix marks a quarantined artifact.
	Suffix = ".corrupted"

	sidecarSuffix   = ".json"
	timestampLayout = "20060102_150405"
	unknownHash     = "unknown"
)

var (
	ErrNotFound  = errors.New("quarantine: entry not found")
	ErrInvalidID = errors.New("quarantine: invalid artifact id")
)

// Metadata is persisted next to a quarantined file.
type Metadata struct {
	DownloadID    string    `json:"download_id,omitempty"`
	ArtifactID    string    `json:"artifact_id"`
	ExpectedHash  string    `json:"expected_hash"`
	ActualHash    string    `json:"actual_hash"`
	SourcePath    string    `json:"source_path"`
	QuarantinedAt time.Time `json:"quarantined_at"`
}

// Entry describes one quarantined file.
type Entry struct {
	ID           string  `json:"id"`
	ArtifactID   string  `json:"artifact_id"`
	Timestamp    string  `json:"timestamp"`
	DownloadID   string  `json:"download_id,omitempty"`
	ExpectedHash string  `json:"expected_hash"`
	ActualHash   string  `json:"actual_hash"`
	FilePath     string  `json:"file_path"`
	FileSizeMB   float64 `json:"file_size_mb"`
}

type Store struct {
	dir string
	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the time source used for file names.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, now: time.Now}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) Dir() string {
	return s.dir
}

// Quarantine moves src into the store. ext is the artifact's file extension
// without the dot, e.g. "gguf". The returned entry points at the new file.
func (s *Store) Quarantine(ctx context.Context, src, ext string, meta Metadata) (Entry, error) {
	logger := logctx.LoggerFromContext(ctx)

	if meta.ArtifactID == "" || strings.ContainsAny(meta.ArtifactID, `/\`) {
		return Entry{}, ErrInvalidID
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return Entry{}, fmt.Errorf("failed to create quarantine directory: %w", err)
	}

	info, err := os.Stat(src)
	if err != nil {
		return Entry{}, fmt.Errorf("failed to stat file to quarantine: %w", err)
	}

	at := s.now().UTC().Truncate(time.Second)

	dst, err := s.reserveName(meta.ArtifactID, ext, at)
	if err != nil {
		return Entry{}, err
	}

	if err := moveFile(src, dst); err != nil {
		return Entry{}, fmt.Errorf("failed to move file into quarantine: %w", err)
	}

	meta.SourcePath = src
	if meta.QuarantinedAt.IsZero() {
		meta.QuarantinedAt = at
	}

	if err := writeSidecar(dst+sidecarSuffix, meta); err != nil {
		// The artifact is already isolated, only the hashes are lost.
		logger.WarnContext(ctx, "failed to write quarantine metadata", "path", dst, "err", err)
	}

	id := strings.TrimSuffix(filepath.Base(dst), Suffix)
	artifactID, timestamp, _ := ParseFilename(id)

	return Entry{
		ID:           id,
		ArtifactID:   artifactID,
		Timestamp:    timestamp,
		DownloadID:   meta.DownloadID,
		ExpectedHash: meta.ExpectedHash,
		ActualHash:   meta.ActualHash,
		FilePath:     dst,
		FileSizeMB:   toMB(info.Size()),
	}, nil
}

// reserveName picks a free file name, moving the timestamp forward when two
// artifacts are quarantined within the same second.
func (s *Store) reserveName(artifactID, ext string, at time.Time) (string, error) {
	for i := 0; i < 60; i++ {
		name := artifactID + "_" + at.Add(time.Duration(i)*time.Second).Format(timestampLayout)
		if ext != "" {
			name += "." + ext
		}

		dst := filepath.Join(s.dir, name+Suffix)
		if _, err := os.Lstat(dst); errors.Is(err, fs.ErrNotExist) {
			return dst, nil
		}
	}

	return "", fmt.Errorf("no free quarantine name for %s", artifactID)
}

// List returns every parseable quarantine entry, newest first. A missing
// directory yields an empty list.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Entry{}, nil
		}

		return nil, fmt.Errorf("failed to read quarantine directory: %w", err)
	}

	logger := logctx.LoggerFromContext(ctx)
	entries := make([]Entry, 0, len(dirEntries))

	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), Suffix) {
			continue
		}

		id := strings.TrimSuffix(de.Name(), Suffix)

		artifactID, timestamp, ok := ParseFilename(id)
		if !ok {
			continue
		}

		path := filepath.Join(s.dir, de.Name())
		entry := Entry{
			ID:           id,
			ArtifactID:   artifactID,
			Timestamp:    timestamp,
			ExpectedHash: unknownHash,
			ActualHash:   unknownHash,
			FilePath:     path,
		}

		if info, err := de.Info(); err == nil {
			entry.FileSizeMB = toMB(info.Size())
		}

		meta, err := readSidecar(path + sidecarSuffix)

		switch {
		case err == nil:
			entry.DownloadID = meta.DownloadID
			entry.ExpectedHash = orUnknown(meta.ExpectedHash)
			entry.ActualHash = orUnknown(meta.ActualHash)
		case !errors.Is(err, fs.ErrNotExist):
			logger.DebugContext(ctx, "ignoring unreadable quarantine metadata", "path", path, "err", err)
		}

		entries = append(entries, entry)
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Timestamp == entries[j].Timestamp {
			return entries[i].ID < entries[j].ID
		}

		return entries[i].Timestamp > entries[j].Timestamp
	})

	return entries, nil
}

// Delete removes the entry whose file name without the .corrupted suffix
// equals id, together with its sidecar.
func (s *Store) Delete(ctx context.Context, id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return ErrNotFound
	}

	path := filepath.Join(s.dir, id+Suffix)

	info, err := os.Lstat(path)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete quarantined file: %w", err)
	}

	if err := os.Remove(path + sidecarSuffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to delete quarantine metadata", "path", path, "err", err)
	}

	return nil
}

// ParseFilename splits a quarantine id such as
// "phi-3-mini_20251229_103000.gguf" into artifact id and timestamp. Artifact
// ids may contain underscores, so the trailing two tokens are taken as the
// timestamp. A name with a single underscore splits on it.
func ParseFilename(name string) (artifactID, timestamp string, ok bool) {
	name = strings.TrimSuffix(name, Suffix)

	if ext := filepath.Ext(name); ext != "" && !strings.Contains(ext, "_") {
		name = strings.TrimSuffix(name, ext)
	}

	last := strings.LastIndex(name, "_")
	if last < 0 || len(name)-last-1 < 6 {
		return "", "", false
	}

	second := strings.LastIndex(name[:last], "_")
	if second <= 0 {
		artifactID, timestamp = name[:last], name[last+1:]
	} else {
		artifactID, timestamp = name[:second], name[second+1:]
	}

	if artifactID == "" {
		return "", "", false
	}

	return artifactID, timestamp, true
}

func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil || !errors.Is(err, unix.EXDEV) {
		return err
	}

	// Quarantine lives on another filesystem.
	if err := copyFile(src, dst); err != nil {
		_ = os.Remove(dst)

		return err
	}

	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()

		return err
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}

func writeSidecar(path string, meta Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func readSidecar(path string) (Metadata, error) {
	var meta Metadata

	data, err := os.ReadFile(path)
	if err != nil {
		return meta, err
	}

	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("failed to decode metadata: %w", err)
	}

	return meta, nil
}

func orUnknown(s string) string {
	if s == "" {
		return unknownHash
	}

	return s
}

func toMB(size int64) float64 {
	return float64(size) / (1024 * 1024)
}
