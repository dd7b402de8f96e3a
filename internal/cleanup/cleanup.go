package cleanup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/artifactd/internal/logctx"
)

// InUseFunc reports whether a live download still owns an artifact's files.
type InUseFunc func(artifactID string) bool

// DeleteStalePartials deletes partial files under modelsDir that were last
// written more than keepDuration ago and belong to no live download. It
// returns the number of files removed.
func DeleteStalePartials(ctx context.Context, modelsDir, suffix string, keepDuration time.Duration, inUse InUseFunc) (int, error) {
	logger := logctx.LoggerFromContext(ctx)
	now := time.Now()

	artifacts, err := os.ReadDir(modelsDir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	removed := 0

	for _, artifact := range artifacts {
		if !artifact.IsDir() {
			continue
		}

		if inUse != nil && inUse(artifact.Name()) {
			continue
		}

		dir := filepath.Join(modelsDir, artifact.Name())

		entries, err := os.ReadDir(dir)
		if err != nil {
			logger.Error("Failed to read artifact directory", "dir", dir, "err", err)

			continue
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
				continue
			}

			filePath := filepath.Join(dir, entry.Name())

			info, err := entry.Info()
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue // already deleted
				}

				logger.Error("Failed to stat file", "file", filePath, "err", err)

				continue
			}

			if now.Sub(info.ModTime()) <= keepDuration {
				continue
			}

			if err := os.Remove(filePath); err != nil && !errors.Is(err, os.ErrNotExist) {
				logger.Error("Failed to delete stale partial file", "file", filePath, "err", err)

				return removed, err
			}

			removed++

			logger.Info("Deleted stale partial file",
				"file", filePath,
				"size", humanize.IBytes(uint64(info.Size())),
				"last_written", humanize.Time(info.ModTime()))
		}
	}

	return removed, nil
}

// Run calls DeleteStalePartials every interval until ctx is done.
func Run(ctx context.Context, interval time.Duration, modelsDir, suffix string, keepDuration time.Duration, inUse InUseFunc) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("cleanup goroutine shutting down.")

			return
		case <-ticker.C:
			if _, err := DeleteStalePartials(ctx, modelsDir, suffix, keepDuration, inUse); err != nil {
				logger.Error("failed to delete stale partial files", "err", err)
			}
		}
	}
}
